package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/gwillem/pursuit/pkg/camera"
	"github.com/gwillem/pursuit/pkg/config"
	"github.com/gwillem/pursuit/pkg/control"
	"github.com/gwillem/pursuit/pkg/journal"
	"github.com/gwillem/pursuit/pkg/link"
	"github.com/gwillem/pursuit/pkg/state"
	"github.com/gwillem/pursuit/pkg/teleop"
	"github.com/gwillem/pursuit/pkg/vision"
)

type RunCommand struct {
	Headless bool   `long:"headless" description:"No terminal UI; logs go to stderr and only remote detections drive the platform"`
	NoFeed   bool   `long:"no-feed" description:"Do not listen for remote detections"`
	Camera   bool   `long:"camera" description:"Run the local OpenCV detector even if disabled in the config"`
	Journal  string `long:"journal" description:"Record every tick to this SQLite file"`
	Verbose  bool   `short:"v" long:"verbose" description:"Log at debug level"`
}

// logWriter feeds log lines to the TUI. Lines are dropped when the UI falls behind.
type logWriter struct {
	lines chan string
}

func (w *logWriter) Write(p []byte) (int, error) {
	select {
	case w.lines <- strings.TrimRight(string(p), "\n"):
	default:
	}
	return len(p), nil
}

func (c *RunCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if c.NoFeed {
		cfg.Vision.FeedAddr = ""
	}
	if c.Camera {
		cfg.Vision.Camera.Enabled = true
	}
	if c.Journal != "" {
		cfg.Journal = c.Journal
	}

	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	var logs *logWriter
	var logger *slog.Logger
	if c.Headless {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	} else {
		logs = &logWriter{lines: make(chan string, 100)}
		logger = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		}))
	}
	slog.SetDefault(logger)

	ch, err := link.Open(cfg.SerialPort())
	if err != nil {
		var serr *link.StartupError
		if errors.As(err, &serr) {
			fmt.Fprintln(os.Stderr, "Motor controller not reachable. Run 'pursuit setup' first.")
		}
		return err
	}
	defer ch.Close()

	detections := state.NewDetectionCache()
	manual := state.NewManualInput()

	var loopOpts []control.Option
	loopOpts = append(loopOpts, control.WithLogger(logger))

	var jrnl *journal.Journal
	if cfg.Journal != "" {
		jrnl, err = journal.Open(cfg.Journal, logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jrnl.Close()
		loopOpts = append(loopOpts, control.WithRecorder(jrnl))
	}

	var cam *camera.Camera
	if cfg.Vision.Camera.Enabled {
		cam, err = camera.Open(cameraConfig(cfg.Capture()), detections, cfg.Vision.Filter, logger)
		if err != nil {
			return err
		}
		defer cam.Close()
	}

	loop := control.New(cfg.ControlLoop(), detections, manual, ch, loopOpts...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The journal is a sink so it still records the final stop.
	runner := control.NewRunner(loop, logger)
	if jrnl != nil {
		runner.AddSink("journal", jrnl.Run)
	}
	var feed *vision.Feed
	if cfg.Vision.FeedAddr != "" {
		g := cfg.Control.Geometry
		feed = vision.NewFeed(detections, cfg.Vision.Filter, logger, vision.WithFrame(g.FrameWidth, g.FrameHeight))
		runner.AddProducer("feed", func(ctx context.Context) error {
			return feed.Serve(ctx, cfg.Vision.FeedAddr)
		})
	}
	if cam != nil {
		runner.AddProducer("camera", cam.Run)
	}

	var foreground func(context.Context) error
	if c.Headless {
		logger.Info("run: headless, press ctrl+c to stop")
	} else {
		foreground = func(ctx context.Context) error {
			kb := teleop.NewKeyboard(manual, nil, time.Duration(cfg.Keyboard.Hold))
			defer kb.ReleaseAll()
			p := tea.NewProgram(initialRunModel(loop, kb, detections, feed, logs),
				tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("terminal UI: %w", err)
			}
			return nil
		}
	}

	runErr := runner.Run(ctx, foreground)

	stats := ch.Stats()
	fmt.Fprintf(os.Stderr, "Stopped. sent=%d failed=%d invalid=%d\n", stats.Sent, stats.Failed, stats.Invalid)
	if jrnl != nil {
		fmt.Fprintf(os.Stderr, "Journal session %s in %s (dropped %d)\n", jrnl.Session(), cfg.Journal, jrnl.Dropped())
	}
	return runErr
}

func cameraConfig(c config.CameraConfig) camera.Config {
	cc := camera.DefaultConfig()
	cc.Device = c.Device
	if c.Width > 0 && c.Height > 0 {
		cc.Width, cc.Height = c.Width, c.Height
	}
	cc.ModelPath = c.ModelPath
	cc.ConfigPath = c.ConfigPath
	cc.LabelsPath = c.LabelsPath
	if c.SkipInterval > 0 {
		cc.SkipInterval = c.SkipInterval
	}
	if c.Threshold > 0 {
		cc.Threshold = c.Threshold
	}
	return cc
}
