// Package control runs the fixed-rate loop that arbitrates between manual
// teleoperation and autonomous tracking.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gwillem/pursuit/pkg/drive"
	"github.com/gwillem/pursuit/pkg/link"
	"github.com/gwillem/pursuit/pkg/state"
)

// Mode is the action selected for a tick.
type Mode int

// Modes in increasing priority.
const (
	ModeStop Mode = iota
	ModeTrack
	ModeManual
)

func (m Mode) String() string {
	switch m {
	case ModeStop:
		return "stop"
	case ModeTrack:
		return "track"
	case ModeManual:
		return "manual"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Sender delivers a single motor command.
type Sender interface {
	Send(ctx context.Context, cmd drive.Command) error
}

// Recorder receives every tick. Record must not block.
type Recorder interface {
	Record(Tick)
}

// Decision is the outcome of arbitration for one tick.
type Decision struct {
	Mode     Mode
	Commands drive.Triple
	Manual   drive.Manual
	Target   state.Sample // valid when Mode == ModeTrack
}

// Tick reports what the loop did on one tick.
type Tick struct {
	Seq  uint64
	Time time.Time
	Decision
	Errors []error
	Final  bool // the stop sent on shutdown
}

// Loop is the control loop. Both state holders are read-only to it.
type Loop struct {
	cfg        Config
	detections *state.DetectionCache
	manual     *state.ManualInput
	link       Sender
	logger     *slog.Logger
	recorder   Recorder
	now        func() time.Time

	mu       sync.Mutex
	running  bool
	seq      uint64
	lastMode Mode
	ticks    chan Tick
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithRecorder sets a recorder that sees every tick.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// New creates a control loop.
func New(cfg Config, detections *state.DetectionCache, manual *state.ManualInput, sender Sender, opts ...Option) *Loop {
	l := &Loop{
		cfg:        cfg.withDefaults(),
		detections: detections,
		manual:     manual,
		link:       sender,
		logger:     slog.Default(),
		now:        time.Now,
		ticks:      make(chan Tick, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Loop) Config() Config {
	return l.cfg
}

// Ticks returns a channel carrying the most recent tick report.
// Older reports are dropped if the reader falls behind.
func (l *Loop) Ticks() <-chan Tick {
	return l.ticks
}

// Decide arbitrates for the given instant: manual input wins over a fresh
// detection, and with neither the platform stops.
func (l *Loop) Decide(now time.Time) Decision {
	if m := l.manual.Read(); m.Any() {
		return Decision{Mode: ModeManual, Commands: drive.Mix(m), Manual: m}
	}

	if s, ok := l.detections.ReadFresh(now, l.cfg.Staleness); ok {
		g := l.cfg.Geometry
		return Decision{
			Mode:     ModeTrack,
			Commands: g.Steer(s.Center, g.Center(), s.Box),
			Target:   s,
		}
	}

	return Decision{Mode: ModeStop, Commands: drive.Stop()}
}

// Run ticks until ctx is cancelled, then sends a final stop and returns
// ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("already running")
	}
	l.running = true
	l.mu.Unlock()

	l.logger.Info("control: loop started",
		"period", l.cfg.TickPeriod,
		"staleness", l.cfg.Staleness)

	ticker := time.NewTicker(l.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case <-ticker.C:
			l.Step(ctx)
		}
	}
}

// Step runs one tick: decide, send all three commands, report.
func (l *Loop) Step(ctx context.Context) Tick {
	now := l.now()
	d := l.Decide(now)

	if d.Mode != l.lastMode {
		l.logger.Info("control: mode changed", "from", l.lastMode, "to", d.Mode, "manual", d.Manual.String())
		l.lastMode = d.Mode
	}

	errs := l.emit(ctx, d.Commands)
	return l.publish(Tick{Time: now, Decision: d, Errors: errs})
}

// emit sends every command of t. Failures are logged and collected; they
// never abort the tick.
func (l *Loop) emit(ctx context.Context, t drive.Triple) []error {
	var errs []error
	for _, cmd := range t {
		if err := l.link.Send(ctx, cmd); err != nil {
			l.report(cmd, err)
			errs = append(errs, err)
		}
	}
	return errs
}

func (l *Loop) report(cmd drive.Command, err error) {
	// Cancellation mid-tick is shutdown, not a link fault.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		l.logger.Debug("control: command skipped on shutdown",
			"motor", int(cmd.Motor), "speed", cmd.Speed, "error", err)
		return
	}
	var verr *link.ValidationError
	if errors.As(err, &verr) {
		l.logger.Warn("control: command rejected",
			"motor", int(cmd.Motor), "speed", cmd.Speed, "error", err)
		return
	}
	l.logger.Error("control: command not delivered",
		"motor", int(cmd.Motor), "speed", cmd.Speed, "error", err)
}

func (l *Loop) publish(t Tick) Tick {
	l.seq++
	t.Seq = l.seq

	if l.recorder != nil {
		l.recorder.Record(t)
	}

	select {
	case l.ticks <- t:
	default:
		// Drop old tick if channel full, replace with new
		select {
		case <-l.ticks:
		default:
		}
		select {
		case l.ticks <- t:
		default:
		}
	}
	return t
}

// shutdown sends the final stop. A write still stuck from an earlier tick
// is waited out until the shutdown budget runs out.
func (l *Loop) shutdown() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	for _, cmd := range drive.Stop() {
		if err := link.RetryBusy(ctx, l.link.Send, cmd); err != nil {
			l.report(cmd, err)
			errs = append(errs, err)
		}
	}

	l.publish(Tick{
		Time:     l.now(),
		Decision: Decision{Mode: ModeStop, Commands: drive.Stop()},
		Errors:   errs,
		Final:    true,
	})

	if len(errs) > 0 {
		l.logger.Error("control: final stop incomplete", "errors", len(errs))
	} else {
		l.logger.Info("control: loop stopped, motors halted")
	}
}
