// Package camera runs an OpenCV SSD detector on a local camera and feeds
// its targets into the detection cache.
package camera

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"strings"
	"time"

	"gocv.io/x/gocv"

	"github.com/gwillem/pursuit/pkg/state"
	"github.com/gwillem/pursuit/pkg/vision"
)

// Config configures the local OpenCV detector.
type Config struct {
	Device       int     `json:"device"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	ModelPath    string  `json:"model_path"`  // frozen SSD graph (.pb)
	ConfigPath   string  `json:"config_path"` // network description (.pbtxt)
	LabelsPath   string  `json:"labels_path,omitempty"`
	SkipInterval int     `json:"skip_interval"`
	Threshold    float32 `json:"threshold"`
}

// DefaultConfig returns a 640x480 capture on device 0.
func DefaultConfig() Config {
	return Config{
		Width:        640,
		Height:       480,
		SkipInterval: vision.DefaultSkipInterval,
		Threshold:    0.5,
	}
}

// COCO class IDs used by the TensorFlow SSD models.
var cocoLabels = map[int]string{
	1:  "person",
	2:  "bicycle",
	3:  "car",
	17: "cat",
	18: "dog",
	37: "sports ball",
	44: "bottle",
	47: "cup",
	77: "cell phone",
}

// Camera captures frames and runs an SSD detector on every Nth frame.
type Camera struct {
	cfg    Config
	cache  *state.DetectionCache
	filter vision.Filter
	logger *slog.Logger
	labels map[int]string

	capture *gocv.VideoCapture
	net     gocv.Net
	frames  uint64
}

// Open opens the capture device and loads the network.
func Open(cfg Config, cache *state.DetectionCache, filter vision.Filter, logger *slog.Logger) (*Camera, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SkipInterval <= 0 {
		cfg.SkipInterval = vision.DefaultSkipInterval
	}

	labels := cocoLabels
	if cfg.LabelsPath != "" {
		var err error
		if labels, err = loadLabels(cfg.LabelsPath); err != nil {
			return nil, err
		}
	}

	for _, path := range []string{cfg.ModelPath, cfg.ConfigPath} {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("model file: %w", err)
		}
	}

	net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("load network %s", cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("set target: %w", err)
	}

	capture, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		net.Close()
		return nil, fmt.Errorf("open camera %d: %w", cfg.Device, err)
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}

	return &Camera{
		cfg:     cfg,
		cache:   cache,
		filter:  filter,
		logger:  logger,
		labels:  labels,
		capture: capture,
		net:     net,
	}, nil
}

// Run reads frames until ctx is cancelled or the device stops delivering.
func (c *Camera) Run(ctx context.Context) error {
	img := gocv.NewMat()
	defer img.Close()

	c.logger.Info("camera: started",
		"device", c.cfg.Device, "skip_interval", c.cfg.SkipInterval)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ok := c.capture.Read(&img); !ok {
			return fmt.Errorf("camera %d: read failed", c.cfg.Device)
		}
		if img.Empty() {
			continue
		}

		c.frames++
		if c.frames%uint64(c.cfg.SkipInterval) != 0 {
			continue
		}

		start := time.Now()
		dets, err := c.detect(img)
		if err != nil {
			c.logger.Warn("camera: inference failed", "error", err)
			continue
		}
		if d, ok := vision.Publish(c.cache, dets, c.filter, time.Now()); ok {
			c.logger.Debug("camera: target updated",
				"label", d.Label, "confidence", d.Confidence,
				"center", d.Center(), "inference", time.Since(start))
		}
	}
}

// detect runs the SSD network; each output row is
// [batch, class, confidence, x1, y1, x2, y2] with normalized corners.
func (c *Camera) detect(img gocv.Mat) ([]vision.Detection, error) {
	blob := gocv.BlobFromImage(img, 1.0/127.5, image.Pt(300, 300),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	c.net.SetInput(blob, "")
	output := c.net.Forward("")
	defer output.Close()

	if output.Total()%7 != 0 {
		return nil, fmt.Errorf("unexpected output size %d", output.Total())
	}
	rows := output.Reshape(1, output.Total()/7)
	defer rows.Close()

	cols, height := float32(img.Cols()), float32(img.Rows())
	var dets []vision.Detection
	for i := 0; i < rows.Rows(); i++ {
		confidence := rows.GetFloatAt(i, 2)
		if confidence < c.cfg.Threshold {
			continue
		}
		classID := int(rows.GetFloatAt(i, 1))
		dets = append(dets, vision.Detection{
			Label:      c.label(classID),
			Confidence: float64(confidence),
			Box: image.Rect(
				int(rows.GetFloatAt(i, 3)*cols),
				int(rows.GetFloatAt(i, 4)*height),
				int(rows.GetFloatAt(i, 5)*cols),
				int(rows.GetFloatAt(i, 6)*height),
			),
		})
	}
	return dets, nil
}

func (c *Camera) label(classID int) string {
	if l, ok := c.labels[classID]; ok {
		return l
	}
	return fmt.Sprintf("class_%d", classID)
}

// Close releases the device and the network.
func (c *Camera) Close() error {
	c.net.Close()
	return c.capture.Close()
}

// loadLabels reads one label per line; the line number is the class ID.
func loadLabels(path string) (map[int]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	defer f.Close()

	labels := make(map[int]string)
	scanner := bufio.NewScanner(f)
	for id := 0; scanner.Scan(); id++ {
		if l := strings.TrimSpace(scanner.Text()); l != "" {
			labels[id] = l
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	return labels, nil
}
