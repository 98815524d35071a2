// Package config loads and saves the pursuit configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/gwillem/pursuit/pkg/control"
	"github.com/gwillem/pursuit/pkg/drive"
	"github.com/gwillem/pursuit/pkg/link"
	"github.com/gwillem/pursuit/pkg/teleop"
	"github.com/gwillem/pursuit/pkg/vision"
)

const DefaultConfigFile = "pursuit.json"

// Environment variables that override the file.
const (
	EnvPort     = "PURSUIT_PORT"
	EnvBaud     = "PURSUIT_BAUD"
	EnvFeedAddr = "PURSUIT_FEED_ADDR"
	EnvJournal  = "PURSUIT_JOURNAL"
)

// Config holds the platform configuration
type Config struct {
	Link     LinkConfig     `json:"link"`
	Control  ControlConfig  `json:"control"`
	Vision   VisionConfig   `json:"vision"`
	Keyboard KeyboardConfig `json:"keyboard"`
	Journal  string         `json:"journal,omitempty"` // SQLite path; empty disables the journal
}

// LinkConfig holds the serial link settings
type LinkConfig struct {
	Port         string   `json:"port"`
	BaudRate     int      `json:"baud_rate"`
	WriteTimeout Duration `json:"write_timeout"`
}

// ControlConfig holds the control loop tunables
type ControlConfig struct {
	TickPeriod      Duration `json:"tick_period"`
	Staleness       Duration `json:"staleness_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
	drive.Geometry
}

// VisionConfig selects the detection producers
type VisionConfig struct {
	FeedAddr string `json:"feed_addr,omitempty"` // websocket listen address; empty disables the feed
	vision.Filter
	Camera CameraConfig `json:"camera"`
}

// CameraConfig configures the local OpenCV detector. The capture size is
// not stored here; Capture fills it from the control geometry.
type CameraConfig struct {
	Enabled      bool    `json:"enabled"`
	Device       int     `json:"device"`
	Width        int     `json:"-"`
	Height       int     `json:"-"`
	ModelPath    string  `json:"model_path,omitempty"`
	ConfigPath   string  `json:"config_path,omitempty"`
	LabelsPath   string  `json:"labels_path,omitempty"`
	SkipInterval int     `json:"skip_interval"`
	Threshold    float32 `json:"threshold"`
}

// KeyboardConfig holds the teleop key settings
type KeyboardConfig struct {
	Hold Duration `json:"hold"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	ctrl := control.DefaultConfig()
	return &Config{
		Link: LinkConfig{
			BaudRate:     link.DefaultBaudRate,
			WriteTimeout: Duration(link.DefaultWriteTimeout),
		},
		Control: ControlConfig{
			TickPeriod:      Duration(ctrl.TickPeriod),
			Staleness:       Duration(ctrl.Staleness),
			ShutdownTimeout: Duration(ctrl.ShutdownTimeout),
			Geometry:        ctrl.Geometry,
		},
		Vision: VisionConfig{
			FeedAddr: ":8765",
			Filter:   vision.Filter{Labels: []string{"cell phone"}},
			Camera: CameraConfig{
				SkipInterval: vision.DefaultSkipInterval,
				Threshold:    0.5,
			},
		},
		Keyboard: KeyboardConfig{Hold: Duration(teleop.DefaultHold)},
	}
}

// LoadConfig loads configuration from the default config file
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a specific file. Fields missing
// from the file keep their defaults.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns Default when the file does not exist.
// Any other read or parse error is returned so a broken file is never
// silently replaced.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := LoadConfigFrom(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to the default config file
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExists returns true if the default config file exists
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}

// ApplyEnv loads an optional .env file and applies environment overrides.
func (c *Config) ApplyEnv(envFiles ...string) error {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env: %w", err)
	}

	if v := os.Getenv(EnvPort); v != "" {
		c.Link.Port = v
	}
	if v := os.Getenv(EnvBaud); v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBaud, err)
		}
		c.Link.BaudRate = baud
	}
	if v, ok := os.LookupEnv(EnvFeedAddr); ok {
		c.Vision.FeedAddr = v
	}
	if v, ok := os.LookupEnv(EnvJournal); ok {
		c.Journal = v
	}
	return nil
}

// Validate checks values the control loop cannot run with.
func (c *Config) Validate() error {
	g := c.Control.Geometry
	switch {
	case c.Control.TickPeriod <= 0:
		return fmt.Errorf("control.tick_period must be positive")
	case c.Control.Staleness <= 0:
		return fmt.Errorf("control.staleness_timeout must be positive")
	case g.SpanX <= 0 || g.SpanY <= 0:
		return fmt.Errorf("control.span_x and span_y must be positive")
	case g.FrameWidth <= 0 || g.FrameHeight <= 0:
		return fmt.Errorf("control.frame_width and frame_height must be positive")
	case g.DeadZone < 0 || g.NearFarThreshold < 0:
		return fmt.Errorf("control.dead_zone_px and near_far_threshold_px must not be negative")
	case c.Link.WriteTimeout >= c.Control.TickPeriod:
		return fmt.Errorf("link.write_timeout must be shorter than control.tick_period")
	}
	return nil
}

// ControlLoop returns the control loop configuration.
func (c *Config) ControlLoop() control.Config {
	return control.Config{
		TickPeriod:      time.Duration(c.Control.TickPeriod),
		Staleness:       time.Duration(c.Control.Staleness),
		ShutdownTimeout: time.Duration(c.Control.ShutdownTimeout),
		Geometry:        c.Control.Geometry,
	}
}

// Capture returns the camera settings with the capture size taken from the
// control geometry, so the steering frame center matches the image.
func (c *Config) Capture() CameraConfig {
	cc := c.Vision.Camera
	cc.Width = c.Control.FrameWidth
	cc.Height = c.Control.FrameHeight
	return cc
}

// SerialPort returns the serial link configuration.
func (c *Config) SerialPort() link.PortConfig {
	return link.PortConfig{
		Port:         c.Link.Port,
		BaudRate:     c.Link.BaudRate,
		WriteTimeout: time.Duration(c.Link.WriteTimeout),
	}
}

// Duration is a time.Duration encoded as a Go duration string ("50ms").
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"50ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
