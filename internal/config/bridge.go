package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/braille.touch/internal/gesture"
	"github.com/banshee-data/braille.touch/internal/serialport"
)

// DefaultConfigPath is the path to the canonical bridge defaults file.
const DefaultConfigPath = "config/bridge.defaults.json"

const (
	defaultListen    = ":8080"
	defaultQueueSize = 256
)

// BridgeConfig is the on-disk configuration for the touch bridge. Every field
// is optional; the Get* accessors fall back to built-in defaults so partial
// files are safe.
type BridgeConfig struct {
	// Transport
	SerialPort  *string `json:"serial_port,omitempty"`
	BaudRate    *int    `json:"baud_rate,omitempty"`
	DataBits    *int    `json:"data_bits,omitempty"`
	StopBits    *int    `json:"stop_bits,omitempty"`
	Parity      *string `json:"parity,omitempty"`
	ReadTimeout *string `json:"read_timeout,omitempty"` // duration string like "100ms"

	// Pipeline
	QueueSize *int    `json:"queue_size,omitempty"`
	Listen    *string `json:"listen,omitempty"`

	// Gesture classifier
	GestureWindow     *string `json:"gesture_window,omitempty"`
	FingerIdleExpiry  *string `json:"finger_idle_expiry,omitempty"`
	MinSamples        *int    `json:"min_samples,omitempty"`
	ScrubMaxXSpan     *int    `json:"scrub_max_x_span,omitempty"`
	ScrubMinCrossings *int    `json:"scrub_min_crossings,omitempty"`
	LineHeight        *int    `json:"line_height,omitempty"`
	MinStep           *int    `json:"min_step,omitempty"`
}

// LoadBridgeConfig loads a BridgeConfig from a JSON file. The file must have
// a .json extension and be under 1MB.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &BridgeConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from the
// working directory. It panics on failure and is intended for tests.
func MustLoadDefaultConfig() *BridgeConfig {
	for _, prefix := range []string{"", "../", "../../", "../../../"} {
		if cfg, err := LoadBridgeConfig(prefix + DefaultConfigPath); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks individual field values and then the combined port and
// gesture settings.
func (c *BridgeConfig) Validate() error {
	for name, v := range map[string]*string{
		"read_timeout":       c.ReadTimeout,
		"gesture_window":     c.GestureWindow,
		"finger_idle_expiry": c.FingerIdleExpiry,
	} {
		if v == nil || *v == "" {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}

	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.QueueSize != nil && *c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", *c.QueueSize)
	}

	if _, err := c.GetPortOptions().Normalize(); err != nil {
		return err
	}
	return c.GetGestureConfig().Validate()
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

// GetSerialPort returns the device path, or "" when none is configured.
func (c *BridgeConfig) GetSerialPort() string {
	return stringOr(c.SerialPort, "")
}

// GetListen returns the HTTP listen address.
func (c *BridgeConfig) GetListen() string {
	return stringOr(c.Listen, defaultListen)
}

// GetQueueSize returns the pipeline event queue capacity.
func (c *BridgeConfig) GetQueueSize() int {
	return intOr(c.QueueSize, defaultQueueSize)
}

// GetPortOptions returns the serial settings. Unset fields are left zero for
// PortOptions.Normalize to fill in.
func (c *BridgeConfig) GetPortOptions() serialport.PortOptions {
	return serialport.PortOptions{
		BaudRate:    intOr(c.BaudRate, serialport.DefaultBaudRate),
		DataBits:    intOr(c.DataBits, 0),
		StopBits:    intOr(c.StopBits, 0),
		Parity:      stringOr(c.Parity, ""),
		ReadTimeout: durationOr(c.ReadTimeout, serialport.DefaultReadTimeout),
	}
}

// GetGestureConfig overlays the configured thresholds on the classifier
// defaults.
func (c *BridgeConfig) GetGestureConfig() gesture.Config {
	def := gesture.DefaultConfig()
	return gesture.Config{
		Window:            durationOr(c.GestureWindow, def.Window),
		MinSamples:        intOr(c.MinSamples, def.MinSamples),
		ScrubMaxXSpan:     intOr(c.ScrubMaxXSpan, def.ScrubMaxXSpan),
		ScrubMinCrossings: intOr(c.ScrubMinCrossings, def.ScrubMinCrossings),
		LineHeight:        intOr(c.LineHeight, def.LineHeight),
		MinStep:           intOr(c.MinStep, def.MinStep),
		IdleExpiry:        durationOr(c.FingerIdleExpiry, def.IdleExpiry),
	}
}
