package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/braille.touch/internal/gesture"
	"github.com/banshee-data/braille.touch/internal/serialport"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsFileMatchesBuiltins(t *testing.T) {
	cfg := MustLoadDefaultConfig()

	if diff := cmp.Diff(gesture.DefaultConfig(), cfg.GetGestureConfig()); diff != "" {
		t.Errorf("gesture defaults mismatch (-builtin +file):\n%s", diff)
	}
	assert.Equal(t, defaultQueueSize, cfg.GetQueueSize())
	assert.Equal(t, defaultListen, cfg.GetListen())
	fromFile, err := cfg.GetPortOptions().Normalize()
	require.NoError(t, err)
	builtin, err := serialport.PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, builtin, fromFile)
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	cfg := &BridgeConfig{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "", cfg.GetSerialPort())
	assert.Equal(t, ":8080", cfg.GetListen())
	assert.Equal(t, 256, cfg.GetQueueSize())
	assert.Equal(t, gesture.DefaultConfig(), cfg.GetGestureConfig())

	opts := cfg.GetPortOptions()
	assert.Equal(t, serialport.DefaultBaudRate, opts.BaudRate)
	assert.Equal(t, serialport.DefaultReadTimeout, opts.ReadTimeout)
}

func TestLoadBridgeConfigPartial(t *testing.T) {
	path := writeConfig(t, "bridge.json", `{
  "serial_port": "/dev/ttyACM0",
  "baud_rate": 9600,
  "parity": "even",
  "gesture_window": "750ms",
  "min_samples": 4
}`)

	cfg, err := LoadBridgeConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.GetSerialPort())

	opts, err := cfg.GetPortOptions().Normalize()
	require.NoError(t, err)
	assert.Equal(t, 9600, opts.BaudRate)
	assert.Equal(t, "E", opts.Parity)

	g := cfg.GetGestureConfig()
	assert.Equal(t, 750*time.Millisecond, g.Window)
	assert.Equal(t, 4, g.MinSamples)
	assert.Equal(t, gesture.DefaultConfig().LineHeight, g.LineHeight)
}

func TestLoadBridgeConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "bridge.yaml", `{}`, ".json extension"},
		{"bad json", "bridge.json", `{"baud_rate":`, "failed to parse config JSON"},
		{"bad duration", "bridge.json", `{"gesture_window":"soon"}`, "invalid gesture_window"},
		{"zero window", "bridge.json", `{"gesture_window":"0s"}`, "invalid configuration"},
		{"negative baud", "bridge.json", `{"baud_rate":-1}`, "baud_rate must be positive"},
		{"zero queue", "bridge.json", `{"queue_size":0}`, "queue_size must be positive"},
		{"bad parity", "bridge.json", `{"parity":"mark"}`, "unsupported parity"},
		{"too few samples", "bridge.json", `{"min_samples":1}`, "invalid configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadBridgeConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadBridgeConfigMissingFile(t *testing.T) {
	_, err := LoadBridgeConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadBridgeConfigTooLarge(t *testing.T) {
	big := `{"serial_port":"` + strings.Repeat("x", 1024*1024) + `"}`
	path := writeConfig(t, "big.json", big)

	_, err := LoadBridgeConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}
