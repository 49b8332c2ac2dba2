package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/rmcs/pkg/geometry"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "COM3", cfg.Serial.Port)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.Equal(t, geometry.Wenner, cfg.Measurement.Array)
	assert.Equal(t, 1.0, cfg.Measurement.Spacing)
	assert.Equal(t, "5", cfg.Measurement.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Measurement.SettleDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.Sequencer.PollInterval)
	assert.Equal(t, 64, cfg.Sequencer.MaxPin)
	assert.False(t, cfg.Sequencer.LegacyCorrelation)
	assert.Equal(t, []string{"utf-8", "latin-1", "cp1252"}, cfg.Plan.Encodings)
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "COM3", cfg.Serial.Port)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
serial:
  port: "/dev/ttyUSB0"
  baud_rate: 115200
  read_timeout: 50ms

measurement:
  array: schlumberger
  spacing: 2.5
  duration: "3"
  settle_delay: 250ms

sequencer:
  poll_interval: 20ms
  max_pin: 32
  legacy_correlation: true

plan:
  encodings: [cp1252]

log:
  level: debug
  format: json
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, 50*time.Millisecond, cfg.Serial.ReadTimeout)
	assert.Equal(t, geometry.Schlumberger, cfg.Measurement.Array)
	assert.Equal(t, 2.5, cfg.Measurement.Spacing)
	assert.Equal(t, "3", cfg.Measurement.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Measurement.SettleDelay)
	assert.Equal(t, 20*time.Millisecond, cfg.Sequencer.PollInterval)
	assert.Equal(t, 32, cfg.Sequencer.MaxPin)
	assert.True(t, cfg.Sequencer.LegacyCorrelation)
	assert.Equal(t, []string{"cp1252"}, cfg.Plan.Encodings)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("invalid: yaml: content: [")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_UnknownArray(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("measurement:\n  array: pole-pole\n")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	_, err = Load(tmpfile.Name())
	assert.Error(t, err)
}

func TestLoad_PartialYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
serial:
  port: "/dev/ttyACM0"
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Should use defaults for missing fields
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.Equal(t, "5", cfg.Measurement.Duration)
	assert.Equal(t, 64, cfg.Sequencer.MaxPin)
	assert.Equal(t, 100.0, cfg.Mock.Resistivity)
	assert.Equal(t, geometry.Wenner, cfg.Measurement.Array)
}

func TestLoad_InvalidDurationKept(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("measurement:\n  duration: five\n")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.Equal(t, "five", cfg.Measurement.Duration)
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Serial.Port = "/dev/ttyUSB0"
	cfg.Measurement.Array = geometry.DipoleDipole
	cfg.Measurement.Duration = "12"

	tmpfile, err := os.CreateTemp("", "test_save_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	err = cfg.Save(tmpfile.Name())
	require.NoError(t, err)

	// Load it back and verify
	loaded, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Serial.Port)
	assert.Equal(t, geometry.DipoleDipole, loaded.Measurement.Array)
	assert.Equal(t, "12", loaded.Measurement.Duration)
	assert.Equal(t, 500*time.Millisecond, loaded.Measurement.SettleDelay)
}
