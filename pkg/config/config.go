package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itohio/rmcs/pkg/geometry"
)

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Measurement MeasurementConfig `yaml:"measurement"`
	Sequencer   SequencerConfig   `yaml:"sequencer"`
	Plan        PlanConfig        `yaml:"plan"`
	Log         LogConfig         `yaml:"log"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"` // Poll interval of the reader goroutine
}

// MeasurementConfig contains the parameters of one resistivity reading.
type MeasurementConfig struct {
	Array   geometry.ArrayConfig `yaml:"array"`
	Spacing float64              `yaml:"spacing"` // Electrode spacing unit (m)
	// Duration is the per-step countdown in whole seconds. It is kept as
	// text and validated when a run starts.
	Duration    string        `yaml:"duration"`
	SettleDelay time.Duration `yaml:"settle_delay"` // Pause between de-energizing and the next step
}

// SequencerConfig contains state machine parameters.
type SequencerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"` // Inbound queue drain cadence
	MaxPin       int           `yaml:"max_pin"`       // Highest addressable electrode
	// LegacyCorrelation applies a reading to the measuring slot without
	// checking the reported source id against the slot's M electrode.
	LegacyCorrelation bool `yaml:"legacy_correlation"`
}

// PlanConfig contains point file parameters.
type PlanConfig struct {
	Encodings []string `yaml:"encodings"` // Tried in order
}

// LogConfig contains logging parameters.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// MockConfig contains simulated instrument configuration.
type MockConfig struct {
	Resistivity float64       `yaml:"resistivity"` // Simulated ground resistivity (Ω·m)
	CurrentMA   float64       `yaml:"current_ma"`  // Injected current (mA)
	NoiseLevel  float64       `yaml:"noise_level"` // Relative noise on voltage (0.01 = 1%)
	Latency     time.Duration `yaml:"latency"`     // Delay between GETDATA and DATA
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:        "COM3", // Default for Windows, should be "/dev/ttyUSB0" on Linux
			BaudRate:    9600,
			ReadTimeout: 100 * time.Millisecond,
		},
		Measurement: MeasurementConfig{
			Array:       geometry.Wenner,
			Spacing:     1.0,
			Duration:    "5",
			SettleDelay: 500 * time.Millisecond,
		},
		Sequencer: SequencerConfig{
			PollInterval: 100 * time.Millisecond,
			MaxPin:       64,
		},
		Plan: PlanConfig{
			Encodings: []string{"utf-8", "latin-1", "cp1252"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Mock: MockConfig{
			Resistivity: 100.0,
			CurrentMA:   10.0,
			NoiseLevel:  0.01,
			Latency:     300 * time.Millisecond,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}

	if c.Measurement.Spacing == 0 {
		c.Measurement.Spacing = def.Measurement.Spacing
	}
	// An explicitly invalid duration is kept so the run reports it.
	if c.Measurement.Duration == "" {
		c.Measurement.Duration = def.Measurement.Duration
	}
	if c.Measurement.SettleDelay == 0 {
		c.Measurement.SettleDelay = def.Measurement.SettleDelay
	}

	if c.Sequencer.PollInterval == 0 {
		c.Sequencer.PollInterval = def.Sequencer.PollInterval
	}
	if c.Sequencer.MaxPin == 0 {
		c.Sequencer.MaxPin = def.Sequencer.MaxPin
	}

	if len(c.Plan.Encodings) == 0 {
		c.Plan.Encodings = def.Plan.Encodings
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	if c.Mock.Resistivity == 0 {
		c.Mock.Resistivity = def.Mock.Resistivity
	}
	if c.Mock.CurrentMA == 0 {
		c.Mock.CurrentMA = def.Mock.CurrentMA
	}
	if c.Mock.Latency == 0 {
		c.Mock.Latency = def.Mock.Latency
	}
}
