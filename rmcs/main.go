package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/itohio/rmcs/pkg/config"
	"github.com/itohio/rmcs/pkg/geometry"
	"github.com/itohio/rmcs/pkg/logger"
)

type options struct {
	configPath string
	port       string
	baud       int
	mock       bool
	array      string
	spacing    float64
	duration   string
	logLevel   string
}

// app carries the resolved configuration into subcommands.
type app struct {
	opts options
	cfg  *config.Config
	log  *slog.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "rmcs",
		Short: "rmcs drives a multi-electrode resistivity instrument over a serial line",
		Long: `rmcs drives a multi-electrode resistivity instrument over a serial line.

It switches electrode quadruples from a measurement plan, requests a reading
for each and reports apparent resistivity for the selected array.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.opts.configPath, "config", "c", "config.yaml", "configuration file path")
	flags.StringVarP(&a.opts.port, "port", "p", "", "serial port override (e.g. COM3 or /dev/ttyUSB0)")
	flags.IntVar(&a.opts.baud, "baud", 0, "baud rate override")
	flags.BoolVar(&a.opts.mock, "mock", false, "use the simulated instrument instead of a serial port")
	flags.StringVar(&a.opts.array, "array", "", "array configuration (wenner, schlumberger, dipole-dipole)")
	flags.Float64Var(&a.opts.spacing, "spacing", 0, "electrode spacing unit in meters")
	flags.StringVarP(&a.opts.duration, "duration", "d", "", "seconds to wait for each reading")
	flags.StringVarP(&a.opts.logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newPortsCommand(a),
		newCheckCommand(a),
		newRunCommand(a),
		newManualCommand(a),
	)

	return cmd
}

// setup loads the configuration file and applies flag overrides.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Serial.Port = a.opts.port
	}
	if flags.Changed("baud") {
		cfg.Serial.BaudRate = a.opts.baud
	}
	if flags.Changed("array") {
		array, err := geometry.ParseArrayConfig(a.opts.array)
		if err != nil {
			return err
		}
		cfg.Measurement.Array = array
	}
	if flags.Changed("spacing") {
		cfg.Measurement.Spacing = a.opts.spacing
	}
	if flags.Changed("duration") {
		cfg.Measurement.Duration = a.opts.duration
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.opts.logLevel
	}

	log, err := logger.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	a.cfg = cfg
	a.log = log
	return nil
}
