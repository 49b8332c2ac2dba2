package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/itohio/rmcs/pkg/instrument"
	"github.com/itohio/rmcs/pkg/plan"
	"github.com/itohio/rmcs/pkg/sequencer"
)

func newPortsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := instrument.Ports()
			if err != nil {
				return fmt.Errorf("failed to list serial ports: %w", err)
			}
			if len(ports) == 0 {
				cmd.Println("No serial ports found")
				return nil
			}
			for _, p := range ports {
				marker := " "
				if p == a.cfg.Serial.Port {
					marker = "*"
				}
				cmd.Printf("%s %s\n", marker, p)
			}
			return nil
		},
	}
}

func newCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check <plan>",
		Short: "Parse a measurement plan and print its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Load(args[0], a.cfg.Plan.Encodings...)
			if err != nil {
				return err
			}
			cmd.Printf("%s: %s steps\n", args[0], bold("%d", len(p)))
			return p.Write(cmd.OutOrStdout())
		},
	}
}

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <plan>",
		Short: "Run the automatic sequence for a measurement plan",
		Long: `Run the automatic sequence for a measurement plan.

Each step energizes its electrodes, requests a reading, waits for the
configured duration and switches the electrodes off before moving on.
Interrupting the run switches every electrode off.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Load(args[0], a.cfg.Plan.Encodings...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.machine.LoadPlan(p); err != nil {
				return err
			}

			out := newPrinter(cmd.OutOrStdout())
			finished := make(chan error, 1)
			s.machine.Subscribe(func(ev sequencer.Event) {
				out.event(ev)
				if ev.Kind == sequencer.EventRunFinished {
					select {
					case finished <- ev.Err:
					default:
					}
				}
			})

			if err := s.machine.Start(); err != nil {
				return err
			}
			snap := s.machine.Snapshot()
			cmd.Printf("Run %s: %d steps, %s array, spacing %g m\n",
				snap.RunID, snap.Total, snap.Array, snap.Spacing)

			var runErr error
			select {
			case runErr = <-finished:
			case <-ctx.Done():
				s.machine.Stop()
				runErr = sequencer.ErrAborted
			}

			out.table(s.machine.Snapshot())
			if runErr != nil {
				return fmt.Errorf("run %s: %w", snap.RunID, runErr)
			}
			return nil
		},
	}
}

func newManualCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "manual <A> <B> <M> <N>",
		Short: "Take a single reading from one electrode quadruple",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := sequencer.ParseQuadruple(args, a.cfg.Sequencer.MaxPin)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			out := newPrinter(cmd.OutOrStdout())
			idle := make(chan struct{}, 1)
			s.machine.Subscribe(func(ev sequencer.Event) {
				out.event(ev)
				if ev.Kind == sequencer.EventModeChanged && ev.Mode == sequencer.Idle {
					select {
					case idle <- struct{}{}:
					default:
					}
				}
			})

			if err := s.machine.StartManual(q); err != nil {
				return err
			}

			select {
			case <-idle:
			case <-ctx.Done():
				s.machine.Stop()
				return sequencer.ErrAborted
			}

			slot := s.machine.Snapshot().Manual
			if slot == nil || slot.Status != sequencer.Done {
				return errors.New("no reading received")
			}
			return nil
		},
	}
}
