package main

import (
	"context"
	"fmt"

	"github.com/itohio/rmcs/pkg/instrument"
	"github.com/itohio/rmcs/pkg/sequencer"
)

// session is a connected instrument with a machine polling it.
type session struct {
	channel *instrument.Channel
	machine *sequencer.Machine
	cancel  context.CancelFunc
	stopped chan struct{}
}

func (a *app) opener() instrument.Opener {
	if a.opts.mock {
		return instrument.SimOpener(&a.cfg.Mock, a.cfg.Measurement.Array, a.cfg.Measurement.Spacing, nil)
	}
	return instrument.SerialOpener
}

// connect opens the instrument and starts the poll loop. Call close when done.
func (a *app) connect(ctx context.Context) (*session, error) {
	cfg := a.cfg

	channel := instrument.NewChannel(instrument.NewQueue(),
		instrument.WithOpener(a.opener()),
		instrument.WithReadTimeout(cfg.Serial.ReadTimeout),
		instrument.WithLogger(a.log),
	)

	port := cfg.Serial.Port
	if a.opts.mock {
		port = "sim"
	}
	if err := channel.Connect(port, cfg.Serial.BaudRate); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	machine := sequencer.New(channel, channel.Queue(),
		sequencer.WithLogger(a.log),
		sequencer.WithArrayConfig(cfg.Measurement.Array),
		sequencer.WithDuration(cfg.Measurement.Duration),
		sequencer.WithSettleDelay(cfg.Measurement.SettleDelay),
		sequencer.WithPollInterval(cfg.Sequencer.PollInterval),
		sequencer.WithMaxPin(cfg.Sequencer.MaxPin),
		sequencer.WithLegacyCorrelation(cfg.Sequencer.LegacyCorrelation),
	)
	if err := machine.SetSpacing(cfg.Measurement.Spacing); err != nil {
		channel.Disconnect()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		channel: channel,
		machine: machine,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	go func() {
		defer close(s.stopped)
		_ = machine.Run(ctx)
	}()

	return s, nil
}

// close de-energizes everything, stops polling and releases the port.
func (s *session) close() {
	s.machine.Reset(false)
	s.cancel()
	<-s.stopped
	s.channel.Disconnect()
}
