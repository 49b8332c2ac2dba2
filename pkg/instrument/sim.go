package instrument

import (
	"bytes"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/itohio/rmcs/pkg/config"
	"github.com/itohio/rmcs/pkg/geometry"
	"github.com/itohio/rmcs/pkg/protocol"
)

// ErrPortClosed is returned by Sim reads and writes after Close.
var ErrPortClosed = errors.New("port closed")

// Sim simulates the electrode switching board over a homogeneous half-space.
// It answers GETDATA with a DATA line whose voltage reproduces the configured
// ground resistivity for the last four electrodes switched on.
type Sim struct {
	cfg     config.MockConfig
	array   geometry.ArrayConfig
	spacing float64

	mu          sync.Mutex
	readTimeout time.Duration
	inbound     []byte // Partial command line
	outbound    []byte // Bytes waiting to be read
	energized   []int  // Pins in the order they were switched on
	switched    []int  // Every ON since the set was last empty, repeats kept
	commands    []string
	readings    int
	closed      bool
	ready       chan struct{}
	done        chan struct{}
}

// Ensure Sim implements Port.
var _ Port = (*Sim)(nil)

// NewSim creates a simulated instrument. A nil cfg uses the defaults.
func NewSim(cfg *config.MockConfig, array geometry.ArrayConfig, spacing float64) *Sim {
	if cfg == nil {
		def := config.Default().Mock
		cfg = &def
	}
	if spacing == 0 {
		spacing = 1
	}

	return &Sim{
		cfg:         *cfg,
		array:       array,
		spacing:     spacing,
		readTimeout: DefaultReadTimeout,
		ready:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// SimOpener returns an Opener that creates a fresh Sim per connection. The
// last opened Sim is reported through opened when it is non-nil.
func SimOpener(cfg *config.MockConfig, array geometry.ArrayConfig, spacing float64, opened func(*Sim)) Opener {
	return func(name string, baudRate int) (Port, error) {
		s := NewSim(cfg, array, spacing)
		if opened != nil {
			opened(s)
		}
		return s, nil
	}
}

// SetReadTimeout sets how long Read waits for data.
func (s *Sim) SetReadTimeout(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readTimeout = timeout
	return nil
}

// Read returns pending reply bytes, or 0, nil after the read timeout.
func (s *Sim) Read(p []byte) (int, error) {
	s.mu.Lock()
	timeout := s.readTimeout
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, ErrPortClosed
		}
		if len(s.outbound) > 0 {
			n := copy(p, s.outbound)
			s.outbound = s.outbound[n:]
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
		case <-timer.C:
			return 0, nil
		}
	}
}

// Write accepts command bytes and handles every complete line.
func (s *Sim) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrPortClosed
	}

	s.inbound = append(s.inbound, p...)
	for {
		idx := bytes.IndexByte(s.inbound, '\n')
		if idx < 0 {
			break
		}
		line := string(s.inbound[:idx])
		s.inbound = s.inbound[idx+1:]
		s.handleLocked(line)
	}

	return len(p), nil
}

// Close closes the simulated port.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// Energized returns the pins currently switched on, in switch-on order.
func (s *Sim) Energized() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.energized...)
}

// Commands returns every command line received so far.
func (s *Sim) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Inject queues an arbitrary line for the reader, as if the board sent it.
func (s *Sim) Inject(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(line)
}

func (s *Sim) handleLocked(line string) {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		s.emitLocked("ERR:" + line)
		return
	}
	s.commands = append(s.commands, line)

	switch cmd.Verb {
	case "ON":
		s.removeLocked(cmd.Pin)
		s.energized = append(s.energized, cmd.Pin)
		s.switched = append(s.switched, cmd.Pin)
	case "OFF":
		s.removeLocked(cmd.Pin)
		if len(s.energized) == 0 {
			s.switched = nil
		}
	case "GETDATA":
		reply := s.measureLocked(cmd.Pin)
		time.AfterFunc(s.cfg.Latency, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if !s.closed {
				s.emitLocked(reply)
			}
		})
	}
}

func (s *Sim) removeLocked(pin int) {
	for i, p := range s.energized {
		if p == pin {
			s.energized = append(s.energized[:i], s.energized[i+1:]...)
			return
		}
	}
}

// measureLocked computes the DATA reply for the current electrode set.
func (s *Sim) measureLocked(pin int) string {
	if len(s.energized) == 0 || len(s.switched) < 4 {
		return "ERR:NOT_ENERGIZED"
	}

	last := s.switched[len(s.switched)-4:]
	q := geometry.Quadruple{A: last[0], B: last[1], M: last[2], N: last[3]}

	current := s.cfg.CurrentMA
	var voltage float64
	if k := geometry.Factor(s.array, q, s.spacing); k != 0 {
		// V = I * R, R = rho / K
		voltage = current * s.cfg.Resistivity / k
	}

	// Deterministic noise in the style of a slow drift
	s.readings++
	noise := (math.Sin(float64(s.readings)*0.7) + math.Cos(float64(s.readings)*1.3)) * 0.5
	voltage *= 1 + noise*s.cfg.NoiseLevel

	return protocol.FormatData(protocol.Reading{
		SourceID:  pin,
		CurrentMA: current,
		VoltageMV: voltage,
	})
}

func (s *Sim) emitLocked(line string) {
	s.outbound = append(s.outbound, line...)
	s.outbound = append(s.outbound, protocol.Terminator...)
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
