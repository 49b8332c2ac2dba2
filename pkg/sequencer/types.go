package sequencer

import (
	"fmt"

	"github.com/itohio/rmcs/pkg/geometry"
)

// Mode is the top level state of the machine.
type Mode int

const (
	Idle Mode = iota
	AutoRunning
	ManualRunning
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "Idle"
	case AutoRunning:
		return "AutoRunning"
	case ManualRunning:
		return "ManualRunning"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Phase is the sub-state of a running measurement.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEnergizing
	PhaseAwaitingReading
	PhaseDeenergizing
	PhaseAdvancing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseEnergizing:
		return "Energizing"
	case PhaseAwaitingReading:
		return "AwaitingReading"
	case PhaseDeenergizing:
		return "Deenergizing"
	case PhaseAdvancing:
		return "Advancing"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Status is the lifecycle of a measurement slot.
type Status int

const (
	Waiting Status = iota
	Measuring
	Done
	Timeout
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "Waiting"
	case Measuring:
		return "Measuring"
	case Done:
		return "Done"
	case Timeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Role is the function an electrode plays in a quadruple.
type Role byte

const (
	RoleA Role = 'A'
	RoleB Role = 'B'
	RoleM Role = 'M'
	RoleN Role = 'N'
)

func (r Role) String() string { return string(r) }

// ActivePin is an electrode currently switched on.
type ActivePin struct {
	Pin  int
	Role Role
}

// Result holds the values computed from one reading.
type Result struct {
	CurrentMA   float64 // mA
	VoltageMV   float64 // mV
	Resistance  float64 // Ω
	Resistivity float64 // Ω·m
}

// Step is one entry of the automatic plan.
type Step struct {
	Index int // 0-based position in the plan
	geometry.Quadruple
	Status Status
	Result *Result // Set only when Status is Done
}

// ManualSlot is the single outstanding manual measurement.
type ManualSlot struct {
	geometry.Quadruple
	Status Status
	Result *Result
}

// Snapshot is a consistent copy of the machine state.
type Snapshot struct {
	Mode      Mode
	Phase     Phase
	RunID     string
	Array     geometry.ArrayConfig
	Spacing   float64
	Duration  string
	Pointer   int // Current step index
	Progress  int // Completed steps
	Total     int
	Remaining int // Countdown seconds, 0 when no reading is awaited
	Active    []ActivePin
	Steps     []Step
	Manual    *ManualSlot
}

func copyResult(r *Result) *Result {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func (s Step) clone() Step {
	s.Result = copyResult(s.Result)
	return s
}

func (s *ManualSlot) clone() *ManualSlot {
	if s == nil {
		return nil
	}
	c := *s
	c.Result = copyResult(s.Result)
	return &c
}
