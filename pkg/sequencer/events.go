package sequencer

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// EventKind identifies what changed.
type EventKind int

const (
	EventModeChanged EventKind = iota
	EventPlanLoaded
	EventStepChanged
	EventManualChanged
	EventCountdown
	EventRunFinished
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventModeChanged:
		return "ModeChanged"
	case EventPlanLoaded:
		return "PlanLoaded"
	case EventStepChanged:
		return "StepChanged"
	case EventManualChanged:
		return "ManualChanged"
	case EventCountdown:
		return "Countdown"
	case EventRunFinished:
		return "RunFinished"
	case EventReset:
		return "Reset"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is published to observers at every transition boundary. Step and
// Manual are copies and safe to retain.
type Event struct {
	Kind      EventKind
	Mode      Mode
	RunID     string
	Step      *Step       // EventStepChanged
	Manual    *ManualSlot // EventManualChanged
	Remaining int         // EventCountdown
	Progress  int
	Total     int
	Err       error // EventRunFinished: nil when the plan completed
}

// observers is a registry of event callbacks keyed by subscription id.
type observers struct {
	m *xsync.MapOf[string, func(Event)]
}

func newObservers() observers {
	return observers{m: xsync.NewMapOf[string, func(Event)]()}
}

func (o observers) add(fn func(Event)) string {
	id := uuid.NewString()
	o.m.Store(id, fn)
	return id
}

func (o observers) remove(id string) {
	o.m.Delete(id)
}

func (o observers) publish(events []Event) {
	for _, ev := range events {
		o.m.Range(func(_ string, fn func(Event)) bool {
			fn(ev)
			return true
		})
	}
}
