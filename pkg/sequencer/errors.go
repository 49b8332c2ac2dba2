package sequencer

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when an action conflicts with a running measurement.
	ErrBusy = errors.New("measurement in progress")
	// ErrNotConnected is returned when the instrument link is down.
	ErrNotConnected = errors.New("not connected to instrument")
	// ErrEmptyPlan is returned when starting without a loaded plan.
	ErrEmptyPlan = errors.New("no measurement plan loaded")
	// ErrAborted is reported when a run is stopped or reset before completion.
	ErrAborted = errors.New("measurement aborted")
)

// ConfigError reports an invalid user supplied setting. The requested action
// is refused and the machine state is left untouched.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}
