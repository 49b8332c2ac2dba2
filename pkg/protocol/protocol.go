// Package protocol implements the line-oriented text protocol spoken by the
// electrode switching instrument.
//
// Outbound commands:
//
//	ON:<pin>       switch an electrode on
//	OFF:<pin>      switch an electrode off
//	GETDATA:<pin>  request a reading from the sensing electrode
//
// Inbound replies:
//
//	DATA:<id>,<currentMa>,<voltageMv>
package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// DataPrefix marks a measurement reply.
	DataPrefix = "DATA:"
	// Terminator ends every line in both directions.
	Terminator = "\n"
)

// Reading is a decoded measurement reply.
type Reading struct {
	SourceID  int     // Pin the instrument says it sampled
	CurrentMA float64 // Injected current (mA)
	VoltageMV float64 // Measured potential (mV)
}

// ParseError reports an inbound line that does not decode into a Reading.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed line %q: %s", e.Line, e.Reason)
}

// On formats the electrode-on command.
func On(pin int) string {
	return fmt.Sprintf("ON:%d", pin)
}

// Off formats the electrode-off command.
func Off(pin int) string {
	return fmt.Sprintf("OFF:%d", pin)
}

// GetData formats the read-request command.
func GetData(pin int) string {
	return fmt.Sprintf("GETDATA:%d", pin)
}

// ParseReading parses a DATA line.
// Format: DATA:<id>,<currentMa>,<voltageMv>
// Example: DATA:2,10.00,50.00
func ParseReading(line string) (Reading, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, DataPrefix) {
		return Reading{}, &ParseError{Line: line, Reason: "missing DATA: prefix"}
	}

	parts := strings.Split(strings.TrimPrefix(line, DataPrefix), ",")
	if len(parts) != 3 {
		return Reading{}, &ParseError{
			Line:   line,
			Reason: fmt.Sprintf("expected 3 comma-separated values, got %d", len(parts)),
		}
	}

	id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Reading{}, &ParseError{Line: line, Reason: "invalid source id"}
	}

	current, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || !finite(current) {
		return Reading{}, &ParseError{Line: line, Reason: "invalid current"}
	}

	voltage, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil || !finite(voltage) {
		return Reading{}, &ParseError{Line: line, Reason: "invalid voltage"}
	}

	return Reading{
		SourceID:  id,
		CurrentMA: current,
		VoltageMV: voltage,
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Command is a decoded outbound command, used by the simulated instrument.
type Command struct {
	Verb string // ON, OFF or GETDATA
	Pin  int
}

// ParseCommand parses an outbound command line.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	verb, arg, ok := strings.Cut(line, ":")
	if !ok {
		return Command{}, &ParseError{Line: line, Reason: "missing ':'"}
	}

	switch verb {
	case "ON", "OFF", "GETDATA":
	default:
		return Command{}, &ParseError{Line: line, Reason: fmt.Sprintf("unknown verb %q", verb)}
	}

	pin, err := strconv.Atoi(arg)
	if err != nil {
		return Command{}, &ParseError{Line: line, Reason: "invalid pin"}
	}

	return Command{Verb: verb, Pin: pin}, nil
}

// FormatData formats a DATA reply.
func FormatData(r Reading) string {
	return fmt.Sprintf("%s%d,%.2f,%.2f", DataPrefix, r.SourceID, r.CurrentMA, r.VoltageMV)
}
