// Package geometry computes geometric factors and apparent resistivity for
// four-electrode arrays.
package geometry

import (
	"fmt"
	"math"
	"strings"
)

// ArrayConfig selects the electrode spacing convention used to derive the
// geometric factor K.
type ArrayConfig int

const (
	Wenner ArrayConfig = iota
	Schlumberger
	DipoleDipole
)

// String returns the human readable name of the array configuration.
func (c ArrayConfig) String() string {
	switch c {
	case Wenner:
		return "Wenner"
	case Schlumberger:
		return "Schlumberger"
	case DipoleDipole:
		return "Dipole-dipole"
	default:
		return fmt.Sprintf("ArrayConfig(%d)", int(c))
	}
}

// ParseArrayConfig parses a configuration name (case-insensitive).
func ParseArrayConfig(s string) (ArrayConfig, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wenner":
		return Wenner, nil
	case "schlumberger":
		return Schlumberger, nil
	case "dipole-dipole", "dipole_dipole", "dipoledipole", "dipole dipole":
		return DipoleDipole, nil
	default:
		return Wenner, fmt.Errorf("unknown array configuration %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c ArrayConfig) MarshalText() ([]byte, error) {
	switch c {
	case Wenner:
		return []byte("wenner"), nil
	case Schlumberger:
		return []byte("schlumberger"), nil
	case DipoleDipole:
		return []byte("dipole-dipole"), nil
	default:
		return nil, fmt.Errorf("unknown array configuration %d", int(c))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ArrayConfig) UnmarshalText(text []byte) error {
	parsed, err := ParseArrayConfig(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Quadruple holds the four 1-based electrode pins of one measurement.
// A and B inject current, M and N sense potential.
type Quadruple struct {
	A, B, M, N int
}

// String formats the quadruple as "A,B,M,N".
func (q Quadruple) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", q.A, q.B, q.M, q.N)
}

// Pins returns the pins in energizing order (A, B, M, N).
func (q Quadruple) Pins() [4]int {
	return [4]int{q.A, q.B, q.M, q.N}
}

// Factor returns the geometric factor K for the given quadruple.
// Degenerate layouts that would divide by zero yield K = 0.
func Factor(cfg ArrayConfig, q Quadruple, spacing float64) float64 {
	a, b, m, n := float64(q.A), float64(q.B), float64(q.M), float64(q.N)

	switch cfg {
	case Wenner:
		return 2 * math.Pi * math.Abs(m-a) * spacing

	case Schlumberger:
		ab := math.Abs(b-a) * spacing
		mn := math.Abs(n-m) * spacing
		if mn > 0 {
			return math.Pi * (math.Pow(ab/2, 2) - math.Pow(mn/2, 2)) / mn
		}
		return 0

	case DipoleDipole:
		dipole := math.Abs(b-a) * spacing
		centerDist := math.Abs((m+n)/2-(a+b)/2) * spacing
		if dipole > 0 {
			nf := centerDist / dipole
			return math.Pi * nf * (nf + 1) * (nf + 2) * dipole
		}
		return 0

	default:
		return 0
	}
}

// Resistivity returns the apparent resistivity (Ω·m) for a measured
// resistance (Ω).
func Resistivity(cfg ArrayConfig, q Quadruple, resistance, spacing float64) float64 {
	return Factor(cfg, q, spacing) * resistance
}

// Resistance converts a current (mA) and voltage (mV) pair to ohms.
// Zero current yields 0.
func Resistance(currentMA, voltageMV float64) float64 {
	if currentMA == 0 {
		return 0
	}
	return voltageMV / currentMA
}
