// Package plan loads electrode point files into an ordered measurement plan.
//
// A point file holds one quadruple per line, A B M N in that order. Fields are
// separated by commas, or whitespace, or tabs (first match wins per line).
// Blank lines and lines starting with '#' are ignored:
//
//	# a  b  m  n
//	1,4,2,3
//	2 5 3 4
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/itohio/rmcs/pkg/geometry"
)

// Plan is an ordered list of electrode quadruples.
type Plan []geometry.Quadruple

// DefaultEncodings is the order encodings are tried when none are given.
var DefaultEncodings = []string{"utf-8", "latin-1", "cp1252"}

// LoadError reports why a point file was rejected. Line is 1-based and zero
// when the failure is not tied to a line.
type LoadError struct {
	Path string
	Line int
	Err  error
}

func (e *LoadError) Error() string {
	var b strings.Builder
	b.WriteString("failed to load plan")
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, ": line %d", e.Line)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrFieldCount is wrapped by LoadError when a line does not hold four fields.
var ErrFieldCount = errors.New("each line must contain exactly 4 numbers")

// Load reads and parses the point file at path.
func Load(path string, encodings ...string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	p, err := parse(data, encodings)
	if err != nil {
		var lerr *LoadError
		if errors.As(err, &lerr) {
			lerr.Path = path
		}
		return nil, err
	}
	return p, nil
}

// Parse reads a point file from r.
func Parse(r io.Reader, encodings ...string) (Plan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &LoadError{Err: err}
	}
	return parse(data, encodings)
}

func parse(data []byte, encodings []string) (Plan, error) {
	if len(encodings) == 0 {
		encodings = DefaultEncodings
	}

	text, err := decode(data, encodings)
	if err != nil {
		return nil, &LoadError{Err: err}
	}
	text = strings.TrimPrefix(text, "\ufeff")

	p := make(Plan, 0)
	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		q, err := parseLine(line)
		if err != nil {
			return nil, &LoadError{Line: i + 1, Err: err}
		}
		p = append(p, q)
	}

	return p, nil
}

// parseLine tokenizes by comma, else whitespace, else tab.
func parseLine(line string) (geometry.Quadruple, error) {
	var parts []string
	switch {
	case strings.Contains(line, ","):
		parts = strings.Split(line, ",")
	case strings.Contains(line, " "):
		parts = strings.Fields(line)
	default:
		parts = strings.Split(line, "\t")
	}

	if len(parts) != 4 {
		return geometry.Quadruple{}, fmt.Errorf("%w, got %d", ErrFieldCount, len(parts))
	}

	var pins [4]int
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return geometry.Quadruple{}, fmt.Errorf("invalid electrode %q", part)
		}
		pins[i] = v
	}

	return geometry.Quadruple{A: pins[0], B: pins[1], M: pins[2], N: pins[3]}, nil
}

// Write formats a plan as a comma separated point file.
func (p Plan) Write(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteString("# A,B,M,N\n")
	for _, q := range p {
		buf.WriteString(q.String())
		buf.WriteByte('\n')
	}
	_, err := w.Write(buf.Bytes())
	return err
}
