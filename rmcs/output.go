package main

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/itohio/rmcs/pkg/sequencer"
)

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func statusText(s sequencer.Status) string {
	switch s {
	case sequencer.Done:
		return color.New(color.Bold, color.FgGreen).Sprint(s)
	case sequencer.Timeout:
		return color.New(color.Bold, color.FgRed).Sprint(s)
	case sequencer.Measuring:
		return color.YellowString(s.String())
	default:
		return s.String()
	}
}

// printer renders machine events as they arrive.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) event(ev sequencer.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case sequencer.EventStepChanged:
		st := ev.Step
		switch st.Status {
		case sequencer.Measuring:
			fmt.Fprintf(p.w, "[%3d/%d] %-12s %s\n", st.Index+1, ev.Total, st.Quadruple, statusText(st.Status))
		case sequencer.Done:
			fmt.Fprintf(p.w, "[%3d/%d] %-12s %s %s\n", st.Index+1, ev.Total, st.Quadruple, statusText(st.Status), formatResult(st.Result))
		case sequencer.Timeout:
			fmt.Fprintf(p.w, "[%3d/%d] %-12s %s no reading\n", st.Index+1, ev.Total, st.Quadruple, statusText(st.Status))
		}

	case sequencer.EventManualChanged:
		slot := ev.Manual
		if slot.Status == sequencer.Done {
			fmt.Fprintf(p.w, "%-12s %s %s\n", slot.Quadruple, statusText(slot.Status), formatResult(slot.Result))
		} else {
			fmt.Fprintf(p.w, "%-12s %s\n", slot.Quadruple, statusText(slot.Status))
		}

	case sequencer.EventRunFinished:
		if ev.Err != nil {
			fmt.Fprintf(p.w, "%s after %d/%d steps: %v\n", color.RedString("Run stopped"), ev.Progress, ev.Total, ev.Err)
		} else {
			fmt.Fprintf(p.w, "%s %d/%d steps\n", color.GreenString("Run finished"), ev.Progress, ev.Total)
		}
	}
}

func formatResult(r *sequencer.Result) string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("I=%.2f mA V=%.2f mV R=%.3f Ω ρa=%s",
		r.CurrentMA, r.VoltageMV, r.Resistance, bold("%.2f Ω·m", r.Resistivity))
}

// table prints every step of the snapshot with its result.
func (p *printer) table(s sequencer.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tA\tB\tM\tN\tStatus\tI (mA)\tV (mV)\tR (Ω)\tρa (Ω·m)\t")
	for _, st := range s.Steps {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%s\t", st.Index+1, st.A, st.B, st.M, st.N, st.Status)
		if r := st.Result; r != nil {
			fmt.Fprintf(tw, "%.2f\t%.2f\t%.3f\t%.2f\t\n", r.CurrentMA, r.VoltageMV, r.Resistance, r.Resistivity)
		} else {
			fmt.Fprint(tw, "-\t-\t-\t-\t\n")
		}
	}
	tw.Flush()
}
