// Package sequencer drives electrode measurements through their energize,
// measure, de-energize and advance phases.
//
// A Machine owns the measurement plan, the step pointer, the set of energized
// electrodes and the single outstanding read request. It never blocks on the
// instrument: replies arrive as raw lines on a queue that Poll drains, and
// phase transitions fire when Poll observes an expired deadline. Run calls
// Poll on a fixed cadence.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itohio/rmcs/pkg/geometry"
	"github.com/itohio/rmcs/pkg/logger"
	"github.com/itohio/rmcs/pkg/plan"
	"github.com/itohio/rmcs/pkg/protocol"
)

const (
	DefaultSettleDelay  = 500 * time.Millisecond
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxPin       = 64
	DefaultDuration     = "5"
)

// Commander sends commands to the instrument.
type Commander interface {
	Send(command string)
	IsConnected() bool
}

// Source yields raw inbound lines without blocking.
type Source interface {
	Drain() []string
}

// slot identifies who issued the outstanding GETDATA.
type slot int

const (
	slotAuto slot = iota
	slotManual
)

type pendingReading struct {
	slot  slot
	index int // Step index for slotAuto
	pin   int // Electrode the reading was requested from
}

// deadline is a cancellable one-shot timer evaluated by Poll.
type deadline struct {
	at    time.Time
	armed bool
}

func (d *deadline) arm(now time.Time, after time.Duration) {
	d.at = now.Add(after)
	d.armed = true
}

func (d *deadline) cancel() {
	d.armed = false
}

func (d *deadline) expired(now time.Time) bool {
	return d.armed && !now.Before(d.at)
}

// Machine is the measurement state machine. All methods are safe for
// concurrent use; transitions are serialized on one mutex and observers are
// notified after it is released.
type Machine struct {
	cmd Commander
	src Source
	log *slog.Logger
	now func() time.Time

	settle       time.Duration
	pollInterval time.Duration
	maxPin       int
	legacy       bool

	observers observers

	mu       sync.Mutex
	mode     Mode
	phase    Phase
	array    geometry.ArrayConfig
	spacing  float64
	duration string
	runID    string
	runLog   *slog.Logger

	steps    []Step
	pointer  int
	progress int
	manual   *ManualSlot

	active    []ActivePin
	pending   *pendingReading
	timer     deadline
	remaining int

	events []Event
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithSettleDelay sets the pause between de-energizing and the next step.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Machine) { m.settle = d }
}

// WithPollInterval sets the cadence of Run.
func WithPollInterval(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithMaxPin sets the highest electrode accepted for manual measurements.
func WithMaxPin(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxPin = n
		}
	}
}

// WithLegacyCorrelation applies readings to the measuring slot without
// checking the reported source id.
func WithLegacyCorrelation(on bool) Option {
	return func(m *Machine) { m.legacy = on }
}

// WithArrayConfig sets the initial array configuration.
func WithArrayConfig(c geometry.ArrayConfig) Option {
	return func(m *Machine) { m.array = c }
}

// WithSpacing sets the initial electrode spacing unit.
func WithSpacing(s float64) Option {
	return func(m *Machine) {
		if s > 0 {
			m.spacing = s
		}
	}
}

// WithDuration sets the initial per-step countdown text (whole seconds).
func WithDuration(text string) Option {
	return func(m *Machine) { m.duration = text }
}

// New creates an idle machine sending commands through cmd and reading
// replies from src.
func New(cmd Commander, src Source, opts ...Option) *Machine {
	m := &Machine{
		cmd:          cmd,
		src:          src,
		log:          logger.Discard(),
		now:          time.Now,
		settle:       DefaultSettleDelay,
		pollInterval: DefaultPollInterval,
		maxPin:       DefaultMaxPin,
		observers:    newObservers(),
		array:        geometry.Wenner,
		spacing:      1,
		duration:     DefaultDuration,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "sequencer")
	m.runLog = m.log
	return m
}

// ParseDuration parses a countdown given in whole seconds.
func ParseDuration(text string) (time.Duration, error) {
	secs, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, &ConfigError{Field: "duration", Value: text, Reason: "must be a whole number of seconds"}
	}
	if secs < 0 {
		return 0, &ConfigError{Field: "duration", Value: text, Reason: "must not be negative"}
	}
	return time.Duration(secs) * time.Second, nil
}

// ParseQuadruple parses user entered A, B, M, N values and checks that each
// lies in 1..maxPin.
func ParseQuadruple(fields []string, maxPin int) (geometry.Quadruple, error) {
	if len(fields) != 4 {
		return geometry.Quadruple{}, &ConfigError{
			Field:  "electrodes",
			Value:  strings.Join(fields, ","),
			Reason: "expected A, B, M and N",
		}
	}

	var pins [4]int
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return geometry.Quadruple{}, &ConfigError{
				Field:  "electrode " + string("ABMN"[i]),
				Value:  f,
				Reason: "not a number",
			}
		}
		pins[i] = v
	}

	q := geometry.Quadruple{A: pins[0], B: pins[1], M: pins[2], N: pins[3]}
	if err := validatePins(q, maxPin); err != nil {
		return geometry.Quadruple{}, err
	}
	return q, nil
}

func validatePins(q geometry.Quadruple, maxPin int) error {
	for i, pin := range q.Pins() {
		if pin < 1 || pin > maxPin {
			return &ConfigError{
				Field:  "electrode " + string("ABMN"[i]),
				Value:  strconv.Itoa(pin),
				Reason: fmt.Sprintf("must be between 1 and %d", maxPin),
			}
		}
	}
	return nil
}

// Subscribe registers fn for every future event and returns its id.
func (m *Machine) Subscribe(fn func(Event)) string {
	return m.observers.add(fn)
}

// Unsubscribe removes a previously registered observer.
func (m *Machine) Unsubscribe(id string) {
	m.observers.remove(id)
}

// do runs fn under the mutex and publishes the events it produced.
func (m *Machine) do(fn func() error) error {
	m.mu.Lock()
	err := fn()
	events := m.events
	m.events = nil
	m.mu.Unlock()

	m.observers.publish(events)
	return err
}

func (m *Machine) emit(kind EventKind) {
	ev := Event{
		Kind:     kind,
		Mode:     m.mode,
		RunID:    m.runID,
		Progress: m.progress,
		Total:    len(m.steps),
	}
	m.events = append(m.events, ev)
}

func (m *Machine) emitStep(i int) {
	m.emit(EventStepChanged)
	s := m.steps[i].clone()
	m.events[len(m.events)-1].Step = &s
}

func (m *Machine) emitManual() {
	m.emit(EventManualChanged)
	m.events[len(m.events)-1].Manual = m.manual.clone()
}

func (m *Machine) emitFinished(err error) {
	m.emit(EventRunFinished)
	m.events[len(m.events)-1].Err = err
}

func (m *Machine) setMode(mode Mode) {
	if m.mode == mode {
		return
	}
	m.mode = mode
	m.emit(EventModeChanged)
}

// LoadPlan replaces the plan wholesale. Refused while a measurement runs.
func (m *Machine) LoadPlan(p plan.Plan) error {
	return m.do(func() error {
		if m.mode != Idle {
			return fmt.Errorf("cannot load plan: %w", ErrBusy)
		}

		m.steps = make([]Step, len(p))
		for i, q := range p {
			m.steps[i] = Step{Index: i, Quadruple: q, Status: Waiting}
		}
		m.pointer = 0
		m.progress = 0
		m.emit(EventPlanLoaded)

		m.log.Info("plan loaded", "steps", len(p))
		return nil
	})
}

// SetArrayConfig selects the geometry used for readings from now on.
func (m *Machine) SetArrayConfig(c geometry.ArrayConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.array = c
	m.log.Info("array configuration changed", "array", c.String())
}

// SetSpacing sets the electrode spacing unit used for readings from now on.
func (m *Machine) SetSpacing(spacing float64) error {
	if spacing <= 0 || math.IsNaN(spacing) || math.IsInf(spacing, 0) {
		return &ConfigError{Field: "spacing", Value: fmt.Sprint(spacing), Reason: "must be positive"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spacing = spacing
	return nil
}

// SetDuration stores the countdown text. It is validated when a
// measurement starts and again before every step.
func (m *Machine) SetDuration(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duration = text
}

// Start begins the automatic sequence at step 0.
func (m *Machine) Start() error {
	return m.do(func() error {
		if m.mode != Idle {
			return fmt.Errorf("cannot start: %s: %w", m.mode, ErrBusy)
		}
		if !m.cmd.IsConnected() {
			return ErrNotConnected
		}
		if len(m.steps) == 0 {
			return ErrEmptyPlan
		}
		if _, err := ParseDuration(m.duration); err != nil {
			return err
		}

		for i := range m.steps {
			m.steps[i].Status = Waiting
			m.steps[i].Result = nil
		}
		m.pointer = 0
		m.progress = 0
		m.runID = uuid.NewString()
		m.runLog = m.log.With("run", m.runID)
		m.setMode(AutoRunning)

		m.runLog.Info("measurement started", "steps", len(m.steps), "array", m.array.String())
		m.energizeStep(m.now())
		return nil
	})
}

// StartManual energizes one user supplied quadruple and requests a single
// reading.
func (m *Machine) StartManual(q geometry.Quadruple) error {
	return m.do(func() error {
		switch m.mode {
		case ManualRunning:
			return fmt.Errorf("manual measurement already in progress: %w", ErrBusy)
		case AutoRunning:
			return fmt.Errorf("cannot start manual measurement: %s: %w", m.mode, ErrBusy)
		}
		if err := validatePins(q, m.maxPin); err != nil {
			return err
		}
		if !m.cmd.IsConnected() {
			return ErrNotConnected
		}
		d, err := ParseDuration(m.duration)
		if err != nil {
			return err
		}

		m.runID = uuid.NewString()
		m.runLog = m.log.With("run", m.runID)
		m.manual = &ManualSlot{Quadruple: q, Status: Measuring}
		m.setMode(ManualRunning)

		m.phase = PhaseEnergizing
		m.energize(q)
		m.cmd.Send(protocol.GetData(q.M))
		m.pending = &pendingReading{slot: slotManual, pin: q.M}

		m.phase = PhaseAwaitingReading
		m.armCountdown(m.now(), d)
		m.emitManual()

		m.runLog.Info("manual measurement started", "electrodes", q.String())
		return nil
	})
}

// Stop cancels the countdown and de-energizes immediately. A manual
// measurement without a reading goes back to Waiting; an automatic run
// finishes with ErrAborted and keeps its plan.
func (m *Machine) Stop() {
	_ = m.do(func() error {
		switch m.mode {
		case ManualRunning:
			m.timer.cancel()
			m.remaining = 0
			m.deenergize()
			m.pending = nil
			if m.manual != nil && m.manual.Status == Measuring {
				m.manual.Status = Waiting
			}
			m.phase = PhaseIdle
			m.emitManual()
			m.setMode(Idle)
			m.runLog.Info("manual measurement stopped")

		case AutoRunning:
			if m.pointer < len(m.steps) && m.steps[m.pointer].Status == Measuring {
				m.steps[m.pointer].Status = Waiting
				m.emitStep(m.pointer)
			}
			m.finish(ErrAborted)

		default:
			m.deenergize()
		}
		return nil
	})
}

// Reset aborts whatever is running, switches off every electrode known to
// be on and returns to Idle. The plan is discarded when clearPlan is set,
// otherwise its steps go back to Waiting. Safe in any state.
func (m *Machine) Reset(clearPlan bool) {
	_ = m.do(func() error {
		wasAuto := m.mode == AutoRunning

		m.timer.cancel()
		m.remaining = 0
		m.deenergize()
		m.pending = nil
		m.phase = PhaseIdle
		m.pointer = 0
		m.progress = 0
		m.manual = nil

		if clearPlan {
			m.steps = nil
		} else {
			for i := range m.steps {
				m.steps[i].Status = Waiting
				m.steps[i].Result = nil
			}
		}

		if wasAuto {
			m.emitFinished(ErrAborted)
		}
		m.setMode(Idle)
		m.emit(EventReset)

		m.runLog.Info("system reset", "clear_plan", clearPlan)
		m.runLog = m.log
		return nil
	})
}

// Poll drains inbound lines and fires expired timers. It never blocks on the
// instrument.
func (m *Machine) Poll() {
	_ = m.do(func() error {
		now := m.now()

		for _, line := range m.src.Drain() {
			m.handleLine(line)
		}

		for m.timer.expired(now) {
			m.timer.cancel()
			m.onTimer(now)
		}

		m.tickCountdown(now)
		return nil
	})
}

// Run polls until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Poll()
		}
	}
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Mode:      m.mode,
		Phase:     m.phase,
		RunID:     m.runID,
		Array:     m.array,
		Spacing:   m.spacing,
		Duration:  m.duration,
		Pointer:   m.pointer,
		Progress:  m.progress,
		Total:     len(m.steps),
		Remaining: m.remaining,
		Active:    append([]ActivePin(nil), m.active...),
		Manual:    m.manual.clone(),
	}
	s.Steps = make([]Step, len(m.steps))
	for i, st := range m.steps {
		s.Steps[i] = st.clone()
	}
	return s
}

// energize switches on the four electrodes in A, B, M, N order after
// switching off whatever was on before.
func (m *Machine) energize(q geometry.Quadruple) {
	m.deenergize()

	roles := [4]Role{RoleA, RoleB, RoleM, RoleN}
	for i, pin := range q.Pins() {
		m.cmd.Send(protocol.On(pin))
		m.active = append(m.active, ActivePin{Pin: pin, Role: roles[i]})
	}
}

// deenergize switches off every electrode recorded as on. On a dead channel
// the commands are dropped by the channel.
func (m *Machine) deenergize() {
	for _, ap := range m.active {
		m.cmd.Send(protocol.Off(ap.Pin))
	}
	m.active = nil
}

func (m *Machine) armCountdown(now time.Time, d time.Duration) {
	m.timer.arm(now, d)
	m.remaining = int(d / time.Second)
	m.emit(EventCountdown)
	m.events[len(m.events)-1].Remaining = m.remaining
}

func (m *Machine) tickCountdown(now time.Time) {
	if m.phase != PhaseAwaitingReading || !m.timer.armed {
		return
	}
	left := int(math.Ceil(m.timer.at.Sub(now).Seconds()))
	if left < 0 {
		left = 0
	}
	if left == m.remaining {
		return
	}
	m.remaining = left
	m.emit(EventCountdown)
	m.events[len(m.events)-1].Remaining = left
}

// energizeStep runs the Energizing phase of the current step and arms the
// reading countdown.
func (m *Machine) energizeStep(now time.Time) {
	if !m.cmd.IsConnected() {
		m.finish(ErrNotConnected)
		return
	}
	d, err := ParseDuration(m.duration)
	if err != nil {
		m.finish(err)
		return
	}

	step := &m.steps[m.pointer]
	m.phase = PhaseEnergizing
	m.energize(step.Quadruple)
	m.cmd.Send(protocol.GetData(step.M))
	step.Status = Measuring
	m.pending = &pendingReading{slot: slotAuto, index: m.pointer, pin: step.M}

	m.phase = PhaseAwaitingReading
	m.armCountdown(now, d)
	m.emitStep(m.pointer)

	m.runLog.Debug("step energized", "step", m.pointer+1, "electrodes", step.Quadruple.String())
}

func (m *Machine) onTimer(now time.Time) {
	switch {
	case m.mode == AutoRunning && m.phase == PhaseAwaitingReading:
		m.phase = PhaseDeenergizing
		m.remaining = 0
		m.deenergize()
		m.pending = nil

		step := &m.steps[m.pointer]
		if step.Status == Measuring {
			step.Status = Timeout
			m.runLog.Warn("no reading before countdown expired", "step", m.pointer+1)
			m.emitStep(m.pointer)
		}

		m.phase = PhaseAdvancing
		m.timer.arm(now, m.settle)

	case m.mode == AutoRunning && m.phase == PhaseAdvancing:
		m.pointer++
		m.progress = m.pointer
		if m.pointer >= len(m.steps) {
			m.finish(nil)
			return
		}
		m.energizeStep(now)

	case m.mode == ManualRunning && m.phase == PhaseAwaitingReading:
		m.phase = PhaseDeenergizing
		m.remaining = 0
		m.deenergize()
		m.pending = nil

		if m.manual.Status == Measuring {
			m.manual.Status = Timeout
			m.runLog.Warn("manual measurement timed out")
		}
		m.phase = PhaseIdle
		m.emitManual()
		m.setMode(Idle)
	}
}

// finish ends an automatic run. err is nil when every step was visited.
func (m *Machine) finish(err error) {
	m.timer.cancel()
	m.remaining = 0
	m.deenergize()
	m.pending = nil
	m.phase = PhaseIdle

	m.emitFinished(err)
	m.setMode(Idle)

	if err != nil {
		m.runLog.Warn("measurement stopped", "step", m.pointer+1, "error", err)
	} else {
		m.runLog.Info("measurement finished", "steps", len(m.steps))
	}
}

// handleLine decodes one inbound line and applies it to the measuring slot.
func (m *Machine) handleLine(line string) {
	r, err := protocol.ParseReading(line)
	if err != nil {
		m.log.Warn("dropping inbound line", "line", line, "error", err)
		return
	}

	if m.pending == nil {
		m.log.Warn("reading without pending request discarded", "line", line)
		return
	}
	if !m.legacy && r.SourceID != m.pending.pin {
		m.runLog.Warn("reading source does not match requested electrode",
			"line", line, "expected", m.pending.pin, "got", r.SourceID)
		return
	}
	if r.CurrentMA == 0 {
		m.runLog.Warn("zero current reading, resistance set to 0", "line", line)
	}

	var q geometry.Quadruple
	switch m.pending.slot {
	case slotAuto:
		q = m.steps[m.pending.index].Quadruple
	case slotManual:
		q = m.manual.Quadruple
	}

	resistance := geometry.Resistance(r.CurrentMA, r.VoltageMV)
	result := &Result{
		CurrentMA:   r.CurrentMA,
		VoltageMV:   r.VoltageMV,
		Resistance:  resistance,
		Resistivity: geometry.Resistivity(m.array, q, resistance, m.spacing),
	}

	switch m.pending.slot {
	case slotAuto:
		step := &m.steps[m.pending.index]
		step.Status = Done
		step.Result = result
		m.emitStep(step.Index)
		m.runLog.Info("step measured", "step", step.Index+1,
			"electrodes", q.String(), "resistivity", result.Resistivity)
	case slotManual:
		m.manual.Status = Done
		m.manual.Result = result
		m.emitManual()
		m.runLog.Info("manual reading", "electrodes", q.String(), "resistivity", result.Resistivity)
	}
	m.pending = nil
}
