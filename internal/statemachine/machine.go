// Package statemachine implements the companion's multi-dimensional,
// configuration-driven state machine and the behavior constraints it
// synthesizes.
//
// Each dimension (emotion, personality, battery, skill, ...) holds exactly
// one current state. A transition call walks the current state's rules in
// configuration order and takes the first rule whose condition holds and
// whose probability draw succeeds. Battery decay is applied afterwards.
package statemachine

import (
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

// historyLimit is the number of snapshot changes kept in the history log.
const historyLimit = 5

// RandSource yields uniform draws in [0,1).
type RandSource interface {
	Float64() float64
}

// StateRecord is the current state of one dimension.
type StateRecord struct {
	Dimension        string    `json:"dimension"`
	StateID          string    `json:"state_id"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Value            float64   `json:"value"`
	Timestamp        time.Time `json:"timestamp"`
	TransitionedFrom string    `json:"transitioned_from,omitempty"`
}

// Transition is a history entry recording a snapshot change.
type Transition struct {
	Timestamp time.Time              `json:"timestamp"`
	Previous  map[string]StateRecord `json:"previous"`
	Current   map[string]StateRecord `json:"current"`
}

// StepResult is the outcome of one atomic evaluate, transition and
// synthesize sequence.
type StepResult struct {
	Before      map[string]StateRecord `json:"before"`
	After       map[string]StateRecord `json:"after"`
	Constraints BehaviorConstraints    `json:"constraints"`
}

// Summary is the externally reported view of a machine.
type Summary struct {
	States            map[string]StateRecord `json:"states"`
	StateCount        int                    `json:"state_count"`
	RecentTransitions []Transition           `json:"recent_transitions"`
}

// Option configures a Machine.
type Option func(*Machine)

// WithRand injects the source of probability draws.
func WithRand(r RandSource) Option {
	return func(m *Machine) {
		if r != nil {
			m.rand = r
		}
	}
}

// WithClock injects the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Machine is the state machine for one companion. All methods are safe for
// concurrent use; each call is atomic with respect to the others.
type Machine struct {
	mu      sync.Mutex
	cfg     *compiled
	current map[string]StateRecord
	history []Transition

	rand   RandSource
	now    func() time.Time
	logger *zap.Logger
}

// NewMachine compiles doc and initializes every dimension to its default
// state. A nil doc uses the embedded default document.
func NewMachine(doc *Document, opts ...Option) *Machine {
	m := &Machine{
		rand:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if doc == nil {
		doc = DefaultDocument()
	}
	m.cfg = compile(doc, m.logger)
	m.current = make(map[string]StateRecord, len(m.cfg.dims))
	now := m.now()
	for i := range m.cfg.dims {
		dim := &m.cfg.dims[i]
		rec := dim.record(dim.defaultState)
		rec.Timestamp = now
		m.current[dim.name] = rec
	}
	return m
}

// Dimensions returns the dimension names in configuration order.
func (m *Machine) Dimensions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.cfg.dims))
	for i, d := range m.cfg.dims {
		names[i] = d.name
	}
	return names
}

// Evaluate returns a copy of the current state of every dimension.
func (m *Machine) Evaluate() map[string]StateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneStates(m.current)
}

// Transition applies at most one rule per dimension and then the global
// factors, returning the new snapshot.
func (m *Machine) Transition(sig Signals) map[string]StateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(sig)
}

// Constraints synthesizes behavior constraints from the current states.
func (m *Machine) Constraints() BehaviorConstraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return synthesize(m.cfg, m.current)
}

// Step evaluates, transitions and synthesizes constraints as one atomic
// operation.
func (m *Machine) Step(sig Signals) StepResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := cloneStates(m.current)
	after := m.transitionLocked(sig)
	return StepResult{
		Before:      before,
		After:       after,
		Constraints: synthesize(m.cfg, m.current),
	}
}

// History returns the retained transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneHistory(m.history)
}

// Summary reports the current states and the recent transitions.
func (m *Machine) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Summary{
		States:            cloneStates(m.current),
		StateCount:        len(m.current),
		RecentTransitions: cloneHistory(m.history),
	}
}

// Reload swaps in a new document. Dimensions whose current state id still
// exists keep their record; all others start at their default state.
func (m *Machine) Reload(doc *Document) {
	if doc == nil {
		return
	}
	cfg := compile(doc, m.logger)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	next := make(map[string]StateRecord, len(cfg.dims))
	for i := range cfg.dims {
		dim := &cfg.dims[i]
		if rec, ok := m.current[dim.name]; ok {
			if st, ok := dim.state(rec.StateID); ok {
				rec.Name = st.name
				rec.Description = st.description
				next[dim.name] = rec
				continue
			}
		}
		rec := dim.record(dim.defaultState)
		rec.Timestamp = now
		next[dim.name] = rec
	}
	m.cfg = cfg
	m.current = next
	m.logger.Info("state document reloaded", zap.Int("dimensions", len(cfg.dims)))
}

func (m *Machine) transitionLocked(sig Signals) map[string]StateRecord {
	previous := cloneStates(m.current)
	now := m.now()

	for i := range m.cfg.dims {
		dim := &m.cfg.dims[i]
		rec, ok := m.current[dim.name]
		if !ok {
			continue
		}
		st, ok := dim.state(rec.StateID)
		if !ok {
			continue
		}
		for _, rule := range st.rules {
			if !rule.cond.Eval(sig) {
				continue
			}
			if m.rand.Float64() >= rule.probability {
				continue
			}
			next := dim.record(rule.target)
			next.Timestamp = now
			next.TransitionedFrom = rec.StateID
			m.current[dim.name] = next
			m.logger.Debug("state transition",
				zap.String("dimension", dim.name),
				zap.String("from", rec.StateID),
				zap.String("to", rule.target),
				zap.String("condition", rule.source))
			break
		}
	}

	m.applyGlobalFactors()

	if !statesEqual(previous, m.current) {
		m.history = append(m.history, Transition{
			Timestamp: now,
			Previous:  previous,
			Current:   cloneStates(m.current),
		})
		if len(m.history) > historyLimit {
			m.history = append([]Transition(nil), m.history[len(m.history)-historyLimit:]...)
		}
	}
	return cloneStates(m.current)
}

func (m *Machine) applyGlobalFactors() {
	rec, ok := m.current[BatteryDimension]
	if !ok {
		return
	}
	rec.Value = LinearDecay(rec.Value, m.cfg.decayRate)
	m.current[BatteryDimension] = rec
}

func cloneStates(in map[string]StateRecord) map[string]StateRecord {
	out := make(map[string]StateRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneHistory(in []Transition) []Transition {
	out := make([]Transition, len(in))
	for i, t := range in {
		out[i] = Transition{
			Timestamp: t.Timestamp,
			Previous:  cloneStates(t.Previous),
			Current:   cloneStates(t.Current),
		}
	}
	return out
}

func statesEqual(a, b map[string]StateRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || va.StateID != vb.StateID || va.Value != vb.Value ||
			!va.Timestamp.Equal(vb.Timestamp) || va.TransitionedFrom != vb.TransitionedFrom {
			return false
		}
	}
	return true
}
