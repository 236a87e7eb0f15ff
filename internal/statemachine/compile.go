package statemachine

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

var errInvalidDimension = errors.New("invalid dimension")

type compiledRule struct {
	target      string
	source      string
	cond        Condition
	probability float64
}

type compiledState struct {
	id          string
	name        string
	description string
	value       float64
	rules       []compiledRule
	constraints map[string]string
}

type compiledDimension struct {
	name         string
	defaultState string
	states       []compiledState
	index        map[string]int
}

func (d *compiledDimension) state(id string) (*compiledState, bool) {
	i, ok := d.index[id]
	if !ok {
		return nil, false
	}
	return &d.states[i], true
}

func (d *compiledDimension) record(id string) StateRecord {
	st, _ := d.state(id)
	return StateRecord{
		Dimension:   d.name,
		StateID:     st.id,
		Name:        st.name,
		Description: st.description,
		Value:       st.value,
	}
}

// compiled is the validated, immutable form of a Document.
type compiled struct {
	dims      []compiledDimension
	byName    map[string]int
	decayRate float64
}

func (c *compiled) dimension(name string) (*compiledDimension, bool) {
	i, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return &c.dims[i], true
}

// compile validates doc. Invalid dimensions are skipped and invalid rules
// dropped, each with a warning; compile itself never fails.
func compile(doc *Document, logger *zap.Logger) *compiled {
	c := &compiled{byName: make(map[string]int), decayRate: defaultDecayRate}
	if doc == nil {
		return c
	}

	if r := doc.GlobalFactors.TimeDecay.Rate; r != nil {
		if *r >= 0 && !math.IsNaN(*r) {
			c.decayRate = *r
		} else {
			logger.Warn("ignoring negative time decay rate", zap.Float64("rate", *r))
		}
	}

	for _, dim := range doc.Dimensions {
		cd, err := compileDimension(dim, logger)
		if err != nil {
			logger.Warn("skipping dimension", zap.String("dimension", dim.Name), zap.Error(err))
			continue
		}
		if _, dup := c.byName[cd.name]; dup {
			logger.Warn("skipping duplicate dimension", zap.String("dimension", cd.name))
			continue
		}
		c.byName[cd.name] = len(c.dims)
		c.dims = append(c.dims, cd)
	}
	return c
}

func compileDimension(dim Dimension, logger *zap.Logger) (compiledDimension, error) {
	if dim.decodeErr != nil {
		return compiledDimension{}, fmt.Errorf("%w: %v", errInvalidDimension, dim.decodeErr)
	}
	if dim.Name == "" {
		return compiledDimension{}, fmt.Errorf("%w: missing name", errInvalidDimension)
	}
	if len(dim.States) == 0 {
		return compiledDimension{}, fmt.Errorf("%w: no states", errInvalidDimension)
	}

	cd := compiledDimension{name: dim.Name, index: make(map[string]int, len(dim.States))}
	for _, st := range dim.States {
		if st.ID == "" {
			return compiledDimension{}, fmt.Errorf("%w: state without id", errInvalidDimension)
		}
		if _, dup := cd.index[st.ID]; dup {
			return compiledDimension{}, fmt.Errorf("%w: duplicate state %q", errInvalidDimension, st.ID)
		}
		if st.Value < 0 || st.Value > 1 || math.IsNaN(st.Value) {
			return compiledDimension{}, fmt.Errorf("%w: state %q value %v outside [0,1]", errInvalidDimension, st.ID, st.Value)
		}
		cd.index[st.ID] = len(cd.states)
		cd.states = append(cd.states, compiledState{
			id:          st.ID,
			name:        st.Name,
			description: st.Description,
			value:       st.Value,
			constraints: st.Constraints,
		})
	}

	// Rules are compiled once every state id is known.
	for i, st := range dim.States {
		for _, r := range st.Rules {
			if _, ok := cd.index[r.Target]; !ok {
				logger.Warn("dropping rule with unknown target",
					zap.String("dimension", dim.Name),
					zap.String("state", st.ID),
					zap.String("target", r.Target))
				continue
			}
			cond, err := Parse(r.Condition)
			if err != nil {
				logger.Warn("condition never fires",
					zap.String("dimension", dim.Name),
					zap.String("state", st.ID),
					zap.String("condition", r.Condition),
					zap.Error(err))
				cond = Never{Source: r.Condition}
			}
			p := r.Probability
			if math.IsNaN(p) {
				p = 0
			}
			cd.states[i].rules = append(cd.states[i].rules, compiledRule{
				target:      r.Target,
				source:      r.Condition,
				cond:        cond,
				probability: clamp01(p),
			})
		}
	}

	cd.defaultState = dim.DefaultStateID
	if _, ok := cd.index[cd.defaultState]; !ok {
		if cd.defaultState != "" {
			logger.Warn("unknown default state, using first state",
				zap.String("dimension", dim.Name),
				zap.String("default_state", cd.defaultState))
		}
		cd.defaultState = cd.states[0].id
	}
	return cd, nil
}
