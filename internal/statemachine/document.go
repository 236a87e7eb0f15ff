package statemachine

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed default_states.yaml
var defaultDocumentYAML []byte

// Document is the declarative state configuration: an ordered list of
// dimensions plus the global transition factors.
type Document struct {
	Dimensions    DimensionList `yaml:"dimensions" json:"dimensions"`
	GlobalFactors GlobalFactors `yaml:"global_transition_factors" json:"global_transition_factors"`
}

// GlobalFactors are adjustments applied after rule evaluation.
type GlobalFactors struct {
	TimeDecay TimeDecay `yaml:"time_decay" json:"time_decay"`
}

// TimeDecay configures the linear decay of the battery dimension.
type TimeDecay struct {
	Rate *float64 `yaml:"rate" json:"rate,omitempty"`
}

// Dimension is one independent axis of state.
type Dimension struct {
	Name           string  `yaml:"name" json:"name"`
	DefaultStateID string  `yaml:"default_state" json:"default_state"`
	States         []State `yaml:"states" json:"states"`

	// decodeErr is set when the dimension's YAML could not be decoded.
	decodeErr error
}

// State is one discrete value of a dimension.
type State struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Value       float64           `yaml:"value" json:"value"`
	Description string            `yaml:"description" json:"description"`
	Rules       RuleList          `yaml:"transition_rules" json:"transition_rules"`
	Constraints map[string]string `yaml:"behavior_constraints" json:"behavior_constraints"`
}

// Rule is a candidate transition out of a state.
type Rule struct {
	Target      string  `yaml:"target" json:"target"`
	Condition   string  `yaml:"condition" json:"condition"`
	Probability float64 `yaml:"probability" json:"probability"`
}

// RuleList preserves configuration order. It decodes from a sequence of
// rules or from a mapping of target id to rule.
type RuleList []Rule

// DimensionList preserves configuration order. It decodes from a mapping of
// dimension name to dimension or from a sequence of named dimensions.
type DimensionList []Dimension

const defaultStateValue = 0.5

func (s *State) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		ID          string            `yaml:"id"`
		Name        string            `yaml:"name"`
		Value       *float64          `yaml:"value"`
		Description string            `yaml:"description"`
		Rules       RuleList          `yaml:"transition_rules"`
		Constraints map[string]string `yaml:"behavior_constraints"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*s = State{
		ID:          r.ID,
		Name:        r.Name,
		Value:       defaultStateValue,
		Description: r.Description,
		Rules:       r.Rules,
		Constraints: r.Constraints,
	}
	if r.Value != nil {
		s.Value = *r.Value
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	return nil
}

func (l *RuleList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var rules []Rule
		if err := node.Decode(&rules); err != nil {
			return err
		}
		*l = rules
	case yaml.MappingNode:
		rules := make([]Rule, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var r Rule
			if err := node.Content[i+1].Decode(&r); err != nil {
				return fmt.Errorf("rule %q: %w", node.Content[i].Value, err)
			}
			r.Target = node.Content[i].Value
			rules = append(rules, r)
		}
		*l = rules
	default:
		if node.Tag == "!!null" {
			*l = nil
			return nil
		}
		return fmt.Errorf("transition_rules: line %d: expected mapping or sequence", node.Line)
	}
	return nil
}

// UnmarshalYAML decodes each dimension independently so one malformed
// dimension does not reject the whole document.
func (l *DimensionList) UnmarshalYAML(node *yaml.Node) error {
	var dims []Dimension
	decode := func(name string, n *yaml.Node) {
		var d Dimension
		if err := n.Decode(&d); err != nil {
			d = Dimension{decodeErr: err}
		}
		if name != "" {
			d.Name = name
		}
		dims = append(dims, d)
	}

	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			decode(node.Content[i].Value, node.Content[i+1])
		}
	case yaml.SequenceNode:
		for _, n := range node.Content {
			decode("", n)
		}
	default:
		return fmt.Errorf("dimensions: line %d: expected mapping or sequence", node.Line)
	}
	*l = dims
	return nil
}

// ParseDocument decodes a YAML (or JSON) state document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state document: %w", err)
	}
	if len(doc.Dimensions) == 0 {
		return nil, fmt.Errorf("parse state document: no dimensions")
	}
	return &doc, nil
}

var (
	defaultOnce sync.Once
	defaultDoc  *Document
)

// DefaultDocument returns the embedded minimal configuration. Callers get a
// fresh copy they may modify.
func DefaultDocument() *Document {
	defaultOnce.Do(func() {
		doc, err := ParseDocument(defaultDocumentYAML)
		if err != nil {
			panic(fmt.Sprintf("statemachine: embedded default document: %v", err))
		}
		defaultDoc = doc
	})
	return defaultDoc.clone()
}

// LoadDocument reads the document at path. Configuration errors are never
// fatal: when the file is missing or unparseable the embedded default is
// returned together with the error so the caller can log it.
func LoadDocument(path string) (*Document, error) {
	if path == "" {
		return DefaultDocument(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultDocument(), fmt.Errorf("read state document %s: %w", path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return DefaultDocument(), fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// LoadDocumentOrDefault is LoadDocument with the error logged.
func LoadDocumentOrDefault(path string, logger *zap.Logger) *Document {
	doc, err := LoadDocument(path)
	if err != nil && logger != nil {
		logger.Warn("using default state document", zap.String("path", path), zap.Error(err))
	}
	return doc
}

func (d *Document) clone() *Document {
	out := &Document{GlobalFactors: d.GlobalFactors}
	if d.GlobalFactors.TimeDecay.Rate != nil {
		r := *d.GlobalFactors.TimeDecay.Rate
		out.GlobalFactors.TimeDecay.Rate = &r
	}
	out.Dimensions = make(DimensionList, len(d.Dimensions))
	for i, dim := range d.Dimensions {
		c := dim
		c.States = make([]State, len(dim.States))
		for j, st := range dim.States {
			s := st
			s.Rules = append(RuleList(nil), st.Rules...)
			if st.Constraints != nil {
				s.Constraints = make(map[string]string, len(st.Constraints))
				for k, v := range st.Constraints {
					s.Constraints[k] = v
				}
			}
			c.States[j] = s
		}
		out.Dimensions[i] = c
	}
	return out
}
