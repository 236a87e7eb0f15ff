package statemachine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnknownField is returned by Parse when a predicate names a field
	// the signal context does not carry.
	ErrUnknownField = errors.New("unknown condition field")

	// ErrMalformedCondition is returned by Parse for expressions that are
	// not a predicate, a flag or a combination of them.
	ErrMalformedCondition = errors.New("malformed condition")
)

// Condition is a compiled transition predicate.
// Eval is total: it never panics and unknown input evaluates to false.
type Condition interface {
	Eval(s Signals) bool
	String() string
}

// Op is a comparison operator.
type Op string

const (
	OpLT Op = "<"
	OpLE Op = "<="
	OpGT Op = ">"
	OpGE Op = ">="
	OpEQ Op = "=="
	OpNE Op = "!="
)

// operators is ordered so two-character operators are matched first.
var operators = []Op{OpLE, OpGE, OpEQ, OpNE, OpLT, OpGT}

var numericFields = map[string]func(Signals) float64{
	"energy":          func(s Signals) float64 { return s.Emotion.Energy },
	"intensity":       func(s Signals) float64 { return s.Emotion.Intensity },
	"success_rate":    func(s Signals) float64 { return s.Interaction.SuccessRate },
	"error_rate":      func(s Signals) float64 { return s.Interaction.ErrorRate },
	"learning_events": func(s Signals) float64 { return float64(s.Interaction.LearningEvents) },
}

var stringFields = map[string]func(Signals) string{
	"sentiment":         func(s Signals) string { return s.sentiment() },
	"emotion_sentiment": func(s Signals) string { return s.Emotion.Sentiment },
}

var flagFields = map[string]func(Signals) bool{
	"is_new_topic":          func(s Signals) bool { return s.Interaction.IsNewTopic },
	"is_complex":            func(s Signals) bool { return s.Interaction.IsComplex },
	"has_positive_feedback": func(s Signals) bool { return s.Interaction.HasPositiveFeedback },
	"is_rest_period":        func(s Signals) bool { return s.Interaction.IsRestPeriod },
	"is_high_activity":      func(s Signals) bool { return s.Interaction.IsHighActivity },

	// Names used by existing state documents.
	"new_topic_detected":   func(s Signals) bool { return s.Interaction.IsNewTopic },
	"complex_question":     func(s Signals) bool { return s.Interaction.IsComplex },
	"positive_feedback":    func(s Signals) bool { return s.Interaction.HasPositiveFeedback },
	"rest_period":          func(s Signals) bool { return s.Interaction.IsRestPeriod },
	"high_activity":        func(s Signals) bool { return s.Interaction.IsHighActivity },
	"positive_interaction": func(s Signals) bool { return s.sentiment() == SentimentPositive },
	"negative_interaction": func(s Signals) bool { return s.sentiment() == SentimentNegative },
}

// Compare tests a numeric field against a literal.
type Compare struct {
	Field string
	Op    Op
	Value float64
}

func (c Compare) Eval(s Signals) bool {
	get, ok := numericFields[c.Field]
	if !ok {
		return false
	}
	v := get(s)
	switch c.Op {
	case OpLT:
		return v < c.Value
	case OpLE:
		return v <= c.Value
	case OpGT:
		return v > c.Value
	case OpGE:
		return v >= c.Value
	case OpEQ:
		return v == c.Value
	case OpNE:
		return v != c.Value
	}
	return false
}

func (c Compare) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, strconv.FormatFloat(c.Value, 'g', -1, 64))
}

// Match tests a string field for equality.
type Match struct {
	Field string
	Op    Op
	Value string
}

func (m Match) Eval(s Signals) bool {
	get, ok := stringFields[m.Field]
	if !ok {
		return false
	}
	switch m.Op {
	case OpEQ:
		return get(s) == m.Value
	case OpNE:
		return get(s) != m.Value
	}
	return false
}

func (m Match) String() string { return fmt.Sprintf("%s %s %q", m.Field, m.Op, m.Value) }

// Flag tests a boolean field.
type Flag struct {
	Field string
}

func (f Flag) Eval(s Signals) bool {
	get, ok := flagFields[f.Field]
	return ok && get(s)
}

func (f Flag) String() string { return f.Field }

// Not negates a condition.
type Not struct {
	Inner Condition
}

func (n Not) Eval(s Signals) bool { return n.Inner != nil && !n.Inner.Eval(s) }
func (n Not) String() string      { return "!" + n.Inner.String() }

// And holds when every term holds.
type And []Condition

func (a And) Eval(s Signals) bool {
	if len(a) == 0 {
		return false
	}
	for _, c := range a {
		if !c.Eval(s) {
			return false
		}
	}
	return true
}

func (a And) String() string { return join(a, " && ") }

// Or holds when any term holds.
type Or []Condition

func (o Or) Eval(s Signals) bool {
	for _, c := range o {
		if c.Eval(s) {
			return true
		}
	}
	return false
}

func (o Or) String() string { return join(o, " || ") }

// Always holds unconditionally. "time_decay" compiles to Always.
type Always struct{}

func (Always) Eval(Signals) bool { return true }
func (Always) String() string    { return "time_decay" }

// Never is the compiled form of empty or unparseable expressions.
type Never struct {
	Source string
}

func (Never) Eval(Signals) bool { return false }
func (n Never) String() string  { return "never(" + n.Source + ")" }

func join(cs []Condition, sep string) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, sep)
}

// Parse compiles a condition expression such as "energy < 0.3",
// "is_new_topic && success_rate > 0.8" or "sentiment == positive".
// "||" binds looser than "&&"; "or"/"and" are accepted as keywords and a
// leading "!" negates a single term.
func Parse(expr string) (Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrMalformedCondition)
	}
	expr = normalizeKeywords(expr)

	alternatives := strings.Split(expr, "||")
	var or Or
	for _, alt := range alternatives {
		terms := strings.Split(alt, "&&")
		var and And
		for _, term := range terms {
			c, err := parseTerm(term)
			if err != nil {
				return nil, err
			}
			and = append(and, c)
		}
		if len(and) == 1 {
			or = append(or, and[0])
		} else {
			or = append(or, and)
		}
	}
	if len(or) == 1 {
		return or[0], nil
	}
	return or, nil
}

// MustCompile parses expr and returns Never when it cannot be parsed.
func MustCompile(expr string) Condition {
	c, err := Parse(expr)
	if err != nil {
		return Never{Source: expr}
	}
	return c
}

func normalizeKeywords(expr string) string {
	fields := strings.Fields(expr)
	for i, f := range fields {
		switch strings.ToLower(f) {
		case "and":
			fields[i] = "&&"
		case "or":
			fields[i] = "||"
		case "not":
			fields[i] = "!"
		}
	}
	return strings.Join(fields, " ")
}

func parseTerm(term string) (Condition, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("%w: empty term", ErrMalformedCondition)
	}
	if strings.HasPrefix(term, "!") && !strings.HasPrefix(term, "!=") {
		inner, err := parseTerm(term[1:])
		if err != nil {
			return nil, err
		}
		return Not{Inner: inner}, nil
	}

	for _, op := range operators {
		idx := strings.Index(term, string(op))
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(term[:idx])
		literal := strings.TrimSpace(term[idx+len(op):])
		if field == "" || literal == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedCondition, term)
		}
		if _, ok := numericFields[field]; ok {
			v, err := strconv.ParseFloat(literal, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a number", ErrMalformedCondition, literal)
			}
			return Compare{Field: field, Op: op, Value: v}, nil
		}
		if _, ok := stringFields[field]; ok {
			if op != OpEQ && op != OpNE {
				return nil, fmt.Errorf("%w: %s only supports == and !=", ErrMalformedCondition, field)
			}
			return Match{Field: field, Op: op, Value: strings.Trim(literal, `"'`)}, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}

	if term == "time_decay" {
		return Always{}, nil
	}
	if _, ok := flagFields[term]; ok {
		return Flag{Field: term}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownField, term)
}
