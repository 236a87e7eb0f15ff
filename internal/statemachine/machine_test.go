package statemachine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fixedRand returns the same draw forever.
type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }

// seqRand replays draws in order and then repeats the last one.
type seqRand struct {
	draws []float64
	i     int
}

func (r *seqRand) Float64() float64 {
	v := r.draws[r.i]
	if r.i < len(r.draws)-1 {
		r.i++
	}
	return v
}

const testDocYAML = `
dimensions:
  emotion:
    default_state: calm
    states:
      - id: calm
        value: 0.5
        transition_rules:
          happy: {condition: positive_interaction, probability: 0.5}
          sad: {condition: positive_interaction, probability: 0.5}
        behavior_constraints: {language_style: gentle, response_tone: calm}
      - id: happy
        value: 0.8
        behavior_constraints: {language_style: playful, response_tone: warm}
      - id: sad
        value: 0.2
  personality:
    default_state: lively
    states:
      - id: lively
        behavior_constraints:
          language_style: curious
          response_tone: friendly
          interaction_frequency: high
  battery:
    default_state: full
    states:
      - id: full
        value: 1.0
        behavior_constraints: {activity_level: high, response_tone: sleepy}
global_transition_factors:
  time_decay: {rate: 0.01}
`

func testDoc(t *testing.T) *Document {
	t.Helper()
	doc, err := ParseDocument([]byte(testDocYAML))
	require.NoError(t, err)
	return doc
}

func positiveSignals() Signals {
	sig := NeutralSignals()
	sig.Interaction.Sentiment = SentimentPositive
	return sig
}

func TestNewMachine_StartsAtDefaults(t *testing.T) {
	m := NewMachine(testDoc(t))

	states := m.Evaluate()
	require.Len(t, states, 3)
	assert.Equal(t, "calm", states["emotion"].StateID)
	assert.Equal(t, "calm", states["emotion"].Name, "name defaults to id")
	assert.Equal(t, 0.5, states["personality"].Value, "missing value defaults to 0.5")
	assert.Equal(t, []string{"emotion", "personality", "battery"}, m.Dimensions())
}

func TestEvaluate_ReturnsCopy(t *testing.T) {
	m := NewMachine(testDoc(t))
	states := m.Evaluate()
	states["emotion"] = StateRecord{StateID: "tampered"}
	assert.Equal(t, "calm", m.Evaluate()["emotion"].StateID)
}

func TestTransition_BatteryDecaysLinearly(t *testing.T) {
	m := NewMachine(testDoc(t), WithRand(fixedRand(1)))

	for n := 1; n <= 30; n++ {
		states := m.Transition(NeutralSignals())
		assert.InDelta(t, 1.0-float64(n)*0.01, states[BatteryDimension].Value, 1e-9, "after %d calls", n)
	}
}

func TestTransition_BatteryFlooredAtZero(t *testing.T) {
	doc := testDoc(t)
	rate := 0.4
	doc.GlobalFactors.TimeDecay.Rate = &rate
	m := NewMachine(doc, WithRand(fixedRand(1)))

	for i := 0; i < 5; i++ {
		m.Transition(NeutralSignals())
	}
	assert.Equal(t, 0.0, m.Evaluate()[BatteryDimension].Value)
}

func TestTransition_ConvergesWithoutSignal(t *testing.T) {
	doc := testDoc(t)
	rate := 0.5
	doc.GlobalFactors.TimeDecay.Rate = &rate
	m := NewMachine(doc, WithRand(fixedRand(1)))

	m.Transition(NeutralSignals())
	m.Transition(NeutralSignals())
	require.Len(t, m.History(), 2)

	settled := m.Evaluate()
	m.Transition(NeutralSignals())
	assert.Equal(t, settled, m.Evaluate())
	assert.Len(t, m.History(), 2, "an unchanged snapshot is not recorded")
}

func TestTransition_FirstFiringRuleWins(t *testing.T) {
	m := NewMachine(testDoc(t), WithRand(fixedRand(0)))

	states := m.Transition(positiveSignals())
	assert.Equal(t, "happy", states["emotion"].StateID)
	assert.Equal(t, "calm", states["emotion"].TransitionedFrom)
}

func TestTransition_FailedDrawFallsThroughToNextRule(t *testing.T) {
	m := NewMachine(testDoc(t), WithRand(&seqRand{draws: []float64{0.9, 0.1}}))

	states := m.Transition(positiveSignals())
	assert.Equal(t, "sad", states["emotion"].StateID)
}

func TestTransition_AtMostOnePerDimension(t *testing.T) {
	doc, err := ParseDocument([]byte(`
dimensions:
  mood:
    default_state: a
    states:
      - id: a
        transition_rules: {b: {condition: time_decay, probability: 1}}
      - id: b
        transition_rules: {c: {condition: time_decay, probability: 1}}
      - id: c
`))
	require.NoError(t, err)
	m := NewMachine(doc, WithRand(fixedRand(0)))

	assert.Equal(t, "b", m.Transition(NeutralSignals())["mood"].StateID)
	assert.Equal(t, "c", m.Transition(NeutralSignals())["mood"].StateID)
}

func TestTransition_UnknownConditionNeverFires(t *testing.T) {
	doc, err := ParseDocument([]byte(`
dimensions:
  emotion:
    default_state: calm
    states:
      - id: calm
        transition_rules:
          happy: {condition: "moon_phase > 3", probability: 1}
          sad: {condition: "", probability: 1}
      - id: happy
      - id: sad
`))
	require.NoError(t, err)
	m := NewMachine(doc, WithRand(fixedRand(0)))

	sig := positiveSignals()
	sig.Interaction.IsNewTopic = true
	assert.Equal(t, "calm", m.Transition(sig)["emotion"].StateID)
}

func TestHistory_KeepsFiveMostRecent(t *testing.T) {
	doc, err := ParseDocument([]byte(`
dimensions:
  mood:
    default_state: a
    states:
      - id: a
        transition_rules: {b: {condition: time_decay, probability: 1}}
      - id: b
        transition_rules: {a: {condition: time_decay, probability: 1}}
`))
	require.NoError(t, err)

	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	m := NewMachine(doc, WithRand(fixedRand(0)), WithClock(clock))

	for i := 0; i < 8; i++ {
		m.Transition(NeutralSignals())
	}
	history := m.History()
	require.Len(t, history, historyLimit)
	assert.Equal(t, m.Evaluate(), history[len(history)-1].Current)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].Timestamp.After(history[i-1].Timestamp))
	}
}

func TestCompile_MalformedDimensionSkipped(t *testing.T) {
	doc, err := ParseDocument([]byte(`
dimensions:
  emotion:
    default_state: calm
    states:
      - id: calm
  broken:
    states: "not a list"
  empty:
    default_state: x
    states: []
  out_of_range:
    states:
      - id: hot
        value: 7
  skill:
    default_state: missing
    states:
      - id: novice
      - id: expert
`))
	require.NoError(t, err)
	m := NewMachine(doc)

	assert.Equal(t, []string{"emotion", "skill"}, m.Dimensions())
	assert.Equal(t, "novice", m.Evaluate()["skill"].StateID, "unknown default falls back to first state")
}

func TestCompile_UnknownTargetDropped(t *testing.T) {
	doc, err := ParseDocument([]byte(`
dimensions:
  emotion:
    default_state: calm
    states:
      - id: calm
        transition_rules:
          ghost: {condition: time_decay, probability: 1}
          happy: {condition: time_decay, probability: 1}
      - id: happy
`))
	require.NoError(t, err)
	m := NewMachine(doc, WithRand(fixedRand(0)))
	assert.Equal(t, "happy", m.Transition(NeutralSignals())["emotion"].StateID)
}

func TestCompile_ProbabilityClamped(t *testing.T) {
	doc, err := ParseDocument([]byte(`
dimensions:
  emotion:
    default_state: calm
    states:
      - id: calm
        transition_rules:
          happy: {condition: time_decay, probability: 5}
      - id: happy
`))
	require.NoError(t, err)
	c := compile(doc, zap.NewNop())
	dim, ok := c.dimension("emotion")
	require.True(t, ok)
	assert.Equal(t, 1.0, dim.states[0].rules[0].probability)
}

func TestRuleList_SequenceFormKeepsOrder(t *testing.T) {
	doc, err := ParseDocument([]byte(`
dimensions:
  - name: emotion
    default_state: calm
    states:
      - id: calm
        transition_rules:
          - {target: sad, condition: time_decay, probability: 1}
          - {target: happy, condition: time_decay, probability: 1}
      - id: happy
      - id: sad
`))
	require.NoError(t, err)
	require.Len(t, doc.Dimensions, 1)
	assert.Equal(t, "emotion", doc.Dimensions[0].Name)

	m := NewMachine(doc, WithRand(fixedRand(0)))
	assert.Equal(t, "sad", m.Transition(NeutralSignals())["emotion"].StateID)
}

func TestConstraints_PrecedenceAndDefaults(t *testing.T) {
	m := NewMachine(testDoc(t), WithRand(fixedRand(0)))

	c := m.Constraints()
	assert.Equal(t, "calm", c.ResponseTone, "emotion outranks personality and battery")
	assert.Equal(t, "gentle, curious", c.LanguageStyle)
	assert.Equal(t, "high", c.InteractionFrequency)
	assert.Equal(t, "high", c.ActivityLevel)
	assert.Equal(t, "medium", c.ResponseLength)
	assert.Equal(t, "normal", c.ResponseSpeed)

	m.Transition(positiveSignals())
	c = m.Constraints()
	assert.Equal(t, "warm", c.ResponseTone)
	assert.Equal(t, "playful, curious", c.LanguageStyle)
}

func TestConstraints_NoStyleUsesDefault(t *testing.T) {
	doc, err := ParseDocument([]byte(`
dimensions:
  battery:
    states:
      - id: low
        behavior_constraints: {response_speed: slow, unknown_key: x}
`))
	require.NoError(t, err)
	c := NewMachine(doc).Constraints()
	assert.Equal(t, "natural, friendly", c.LanguageStyle)
	assert.Equal(t, "slow", c.ResponseSpeed)
	assert.Len(t, c.Map(), 11)
}

func TestStep_ReportsBeforeAndAfter(t *testing.T) {
	m := NewMachine(testDoc(t), WithRand(fixedRand(0)))

	res := m.Step(positiveSignals())
	assert.Equal(t, "calm", res.Before["emotion"].StateID)
	assert.Equal(t, "happy", res.After["emotion"].StateID)
	assert.Equal(t, "warm", res.Constraints.ResponseTone)
}

func TestSummary(t *testing.T) {
	m := NewMachine(testDoc(t), WithRand(fixedRand(0)))
	m.Transition(positiveSignals())

	s := m.Summary()
	assert.Equal(t, 3, s.StateCount)
	assert.Len(t, s.RecentTransitions, 1)
	assert.Equal(t, "happy", s.States["emotion"].StateID)
}

func TestReload_KeepsSurvivingStates(t *testing.T) {
	m := NewMachine(testDoc(t), WithRand(fixedRand(0)))
	m.Transition(positiveSignals())

	doc, err := ParseDocument([]byte(`
dimensions:
  emotion:
    default_state: calm
    states:
      - id: calm
      - id: happy
        name: Joyful
  skill:
    default_state: novice
    states:
      - id: novice
`))
	require.NoError(t, err)
	m.Reload(doc)

	states := m.Evaluate()
	require.Len(t, states, 2)
	assert.Equal(t, "happy", states["emotion"].StateID)
	assert.Equal(t, "Joyful", states["emotion"].Name)
	assert.Equal(t, "novice", states["skill"].StateID)
}

func TestDefaultDocument_AllRulesCompile(t *testing.T) {
	doc := DefaultDocument()
	m := NewMachine(doc)
	assert.Equal(t, []string{"emotion", "personality", "battery", "skill"}, m.Dimensions())

	for _, dim := range m.cfg.dims {
		for _, st := range dim.states {
			for _, r := range st.rules {
				assert.NotEqual(t, "statemachine.Never", typeName(r.cond), "%s/%s -> %s", dim.name, st.id, r.target)
			}
		}
	}
}

func TestDefaultDocument_ReturnsCopy(t *testing.T) {
	a := DefaultDocument()
	a.Dimensions[0].States[0].Constraints["language_style"] = "tampered"
	b := DefaultDocument()
	assert.NotEqual(t, "tampered", b.Dimensions[0].States[0].Constraints["language_style"])
}

func TestLoadDocument_FallsBackToDefault(t *testing.T) {
	doc, err := LoadDocument(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	require.NotNil(t, doc)
	assert.Len(t, doc.Dimensions, 4)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("dimensions: [[["), 0o600))
	doc, err = LoadDocument(bad)
	assert.Error(t, err)
	assert.Len(t, doc.Dimensions, 4)
}

func TestLoadDocument_AcceptsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "states.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "dimensions": {
    "emotion": {
      "default_state": "calm",
      "states": [
        {"id": "calm", "transition_rules": {"happy": {"condition": "positive_interaction", "probability": 1}}},
        {"id": "happy"}
      ]
    }
  }
}`), 0o600))

	doc, err := LoadDocument(path)
	require.NoError(t, err)
	m := NewMachine(doc, WithRand(fixedRand(0)))
	assert.Equal(t, "happy", m.Transition(positiveSignals())["emotion"].StateID)
}

func typeName(c Condition) string {
	if _, ok := c.(Never); ok {
		return "statemachine.Never"
	}
	return "other"
}
