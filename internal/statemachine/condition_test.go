package statemachine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_NumericComparison(t *testing.T) {
	c, err := Parse("energy < 0.3")
	require.NoError(t, err)
	assert.Equal(t, Compare{Field: "energy", Op: OpLT, Value: 0.3}, c)

	sig := NeutralSignals()
	assert.False(t, c.Eval(sig))
	sig.Emotion.Energy = 0.1
	assert.True(t, c.Eval(sig))
}

func TestParse_AllOperators(t *testing.T) {
	sig := NeutralSignals()
	sig.Interaction.LearningEvents = 4

	cases := map[string]bool{
		"learning_events > 3":  true,
		"learning_events >= 4": true,
		"learning_events < 4":  false,
		"learning_events <= 4": true,
		"learning_events == 4": true,
		"learning_events != 4": false,
	}
	for expr, want := range cases {
		c, err := Parse(expr)
		require.NoError(t, err, expr)
		assert.Equal(t, want, c.Eval(sig), expr)
	}
}

func TestParse_Combinations(t *testing.T) {
	c, err := Parse("is_new_topic && success_rate > 0.8 || rest_period")
	require.NoError(t, err)

	sig := NeutralSignals()
	assert.False(t, c.Eval(sig))

	sig.Interaction.IsNewTopic = true
	assert.False(t, c.Eval(sig), "and-term needs both sides")

	sig.Interaction.SuccessRate = 0.9
	assert.True(t, c.Eval(sig))

	rest := NeutralSignals()
	rest.Interaction.IsRestPeriod = true
	assert.True(t, c.Eval(rest))
}

func TestParse_Keywords(t *testing.T) {
	c, err := Parse("positive_interaction and not is_complex")
	require.NoError(t, err)

	sig := NeutralSignals()
	sig.Interaction.Sentiment = SentimentPositive
	assert.True(t, c.Eval(sig))

	sig.Interaction.IsComplex = true
	assert.False(t, c.Eval(sig))
}

func TestParse_StringMatch(t *testing.T) {
	c, err := Parse(`sentiment == "negative"`)
	require.NoError(t, err)

	sig := NeutralSignals()
	assert.False(t, c.Eval(sig))
	sig.Interaction.Sentiment = SentimentNegative
	assert.True(t, c.Eval(sig))

	_, err = Parse("sentiment > positive")
	assert.ErrorIs(t, err, ErrMalformedCondition)
}

func TestParse_SentimentFallsBackToEmotion(t *testing.T) {
	c := MustCompile("positive_interaction")
	sig := Signals{Emotion: EmotionSignal{Sentiment: SentimentPositive, Energy: 0.5, Intensity: 0.5}}
	assert.True(t, c.Eval(sig))
}

func TestParse_TimeDecayAlwaysHolds(t *testing.T) {
	c, err := Parse("time_decay")
	require.NoError(t, err)
	assert.Equal(t, Always{}, c)
	assert.True(t, c.Eval(Signals{}))
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("")
	assert.ErrorIs(t, err, ErrMalformedCondition)

	_, err = Parse("moon_phase > 3")
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = Parse("user_is_sleepy")
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = Parse("energy < lots")
	assert.ErrorIs(t, err, ErrMalformedCondition)

	_, err = Parse("energy < 0.3 &&")
	assert.ErrorIs(t, err, ErrMalformedCondition)
}

func TestMustCompile_UnknownEvaluatesFalse(t *testing.T) {
	c := MustCompile("the dog feels lucky")
	assert.IsType(t, Never{}, c)

	sig := NeutralSignals()
	sig.Interaction.IsNewTopic = true
	sig.Interaction.Sentiment = SentimentPositive
	assert.False(t, c.Eval(sig))
	assert.False(t, c.Eval(Signals{}))
}

func TestEval_NaNComparesFalse(t *testing.T) {
	sig := NeutralSignals()
	sig.Emotion.Energy = math.NaN()
	assert.False(t, MustCompile("energy < 0.3").Eval(sig))
	assert.False(t, MustCompile("energy > 0.3").Eval(sig))
}

func TestEval_EmptyCompositesAreFalse(t *testing.T) {
	assert.False(t, And{}.Eval(NeutralSignals()))
	assert.False(t, Or{}.Eval(NeutralSignals()))
	assert.False(t, Not{}.Eval(NeutralSignals()))
}
