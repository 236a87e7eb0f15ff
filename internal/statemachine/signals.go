package statemachine

// EmotionSignal is the momentary emotional stance derived for one turn.
// It is never persisted.
type EmotionSignal struct {
	Sentiment string  `json:"sentiment"`
	Energy    float64 `json:"energy"`
	Intensity float64 `json:"intensity"`
}

// Sentiment values produced by emotion grounding.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// NeutralEmotion is the stance substituted whenever emotion grounding fails.
func NeutralEmotion() EmotionSignal {
	return EmotionSignal{Sentiment: SentimentNeutral, Energy: 0.5, Intensity: 0.5}
}

// InteractionContext describes the turn the machine is reacting to.
type InteractionContext struct {
	Sentiment           string  `json:"sentiment"`
	IsNewTopic          bool    `json:"is_new_topic"`
	IsComplex           bool    `json:"is_complex"`
	HasPositiveFeedback bool    `json:"has_positive_feedback"`
	IsRestPeriod        bool    `json:"is_rest_period"`
	IsHighActivity      bool    `json:"is_high_activity"`
	LearningEvents      int     `json:"learning_events"`
	SuccessRate         float64 `json:"success_rate"`
	ErrorRate           float64 `json:"error_rate"`
}

// Signals is the typed context transition conditions are evaluated against.
//
// The zero value is not neutral: Energy 0 satisfies "energy < 0.3". Build
// signals with NeutralSignals or from a grounded EmotionSignal.
type Signals struct {
	Emotion     EmotionSignal      `json:"emotion"`
	Interaction InteractionContext `json:"interaction"`
}

// NeutralSignals returns signals carrying the neutral emotion and an
// uneventful interaction.
func NeutralSignals() Signals {
	e := NeutralEmotion()
	return Signals{
		Emotion:     e,
		Interaction: InteractionContext{Sentiment: e.Sentiment},
	}
}

// sentiment prefers the interaction sentiment and falls back to the
// emotion's own sentiment.
func (s Signals) sentiment() string {
	if s.Interaction.Sentiment != "" {
		return s.Interaction.Sentiment
	}
	return s.Emotion.Sentiment
}
