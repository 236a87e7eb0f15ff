package statemachine

import "strings"

// Recognized behavior constraint keys.
const (
	KeyLanguageStyle        = "language_style"
	KeyResponseLength       = "response_length"
	KeyEmojiUsage           = "emoji_usage"
	KeyInteractionFrequency = "interaction_frequency"
	KeyRecallBias           = "recall_bias"
	KeyMemoryStability      = "memory_stability"
	KeyResponseTone         = "response_tone"
	KeyResponseConfidence   = "response_confidence"
	KeyActivityLevel        = "activity_level"
	KeyResponseSpeed        = "response_speed"
	KeyInteractionCapacity  = "interaction_capacity"
)

// dimensionPrecedence orders dimensions for overlapping constraint keys.
// Dimensions not listed follow in configuration order.
var dimensionPrecedence = []string{"emotion", "personality", BatteryDimension, "skill"}

// BehaviorConstraints is the synthesized guidance for response generation
// and recall stabilization.
type BehaviorConstraints struct {
	LanguageStyle        string `json:"language_style"`
	ResponseLength       string `json:"response_length"`
	EmojiUsage           string `json:"emoji_usage"`
	InteractionFrequency string `json:"interaction_frequency"`
	RecallBias           string `json:"recall_bias"`
	MemoryStability      string `json:"memory_stability"`
	ResponseTone         string `json:"response_tone"`
	ResponseConfidence   string `json:"response_confidence"`
	ActivityLevel        string `json:"activity_level"`
	ResponseSpeed        string `json:"response_speed"`
	InteractionCapacity  string `json:"interaction_capacity"`
}

// DefaultConstraints are used for every key no active state sets.
func DefaultConstraints() BehaviorConstraints {
	return BehaviorConstraints{
		LanguageStyle:        "natural, friendly",
		ResponseLength:       "medium",
		EmojiUsage:           "medium",
		InteractionFrequency: "medium",
		RecallBias:           "neutral",
		MemoryStability:      "medium",
		ResponseTone:         "neutral",
		ResponseConfidence:   "medium",
		ActivityLevel:        "medium",
		ResponseSpeed:        "normal",
		InteractionCapacity:  "medium",
	}
}

func (b *BehaviorConstraints) field(key string) *string {
	switch key {
	case KeyLanguageStyle:
		return &b.LanguageStyle
	case KeyResponseLength:
		return &b.ResponseLength
	case KeyEmojiUsage:
		return &b.EmojiUsage
	case KeyInteractionFrequency:
		return &b.InteractionFrequency
	case KeyRecallBias:
		return &b.RecallBias
	case KeyMemoryStability:
		return &b.MemoryStability
	case KeyResponseTone:
		return &b.ResponseTone
	case KeyResponseConfidence:
		return &b.ResponseConfidence
	case KeyActivityLevel:
		return &b.ActivityLevel
	case KeyResponseSpeed:
		return &b.ResponseSpeed
	case KeyInteractionCapacity:
		return &b.InteractionCapacity
	}
	return nil
}

// Map returns the constraints keyed by their snake_case names.
func (b BehaviorConstraints) Map() map[string]string {
	return map[string]string{
		KeyLanguageStyle:        b.LanguageStyle,
		KeyResponseLength:       b.ResponseLength,
		KeyEmojiUsage:           b.EmojiUsage,
		KeyInteractionFrequency: b.InteractionFrequency,
		KeyRecallBias:           b.RecallBias,
		KeyMemoryStability:      b.MemoryStability,
		KeyResponseTone:         b.ResponseTone,
		KeyResponseConfidence:   b.ResponseConfidence,
		KeyActivityLevel:        b.ActivityLevel,
		KeyResponseSpeed:        b.ResponseSpeed,
		KeyInteractionCapacity:  b.InteractionCapacity,
	}
}

// precedenceOrder returns dimension indexes highest precedence first.
func (c *compiled) precedenceOrder() []int {
	order := make([]int, 0, len(c.dims))
	seen := make(map[int]bool, len(c.dims))
	for _, name := range dimensionPrecedence {
		if i, ok := c.byName[name]; ok {
			order = append(order, i)
			seen[i] = true
		}
	}
	for i := range c.dims {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order
}

// synthesize folds the active states' constraints. The first dimension in
// precedence order to set a key wins, except language_style which
// accumulates across dimensions. Unrecognized keys are ignored.
func synthesize(c *compiled, current map[string]StateRecord) BehaviorConstraints {
	out := DefaultConstraints()
	set := make(map[string]bool)
	var styles []string

	for _, i := range c.precedenceOrder() {
		dim := &c.dims[i]
		rec, ok := current[dim.name]
		if !ok {
			continue
		}
		st, ok := dim.state(rec.StateID)
		if !ok {
			continue
		}
		for key, raw := range st.constraints {
			value := strings.TrimSpace(raw)
			if value == "" {
				continue
			}
			if key == KeyLanguageStyle {
				styles = append(styles, value)
				continue
			}
			f := out.field(key)
			if f == nil || set[key] {
				continue
			}
			*f = value
			set[key] = true
		}
	}
	if len(styles) > 0 {
		out.LanguageStyle = strings.Join(styles, ", ")
	}
	return out
}
