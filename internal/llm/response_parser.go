package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedResponse is returned when a decision-type reply cannot be used.
var ErrMalformedResponse = errors.New("llm: malformed response")

// EmotionResponse is the parsed reply of the emotion grounding call.
type EmotionResponse struct {
	Sentiment string  `json:"sentiment"`
	Energy    float64 `json:"energy"`
	Intensity float64 `json:"intensity"`
}

// MergeResponse is the parsed reply of the consolidation merge call.
type MergeResponse struct {
	MemoryText  string `json:"memory_text"`
	IsDuplicate bool   `json:"is_duplicate"`
	Reason      string `json:"reason"`
}

// energy levels accepted in place of a number.
var energyWords = map[string]float64{
	"low":    0.2,
	"medium": 0.5,
	"high":   0.8,
}

// extractJSON extracts the first valid JSON object from a string that may contain extra text.
// This handles cases where LLMs add explanations before/after the JSON despite instructions.
func extractJSON(text string) string {
	// Remove common markdown code block markers
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text // No JSON found, return as-is and let parser fail
	}

	braceCount := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		char := text[i]

		if escape {
			escape = false
			continue
		}
		if char == '\\' {
			escape = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}

		// Only count braces outside of strings
		if !inString {
			switch char {
			case '{':
				braceCount++
			case '}':
				braceCount--
				if braceCount == 0 {
					return text[start : i+1]
				}
			}
		}
	}

	return text // No complete JSON found, return as-is
}

// ParseEmotion parses the emotion grounding reply. Energy may be a number in
// [0,1] or one of low/medium/high. A missing intensity (or the older
// "confidence" field) defaults to 0.5. Unknown sentiments are rejected so
// the caller falls back to the neutral default.
func ParseEmotion(text string) (*EmotionResponse, error) {
	var raw struct {
		Sentiment  string          `json:"sentiment"`
		Emotion    string          `json:"emotion"`
		Energy     json.RawMessage `json:"energy"`
		Intensity  *float64        `json:"intensity"`
		Confidence *float64        `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return nil, fmt.Errorf("%w: emotion: %v", ErrMalformedResponse, err)
	}

	sentiment := strings.ToLower(strings.TrimSpace(raw.Sentiment))
	if sentiment == "" {
		sentiment = strings.ToLower(strings.TrimSpace(raw.Emotion))
	}
	switch sentiment {
	case "positive", "neutral", "negative":
	default:
		return nil, fmt.Errorf("%w: unknown sentiment %q", ErrMalformedResponse, sentiment)
	}

	energy, err := parseEnergy(raw.Energy)
	if err != nil {
		return nil, err
	}

	intensity := 0.5
	switch {
	case raw.Intensity != nil:
		intensity = *raw.Intensity
	case raw.Confidence != nil:
		intensity = *raw.Confidence
	}

	return &EmotionResponse{
		Sentiment: sentiment,
		Energy:    clamp01(energy),
		Intensity: clamp01(intensity),
	}, nil
}

func parseEnergy(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0.5, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: energy: %s", ErrMalformedResponse, raw)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if v, ok := energyWords[s]; ok {
		return v, nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return v, nil
	}
	return 0, fmt.Errorf("%w: energy %q", ErrMalformedResponse, s)
}

// ParseMerge parses the consolidation merge reply. An empty memory_text is
// malformed.
func ParseMerge(text string) (*MergeResponse, error) {
	var r MergeResponse
	if err := json.Unmarshal([]byte(extractJSON(text)), &r); err != nil {
		return nil, fmt.Errorf("%w: merge: %v", ErrMalformedResponse, err)
	}
	r.MemoryText = strings.TrimSpace(r.MemoryText)
	if r.MemoryText == "" {
		return nil, fmt.Errorf("%w: merge: empty memory_text", ErrMalformedResponse)
	}
	return &r, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
