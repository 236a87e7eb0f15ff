package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scrypster/companion/internal/memory"
)

// Sampling settings for the two kinds of calls the pipeline makes.
const (
	DecisionTemperature   = 0.2
	DecisionMaxTokens     = 400
	GenerationTemperature = 0.8
	GenerationMaxTokens   = 500
)

// fragmentLimit caps how many fragments a prompt lists; fragmentLen caps
// each one.
const (
	fragmentLimit = 5
	fragmentLen   = 80
)

// RecallPrompt carries what the subjective recall call sees.
type RecallPrompt struct {
	Query       string
	Window      []memory.Message
	Fragments   []memory.Fragment
	Constraints map[string]string
	Level       string
}

// ResponsePrompt carries what the response call sees.
type ResponsePrompt struct {
	Query            string
	Window           []memory.Message
	CompanionName    string
	Nickname         string
	Constraints      map[string]string
	Level            string
	Allowed          []string
	Forbidden        []string
	Template         string
	Stable           []memory.Fragment
	SubjectiveRecall string
}

// EmotionPrompt generates a strict JSON-only prompt for emotion grounding.
// The reply is parsed by ParseEmotion.
func EmotionPrompt(query string, window []memory.Message) Request {
	user := fmt.Sprintf(`Judge the user's emotional stance in their latest message. Return ONLY valid JSON, no markdown, no code blocks, no explanation.

Provide:
- sentiment: one of positive, neutral, negative
- energy: number 0.0-1.0 (or low, medium, high)
- intensity: number 0.0-1.0, how strongly the emotion is expressed

Recent conversation:
%s

Latest message:
%s

Return ONLY JSON object, nothing else, no markdown:
{"sentiment":"...","energy":0.5,"intensity":0.5}`, formatWindow(window), query)

	return Request{
		SystemPrompt: "You read emotions in short chat messages. You answer with JSON only.",
		UserPrompt:   user,
		Temperature:  DecisionTemperature,
		MaxTokens:    DecisionMaxTokens,
	}
}

// SubjectiveRecallPrompt asks the companion to recall, in its own words,
// what the fragments make it think of. The result is never stored.
func SubjectiveRecallPrompt(p RecallPrompt) Request {
	user := fmt.Sprintf(`You are a companion robot dog thinking back before you answer.

Your current state shapes how you remember:
%s

Evidence level: %s

Memory fragments (score in brackets):
%s

Recent conversation:
%s

The user just said:
%s

In two or three sentences, describe what you recall that is relevant. Only use what the fragments say. If there is nothing relevant, say so plainly.`,
		formatConstraints(p.Constraints), p.Level, formatFragments(p.Fragments), formatWindow(p.Window), p.Query)

	return Request{
		SystemPrompt: "You are the inner voice of a companion robot dog. You never invent memories.",
		UserPrompt:   user,
		Temperature:  GenerationTemperature,
		MaxTokens:    GenerationMaxTokens,
	}
}

// ResponseSystemPrompt is the persona every reply is generated under.
const ResponseSystemPrompt = `You are a companion robot dog talking with a person in a real and natural way.
Your replies:
- show genuine emotion that fits your personality
- do not repeat earlier replies
- never reveal where a memory came from
- stay in character as a robot dog at all times`

// ResponsePromptRequest builds the reply request under the recall policy.
func ResponsePromptRequest(p ResponsePrompt) Request {
	var b strings.Builder
	fmt.Fprintf(&b, "[Who you are]\nYou are %s, a companion robot dog. You are talking with %s.\n\n", p.CompanionName, p.Nickname)
	fmt.Fprintf(&b, "[How you behave right now]\n%s\n\n", formatConstraints(p.Constraints))
	fmt.Fprintf(&b, "[Memory rules: %s]\n", p.Level)
	if len(p.Allowed) > 0 {
		fmt.Fprintf(&b, "You may: %s.\n", strings.Join(p.Allowed, "; "))
	}
	if len(p.Forbidden) > 0 {
		fmt.Fprintf(&b, "You must not: %s.\n", strings.Join(p.Forbidden, "; "))
	}
	if p.Template != "" {
		fmt.Fprintf(&b, "Shape your answer like: %s\n", p.Template)
	}
	b.WriteString("\n")
	if len(p.Stable) > 0 {
		fmt.Fprintf(&b, "[What you clearly remember]\n%s\n\n", formatFragments(p.Stable))
	}
	if p.SubjectiveRecall != "" {
		fmt.Fprintf(&b, "[Your own recollection]\n%s\n\n", p.SubjectiveRecall)
	}
	fmt.Fprintf(&b, "[Recent conversation]\n%s\n\n", formatWindow(p.Window))
	fmt.Fprintf(&b, "[Now]\nUser: %s\n\nReply as the robot dog.", p.Query)

	return Request{
		SystemPrompt: ResponseSystemPrompt,
		UserPrompt:   b.String(),
		Temperature:  GenerationTemperature,
		MaxTokens:    GenerationMaxTokens,
	}
}

// MergePrompt generates a strict JSON-only prompt that folds new memory
// traces into the prior durable memory. The reply is parsed by ParseMerge.
func MergePrompt(prior, traces string) Request {
	if strings.TrimSpace(prior) == "" {
		prior = "(none)"
	}
	user := fmt.Sprintf(`Merge a companion's long-term memory about a person. Return ONLY valid JSON, no markdown, no code blocks, no explanation.

Rules:
- keep every valuable detail from both parts
- drop repeated information
- when facts conflict (name, age, preferences), the new traces win
- write short plain sentences

Prior memory:
%s

New traces:
%s

Provide:
- memory_text: the merged memory
- is_duplicate: true when the new traces add nothing
- reason: one short sentence

Return ONLY JSON object, nothing else, no markdown:
{"memory_text":"...","is_duplicate":false,"reason":"..."}`, prior, traces)

	return Request{
		SystemPrompt: "You maintain a companion's long-term memory. You answer with JSON only.",
		UserPrompt:   user,
		Temperature:  DecisionTemperature,
		MaxTokens:    DecisionMaxTokens,
	}
}

func formatWindow(window []memory.Message) string {
	if len(window) == 0 {
		return "(this is the start of the conversation)"
	}
	lines := make([]string, 0, len(window))
	for _, m := range window {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}

func formatFragments(frags []memory.Fragment) string {
	if len(frags) == 0 {
		return "(none)"
	}
	lines := make([]string, 0, fragmentLimit)
	for i, f := range frags {
		if i == fragmentLimit {
			break
		}
		lines = append(lines, fmt.Sprintf("- [%.2f] %s", f.Score, shorten(f.Content, fragmentLen)))
	}
	return strings.Join(lines, "\n")
}

func formatConstraints(c map[string]string) string {
	if len(c) == 0 {
		return "(default)"
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %s", k, c[k]))
	}
	return strings.Join(lines, "\n")
}

// shorten cuts s to n runes.
func shorten(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}
