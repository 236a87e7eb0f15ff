package recall

import (
	"strings"

	"github.com/scrypster/companion/internal/memory"
)

const (
	// FeedbackThreshold is the score a stable fragment needs to count as
	// repeatedly recalled.
	FeedbackThreshold = 0.7

	// maxTraces bounds how many traces go into one durable memory.
	maxTraces = 3
)

// Feedback is the output of FilterFeedback.
type Feedback struct {
	RepeatedlyRecalled []memory.Fragment `json:"repeatedly_recalled"`
	VerifiedTraces     []memory.Fragment `json:"verified_traces"`
}

// FilterFeedback selects stable fragments scoring at least 0.7 as
// repeatedly recalled, and of those the profile and event fragments as
// verified traces.
func FilterFeedback(stable []memory.Fragment) Feedback {
	var fb Feedback
	for _, f := range stable {
		if score(f) < FeedbackThreshold {
			continue
		}
		fb.RepeatedlyRecalled = append(fb.RepeatedlyRecalled, f)
		if f.Type == memory.TypeProfile || f.Type == memory.TypeEvent {
			fb.VerifiedTraces = append(fb.VerifiedTraces, f)
		}
	}
	return fb
}

// Reasons recorded when nothing is written.
const (
	ReasonNoTraces  = "no verified traces"
	ReasonNoContent = "verified traces have no content"
	ReasonWrite     = "verified traces consolidated"
)

// Decision is the consolidation decision for one turn.
type Decision struct {
	ShouldWrite bool   `json:"should_write"`
	MemoryText  string `json:"memory_text,omitempty"`
	Reason      string `json:"reason"`
	TraceCount  int    `json:"trace_count"`
}

// Decide joins the content of up to three verified traces, one per line.
// With no usable content there is nothing to write.
func Decide(traces []memory.Fragment) Decision {
	d := Decision{TraceCount: len(traces)}
	if len(traces) == 0 {
		d.Reason = ReasonNoTraces
		return d
	}
	texts := make([]string, 0, maxTraces)
	for _, t := range traces {
		c := strings.TrimSpace(t.Content)
		if c == "" {
			continue
		}
		texts = append(texts, c)
		if len(texts) == maxTraces {
			break
		}
	}
	if len(texts) == 0 {
		d.Reason = ReasonNoContent
		return d
	}
	d.ShouldWrite = true
	d.MemoryText = strings.Join(texts, "\n")
	d.Reason = ReasonWrite
	return d
}

// Concat merges new memory text into the prior durable memory without a
// model, skipping lines that are already present.
func Concat(prior, text string) string {
	prior = strings.TrimSpace(prior)
	if prior == "" {
		return strings.TrimSpace(text)
	}
	seen := make(map[string]bool)
	for _, l := range strings.Split(prior, "\n") {
		seen[strings.TrimSpace(l)] = true
	}
	out := prior
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out += "\n" + l
	}
	return out
}
