// Package recall decides how much the companion may claim to remember.
//
// Everything here is pure: classification of retrieved fragments into an
// evidence level, the response policy attached to each level, verification,
// stability-based splitting into stable and decayed fragments, the feedback
// filter and the consolidation decision.
package recall

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/scrypster/companion/internal/memory"
)

// DefaultThreshold is the score at or above which evidence is strong.
const DefaultThreshold = 0.6

// maxCitations bounds how many fragments a strong verdict cites.
const maxCitations = 3

// ErrPolicyViolation is returned by Policy.Check.
var ErrPolicyViolation = errors.New("recall: response violates evidence policy")

// Level is the evidence classification of a fragment set.
type Level string

const (
	NoEvidence     Level = "NO_EVIDENCE"
	WeakEvidence   Level = "WEAK_EVIDENCE"
	StrongEvidence Level = "STRONG_EVIDENCE"
)

// Verdict is the result of Classify.
type Verdict struct {
	Level         Level   `json:"level"`
	FragmentCount int     `json:"fragment_count"`
	MaxScore      float64 `json:"max_score"`
	Threshold     float64 `json:"threshold"`
}

// Classify assigns an evidence level: none for an empty set, strong when
// the best score reaches threshold, weak otherwise. NaN scores count as 0.
func Classify(frags []memory.Fragment, threshold float64) Verdict {
	v := Verdict{Level: NoEvidence, FragmentCount: len(frags), Threshold: threshold}
	if len(frags) == 0 {
		return v
	}
	v.MaxScore = score(frags[0])
	for _, f := range frags[1:] {
		if s := score(f); s > v.MaxScore {
			v.MaxScore = s
		}
	}
	if v.MaxScore >= threshold {
		v.Level = StrongEvidence
	} else {
		v.Level = WeakEvidence
	}
	return v
}

// Cite returns up to three fragments that back a strong verdict, best first.
// Other levels cite nothing.
func Cite(v Verdict, frags []memory.Fragment) []memory.Fragment {
	if v.Level != StrongEvidence {
		return nil
	}
	var out []memory.Fragment
	for _, f := range frags {
		if score(f) >= v.Threshold {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return score(out[i]) > score(out[j]) })
	if len(out) > maxCitations {
		out = out[:maxCitations]
	}
	return out
}

// Policy tells response generation what each evidence level permits.
type Policy struct {
	Level          Level    `json:"level"`
	Allowed        []string `json:"allowed"`
	Forbidden      []string `json:"forbidden"`
	Template       string   `json:"template"`
	RecallPhrasing bool     `json:"recall_phrasing"`
	RequiresHedge  bool     `json:"requires_hedge"`
	MustCite       bool     `json:"must_cite"`

	// Fallback replaces a reply that fails Check or could not be generated.
	Fallback string `json:"fallback"`
}

// Apology is the reply of last resort.
const Apology = "Sorry, I'm a bit confused right now. Could you say that again?"

// PolicyFor returns the fixed policy of a level. Unknown levels get the
// NO_EVIDENCE policy.
func PolicyFor(l Level) Policy {
	switch l {
	case StrongEvidence:
		return Policy{
			Level:          StrongEvidence,
			Allowed:        []string{"recall-style phrasing grounded in the listed memories", "referring to specific remembered details"},
			Forbidden:      []string{"details that are not in the listed memories", "exaggerating how certain the memory is"},
			Template:       "I remember <detail from memory>, <reaction>.",
			RecallPhrasing: true,
			MustCite:       true,
			Fallback:       Apology,
		}
	case WeakEvidence:
		return Policy{
			Level:          WeakEvidence,
			Allowed:        []string{"conditional inference", "uncertainty language such as maybe, I think, if I'm not mistaken"},
			Forbidden:      []string{"asserting specific details", "sounding certain about the past"},
			Template:       "Maybe <guess>? I'm not completely sure, can you remind me?",
			RecallPhrasing: true,
			RequiresHedge:  true,
			Fallback:       "Hmm, I have a fuzzy feeling about this, but I'm not sure. Can you remind me?",
		}
	default:
		return Policy{
			Level:     NoEvidence,
			Allowed:   []string{"asking a clarifying question", "a general suggestion about the current message", "saying in character that you are not sure"},
			Forbidden: []string{"recalling past events", "filling in details", "saying I remember you"},
			Template:  "<reaction to the message>, can you tell me more?",
			Fallback:  "Woof? I don't think I know about that yet. Can you tell me more?",
		}
	}
}

// recallPhrases mark a reply as claiming memory.
var recallPhrases = []string{
	"i remember", "i recall", "you told me", "you said before", "you mentioned",
	"last time you", "as you said",
	"我记得", "你以前", "之前你", "上次你", "你说过",
}

// hedgeMarkers mark a reply as uncertain.
var hedgeMarkers = []string{
	"maybe", "might", "perhaps", "i think", "not sure", "if i'm not mistaken",
	"if i remember right", "probably", "seems", "could be",
	"好像", "可能", "也许", "大概", "不确定", "如果我没记错",
}

// Check reports whether response respects the policy. NO_EVIDENCE rejects
// any recall phrasing; WEAK_EVIDENCE rejects recall phrasing without a
// hedge marker.
func (p Policy) Check(response string) error {
	text := normalize(response)
	phrase, claims := firstMatch(text, recallPhrases)
	if !claims {
		return nil
	}
	if !p.RecallPhrasing {
		return fmt.Errorf("%w: %s forbids %q", ErrPolicyViolation, p.Level, phrase)
	}
	if p.RequiresHedge {
		if _, hedged := firstMatch(text, hedgeMarkers); !hedged {
			return fmt.Errorf("%w: %s requires a hedge with %q", ErrPolicyViolation, p.Level, phrase)
		}
	}
	return nil
}

func normalize(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer("’", "'", "‘", "'").Replace(s)
}

func firstMatch(text string, needles []string) (string, bool) {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return n, true
		}
	}
	return "", false
}

func score(f memory.Fragment) float64 {
	if math.IsNaN(f.Score) {
		return 0
	}
	return f.Score
}
