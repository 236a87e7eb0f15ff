package recall

import (
	"strings"

	"github.com/scrypster/companion/internal/memory"
)

// Verify splits retrieved fragments by the verdict. Nothing is verified
// without strong evidence; under strong evidence a fragment is verified when
// its own score reaches the threshold.
func Verify(v Verdict, frags []memory.Fragment) (verified, unverified []memory.Fragment) {
	switch v.Level {
	case NoEvidence:
		return nil, nil
	case WeakEvidence:
		return nil, clone(frags)
	}
	for _, f := range frags {
		if score(f) >= v.Threshold {
			verified = append(verified, f)
		} else {
			unverified = append(unverified, f)
		}
	}
	return verified, unverified
}

// Stability is the memory_stability behavior constraint.
type Stability int

const (
	StabilityLow Stability = iota
	StabilityMedium
	StabilityHigh
	StabilityVeryHigh
)

func (s Stability) String() string {
	switch s {
	case StabilityLow:
		return "low"
	case StabilityHigh:
		return "high"
	case StabilityVeryHigh:
		return "very_high"
	default:
		return "medium"
	}
}

// ParseStability maps a constraint value to a tier. Unknown values are medium.
func ParseStability(s string) Stability {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return StabilityLow
	case "high":
		return StabilityHigh
	case "very_high", "very high", "veryhigh":
		return StabilityVeryHigh
	default:
		return StabilityMedium
	}
}

// tierCutoff is the listed minimum score per tier. very_high keeps every
// verified fragment.
var tierCutoff = map[Stability]float64{
	StabilityLow:      0.8,
	StabilityMedium:   0.6,
	StabilityHigh:     0.7,
	StabilityVeryHigh: 0,
}

// Cutoff is the effective minimum score of a tier: the lowest listed cutoff
// at or below it. This keeps raising the tier from ever shrinking the
// stable set, so high admits what medium admits.
func (s Stability) Cutoff() float64 {
	if s < StabilityLow {
		s = StabilityLow
	}
	if s > StabilityVeryHigh {
		s = StabilityVeryHigh
	}
	cut := tierCutoff[StabilityLow]
	for t := StabilityLow; t <= s; t++ {
		if c := tierCutoff[t]; c < cut {
			cut = c
		}
	}
	return cut
}

// Split keeps verified fragments at or above the tier cutoff as stable.
// Everything else, including every unverified fragment, decays.
func Split(verified, unverified []memory.Fragment, s Stability) (stable, decayed []memory.Fragment) {
	cut := s.Cutoff()
	for _, f := range verified {
		if s == StabilityVeryHigh || score(f) >= cut {
			stable = append(stable, f)
		} else {
			decayed = append(decayed, f)
		}
	}
	decayed = append(decayed, unverified...)
	return stable, decayed
}

func clone(frags []memory.Fragment) []memory.Fragment {
	if len(frags) == 0 {
		return nil
	}
	out := make([]memory.Fragment, len(frags))
	copy(out, frags)
	return out
}
