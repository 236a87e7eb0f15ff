package statemachine

import "math"

const (
	// BatteryDimension is the dimension time decay applies to.
	BatteryDimension = "battery"

	// defaultDecayRate is subtracted from the battery value on every
	// transition call. After n calls the value is max(0, initial - n*rate).
	defaultDecayRate = 0.01
)

// LinearDecay returns value reduced by rate, floored at 0.
//
// Unlike an exponential half-life this reaches zero in a bounded number of
// calls, after which repeated transitions leave the snapshot unchanged.
func LinearDecay(value, rate float64) float64 {
	return math.Max(value-rate, 0)
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
