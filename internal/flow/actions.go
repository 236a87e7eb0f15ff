package flow

import "github.com/scrypster/companion/internal/statemachine"

// emotionDimension is the dimension the physical cues follow.
const emotionDimension = "emotion"

// DeriveActions maps the companion's emotion state and constraints to
// physical cues: happy or excited wags hard, tired barely moves.
func DeriveActions(states map[string]statemachine.StateRecord, c statemachine.BehaviorConstraints) BehaviorActions {
	a := BehaviorActions{
		TailWagging:         "medium",
		BodyMovement:        "normal",
		ActivityLevel:       orDefault(c.ActivityLevel, "medium"),
		ResponseSpeed:       orDefault(c.ResponseSpeed, "normal"),
		InteractionCapacity: orDefault(c.InteractionCapacity, "medium"),
	}
	switch states[emotionDimension].StateID {
	case "happy", "excited":
		a.TailWagging, a.BodyMovement = "high", "active"
	case "tired":
		a.TailWagging, a.BodyMovement = "low", "minimal"
	}
	return a
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
