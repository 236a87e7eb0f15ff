// Package flow runs one user turn through the companion pipeline: emotion
// grounding, the state machine, evidence-gated recall, response synthesis
// and conservative consolidation into durable memory.
//
// Every stage recovers at its own boundary with a documented default, so a
// turn always yields a Result. The only error Process returns besides an
// invalid turn is the caller's context error.
package flow

import (
	"errors"
	"time"

	"github.com/scrypster/companion/internal/memory"
	"github.com/scrypster/companion/internal/recall"
	"github.com/scrypster/companion/internal/statemachine"
)

// ErrInvalidTurn is returned when a turn is missing its message or ids.
var ErrInvalidTurn = errors.New("flow: invalid turn")

// Stage names one step of the pipeline.
type Stage string

const (
	StageInput            Stage = "INPUT"
	StageEmotion          Stage = "EMOTION"
	StageStateTransition  Stage = "STATE_TRANSITION"
	StageRecallQuery      Stage = "RECALL_QUERY"
	StageEvidenceClassify Stage = "EVIDENCE_CLASSIFY"
	StageSubjectiveRecall Stage = "SUBJECTIVE_RECALL_GEN"
	StageVerify           Stage = "VERIFY"
	StageStabilize        Stage = "STABILIZE"
	StageRespond          Stage = "RESPOND"
	StageFeedbackFilter   Stage = "FEEDBACK_FILTER"
	StageConsolidate      Stage = "CONSOLIDATE"
	StageDone             Stage = "DONE"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{
	StageInput, StageEmotion, StageStateTransition, StageRecallQuery,
	StageEvidenceClassify, StageSubjectiveRecall, StageVerify, StageStabilize,
	StageRespond, StageFeedbackFilter, StageConsolidate, StageDone,
}

// DefaultAssistantID scopes the user partition when a turn names no assistant.
const DefaultAssistantID = "assistant"

// Turn is one user message addressed to a companion.
type Turn struct {
	// TurnID identifies the turn in logs and results. Generated when empty.
	TurnID string `json:"turn_id,omitempty"`

	// UserID is the person talking to the companion.
	UserID string `json:"user_id"`

	// CompanionID is the companion answering. Its state machine is locked
	// for the whole turn.
	CompanionID string `json:"companion_id"`

	// AssistantID scopes the user partition. Defaults to DefaultAssistantID.
	AssistantID string `json:"assistant_id,omitempty"`

	// SessionID groups turns of one conversation.
	SessionID string `json:"session_id,omitempty"`

	// Message is the user's latest message.
	Message string `json:"message"`

	// History is the conversation so far, oldest first. Only the last few
	// turns are used.
	History []memory.Message `json:"history,omitempty"`

	// Interaction optionally overrides the interaction context the state
	// machine sees. When nil it is derived from the grounded emotion.
	Interaction *statemachine.InteractionContext `json:"interaction,omitempty"`
}

// StageReport records how one stage went.
type StageReport struct {
	Stage     Stage         `json:"stage"`
	Defaulted bool          `json:"defaulted"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// PartitionResult is the outcome of one recall query.
type PartitionResult struct {
	Collection memory.Collection `json:"collection"`
	Fragments  []memory.Fragment `json:"fragments"`
	Error      string            `json:"error,omitempty"`
}

// BehaviorActions are the physical cues derived from the companion's state.
type BehaviorActions struct {
	TailWagging         string `json:"tail_wagging"`
	BodyMovement        string `json:"body_movement"`
	ActivityLevel       string `json:"activity_level"`
	ResponseSpeed       string `json:"response_speed"`
	InteractionCapacity string `json:"interaction_capacity"`
}

// Consolidation reports the CONSOLIDATE stage.
type Consolidation struct {
	Decision recall.Decision `json:"decision"`

	// Prior is the durable memory found before merging, if any.
	Prior string `json:"prior,omitempty"`

	// Merged is the content written. Empty when nothing was written.
	Merged string `json:"merged,omitempty"`

	// MergedBy is MergedByModel or MergedByConcat, empty when there was
	// no prior memory to merge with.
	MergedBy string `json:"merged_by,omitempty"`

	Written bool   `json:"written"`
	WriteID string `json:"write_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is the structured outcome of one turn.
type Result struct {
	TurnID      string `json:"turn_id"`
	CompanionID string `json:"companion_id"`
	UserID      string `json:"user_id"`
	Response    string `json:"response"`

	Emotion     statemachine.EmotionSignal          `json:"emotion"`
	Before      map[string]statemachine.StateRecord `json:"states_before"`
	States      map[string]statemachine.StateRecord `json:"states"`
	Constraints statemachine.BehaviorConstraints    `json:"constraints"`

	Partitions       []PartitionResult `json:"partitions"`
	Verdict          recall.Verdict    `json:"verdict"`
	Policy           recall.Policy     `json:"policy"`
	Citations        []memory.Fragment `json:"citations,omitempty"`
	SubjectiveRecall string            `json:"subjective_recall,omitempty"`

	Verified   []memory.Fragment `json:"verified,omitempty"`
	Unverified []memory.Fragment `json:"unverified,omitempty"`
	Stable     []memory.Fragment `json:"stable,omitempty"`
	Decayed    []memory.Fragment `json:"decayed,omitempty"`

	Feedback      recall.Feedback `json:"feedback"`
	Consolidation Consolidation   `json:"consolidation"`

	Nickname string          `json:"nickname"`
	Actions  BehaviorActions `json:"actions"`
	Stages   []StageReport   `json:"stages"`
}

// Fragments returns every fragment retrieved across partitions, in
// partition order.
func (r *Result) Fragments() []memory.Fragment {
	var out []memory.Fragment
	for _, p := range r.Partitions {
		out = append(out, p.Fragments...)
	}
	return out
}

// Report returns the report of stage s, if it was attempted.
func (r *Result) Report(s Stage) (StageReport, bool) {
	for _, rep := range r.Stages {
		if rep.Stage == s {
			return rep, true
		}
	}
	return StageReport{}, false
}
