package handlers

import (
	"time"

	"github.com/scrypster/companion/internal/flow"
	"github.com/scrypster/companion/internal/memory"
	"github.com/scrypster/companion/internal/recall"
	"github.com/scrypster/companion/internal/statemachine"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ChatRequest is the body of POST /api/chat and /api/chat/stream, and each
// message sent over /api/chat/ws.
type ChatRequest struct {
	UserID      string                           `json:"user_id"`
	CompanionID string                           `json:"companion_id"`
	AssistantID string                           `json:"assistant_id,omitempty"`
	SessionID   string                           `json:"session_id,omitempty"`
	Message     string                           `json:"message"`
	History     []memory.Message                 `json:"history,omitempty"`
	Interaction *statemachine.InteractionContext `json:"interaction,omitempty"`

	// Verbose includes the full pipeline result in the response.
	Verbose bool `json:"verbose,omitempty"`
}

// Turn converts the request into a pipeline turn.
func (r ChatRequest) Turn() flow.Turn {
	return flow.Turn{
		UserID:      r.UserID,
		CompanionID: r.CompanionID,
		AssistantID: r.AssistantID,
		SessionID:   r.SessionID,
		Message:     r.Message,
		History:     r.History,
		Interaction: r.Interaction,
	}
}

// ChatResponse is the reply to one turn.
type ChatResponse struct {
	TurnID    string                     `json:"turn_id"`
	SessionID string                     `json:"session_id"`
	Response  string                     `json:"response"`
	Evidence  recall.Level               `json:"evidence"`
	Emotion   statemachine.EmotionSignal `json:"emotion"`
	Nickname  string                     `json:"nickname"`
	Actions   flow.BehaviorActions       `json:"actions"`

	// Replaced is set on streamed turns whose streamed text was swapped for
	// a fallback after the fact.
	Replaced bool `json:"replaced,omitempty"`

	Result *flow.Result `json:"result,omitempty"`
}

// StateResponse is the response format for GET /api/state/{companion}.
type StateResponse struct {
	CompanionID string                           `json:"companion_id"`
	Summary     statemachine.Summary             `json:"summary"`
	Constraints statemachine.BehaviorConstraints `json:"constraints"`
}

// CollectionInfo describes one memory partition.
type CollectionInfo struct {
	Key      memory.Collection `json:"key"`
	Physical string            `json:"physical"`
	Count    *int              `json:"count,omitempty"`
}

// CollectionsResponse is the response format for GET /api/collections.
type CollectionsResponse struct {
	Collections []CollectionInfo `json:"collections"`
}

// HealthResponse is the response format for GET /api/health.
type HealthResponse struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Model   string    `json:"model,omitempty"`
	Breaker string    `json:"breaker,omitempty"`
	Time    time.Time `json:"time"`
}

// StreamEvent is one message of a streamed turn, over SSE or websocket.
type StreamEvent struct {
	Type   string        `json:"type"` // chunk, result or error
	Text   string        `json:"text,omitempty"`
	Result *ChatResponse `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// TurnEvent is broadcast to /api/events subscribers after every turn.
type TurnEvent struct {
	Type        string                              `json:"type"`
	TurnID      string                              `json:"turn_id"`
	CompanionID string                              `json:"companion_id"`
	Evidence    recall.Level                        `json:"evidence"`
	States      map[string]statemachine.StateRecord `json:"states"`
	Actions     flow.BehaviorActions                `json:"actions"`
	Written     bool                                `json:"consolidated"`
}
