package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/companion/internal/flow"
	"github.com/scrypster/companion/internal/llm"
	"github.com/scrypster/companion/internal/memory"
	"github.com/scrypster/companion/internal/statemachine"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// maxBodyBytes bounds a chat request body.
const maxBodyBytes = 1 << 20

// recordTimeout bounds the session write after a turn.
const recordTimeout = 10 * time.Second

// TurnProcessor runs turns through the pipeline.
type TurnProcessor interface {
	Process(ctx context.Context, t flow.Turn) (*flow.Result, error)
	ProcessStream(ctx context.Context, t flow.Turn, onChunk func(string)) (*flow.Result, error)
}

// Machines exposes the per-companion state machines.
type Machines interface {
	Lookup(companionID string) (*statemachine.Machine, bool)
	Companions() []string
}

// Broadcaster fans turn events out to observers.
type Broadcaster interface {
	Broadcast(message interface{})
}

// ChatConfig configures ChatHandlers.
type ChatConfig struct {
	// Names maps partitions to physical collection names for listings.
	Names memory.Names

	// RecordSessions appends every exchange to the conversation partition.
	RecordSessions bool

	// Generator is reported by the health endpoint. Optional.
	Generator llm.TextGenerator

	// Events receives a TurnEvent after every turn. Optional.
	Events Broadcaster

	// OriginPatterns are extra hosts allowed to open the chat websocket.
	OriginPatterns []string

	Logger *zap.Logger
}

// ChatHandlers serves the chat, state and collection endpoints.
type ChatHandlers struct {
	flow     TurnProcessor
	store    memory.Store
	machines Machines
	cfg      ChatConfig
	logger   *zap.Logger
}

// NewChatHandlers creates the handlers.
func NewChatHandlers(p TurnProcessor, store memory.Store, machines Machines, cfg ChatConfig) *ChatHandlers {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Names == nil {
		cfg.Names = memory.DefaultNames()
	}
	return &ChatHandlers{flow: p, store: store, machines: machines, cfg: cfg, logger: logger}
}

// Health handles GET /api/health.
func (h *ChatHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}
	resp := HealthResponse{Status: "healthy", Version: Version, Time: time.Now().UTC()}
	if g := h.cfg.Generator; g != nil {
		resp.Model = g.GetModel()
		if br, ok := g.(llm.BreakerReporter); ok {
			resp.Breaker = br.BreakerState()
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// Chat handles POST /api/chat.
func (h *ChatHandlers) Chat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}
	req, err := decodeChatRequest(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return
	}

	res, err := h.flow.Process(r.Context(), req.Turn())
	if err != nil {
		h.respondProcessError(w, err)
		return
	}
	h.afterTurn(r.Context(), req, res)
	respondJSON(w, http.StatusOK, chatResponse(req, res, false))
}

// ChatStream handles POST /api/chat/stream as server-sent events: a chunk
// event per piece of the reply, then one result or error event.
func (h *ChatHandlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}
	req, err := decodeChatRequest(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var streamed strings.Builder
	res, err := h.flow.ProcessStream(r.Context(), req.Turn(), func(s string) {
		streamed.WriteString(s)
		writeSSE(w, StreamEvent{Type: "chunk", Text: s})
		flusher.Flush()
	})
	if err != nil {
		writeSSE(w, StreamEvent{Type: "error", Error: publicError(err)})
		flusher.Flush()
		return
	}
	h.afterTurn(r.Context(), req, res)

	resp := chatResponse(req, res, strings.TrimSpace(streamed.String()) != res.Response)
	writeSSE(w, StreamEvent{Type: "result", Result: &resp})
	flusher.Flush()
}

// State handles GET /api/state/{companion}.
func (h *ChatHandlers) State(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}
	id := strings.TrimSpace(r.PathValue("companion"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "companion id is required", nil)
		return
	}
	m, ok := h.machines.Lookup(id)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown companion", nil)
		return
	}
	respondJSON(w, http.StatusOK, StateResponse{
		CompanionID: id,
		Summary:     m.Summary(),
		Constraints: m.Constraints(),
	})
}

// Companions handles GET /api/state.
func (h *ChatHandlers) Companions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}
	ids := h.machines.Companions()
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string][]string{"companions": ids})
}

// Collections handles GET /api/collections. Counts are included when the
// store can report them.
func (h *ChatHandlers) Collections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}
	var counts map[memory.Collection]int
	if sp, ok := h.store.(memory.StatsProvider); ok {
		c, err := sp.Counts(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to count memories", err)
			return
		}
		counts = c
	}

	resp := CollectionsResponse{Collections: make([]CollectionInfo, 0, len(memory.AllCollections))}
	for _, c := range memory.AllCollections {
		info := CollectionInfo{Key: c, Physical: h.cfg.Names.Physical(c)}
		if counts != nil {
			n := counts[c]
			info.Count = &n
		}
		resp.Collections = append(resp.Collections, info)
	}
	respondJSON(w, http.StatusOK, resp)
}

// afterTurn records the exchange and notifies observers. Neither may fail
// the turn.
func (h *ChatHandlers) afterTurn(ctx context.Context, req ChatRequest, res *flow.Result) {
	if h.cfg.RecordSessions {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		_, err := h.store.AppendSession(ctx, memory.CollectionConversation, memory.SessionWrite{
			SessionID: req.SessionID,
			SubjectID: res.UserID,
			ScopeID:   res.CompanionID,
			Messages: []memory.Message{
				{Role: "user", Content: req.Message},
				{Role: "assistant", Content: res.Response},
			},
			Metadata: map[string]any{
				"turn_id":        res.TurnID,
				"evidence_level": string(res.Verdict.Level),
				"sentiment":      res.Emotion.Sentiment,
				"stable_count":   len(res.Stable),
				"consolidated":   res.Consolidation.Written,
			},
		})
		if err != nil {
			h.logger.Warn("failed to record session",
				zap.String("turn_id", res.TurnID),
				zap.String("session_id", req.SessionID),
				zap.Error(err))
		}
	}
	if h.cfg.Events != nil {
		h.cfg.Events.Broadcast(TurnEvent{
			Type:        "turn",
			TurnID:      res.TurnID,
			CompanionID: res.CompanionID,
			Evidence:    res.Verdict.Level,
			States:      res.States,
			Actions:     res.Actions,
			Written:     res.Consolidation.Written,
		})
	}
}

func (h *ChatHandlers) respondProcessError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flow.ErrInvalidTurn):
		respondError(w, http.StatusBadRequest, "invalid turn", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "turn cancelled", nil)
	default:
		h.logger.Error("turn failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "turn failed", nil)
	}
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, error) {
	var req ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return req, err
	}
	return req, req.normalize()
}

// normalize checks the required fields and assigns a session id.
func (r *ChatRequest) normalize() error {
	switch {
	case strings.TrimSpace(r.Message) == "":
		return fmt.Errorf("%w: message is required", flow.ErrInvalidTurn)
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("%w: user_id is required", flow.ErrInvalidTurn)
	case strings.TrimSpace(r.CompanionID) == "":
		return fmt.Errorf("%w: companion_id is required", flow.ErrInvalidTurn)
	}
	if r.SessionID == "" {
		r.SessionID = uuid.NewString()
	}
	return nil
}

func chatResponse(req ChatRequest, res *flow.Result, replaced bool) ChatResponse {
	resp := ChatResponse{
		TurnID:    res.TurnID,
		SessionID: req.SessionID,
		Response:  res.Response,
		Evidence:  res.Verdict.Level,
		Emotion:   res.Emotion,
		Nickname:  res.Nickname,
		Actions:   res.Actions,
		Replaced:  replaced,
	}
	if req.Verbose {
		resp.Result = res
	}
	return resp
}

func publicError(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "turn cancelled"
	}
	if errors.Is(err, flow.ErrInvalidTurn) {
		return err.Error()
	}
	return "turn failed"
}

func writeSSE(w http.ResponseWriter, ev StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Headers are already sent, so an encoding failure cannot be reported.
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}
	respondJSON(w, statusCode, errResp)
}
