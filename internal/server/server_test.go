package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/scrypster/companion/internal/config"
	"github.com/scrypster/companion/internal/flow"
	"github.com/scrypster/companion/internal/llm"
	"github.com/scrypster/companion/internal/memory/sqlite"
	"github.com/scrypster/companion/internal/server"
	"github.com/scrypster/companion/internal/statemachine"
	"github.com/scrypster/companion/web/handlers"
)

// scriptedGen answers emotion calls with neutral JSON and everything else
// with a fixed reply, streamed in two pieces.
type scriptedGen struct{}

func (scriptedGen) reply(req llm.Request) string {
	if strings.Contains(req.SystemPrompt, "read emotions") {
		return `{"sentiment":"positive","energy":0.6,"intensity":0.7}`
	}
	return "Woof! Tell me more about your day."
}

func (g scriptedGen) Generate(_ context.Context, req llm.Request) (string, error) {
	return g.reply(req), nil
}

func (g scriptedGen) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	text := g.reply(req)
	ch := make(chan llm.Chunk, 3)
	mid := len(text) / 2
	ch <- llm.Chunk{Text: text[:mid]}
	ch <- llm.Chunk{Text: text[mid:]}
	ch <- llm.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (scriptedGen) GetModel() string { return "scripted" }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			RecordSessions:  true,
			ShutdownTimeout: 2 * time.Second,
		},
		Security: config.SecurityConfig{Mode: "development"},
	}
}

// startTestServer serves on a random port over an in-memory SQLite store
// and returns the base URL.
func startTestServer(t *testing.T, cfg *config.Config) string {
	t.Helper()

	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	reg := statemachine.NewRegistry(statemachine.DefaultDocument())
	f := flow.New(scriptedGen{}, store, reg, flow.WithCallTimeout(2*time.Second))

	srv := server.New(cfg, server.Deps{Flow: f, Store: store, Machines: reg, Generator: scriptedGen{}})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
		_ = store.Close()
	})
	return "http://" + ln.Addr().String()
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func chatBody() handlers.ChatRequest {
	return handlers.ChatRequest{UserID: "u1", CompanionID: "dog1", Message: "I played tennis today!"}
}

func TestServer_HealthEndpoint(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp, err := http.Get(baseURL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var health handlers.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "scripted", health.Model)
}

func TestServer_Chat(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp := postJSON(t, baseURL+"/api/chat", chatBody())
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var chat handlers.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chat))
	assert.Equal(t, "Woof! Tell me more about your day.", chat.Response)
	assert.NotEmpty(t, chat.TurnID)
	assert.NotEmpty(t, chat.SessionID)
	assert.Equal(t, "positive", chat.Emotion.Sentiment)
	assert.Nil(t, chat.Result, "result only when verbose")

	// The exchange was recorded in the conversation partition.
	cresp, err := http.Get(baseURL + "/api/collections")
	require.NoError(t, err)
	defer cresp.Body.Close()
	var cols handlers.CollectionsResponse
	require.NoError(t, json.NewDecoder(cresp.Body).Decode(&cols))
	require.Len(t, cols.Collections, 4)
	for _, c := range cols.Collections {
		require.NotNil(t, c.Count)
		if c.Key == "conversation" {
			assert.Equal(t, 1, *c.Count)
		}
	}
}

func TestServer_ChatVerbose(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	body := chatBody()
	body.Verbose = true
	resp := postJSON(t, baseURL+"/api/chat", body)
	defer resp.Body.Close()

	var chat handlers.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chat))
	require.NotNil(t, chat.Result)
	assert.Len(t, chat.Result.Stages, len(flow.Stages))
}

func TestServer_ChatRejectsInvalidRequest(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp := postJSON(t, baseURL+"/api/chat", handlers.ChatRequest{UserID: "u1", Message: "hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(baseURL + "/api/chat")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestServer_ChatStream(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp := postJSON(t, baseURL+"/api/chat/stream", chatBody())
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []handlers.StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev handlers.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	assert.Equal(t, "chunk", events[0].Type)
	assert.Equal(t, "chunk", events[1].Type)
	assert.Equal(t, "result", events[2].Type)
	require.NotNil(t, events[2].Result)
	assert.Equal(t, events[0].Text+events[1].Text, events[2].Result.Response)
	assert.False(t, events[2].Result.Replaced)
}

func TestServer_ChatWebSocket(t *testing.T) {
	baseURL := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/api/chat/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// Two turns over one connection.
	for turn := 0; turn < 2; turn++ {
		require.NoError(t, wsjson.Write(ctx, conn, chatBody()))
		var text strings.Builder
		for {
			var ev handlers.StreamEvent
			require.NoError(t, wsjson.Read(ctx, conn, &ev))
			if ev.Type == "chunk" {
				text.WriteString(ev.Text)
				continue
			}
			require.Equal(t, "result", ev.Type, ev.Error)
			assert.Equal(t, text.String(), ev.Result.Response)
			break
		}
	}

	require.NoError(t, wsjson.Write(ctx, conn, handlers.ChatRequest{UserID: "u1"}))
	var ev handlers.StreamEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "error", ev.Type)

	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestServer_EventsBroadcastTurns(t *testing.T) {
	baseURL := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/api/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// Registration is asynchronous; keep chatting until an event arrives.
	got := make(chan handlers.TurnEvent, 1)
	go func() {
		var ev handlers.TurnEvent
		if err := wsjson.Read(ctx, conn, &ev); err == nil {
			got <- ev
		}
	}()
	for {
		resp := postJSON(t, baseURL+"/api/chat", chatBody())
		resp.Body.Close()
		select {
		case ev := <-got:
			assert.Equal(t, "turn", ev.Type)
			assert.Equal(t, "dog1", ev.CompanionID)
			assert.NotEmpty(t, ev.States)
			return
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no turn event received")
		}
	}
}

func TestServer_State(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp := postJSON(t, baseURL+"/api/chat", chatBody())
	resp.Body.Close()

	sresp, err := http.Get(baseURL + "/api/state/dog1")
	require.NoError(t, err)
	defer sresp.Body.Close()
	require.Equal(t, http.StatusOK, sresp.StatusCode)

	var state handlers.StateResponse
	require.NoError(t, json.NewDecoder(sresp.Body).Decode(&state))
	assert.Equal(t, "dog1", state.CompanionID)
	assert.Contains(t, state.Summary.States, "emotion")
	assert.Equal(t, len(state.Summary.States), state.Summary.StateCount)
	assert.LessOrEqual(t, len(state.Summary.RecentTransitions), 5)

	lresp, err := http.Get(baseURL + "/api/state")
	require.NoError(t, err)
	defer lresp.Body.Close()
	var list map[string][]string
	require.NoError(t, json.NewDecoder(lresp.Body).Decode(&list))
	assert.Contains(t, list["companions"], "dog1")
}

func TestServer_StateUnknownCompanion(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp, err := http.Get(baseURL + "/api/state/nobody")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	lresp, err := http.Get(baseURL + "/api/state")
	require.NoError(t, err)
	defer lresp.Body.Close()
	var list map[string][]string
	require.NoError(t, json.NewDecoder(lresp.Body).Decode(&list))
	assert.NotContains(t, list["companions"], "nobody", "reading state must not create a machine")
}

func TestServer_ProductionRequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{Mode: "production", APIToken: "secret-token"}
	baseURL := startTestServer(t, cfg)

	resp, err := http.Get(baseURL + "/api/collections")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, baseURL+"/api/collections", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	health, err := http.Get(baseURL + "/api/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode, "health needs no token")
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = 0.01
	cfg.Server.RateBurst = 2
	baseURL := startTestServer(t, cfg)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
