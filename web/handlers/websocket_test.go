package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/companion/web/handlers"
)

func TestWebSocketHub_ValidatesOrigin(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	defer hub.Stop()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.Header.Set("Origin", "http://evil.com")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	w := httptest.NewRecorder()
	hub.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Forbidden")
}

func TestWebSocketHub_Broadcast(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	go hub.Run()
	defer hub.Stop()

	received := make(chan []byte, 1)
	hub.Register(&handlers.MockClient{SendChan: received})

	hub.Broadcast(handlers.TurnEvent{Type: "turn", TurnID: "t1", CompanionID: "dog1"})

	select {
	case msg := <-received:
		assert.Contains(t, string(msg), `"type":"turn"`)
		assert.Contains(t, string(msg), `"companion_id":"dog1"`)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast message")
	}
}

func TestWebSocketHub_DropsSlowClient(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	go hub.Run()
	defer hub.Stop()

	slow := make(chan []byte, 1)
	slow <- []byte("backlog") // full, so the next send would block
	fast := make(chan []byte, 1)
	hub.Register(&handlers.MockClient{SendChan: slow})
	hub.Register(&handlers.MockClient{SendChan: fast})
	hub.Broadcast(map[string]string{"type": "turn"})

	<-fast
	// Registration is handled by the same loop, so this returns only after
	// the broadcast pass is complete.
	hub.Register(&handlers.MockClient{SendChan: make(chan []byte, 1)})

	assert.Equal(t, "backlog", string(<-slow))
	select {
	case _, ok := <-slow:
		assert.False(t, ok, "slow client's channel is closed")
	case <-time.After(time.Second):
		t.Fatal("slow client was not dropped")
	}
}
