package hassws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fastReconnect shortens the supervisor's backoff so tests do not sit through
// the production schedule.
func fastReconnect(c *Client) {
	c.sup.initialDelay = 10 * time.Millisecond
	c.sup.shortCap = 20 * time.Millisecond
	c.sup.longDelay = 20 * time.Millisecond
}

func TestReconnect_ReplaysSubscriptions(t *testing.T) {
	var (
		conns    atomic.Int32
		firstID  atomic.Int64
		replayID atomic.Int64
	)
	server := haServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		var msg struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{"id": msg.ID, "type": "result", "success": true})

		if n == 1 {
			firstID.Store(msg.ID)
			// Abrupt loss, no close handshake.
			conn.Close()
			return
		}
		replayID.Store(msg.ID)
		conn.WriteJSON(map[string]any{
			"id":    msg.ID,
			"type":  "event",
			"event": map[string]any{"after": "reconnect"},
		})
		conn.ReadMessage()
	})
	defer server.Close()

	client := newTestClient(server)
	fastReconnect(client)
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect(ctx)

	got := make(chan EventMessage, 1)
	if _, err := client.Subscribe(ctx, func(msg EventMessage) { got <- msg }, "subscribe_events", nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// The server drops the connection right after the subscribe; the event
	// only arrives if the supervisor reconnected and replayed it.
	select {
	case msg := <-got:
		var payload struct {
			After string `json:"after"`
		}
		if err := json.Unmarshal(msg.Event, &payload); err != nil || payload.After != "reconnect" {
			t.Errorf("unexpected event payload: %s", msg.Event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription was not replayed after reconnect")
	}

	if firstID.Load() == replayID.Load() {
		t.Error("replay reused the original message id")
	}
	if !client.Connected() {
		t.Error("client should be connected after reconnect")
	}
}

func TestReconnect_LargeMessageClose(t *testing.T) {
	var conns atomic.Int32
	server := haServer(t, func(conn *websocket.Conn) {
		if conns.Add(1) > 1 {
			commandEcho(conn)
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "Message size 1048576"), deadline)
	})
	defer server.Close()

	client := newTestClient(server)
	fastReconnect(client)
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect(ctx)

	_, err := client.SendCommand(ctx, "get_states", nil)
	var tooLarge *TooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("error = %v, want *TooLargeError", err)
	}
	if tooLarge.Size != 1048576 {
		t.Errorf("Size = %d, want 1048576", tooLarge.Size)
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Error("a large-message closure must classify as a connection failure")
	}

	// The next connect doubles the announced size.
	client.mu.Lock()
	limit := client.maxMsgSize
	client.mu.Unlock()
	if limit != 2*1048576 {
		t.Errorf("read limit = %d, want %d", limit, 2*1048576)
	}
}

func TestReconnect_ReadLimitExceeded(t *testing.T) {
	var conns atomic.Int32
	server := haServer(t, func(conn *websocket.Conn) {
		if conns.Add(1) > 1 {
			commandEcho(conn)
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, make([]byte, 2048))
		conn.ReadMessage()
	})
	defer server.Close()

	client := newTestClient(server)
	fastReconnect(client)
	client.mu.Lock()
	client.maxMsgSize = 512
	client.mu.Unlock()

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect(ctx)

	_, err := client.SendCommand(ctx, "get_states", nil)
	var tooLarge *TooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("error = %v, want *TooLargeError", err)
	}
	if tooLarge.Size != 0 {
		t.Errorf("Size = %d, want 0 when the server did not report one", tooLarge.Size)
	}

	client.mu.Lock()
	limit := client.maxMsgSize
	client.mu.Unlock()
	if limit != 1024 {
		t.Errorf("read limit = %d, want 1024", limit)
	}
}

func TestReconnect_RetriesAfterFailedResubscribe(t *testing.T) {
	var conns atomic.Int32
	server := haServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		var msg struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch {
		case n == 1:
			conn.WriteJSON(map[string]any{"id": msg.ID, "type": "result", "success": true})
			// Abrupt loss, no close handshake.
			conn.Close()
		case n == 2:
			// Reject the replayed subscribe; the connection must not be
			// kept in this half-working state.
			conn.WriteJSON(map[string]any{"id": msg.ID, "type": "result", "success": false,
				"error": map[string]any{"code": "home_assistant_error", "message": "subscribe rejected"}})
		default:
			conn.WriteJSON(map[string]any{"id": msg.ID, "type": "result", "success": true})
			conn.WriteJSON(map[string]any{
				"id":    msg.ID,
				"type":  "event",
				"event": map[string]any{"cycle": n},
			})
			conn.ReadMessage()
		}
	})
	defer server.Close()

	client := newTestClient(server)
	fastReconnect(client)
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect(ctx)

	got := make(chan EventMessage, 1)
	if _, err := client.Subscribe(ctx, func(msg EventMessage) { got <- msg }, "subscribe_events", nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Connection one is dropped by the server, connection two rejects the
	// replay; the event can only arrive once a later cycle resubscribed.
	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no event after a rejected resubscription, supervisor did not retry")
	}

	if n := conns.Load(); n < 3 {
		t.Errorf("server saw %d connections, want at least 3", n)
	}
	if !client.Connected() {
		t.Error("client should be connected after the retried cycle")
	}
}

func TestSendRetryable_ResendsAfterReconnect(t *testing.T) {
	var (
		conns    atomic.Int32
		commands atomic.Int32
	)
	server := haServer(t, func(conn *websocket.Conn) {
		if conns.Add(1) > 1 {
			for {
				var msg map[string]any
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				commands.Add(1)
				conn.WriteJSON(map[string]any{
					"id": msg["id"], "type": "result", "success": true,
					"result": map[string]any{"retried": true},
				})
			}
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		commands.Add(1)
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "Message size 8192"), deadline)
	})
	defer server.Close()

	client := newTestClient(server)
	fastReconnect(client)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect(context.Background())

	raw, err := client.sendRetryable(ctx, "get_states", nil)
	if err != nil {
		t.Fatalf("sendRetryable failed: %v", err)
	}
	var payload struct {
		Retried bool `json:"retried"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || !payload.Retried {
		t.Errorf("unexpected result: %s", raw)
	}
	if got := commands.Load(); got != 2 {
		t.Errorf("server received %d command frames, want 2", got)
	}
}

func TestReconnect_GivesUpOnAuthFailure(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if conns.Add(1) == 1 {
			if !authHandshake(conn) {
				return
			}
			// Abrupt loss to wake the supervisor.
			conn.Close()
			return
		}

		// Token revoked while the client was away.
		conn.WriteJSON(map[string]any{"type": "auth_required", "ha_version": testVersion})
		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
	}))
	defer server.Close()

	client := newTestClient(server)
	fastReconnect(client)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The supervisor must attempt exactly one reconnect and then stand down.
	deadline := time.Now().Add(2 * time.Second)
	for {
		client.sup.mu.Lock()
		running := client.sup.running
		client.sup.mu.Unlock()
		if conns.Load() >= 2 && !running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("supervisor did not stand down after the auth rejection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if client.Connected() {
		t.Error("client must stay disconnected after a rejected reconnect")
	}
}

func TestSupervisor_NextDelay(t *testing.T) {
	s := newSupervisor(nil)

	tests := []struct {
		attempts int
		cur      time.Duration
		want     time.Duration
	}{
		{1, 2 * time.Second, 2 * time.Second},
		{20, 2 * time.Second, 2 * time.Second},
		{21, 2 * time.Second, time.Minute},
		{40, 2 * time.Second, time.Minute},
		{5, 15 * time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := s.nextDelay(tt.attempts, tt.cur); got != tt.want {
			t.Errorf("nextDelay(%d, %v) = %v, want %v", tt.attempts, tt.cur, got, tt.want)
		}
	}
}
