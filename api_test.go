package hassws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// resultServer answers every command with the result payload registered for
// its type and records the frames it saw.
func resultServer(t *testing.T, results map[string]any) (*Client, func() []map[string]any, func()) {
	t.Helper()
	var (
		mu     sync.Mutex
		frames []map[string]any
	)
	server := haServer(t, func(conn *websocket.Conn) {
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			mu.Lock()
			frames = append(frames, msg)
			mu.Unlock()
			cmd, _ := msg["type"].(string)
			conn.WriteJSON(map[string]any{
				"id":      msg["id"],
				"type":    "result",
				"success": true,
				"result":  results[cmd],
			})
		}
	})

	client := newTestClient(server)
	if err := client.Connect(context.Background()); err != nil {
		server.Close()
		t.Fatalf("Connect failed: %v", err)
	}

	received := func() []map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]any(nil), frames...)
	}
	cleanup := func() {
		client.Disconnect(context.Background())
		server.Close()
	}
	return client, received, cleanup
}

func TestGetStates(t *testing.T) {
	client, _, cleanup := resultServer(t, map[string]any{
		"get_states": []map[string]any{
			{
				"entity_id":    "light.desk",
				"state":        "on",
				"attributes":   map[string]any{"brightness": 128},
				"last_changed": "2024-06-01T12:00:00Z",
			},
			{"entity_id": "sensor.outside", "state": "21.5"},
		},
	})
	defer cleanup()

	states, err := client.GetStates(context.Background())
	if err != nil {
		t.Fatalf("GetStates failed: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("got %d states, want 2", len(states))
	}
	if states[0].EntityID != "light.desk" || states[0].State != "on" {
		t.Errorf("unexpected first state: %+v", states[0])
	}
	if got := states[0].Attributes["brightness"]; got != float64(128) {
		t.Errorf("brightness = %v, want 128", got)
	}
	want := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if !states[0].LastChanged.Equal(want) {
		t.Errorf("LastChanged = %v, want %v", states[0].LastChanged, want)
	}
}

func TestCallService(t *testing.T) {
	client, received, cleanup := resultServer(t, map[string]any{
		"call_service": map[string]any{
			"context": map[string]any{"id": "ctx-1"},
		},
	})
	defer cleanup()

	res, err := client.CallService(context.Background(), "light", "turn_on",
		map[string]any{"brightness": 20},
		map[string]any{"entity_id": "light.desk"})
	if err != nil {
		t.Fatalf("CallService failed: %v", err)
	}
	if res.Context == nil || res.Context.ID != "ctx-1" {
		t.Errorf("unexpected result context: %+v", res.Context)
	}

	frames := received()
	if len(frames) != 1 {
		t.Fatalf("server received %d frames, want 1", len(frames))
	}
	frame := frames[0]
	if frame["type"] != "call_service" || frame["domain"] != "light" || frame["service"] != "turn_on" {
		t.Errorf("unexpected frame shape: %v", frame)
	}
	data, _ := frame["service_data"].(map[string]any)
	if data["brightness"] != float64(20) {
		t.Errorf("service_data = %v", frame["service_data"])
	}
	target, _ := frame["target"].(map[string]any)
	if target["entity_id"] != "light.desk" {
		t.Errorf("target = %v", frame["target"])
	}
}

func TestGetAreaRegistry(t *testing.T) {
	client, received, cleanup := resultServer(t, map[string]any{
		"config/area_registry/list": []map[string]any{
			{"area_id": "kitchen", "name": "Kitchen"},
		},
	})
	defer cleanup()

	areas, err := client.GetAreaRegistry(context.Background())
	if err != nil {
		t.Fatalf("GetAreaRegistry failed: %v", err)
	}
	if len(areas) != 1 || areas[0].AreaID != "kitchen" || areas[0].Name != "Kitchen" {
		t.Errorf("unexpected areas: %+v", areas)
	}
	if frames := received(); frames[0]["type"] != "config/area_registry/list" {
		t.Errorf("frame type = %v", frames[0]["type"])
	}
}

func TestGetEntityRegistryEntry(t *testing.T) {
	client, received, cleanup := resultServer(t, map[string]any{
		"config/entity_registry/get": map[string]any{
			"entity_id": "light.desk",
			"platform":  "hue",
			"unique_id": "abc123",
		},
	})
	defer cleanup()

	entity, err := client.GetEntityRegistryEntry(context.Background(), "light.desk")
	if err != nil {
		t.Fatalf("GetEntityRegistryEntry failed: %v", err)
	}
	if entity.Platform != "hue" || entity.UniqueID != "abc123" {
		t.Errorf("unexpected entity: %+v", entity)
	}
	if frames := received(); frames[0]["entity_id"] != "light.desk" {
		t.Errorf("frame entity_id = %v", frames[0]["entity_id"])
	}
}

func TestSubscribeEvents(t *testing.T) {
	server := haServer(t, func(conn *websocket.Conn) {
		var msg struct {
			ID        int64  `json:"id"`
			Type      string `json:"type"`
			EventType string `json:"event_type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "subscribe_events" || msg.EventType != "state_changed" {
			conn.WriteJSON(map[string]any{"id": msg.ID, "type": "result", "success": false,
				"error": map[string]any{"message": "unexpected subscribe frame"}})
			return
		}
		conn.WriteJSON(map[string]any{"id": msg.ID, "type": "result", "success": true})
		conn.WriteJSON(map[string]any{
			"id":   msg.ID,
			"type": "event",
			"event": map[string]any{
				"event_type": "state_changed",
				"time_fired": "2024-06-01T12:00:00Z",
				"data": map[string]any{
					"entity_id": "light.desk",
					"new_state": map[string]any{"entity_id": "light.desk", "state": "off"},
				},
			},
		})
		conn.ReadMessage()
	})
	defer server.Close()

	client := newTestClient(server)
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect(ctx)

	got := make(chan Event, 1)
	remove, err := client.SubscribeEvents(ctx, func(ev Event) { got <- ev }, "state_changed")
	if err != nil {
		t.Fatalf("SubscribeEvents failed: %v", err)
	}
	defer remove()

	select {
	case ev := <-got:
		if ev.EventType != "state_changed" {
			t.Errorf("EventType = %q", ev.EventType)
		}
		var data StateChangedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("decoding event data: %v", err)
		}
		if data.EntityID != "light.desk" || data.NewState == nil || data.NewState.State != "off" {
			t.Errorf("unexpected data: %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSubscribeEntities(t *testing.T) {
	server := haServer(t, func(conn *websocket.Conn) {
		var msg struct {
			ID       int64    `json:"id"`
			Type     string   `json:"type"`
			Entities []string `json:"entities"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "subscribe_entities" || len(msg.Entities) != 1 || msg.Entities[0] != "light.desk" {
			conn.WriteJSON(map[string]any{"id": msg.ID, "type": "result", "success": false,
				"error": map[string]any{"message": "unexpected subscribe frame"}})
			return
		}
		conn.WriteJSON(map[string]any{"id": msg.ID, "type": "result", "success": true})
		conn.WriteJSON(map[string]any{
			"id":   msg.ID,
			"type": "event",
			"event": map[string]any{
				"a": map[string]any{"light.desk": map[string]any{"s": "on"}},
			},
		})
		conn.ReadMessage()
	})
	defer server.Close()

	client := newTestClient(server)
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect(ctx)

	got := make(chan EntityStateEvent, 1)
	remove, err := client.SubscribeEntities(ctx, func(ev EntityStateEvent) { got <- ev }, "light.desk")
	if err != nil {
		t.Fatalf("SubscribeEntities failed: %v", err)
	}
	defer remove()

	select {
	case ev := <-got:
		if _, ok := ev.Additions["light.desk"]; !ok {
			t.Errorf("additions missing light.desk: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("entity update never delivered")
	}
}
