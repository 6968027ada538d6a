package hassws

import (
	"encoding/json"
	"time"
)

// Typed shapes for common Home Assistant payloads. These are decode-only
// conveniences; the client does not validate payload schemas.

// Context identifies the origin of an event or state change.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	UserID   string `json:"user_id"`
}

// State is one entity's current state as returned by get_states.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     *Context       `json:"context"`
}

// Event is a bus event delivered through subscribe_events.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
	Context   *Context        `json:"context"`
}

// StateChangedData is the data payload of a state_changed event.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// EntityStateEvent is the compressed payload pushed by subscribe_entities:
// additions, changes and removals keyed by entity id.
type EntityStateEvent struct {
	Additions map[string]json.RawMessage `json:"a"`
	Changes   map[string]json.RawMessage `json:"c"`
	Removals  []string                   `json:"r"`
}

// Area is an entry from the area registry.
type Area struct {
	AreaID  string `json:"area_id"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// Device is an entry from the device registry.
type Device struct {
	ID           string `json:"id"`
	AreaID       string `json:"area_id"`
	Name         string `json:"name"`
	NameByUser   string `json:"name_by_user"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SWVersion    string `json:"sw_version"`
	ViaDeviceID  string `json:"via_device_id"`
	DisabledBy   string `json:"disabled_by"`
}

// Entity is an entry from the entity registry.
type Entity struct {
	EntityID     string `json:"entity_id"`
	DeviceID     string `json:"device_id"`
	AreaID       string `json:"area_id"`
	Platform     string `json:"platform"`
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
	Icon         string `json:"icon"`
	UniqueID     string `json:"unique_id"`
	DisabledBy   string `json:"disabled_by"`
}

// HAConfig is the server configuration dump returned by get_config.
type HAConfig struct {
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Elevation    float64  `json:"elevation"`
	UnitSystem   any      `json:"unit_system"`
	LocationName string   `json:"location_name"`
	TimeZone     string   `json:"time_zone"`
	Components   []string `json:"components"`
	Version      string   `json:"version"`
	State        string   `json:"state"`
}

// ServiceCallResult is the result payload of call_service.
type ServiceCallResult struct {
	Context  *Context        `json:"context"`
	Response json.RawMessage `json:"response"`
}
