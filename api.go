package hassws

import (
	"context"
	"encoding/json"
	"fmt"
)

// MatchAll subscribes to every event type.
const MatchAll = "*"

// commandInto runs a retryable command and decodes the result into a value.
func (c *Client) commandInto(ctx context.Context, command string, args map[string]any, into any) error {
	raw, err := c.sendRetryable(ctx, command, args)
	if err != nil {
		return err
	}
	if into == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode %s result: %w", command, err)
	}
	return nil
}

// GetStates returns the current state of every entity.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.commandInto(ctx, "get_states", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// GetConfig returns the server configuration dump.
func (c *Client) GetConfig(ctx context.Context) (*HAConfig, error) {
	var cfg HAConfig
	if err := c.commandInto(ctx, "get_config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetServices returns the registered services grouped by domain.
func (c *Client) GetServices(ctx context.Context) (map[string]json.RawMessage, error) {
	var services map[string]json.RawMessage
	if err := c.commandInto(ctx, "get_services", nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// GetAreaRegistry returns the area registry.
func (c *Client) GetAreaRegistry(ctx context.Context) ([]Area, error) {
	var areas []Area
	if err := c.commandInto(ctx, "config/area_registry/list", nil, &areas); err != nil {
		return nil, err
	}
	return areas, nil
}

// GetDeviceRegistry returns the device registry.
func (c *Client) GetDeviceRegistry(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.commandInto(ctx, "config/device_registry/list", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// GetEntityRegistry returns the entity registry.
func (c *Client) GetEntityRegistry(ctx context.Context) ([]Entity, error) {
	var entities []Entity
	if err := c.commandInto(ctx, "config/entity_registry/list", nil, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}

// GetEntityRegistryEntry returns a single entity registry entry.
func (c *Client) GetEntityRegistryEntry(ctx context.Context, entityID string) (*Entity, error) {
	var entity Entity
	args := map[string]any{"entity_id": entityID}
	if err := c.commandInto(ctx, "config/entity_registry/get", args, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

// CallService invokes a service, e.g. CallService(ctx, "light", "turn_on",
// map[string]any{"brightness": 20}, map[string]any{"entity_id": "light.desk"}).
// serviceData and target may be nil.
func (c *Client) CallService(ctx context.Context, domain, service string, serviceData, target map[string]any) (*ServiceCallResult, error) {
	args := map[string]any{"domain": domain, "service": service}
	if len(serviceData) > 0 {
		args["service_data"] = serviceData
	}
	if len(target) > 0 {
		args["target"] = target
	}

	var res ServiceCallResult
	if err := c.commandInto(ctx, "call_service", args, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubscribeEvents registers cb for bus events of eventType, or every event
// when eventType is empty or MatchAll. The returned handle removes the
// listener.
func (c *Client) SubscribeEvents(ctx context.Context, cb func(Event), eventType string) (RemoveFunc, error) {
	if eventType == "" {
		eventType = MatchAll
	}
	args := map[string]any{"event_type": eventType}

	return c.Subscribe(ctx, func(msg EventMessage) {
		var ev Event
		if err := json.Unmarshal(msg.Event, &ev); err != nil {
			c.logger.Warn("dropping undecodable event payload", "id", msg.ID, "error", err)
			return
		}
		cb(ev)
	}, "subscribe_events", args)
}

// SubscribeEntities registers cb for compressed state updates of the given
// entities.
func (c *Client) SubscribeEntities(ctx context.Context, cb func(EntityStateEvent), entityIDs ...string) (RemoveFunc, error) {
	args := map[string]any{"entities": entityIDs}

	return c.Subscribe(ctx, func(msg EventMessage) {
		var ev EntityStateEvent
		if err := json.Unmarshal(msg.Event, &ev); err != nil {
			c.logger.Warn("dropping undecodable entity update", "id", msg.ID, "error", err)
			return
		}
		cb(ev)
	}, "subscribe_entities", args)
}
