package hassws

import (
	"context"
	"fmt"
	"strings"
)

// SubscriptionCallback receives one pushed frame per delivered event.
// Callbacks run on a delivery goroutine, never on the dispatcher loop, in the
// order events arrived. Panics or blocking inside a callback are the caller's
// responsibility; a persistently slow callback causes events to be dropped.
type SubscriptionCallback func(msg EventMessage)

// RemoveFunc detaches a subscription. The first call deletes the local record
// and best-effort fires the matching unsubscribe command; later calls no-op.
type RemoveFunc func()

// subscription stores the original subscribe definition so it can be replayed
// on a fresh connection.
type subscription struct {
	command string
	args    map[string]any
	cb      SubscriptionCallback
}

// Subscribe issues command as a normal correlated request and, once the server
// accepts, registers cb for events pushed under the allocated id. The
// subscription survives reconnects: it is replayed under a fresh id and the
// returned handle keeps working across that rotation.
func (c *Client) Subscribe(ctx context.Context, cb SubscriptionCallback, command string, args map[string]any) (RemoveFunc, error) {
	if cb == nil {
		return nil, fmt.Errorf("subscribe %s: nil callback", command)
	}
	if _, ok := c.currentTransport(); !ok {
		return nil, ErrNotConnected
	}

	id := c.nextID.Add(1)
	if _, err := c.sendCommandID(ctx, id, command, args); err != nil {
		return nil, err
	}

	sub := &subscription{command: command, args: args, cb: cb}
	c.subsMu.Lock()
	c.subs[id] = sub
	c.subIDs[sub] = id
	c.subsMu.Unlock()

	c.logger.Debug("subscribed", "id", id, "type", command)
	return func() { c.removeSubscription(sub) }, nil
}

// removeSubscription deletes the local record and, when the command is of the
// subscribe family, fires the derived unsubscribe command without waiting for
// its result.
func (c *Client) removeSubscription(sub *subscription) {
	c.subsMu.Lock()
	id, ok := c.subIDs[sub]
	if ok {
		delete(c.subIDs, sub)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()
	if !ok {
		return
	}

	if !strings.Contains(sub.command, "subscribe") {
		return
	}
	unsub := strings.Replace(sub.command, "subscribe", "unsubscribe", 1)
	if err := c.SendCommandNoWait(unsub, map[string]any{"subscription": id}); err != nil {
		c.logger.Debug("unsubscribe not delivered", "type", unsub, "id", id, "error", err)
	}
}

// lookupSubscription resolves an event frame's id to its subscription.
func (c *Client) lookupSubscription(id int64) (*subscription, bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	sub, ok := c.subs[id]
	return sub, ok
}

// replayAll re-issues every stored subscription on a fresh connection, minting
// new ids, then swaps the routing table in one step so event routing never
// observes a partially migrated table. Invoked only by the reconnect
// supervisor; any failure aborts the whole replay.
func (c *Client) replayAll(ctx context.Context) error {
	c.subsMu.Lock()
	snapshot := make(map[*subscription]struct{}, len(c.subs))
	for _, sub := range c.subs {
		snapshot[sub] = struct{}{}
	}
	c.subsMu.Unlock()

	fresh := make(map[int64]*subscription, len(snapshot))
	freshIDs := make(map[*subscription]int64, len(snapshot))
	for sub := range snapshot {
		id := c.nextID.Add(1)
		if _, err := c.sendCommandID(ctx, id, sub.command, sub.args); err != nil {
			return fmt.Errorf("replay %s: %w", sub.command, err)
		}
		fresh[id] = sub
		freshIDs[sub] = id
	}

	c.subsMu.Lock()
	// Subscriptions removed while replaying stay removed; ones added while
	// replaying keep the id they were just registered under.
	merged := make(map[int64]*subscription, len(fresh))
	mergedIDs := make(map[*subscription]int64, len(fresh))
	for id, sub := range fresh {
		if _, live := c.subIDs[sub]; !live {
			continue
		}
		merged[id] = sub
		mergedIDs[sub] = id
	}
	for id, sub := range c.subs {
		if _, done := mergedIDs[sub]; done {
			continue
		}
		if _, replayed := snapshot[sub]; replayed {
			continue
		}
		merged[id] = sub
		mergedIDs[sub] = id
	}
	c.subs = merged
	c.subIDs = mergedIDs
	count := len(merged)
	c.subsMu.Unlock()

	c.logger.Info("resubscribed after reconnect", "subscriptions", count)
	return nil
}
