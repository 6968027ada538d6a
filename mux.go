package hassws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// SendCommand issues a correlated request and blocks until the server resolves
// it, the connection is torn down, or ctx is done. The returned payload is the
// raw result field; decode it with json.Unmarshal. A server-side rejection
// surfaces as a *CommandError and leaves the connection intact.
func (c *Client) SendCommand(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	if _, ok := c.currentTransport(); !ok {
		return nil, ErrNotConnected
	}
	id := c.nextID.Add(1)
	return c.sendCommandID(ctx, id, command, args)
}

// sendCommandID transmits a pre-allocated id. Used by SendCommand and by the
// subscription registry, which needs the id for event routing.
func (c *Client) sendCommandID(ctx context.Context, id int64, command string, args map[string]any) (json.RawMessage, error) {
	tr, ok := c.currentTransport()
	if !ok {
		return nil, ErrNotConnected
	}

	frame, err := encodeCommand(id, command, args)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", command, err)
	}

	ch := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.logger.Debug("sending command", "id", id, "type", command)
	if err := tr.WriteMessage(frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.value, res.err
	}
}

// SendCommandNoWait transmits a command without tracking its result. The
// allocated id is still unique so the server accepts the frame, but any result
// it produces is dropped.
func (c *Client) SendCommandNoWait(command string, args map[string]any) error {
	tr, ok := c.currentTransport()
	if !ok {
		return ErrNotConnected
	}
	id := c.nextID.Add(1)

	frame, err := encodeCommand(id, command, args)
	if err != nil {
		return fmt.Errorf("encode %s: %w", command, err)
	}
	if err := tr.WriteMessage(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// sendRetryable re-sends the command once if the connection dropped because
// the response exceeded the frame size limit; the reconnect raises the limit
// before retrying.
func (c *Client) sendRetryable(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	res, err := c.SendCommand(ctx, command, args)
	var tooLarge *TooLargeError
	if err == nil || !errors.As(err, &tooLarge) {
		return res, err
	}

	c.logger.Debug("command lost to an oversized frame, retrying after reconnect", "type", command)
	if err := c.WaitForConnection(ctx); err != nil {
		return nil, err
	}
	return c.SendCommand(ctx, command, args)
}

// resolvePending settles the request slot for id. Invoked only by the
// dispatcher. An unknown id is logged and dropped.
func (c *Client) resolvePending(id int64, res result) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("received result for unknown message id", "id", id)
		return
	}
	ch <- res
}

// cancelPending fails every outstanding request with cause. Invoked on
// connection teardown so callers observe the triggering failure rather than a
// generic cancellation.
func (c *Client) cancelPending(cause error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan result)
	c.pendingMu.Unlock()

	if len(pending) == 0 {
		return
	}
	c.logger.Debug("cancelling outstanding requests", "count", len(pending), "cause", cause)
	for _, ch := range pending {
		ch <- result{err: cause}
	}
}
