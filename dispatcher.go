package hassws

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

// delivery pairs an event with the subscription it routes to.
type delivery struct {
	sub *subscription
	msg EventMessage
}

// readLoop is the single reader draining the transport for one connection
// epoch. It classifies each inbound frame and routes it to the pending
// request map or the subscription registry. Any terminating condition runs
// teardown exactly once.
func (c *Client) readLoop(tr Transport) {
	// Callbacks run on their own goroutine so a suspending handler can never
	// stall or re-enter the reader.
	deliverCh := make(chan delivery, eventBufferSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for d := range deliverCh {
			d.sub.cb(d.msg)
		}
	}()

	var termErr error
	for {
		mt, data, err := tr.ReadMessage()
		if err != nil {
			if c.closingRequested() {
				break
			}
			var normal bool
			termErr, normal = c.classifyReadError(err)
			if normal {
				termErr = nil
			}
			break
		}

		if mt != websocket.TextMessage {
			termErr = fmt.Errorf("%w: non-text frame type %d", ErrInvalidMessage, mt)
			break
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			termErr = fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			break
		}

		c.route(msg, deliverCh)
	}

	close(deliverCh)
	wg.Wait()

	c.teardown(termErr)
}

// route dispatches one parsed frame.
func (c *Client) route(msg serverMessage, deliverCh chan<- delivery) {
	if msg.Type == messageTypeResult {
		if msg.Success != nil && *msg.Success {
			c.resolvePending(msg.ID, result{value: msg.Result})
			return
		}
		cmdErr := &CommandError{ID: msg.ID, Message: "command failed"}
		if msg.Error != nil {
			cmdErr.Code = msg.Error.Code
			if msg.Error.Message != "" {
				cmdErr.Message = msg.Error.Message
			}
		}
		c.resolvePending(msg.ID, result{err: cmdErr})
		return
	}

	if sub, ok := c.lookupSubscription(msg.ID); ok {
		d := delivery{sub: sub, msg: EventMessage{ID: msg.ID, Type: msg.Type, Event: msg.Event}}
		select {
		case deliverCh <- d:
		default:
			c.logger.Warn("event buffer full, dropping event", "id", msg.ID, "type", msg.Type)
		}
		return
	}

	c.logger.Debug("dropping frame with unknown id", "id", msg.ID, "type", msg.Type)
}

var messageSizeRe = regexp.MustCompile(`[Mm]essage size (\d+)`)

// classifyReadError maps a transport read error onto the failure taxonomy.
// normal is true for an orderly peer close, which stops the loop without an
// error.
func (c *Client) classifyReadError(err error) (cause error, normal bool) {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return nil, true
		case websocket.CloseMessageTooBig:
			var size int64
			if m := messageSizeRe.FindStringSubmatch(closeErr.Text); m != nil {
				size, _ = strconv.ParseInt(m[1], 10, 64)
			}
			c.growMessageLimit(size)
			return &TooLargeError{Size: size}, false
		}
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err), false

	case errors.Is(err, websocket.ErrReadLimit):
		// Our own read limit tripped; the attempted size is unknown.
		c.growMessageLimit(0)
		return &TooLargeError{}, false
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err), false
}

// growMessageLimit raises the read limit applied on the next connect attempt.
// reported is the frame size the server announced, zero when unknown.
func (c *Client) growMessageLimit(reported int64) {
	c.mu.Lock()
	if reported > 0 {
		c.maxMsgSize = reported * 2
	} else {
		c.maxMsgSize *= 2
	}
	limit := c.maxMsgSize
	c.mu.Unlock()

	c.logger.Warn("inbound frame exceeded size limit, raising limit for next connect", "limit", limit)
}

// closingRequested reports whether a caller-initiated disconnect is in flight.
func (c *Client) closingRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosingByRequest
}

// teardown finalizes a dispatcher exit: close the transport, cancel every
// outstanding request with the terminating cause, then either complete a
// requested disconnect or hand off to the reconnect supervisor.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	requested := c.state == StateClosingByRequest
	if !requested {
		c.state = StateClosingByFailure
		c.connCh = make(chan struct{})
	}
	tr := c.transport
	c.transport = nil
	done := c.shutdown
	c.shutdown = nil
	c.mu.Unlock()

	if tr != nil {
		tr.Close()
	}

	if cause == nil {
		if requested {
			cause = ErrNotConnected
		} else {
			cause = ErrConnectionFailed
		}
	}
	c.cancelPending(cause)

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	if requested {
		c.logger.Debug("dispatcher stopped after requested disconnect")
		if done != nil {
			close(done)
		}
		return
	}

	c.logger.Warn("connection lost, reconnecting", "error", cause)
	c.sup.trigger()
}
