package hassws

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectShortCap     = 10 * time.Second
	reconnectLongDelay    = time.Minute
	reconnectLongAfter    = 20
	reconnectWarnAfter    = 30
)

// supervisor re-establishes the connection after unexpected loss and replays
// active subscriptions. At most one cycle runs at a time; Disconnect joins and
// disarms it deterministically.
type supervisor struct {
	c *Client

	// Backoff schedule, overridable in tests.
	initialDelay time.Duration
	shortCap     time.Duration
	longDelay    time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	stopped bool
	done    chan struct{}
}

func newSupervisor(c *Client) *supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &supervisor{
		c:            c,
		initialDelay: reconnectInitialDelay,
		shortCap:     reconnectShortCap,
		longDelay:    reconnectLongDelay,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// trigger starts a reconnect cycle unless one is already running or the
// supervisor has been stopped.
func (s *supervisor) trigger() {
	s.mu.Lock()
	if s.stopped || s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run()
}

// stop cancels any in-flight cycle, waits for it to unwind, and prevents new
// cycles until reset.
func (s *supervisor) stop() {
	s.mu.Lock()
	s.stopped = true
	running := s.running
	done := s.done
	s.mu.Unlock()

	s.cancel()
	if running && done != nil {
		<-done
	}
}

// reset re-arms a stopped supervisor. Called from a manual Connect so a client
// reused after Disconnect keeps auto-reconnecting.
func (s *supervisor) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		return
	}
	s.stopped = false
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

// run is one reconnect cycle: connect, then replay subscriptions. Connect
// failures retry forever on the backoff ladder; there is no giving-up state.
func (s *supervisor) run() {
	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.done)
		s.mu.Unlock()
	}()

	attempts := 0
	delay := s.initialDelay
	for {
		// First attempt goes out immediately in case the loss is recoverable
		// right away.
		attempts++
		err := s.c.Connect(s.ctx)
		if err == nil {
			if replayErr := s.c.replayAll(s.ctx); replayErr != nil {
				// Continuing without the caller's subscriptions would break
				// delivery silently. Drop the fresh connection and run
				// another cycle; trigger is a no-op while we are running.
				s.c.logger.Error("resubscription failed after reconnect", "error", replayErr)
				s.c.failConnection()
			} else {
				s.c.logger.Info("reconnected", "attempts", attempts)
				return
			}
		} else {
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				// Bad credentials never fix themselves; retrying would just
				// hammer the server.
				s.c.logger.Error("authentication rejected during reconnect, giving up", "error", err)
				return
			}
		}

		if s.ctx.Err() != nil {
			return
		}

		delay = s.nextDelay(attempts, delay)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}

		if attempts >= reconnectWarnAfter {
			s.c.logger.Warn("still not reconnected, is the server alive?", "attempts", attempts)
		}
	}
}

// nextDelay returns the sleep before the next attempt, given how many have
// already failed and the previous delay.
func (s *supervisor) nextDelay(attempts int, cur time.Duration) time.Duration {
	if attempts > reconnectLongAfter {
		return s.longDelay
	}
	if cur > s.shortCap {
		return s.shortCap
	}
	return cur
}

// failConnection force-closes the live transport so the dispatcher unwinds
// with a connection failure.
func (c *Client) failConnection() {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr != nil {
		tr.Close()
	}
}
