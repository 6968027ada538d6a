package hassws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// ConnectionState describes where the client is in its connection lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateClosingByRequest
	StateClosingByFailure
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosingByRequest:
		return "closing"
	case StateClosingByFailure:
		return "failing"
	}
	return "unknown"
}

const (
	// DefaultSupervisorURL is used when no endpoint is configured, matching
	// the Home Assistant add-on environment.
	DefaultSupervisorURL = "ws://supervisor/core/websocket"

	// defaultMaxMessageSize is the initial inbound frame size limit. It grows
	// when the server pushes a frame the current limit rejects.
	defaultMaxMessageSize = 4 << 20

	// eventBufferSize bounds undelivered events per connection before the
	// dispatcher starts dropping.
	eventBufferSize = 256
)

// Config configures a Client.
type Config struct {
	// URL is the full websocket endpoint, e.g. ws://hass.local:8123/api/websocket.
	// Empty selects DefaultSupervisorURL.
	URL string

	// Token is the long-lived access token sent during the handshake. Empty
	// falls back to the SUPERVISOR_TOKEN environment variable.
	Token string

	// Dial overrides transport construction. Nil uses a gorilla/websocket
	// dialer.
	Dial DialFunc

	// Logger receives structured diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// Client is a connection to Home Assistant over websockets. The zero value is
// not usable; construct with New.
type Client struct {
	cfg    Config
	logger *slog.Logger

	// Message id counter. Never reset, so ids stay unique within (and across)
	// connection epochs.
	nextID atomic.Int64

	mu         sync.Mutex
	state      ConnectionState
	transport  Transport
	version    string
	maxMsgSize int64
	connCh     chan struct{} // closed while connected, replaced on loss
	shutdown   chan struct{} // set while a requested disconnect awaits cleanup

	pendingMu sync.Mutex
	pending   map[int64]chan result

	subsMu sync.Mutex
	subs   map[int64]*subscription
	subIDs map[*subscription]int64

	sup *supervisor
}

// New creates a client. Call Connect before issuing commands.
func New(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultSupervisorURL
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("SUPERVISOR_TOKEN")
	}
	if cfg.Dial == nil {
		cfg.Dial = dialWebsocket
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		maxMsgSize: defaultMaxMessageSize,
		connCh:     make(chan struct{}),
		pending:    make(map[int64]chan result),
		subs:       make(map[int64]*subscription),
		subIDs:     make(map[*subscription]int64),
	}
	c.sup = newSupervisor(c)
	return c
}

// Connected reports whether the client currently holds an authenticated
// connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current lifecycle state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Version returns the Home Assistant version announced during the last
// successful handshake.
func (c *Client) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// WaitForConnection blocks until the client is connected or ctx is done.
func (c *Client) WaitForConnection(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == StateConnected {
			c.mu.Unlock()
			return nil
		}
		ch := c.connCh
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Connect dials the server, performs the version and auth handshake, and
// starts the inbound dispatcher. Transport-level handshake failures return an
// error wrapping ErrCannotConnect; a rejected token returns an
// *AuthenticationError. Connecting while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.sup.reset()

	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateDisconnected:
	default:
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrCannotConnect, st)
	}
	c.state = StateConnecting
	limit := c.maxMsgSize
	c.mu.Unlock()

	tr, version, err := c.handshake(ctx, limit)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.transport = tr
	c.version = version
	c.state = StateConnected
	close(c.connCh)
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.cfg.URL, "ha_version", version)

	go c.readLoop(tr)
	return nil
}

// handshake dials and walks the fixed exchange: receive the version
// announcement, send auth, receive the auth result.
func (c *Client) handshake(ctx context.Context, limit int64) (Transport, string, error) {
	tr, err := c.cfg.Dial(ctx, c.cfg.URL, limit)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}

	var hello serverMessage
	if err := readFrame(tr, &hello); err != nil {
		tr.Close()
		return nil, "", fmt.Errorf("%w: reading version announcement: %v", ErrCannotConnect, err)
	}

	c.mu.Lock()
	c.state = StateAuthenticating
	c.mu.Unlock()

	auth, err := json.Marshal(authMessage{Type: messageTypeAuth, AccessToken: c.cfg.Token})
	if err != nil {
		tr.Close()
		return nil, "", fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	if err := tr.WriteMessage(auth); err != nil {
		tr.Close()
		return nil, "", fmt.Errorf("%w: sending auth: %v", ErrCannotConnect, err)
	}

	var authResult serverMessage
	if err := readFrame(tr, &authResult); err != nil {
		tr.Close()
		return nil, "", fmt.Errorf("%w: reading auth result: %v", ErrCannotConnect, err)
	}
	if authResult.Type != messageTypeAuthOK {
		tr.Close()
		msg := authResult.Message
		if msg == "" {
			msg = "access token rejected"
		}
		return nil, "", &AuthenticationError{Message: msg}
	}

	return tr, hello.HAVersion, nil
}

// readFrame receives and decodes one text frame during the handshake.
func readFrame(tr Transport, into *serverMessage) error {
	mt, data, err := tr.ReadMessage()
	if err != nil {
		return err
	}
	if mt != websocket.TextMessage {
		return fmt.Errorf("%w: non-text frame type %d", ErrInvalidMessage, mt)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// Disconnect closes the connection and waits for the dispatcher to finish its
// cleanup. New commands are rejected as soon as Disconnect is called, even
// while cleanup is in flight. Disconnecting while disconnected is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	// Join any in-flight reconnect cycle first so it cannot race the close.
	c.sup.stop()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosingByRequest
	c.connCh = make(chan struct{})
	done := make(chan struct{})
	c.shutdown = done
	tr := c.transport
	c.mu.Unlock()

	c.logger.Debug("closing client connection")
	tr.Close()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// currentTransport returns the live transport, or false when not connected.
func (c *Client) currentTransport() (Transport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.transport == nil {
		return nil, false
	}
	return c.transport, true
}
