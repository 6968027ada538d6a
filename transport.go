package hassws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a duplex, message-framed connection. Implementations must
// support one concurrent reader and serialize writes internally.
type Transport interface {
	// ReadMessage blocks for the next inbound frame. messageType uses the
	// websocket package's frame type constants.
	ReadMessage() (messageType int, data []byte, err error)

	// WriteMessage transmits one text frame.
	WriteMessage(data []byte) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// DialFunc opens a Transport. readLimit is the maximum accepted inbound frame
// size in bytes.
type DialFunc func(ctx context.Context, url string, readLimit int64) (Transport, error)

const (
	dialHandshakeTimeout = 10 * time.Second
	writeTimeout         = 5 * time.Second
)

// wsTransport adapts a gorilla websocket connection to the Transport contract.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// dialWebsocket is the default DialFunc.
func dialWebsocket(ctx context.Context, url string, readLimit int64) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: dialHandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)

	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadMessage() (int, []byte, error) {
	return t.conn.ReadMessage()
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}
