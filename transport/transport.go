// Package transport adapts a WebSocket connection to the small duplex
// interface the WAMP session core depends on: a non-suspending send and
// a channel of inbound text frames terminated by exactly one error.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the WAMP JSON subprotocol this package dials and
// expects the peer to speak.
const Subprotocol = "wamp.2.json"

// ErrClosed is the terminal error delivered on Receive when the
// connection closed normally (peer close, or local Close).
var ErrClosed = errors.New("transport closed")

// Error wraps an unexpected I/O failure encountered while reading from
// or writing to the underlying connection.
type Error struct{ Cause error }

func (e *Error) Error() string { return fmt.Sprintf("transport error: %v", e.Cause) }
func (e *Error) Unwrap() error { return e.Cause }

// Frame is one item of the inbound sequence: either a text frame, or —
// exactly once, as the last item — a terminal error.
type Frame struct {
	Text string
	Err  error
}

// Transport is the duplex byte/string channel the session core runs
// over. Send is non-suspending best-effort; back-pressure is absorbed
// by the underlying socket's write buffer. Receive returns a channel
// that is closed after delivering exactly one terminal Frame (Err ==
// ErrClosed or a *Error).
type Transport interface {
	Send(ctx context.Context, text string) error
	Receive() <-chan Frame
	Close() error
}

// wsTransport adapts a *websocket.Conn to Transport.
type wsTransport struct {
	conn      *websocket.Conn
	frames    chan Frame
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func wrap(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{conn: conn, frames: make(chan Frame, 16)}
	go t.readLoop()
	return t
}

func (t *wsTransport) readLoop() {
	defer close(t.frames)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				t.frames <- Frame{Err: ErrClosed}
			} else {
				t.frames <- Frame{Err: &Error{Cause: err}}
			}
			return
		}
		t.frames <- Frame{Text: string(data)}
	}
}

func (t *wsTransport) Send(ctx context.Context, text string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (t *wsTransport) Receive() <-chan Frame { return t.frames }

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}

// dialConfig holds Dial's configurable pieces. Options mutate it.
type dialConfig struct {
	dialer *websocket.Dialer
	header http.Header
}

// DialOption configures Dial.
type DialOption func(*dialConfig)

// WithDialer overrides the *websocket.Dialer used to establish the
// connection. Tests inject a dialer with a custom NetDialContext to
// decouple from any real network.
func WithDialer(d *websocket.Dialer) DialOption {
	return func(c *dialConfig) { c.dialer = d }
}

// WithHeader sets additional HTTP headers sent with the upgrade
// request (e.g. an authorization header for transport-level auth,
// distinct from WAMP's own HELLO-based authentication).
func WithHeader(h http.Header) DialOption {
	return func(c *dialConfig) { c.header = h }
}

// Dial opens a WebSocket connection to url, negotiating the
// wamp.2.json subprotocol, and returns it wrapped as a Transport. The
// transport's lifetime equals the caller's: closing it closes the
// socket.
func Dial(ctx context.Context, url string, opts ...DialOption) (Transport, error) {
	cfg := dialConfig{
		dialer: &websocket.Dialer{
			Subprotocols:     []string{Subprotocol},
			HandshakeTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	conn, resp, err := cfg.dialer.DialContext(ctx, url, cfg.header)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}

	return wrap(conn), nil
}

// WrapConn adapts an already-established *websocket.Conn as a
// Transport. Useful for tests (httptest.Server + websocket.Upgrader)
// or for plugging in an alternate socket implementation without going
// through Dial.
func WrapConn(conn *websocket.Conn) Transport {
	return wrap(conn)
}
