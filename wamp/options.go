package wamp

import (
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/nugget/wampc/transport"
)

// Auth configures WAMP challenge-response authentication for Connect.
// If nil, the client sends HELLO with no authid/authmethods and fails
// with ErrUnexpectedChallenge if the router replies with CHALLENGE.
type Auth struct {
	AuthID      string
	AuthMethods []string
	Challenge   func(method string, extra map[string]any) (sig string, dict map[string]any, err error)
}

// config holds Connect's configurable pieces. Options mutate it.
type config struct {
	logger    *slog.Logger
	auth      *Auth
	seed      int64
	hasSeed   bool
	transport transport.Transport
	dialOpts  []transport.DialOption
}

// Option configures Connect.
type Option func(*config)

// WithLogger sets the *slog.Logger the session and its operations log
// through. A nil logger (the zero value of this option, or passing nil
// explicitly) is replaced with slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithAuth configures challenge-response authentication.
func WithAuth(a *Auth) Option {
	return func(c *config) { c.auth = a }
}

// WithSeed fixes the session's request-id counter's starting value,
// for deterministic tests. Without it, Connect seeds the counter with
// a uniform random value in [0, 2^24).
func WithSeed(n int64) Option {
	return func(c *config) { c.seed = n; c.hasSeed = true }
}

// WithTransport injects an already-established transport.Transport,
// bypassing Connect's own Dial call. Tests use this to drive the
// session over an in-memory or httptest-backed transport.
func WithTransport(t transport.Transport) Option {
	return func(c *config) { c.transport = t }
}

// WithDialer sets the *websocket.Dialer used by the Dial call Connect
// makes when no WithTransport was supplied.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *config) { c.dialOpts = append(c.dialOpts, transport.WithDialer(d)) }
}
