// Package reconnect is an optional convenience layer on top of
// wamp.Session: it wraps a session factory with exponential backoff and
// re-issues Subscribe/Register calls recorded from the previous
// session once a replacement connects. The session core itself never
// reconnects; composing retry is left to the caller, and this package
// is one way to do that.
package reconnect

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nugget/wampc/wamp"
)

// Factory establishes a fresh, fully handshaken session. Called once up
// front by New and again after every disconnect.
type Factory func(ctx context.Context) (*wamp.Session, error)

// Config controls the reconnect backoff schedule: a small hand-rolled
// doubling timer with a cap and full jitter.
type Config struct {
	// MinBackoff is the starting backoff: the first reconnect attempt
	// waits a random delay of at most MinBackoff (default: 500ms).
	MinBackoff time.Duration

	// MaxBackoff is the ceiling for backoff growth (default: 30s).
	MaxBackoff time.Duration

	// Logger receives reconnect lifecycle logs. Uses slog.Default() if nil.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type subscriptionRecord struct {
	uri string
	out chan wamp.Payload
}

type registrationRecord struct {
	uri string
	h   wamp.Handler
}

// Manager holds a reconnecting wamp.Session and replays Subscribe and
// Register calls against each replacement.
type Manager struct {
	factory Factory
	cfg     Config

	mu      sync.Mutex
	session *wamp.Session
	subs    []*subscriptionRecord
	regs    []registrationRecord

	closing  chan struct{}
	closeOne sync.Once
}

// New connects an initial session via factory and starts a background
// goroutine that reconnects (with backoff) and replays recorded
// Subscribe/Register calls whenever the active session ends.
func New(ctx context.Context, factory Factory, cfg Config) (*Manager, error) {
	cfg.applyDefaults()

	s, err := factory(ctx)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		factory: factory,
		cfg:     cfg,
		session: s,
		closing: make(chan struct{}),
	}

	go m.watch(s)
	return m, nil
}

// Session returns the currently active session. It changes identity
// across reconnects; callers issuing one-off Call/Publish should fetch
// it fresh rather than caching the pointer.
func (m *Manager) Session() *wamp.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Close stops reconnecting and closes the active session.
func (m *Manager) Close() error {
	m.closeOne.Do(func() { close(m.closing) })
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s != nil {
		return s.Close()
	}
	return nil
}

// Subscribe subscribes on the active session and records the topic so
// it is re-subscribed on every later session. It returns a stable
// Payload channel that survives reconnects: the manager forwards into
// it from whichever underlying subscription is currently live, including
// the item with Err set that reports the end of a session. The channel
// is never closed, not even by Close; Close stops the forwarding.
func (m *Manager) Subscribe(ctx context.Context, uri string) (<-chan wamp.Payload, error) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	in, _, err := s.Subscribe(ctx, uri)
	if err != nil {
		return nil, err
	}

	rec := &subscriptionRecord{uri: uri, out: make(chan wamp.Payload)}
	m.startForwarding(rec, in)

	m.mu.Lock()
	m.subs = append(m.subs, rec)
	m.mu.Unlock()

	return rec.out, nil
}

// Register registers a procedure handler on the active session and
// records it so it is re-registered on every later session.
func (m *Manager) Register(ctx context.Context, uri string, h wamp.Handler) error {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	if _, err := s.Register(ctx, uri, h); err != nil {
		return err
	}

	m.mu.Lock()
	m.regs = append(m.regs, registrationRecord{uri: uri, h: h})
	m.mu.Unlock()
	return nil
}

// startForwarding copies every Payload from in into rec.out until in
// closes (on Unsubscribe, or when the underlying session ends), one
// generation at a time: the previous generation's in channel is always
// already closed by the time a new generation starts after reconnect.
func (m *Manager) startForwarding(rec *subscriptionRecord, in <-chan wamp.Payload) {
	go func() {
		for p := range in {
			select {
			case rec.out <- p:
			case <-m.closing:
				return
			}
		}
	}()
}

// watch waits for the active session to end, then reconnects with
// backoff and replays recorded subscriptions and registrations against
// the replacement, repeating until Close is called.
func (m *Manager) watch(s *wamp.Session) {
	for {
		select {
		case <-m.closing:
			return
		case <-s.Done():
		}

		select {
		case <-m.closing:
			return
		default:
		}

		m.cfg.Logger.Warn("wamp session ended, reconnecting")
		next := m.reconnect()
		if next == nil {
			return
		}

		m.mu.Lock()
		m.session = next
		subs := append([]*subscriptionRecord(nil), m.subs...)
		regs := append([]registrationRecord(nil), m.regs...)
		m.mu.Unlock()

		m.replay(next, subs, regs)
		s = next
	}
}

// reconnect retries factory with exponential backoff (full jitter)
// until it succeeds or Close is called, in which case it returns nil.
func (m *Manager) reconnect() *wamp.Session {
	delay := m.cfg.MinBackoff
	for {
		select {
		case <-m.closing:
			return nil
		default:
		}

		jittered := time.Duration(rand.Int64N(int64(delay)) + 1)
		timer := time.NewTimer(jittered)
		select {
		case <-m.closing:
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s, err := m.factory(context.Background())
		if err == nil {
			m.cfg.Logger.Info("wamp session reconnected")
			return s
		}
		m.cfg.Logger.Warn("reconnect attempt failed", "error", err, "next_delay", delay.String())

		delay = time.Duration(float64(delay) * 2)
		if delay > m.cfg.MaxBackoff {
			delay = m.cfg.MaxBackoff
		}
	}
}

// replay re-issues every recorded Subscribe/Register call against the
// new session. Failures are logged; the caller can always re-register
// manually if a topic or procedure permanently fails to come back.
func (m *Manager) replay(s *wamp.Session, subs []*subscriptionRecord, regs []registrationRecord) {
	for _, rec := range subs {
		in, _, err := s.Subscribe(context.Background(), rec.uri)
		if err != nil {
			m.cfg.Logger.Warn("failed to re-subscribe after reconnect", "topic", rec.uri, "error", err)
			continue
		}
		m.startForwarding(rec, in)
	}
	for _, rec := range regs {
		if _, err := s.Register(context.Background(), rec.uri, rec.h); err != nil {
			m.cfg.Logger.Warn("failed to re-register after reconnect", "procedure", rec.uri, "error", err)
		}
	}
}
