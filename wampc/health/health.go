// Package health provides a connection-health watchdog for a wamp.Session:
// a periodic probe call with state-transition callbacks. Modeled on a
// service health monitor pattern using startup backoff followed by
// steady-state polling.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/wampc/wamp"
)

// BackoffConfig controls the startup-probe retry schedule.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the steady-state check interval once startup
	// retries are exhausted or a probe has succeeded (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits how long a single probe call may take (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 30s (capped), 10 startup
// retries, and 30-second steady-state polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a session health watchdog.
type WatcherConfig struct {
	// ProcedureURI is called with no arguments on every probe. A reply
	// (even an application error) counts as reachable; only a transport
	// or cancellation failure counts as unreachable. Defaults to the
	// router reflection procedure wamp.session.count.
	ProcedureURI string

	// Backoff controls retry timing. Zero-value fields are replaced
	// with DefaultBackoffConfig() defaults.
	Backoff BackoffConfig

	// OnReady is called when the router transitions from unreachable to
	// reachable, including the first successful probe. Runs in its own
	// goroutine; must not block indefinitely. Optional.
	OnReady func()

	// OnLost is called when the router transitions from reachable to
	// unreachable. Runs in its own goroutine; must not block
	// indefinitely. Optional.
	OnLost func(err error)

	// Logger receives transition and probe-failure logs. Uses
	// slog.Default() if nil.
	Logger *slog.Logger
}

// Status is the watchdog's current view of the router, suitable for
// JSON serialization in a health endpoint.
type Status struct {
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes a session's reachability and reports transitions.
type Watcher struct {
	session *wamp.Session
	config  WatcherConfig
	ready   atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

const defaultProcedureURI = "wamp.session.count"

// Watch starts a watchdog for session. The watcher runs in a background
// goroutine until ctx is cancelled or Stop is called. Zero-value
// BackoffConfig fields are replaced with defaults.
func Watch(ctx context.Context, session *wamp.Session, cfg WatcherConfig) *Watcher {
	if cfg.ProcedureURI == "" {
		cfg.ProcedureURI = defaultProcedureURI
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = defaults.MaxRetries
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		session: session,
		config:  cfg,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go w.run(watchCtx)
	return w
}

// IsReady reports whether the router is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{Ready: w.ready.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.recordResult(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("router reachable", "procedure", w.config.ProcedureURI, "after_attempts", attempt)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
			break
		}

		if attempt == cfg.MaxRetries {
			logger.Warn("startup probe failed, entering steady-state polling",
				"procedure", w.config.ProcedureURI,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"procedure", w.config.ProcedureURI,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.recordResult(err)
			wasReady := w.ready.Load()

			switch {
			case wasReady && err != nil:
				w.ready.Store(false)
				logger.Warn("router became unreachable", "procedure", w.config.ProcedureURI, "error", err)
				if w.config.OnLost != nil {
					go w.config.OnLost(err)
				}
			case !wasReady && err == nil:
				w.ready.Store(true)
				logger.Info("router reachable again", "procedure", w.config.ProcedureURI)
				if w.config.OnReady != nil {
					go w.config.OnReady()
				}
			case !wasReady && err != nil:
				logger.Debug("router still unreachable", "procedure", w.config.ProcedureURI, "error", err)
			}
		}
	}
}

// probe issues one Call against the configured procedure and waits for
// its terminal reply (or a transport failure). An application-level
// ERROR reply still counts as reachable: the router answered.
func (w *Watcher) probe(ctx context.Context) error {
	timeout := w.config.Backoff.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies, err := w.session.Call(probeCtx, w.config.ProcedureURI, nil, nil)
	if err != nil {
		return err
	}

	select {
	case p, ok := <-replies:
		if !ok {
			return nil
		}
		if p.Err != nil {
			if _, isOpErr := p.Err.(*wamp.OperationError); isOpErr {
				return nil
			}
			return p.Err
		}
		return nil
	case <-probeCtx.Done():
		return probeCtx.Err()
	}
}

func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
