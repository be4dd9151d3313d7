package wamp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/nugget/wampc/internal/demux"
	"github.com/nugget/wampc/internal/wampmsg"
	"github.com/nugget/wampc/transport"
	wampcconfig "github.com/nugget/wampc/wampc/config"
)

// Connect dials url, performs the WAMP HELLO/CHALLENGE/AUTHENTICATE/
// WELCOME handshake for realm, and returns an established Session. The
// handshake runs synchronously against the transport, reading and
// replying frame by frame, before the session's driver goroutine starts.
func Connect(ctx context.Context, url, realm string, opts ...Option) (*Session, error) {
	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	tr := cfg.transport
	if tr == nil {
		dialed, err := transport.Dial(ctx, url, cfg.dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		tr = dialed
	}

	s := &Session{
		tr:     tr,
		logger: cfg.logger,

		results:     demux.New[int64, item](1),
		pubAcks:     demux.New[int64, item](1),
		subAcks:     demux.New[int64, item](1),
		events:      demux.New[int64, item](1),
		regAcks:     demux.New[int64, item](1),
		unregAcks:   demux.New[int64, item](1),
		invocations: demux.New[int64, item](1),
		interrupts:  demux.New[int64, item](1),

		doneCh: make(chan struct{}),
	}
	if cfg.hasSeed {
		s.reqID.Store(cfg.seed)
	} else {
		s.reqID.Store(rand.Int64N(1 << 24))
	}

	details := map[string]any{
		"roles": map[string]any{
			"caller": map[string]any{
				"features": map[string]any{
					"progressive_call_results": true,
					"call_canceling":           true,
				},
			},
			"callee": map[string]any{
				"features": map[string]any{
					"progressive_call_results": true,
					"call_canceling":           true,
				},
			},
			"subscriber": map[string]any{},
			"publisher":  map[string]any{},
		},
	}
	if cfg.auth != nil {
		details["authid"] = cfg.auth.AuthID
		details["authmethods"] = cfg.auth.AuthMethods
	}

	if err := s.send(ctx, wampmsg.Hello{Realm: realm, Details: details}); err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}

	for {
		msg, err := recvOne(ctx, tr, cfg.logger)
		if err != nil {
			_ = tr.Close()
			return nil, err
		}

		switch m := msg.(type) {
		case wampmsg.Welcome:
			s.sessionID = m.Session
			s.logger.Info("wamp session established", "session", m.Session, "realm", realm)
			go s.driver()
			return s, nil

		case wampmsg.Challenge:
			if cfg.auth == nil || cfg.auth.Challenge == nil {
				_ = tr.Close()
				return nil, ErrUnexpectedChallenge
			}
			sig, dict, err := cfg.auth.Challenge(m.Method, m.Extra)
			if err != nil {
				_ = tr.Close()
				return nil, fmt.Errorf("auth challenge responder: %w", err)
			}
			if err := s.send(ctx, wampmsg.Authenticate{Signature: sig, Extra: dict}); err != nil {
				_ = tr.Close()
				return nil, fmt.Errorf("send AUTHENTICATE: %w", err)
			}

		case wampmsg.Abort:
			_ = tr.Close()
			return nil, &AbortError{Details: m.Details, Reason: m.Reason}

		default:
			_ = tr.Close()
			return nil, &wampmsg.ProtocolError{Reason: fmt.Sprintf("unexpected message kind %d during handshake", msg.Kind())}
		}
	}
}

// recvOne reads and decodes exactly one frame from tr, respecting ctx
// cancellation.
func recvOne(ctx context.Context, tr transport.Transport, logger *slog.Logger) (wampmsg.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-tr.Receive():
		if f.Err != nil {
			return nil, f.Err
		}
		logger.Log(ctx, wampcconfig.LevelTrace, "wamp frame received", "frame", f.Text)
		return wampmsg.Decode([]byte(f.Text))
	}
}
