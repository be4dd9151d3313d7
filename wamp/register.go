package wamp

import (
	"context"
	"time"

	"github.com/nugget/wampc/internal/wampmsg"
)

// Registration is a handle to an active procedure registration.
type Registration struct {
	s    *Session
	reg  int64
	h    Handler
	invs <-chan item
}

// Unregister sends UNREGISTER and stops accepting new invocations. It
// awaits UNREGISTERED with a bounded timeout; failure to do so is
// logged and swallowed rather than returned, matching a wait-then-give-up
// teardown. In-flight invocation goroutines are not cancelled by
// Unregister — each runs to completion against its own context.
func (r *Registration) Unregister(ctx context.Context) error {
	reqID := r.s.nextRequestID()
	ackStream := r.s.unregAcks.Stream(reqID)
	r.s.invocations.Release(r.reg)

	if err := r.s.send(ctx, wampmsg.Unregister{Request: reqID, Registration: r.reg}); err != nil {
		r.s.unregAcks.Release(reqID)
		return err
	}

	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()

	select {
	case it, ok := <-ackStream:
		if !ok {
			return nil
		}
		if it.err != nil {
			r.s.logger.Warn("unregister wait failed", "registration", r.reg, "error", it.err)
			return nil
		}
		switch m := it.msg.(type) {
		case wampmsg.Unregistered:
			return nil
		case wampmsg.Error:
			r.s.logger.Warn("unregister rejected by peer", "registration", r.reg, "reason", m.Error)
			return nil
		default:
			return nil
		}
	case <-timeout.C:
		r.s.logger.Warn("timed out waiting for UNREGISTERED", "registration", r.reg)
		r.s.unregAcks.Release(reqID)
		return nil
	case <-ctx.Done():
		r.s.unregAcks.Release(reqID)
		return ctx.Err()
	}
}

// Register issues REGISTER and, on success, begins dispatching an
// invocation goroutine (see invocation.go) for every INVOCATION
// addressed to the resulting registration id.
func (s *Session) Register(ctx context.Context, uri string, h Handler) (*Registration, error) {
	reqID := s.nextRequestID()
	ackStream := s.regAcks.Stream(reqID)

	regMsg := wampmsg.Register{
		Request:   reqID,
		Options:   map[string]any{"receive_progress": true},
		Procedure: uri,
	}
	if err := s.send(ctx, regMsg); err != nil {
		s.regAcks.Release(reqID)
		return nil, err
	}

	var regID int64
	select {
	case <-ctx.Done():
		s.regAcks.Release(reqID)
		return nil, ctx.Err()

	case it, ok := <-ackStream:
		if !ok {
			return nil, transportClosedErr
		}
		if it.err != nil {
			return nil, it.err
		}
		switch m := it.msg.(type) {
		case wampmsg.Registered:
			regID = m.Registration
		case wampmsg.Error:
			return nil, &OperationError{
				Details: m.Details,
				URI:     m.Error,
				Args:    optionalArgs(m.Args),
				Dict:    optionalDict(m.Dict),
			}
		default:
			return nil, &wampmsg.ProtocolError{Reason: "unexpected reply to REGISTER"}
		}
	}

	invs := s.invocations.Stream(regID)
	reg := &Registration{s: s, reg: regID, h: h, invs: invs}

	go func() {
		for it := range invs {
			if it.err != nil {
				return
			}
			inv, ok := it.msg.(wampmsg.Invocation)
			if !ok {
				s.logger.Warn("unexpected message routed to invocation stream", "kind", it.msg.Kind(), "registration", regID)
				continue
			}
			go s.runInvocation(h, inv)
		}
	}()

	return reg, nil
}
