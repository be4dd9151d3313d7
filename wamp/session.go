// Package wamp implements the client side of WAMP v2 (Basic Profile)
// over a wamp.2.json transport: the HELLO/CHALLENGE/AUTHENTICATE/
// WELCOME handshake, and the four peer operations — call, register,
// publish, subscribe — multiplexed over one connection.
package wamp

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nugget/wampc/internal/demux"
	"github.com/nugget/wampc/internal/wampmsg"
	"github.com/nugget/wampc/transport"
	wampcconfig "github.com/nugget/wampc/wampc/config"
)

// item is the value type carried by every second-level demux table in
// this package: a decoded WAMP message for the ordinary case, or a
// terminal session-fatal error with msg left nil.
type item struct {
	msg wampmsg.Message
	err error
}

// Session is an established WAMP session. It owns the transport
// exclusively; all four peer operations multiplex over it via a single
// driver goroutine that reads inbound frames and fans them out by
// message kind and correlation id.
type Session struct {
	tr        transport.Transport
	logger    *slog.Logger
	sessionID int64

	reqID  atomic.Int64
	closed atomic.Bool
	doneCh chan struct{}

	results     *demux.Table[int64, item] // RESULT / ERROR(CALL), keyed by Call.Request
	pubAcks     *demux.Table[int64, item] // PUBLISHED / ERROR(PUBLISH), keyed by Publish.Request
	subAcks     *demux.Table[int64, item] // SUBSCRIBED / ERROR(SUBSCRIBE), keyed by Subscribe.Request
	events      *demux.Table[int64, item] // EVENT, keyed by Subscription id
	regAcks     *demux.Table[int64, item] // REGISTERED / ERROR(REGISTER), keyed by Register.Request
	unregAcks   *demux.Table[int64, item] // UNREGISTERED / ERROR(UNREGISTER), keyed by Unregister.Request
	invocations *demux.Table[int64, item] // INVOCATION, keyed by Registration id
	interrupts  *demux.Table[int64, item] // INTERRUPT, keyed by Invocation.Request
}

// ID returns the session id assigned by the router in WELCOME.
func (s *Session) ID() int64 { return s.sessionID }

// Close tears down the session's transport. Active operations observe
// this as a terminal error on their channels.
func (s *Session) Close() error {
	s.fail(transport.ErrClosed)
	return nil
}

// Done returns a channel closed once the session has failed or been
// closed, for callers that want to select on session liveness
// alongside their own work.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) nextRequestID() int64 { return s.reqID.Add(1) }

// send encodes and writes msg over the transport.
func (s *Session) send(ctx context.Context, msg wampmsg.Message) error {
	data, err := wampmsg.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %T: %w", msg, err)
	}
	s.logger.Log(ctx, wampcconfig.LevelTrace, "wamp frame sent", "kind", msg.Kind(), "frame", string(data))
	return s.tr.Send(ctx, string(data))
}

// driver is the session's sole reader: it owns the transport's inbound
// frame sequence for the established lifetime of the session, decoding
// each frame and routing it to the demux table for its kind. Every
// other goroutine in this package only ever reads from the channels
// those tables hand out.
func (s *Session) driver() {
	for f := range s.tr.Receive() {
		if f.Err != nil {
			s.fail(f.Err)
			return
		}

		s.logger.Log(context.Background(), wampcconfig.LevelTrace, "wamp frame received", "frame", f.Text)

		msg, err := wampmsg.Decode([]byte(f.Text))
		if err != nil {
			if kind, ok := wampmsg.UnknownKind(err); ok {
				s.logger.Warn("dropping unrecognized message kind", "kind", kind)
				continue
			}
			s.fail(err)
			return
		}

		s.route(msg)
	}
}

// route dispatches one decoded inbound message to the table matching
// its kind. This is the "split by message kind" half of the two-level
// demultiplexer described in the design notes; the Go type switch
// plays the role a first demux.Table would, since the compiler already
// gives us an exhaustive, allocation-free kind split for free.
func (s *Session) route(msg wampmsg.Message) {
	switch m := msg.(type) {
	case wampmsg.Result:
		s.deliver(s.results, m.Request, item{msg: m}, "RESULT")
	case wampmsg.Published:
		s.deliver(s.pubAcks, m.Request, item{msg: m}, "PUBLISHED")
	case wampmsg.Subscribed:
		s.deliver(s.subAcks, m.Request, item{msg: m}, "SUBSCRIBED")
	case wampmsg.Event:
		s.deliver(s.events, m.Subscription, item{msg: m}, "EVENT")
	case wampmsg.Registered:
		s.deliver(s.regAcks, m.Request, item{msg: m}, "REGISTERED")
	case wampmsg.Unregistered:
		s.deliver(s.unregAcks, m.Request, item{msg: m}, "UNREGISTERED")
	case wampmsg.Unsubscribed:
		s.logger.Debug("received unsubscribed ack", "request", m.Request)
	case wampmsg.Invocation:
		s.deliver(s.invocations, m.Registration, item{msg: m}, "INVOCATION")
	case wampmsg.Interrupt:
		s.deliver(s.interrupts, m.Request, item{msg: m}, "INTERRUPT")
	case wampmsg.Error:
		s.routeError(m)
	case wampmsg.Abort:
		s.fail(&AbortError{Details: m.Details, Reason: m.Reason})
	default:
		s.logger.Warn("received message kind invalid for an established session", "kind", msg.Kind())
	}
}

// routeError sends an ERROR frame to the ack table matching the
// request type it reports failure for. ERROR(UNSUBSCRIBE) has no
// dedicated table — Subscription.Unsubscribe does not await its
// acknowledgment — so it is only logged.
func (s *Session) routeError(m wampmsg.Error) {
	switch m.RequestType {
	case wampmsg.KindCall:
		s.deliver(s.results, m.Request, item{msg: m}, "ERROR(CALL)")
	case wampmsg.KindPublish:
		s.deliver(s.pubAcks, m.Request, item{msg: m}, "ERROR(PUBLISH)")
	case wampmsg.KindSubscribe:
		s.deliver(s.subAcks, m.Request, item{msg: m}, "ERROR(SUBSCRIBE)")
	case wampmsg.KindRegister:
		s.deliver(s.regAcks, m.Request, item{msg: m}, "ERROR(REGISTER)")
	case wampmsg.KindUnregister:
		s.deliver(s.unregAcks, m.Request, item{msg: m}, "ERROR(UNREGISTER)")
	case wampmsg.KindUnsubscribe:
		s.logger.Warn("unsubscribe rejected by peer", "request", m.Request, "reason", m.Error)
	default:
		s.logger.Warn("error for unexpected request type", "requestType", m.RequestType, "request", m.Request, "reason", m.Error)
	}
}

// deliver dispatches it to t under key, logging a diagnostic when
// nothing is listening — the "unmatched items are dropped" rule.
func (s *Session) deliver(t *demux.Table[int64, item], key int64, it item, label string) {
	if !t.Dispatch(key, it) {
		s.logger.Warn("dropping unmatched frame", "kind", label, "key", key)
	}
}

// fail terminates the session: every active operation receives err as
// a terminal item, the transport is closed, and doneCh is closed.
// Idempotent — a session that has already failed or been closed
// ignores further calls.
func (s *Session) fail(err error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.logger.Error("session terminated", "error", err)

	failure := item{err: err}
	s.results.FailAll(failure)
	s.pubAcks.FailAll(failure)
	s.subAcks.FailAll(failure)
	s.events.FailAll(failure)
	s.regAcks.FailAll(failure)
	s.unregAcks.FailAll(failure)
	s.invocations.FailAll(failure)
	s.interrupts.FailAll(failure)

	_ = s.tr.Close()
	close(s.doneCh)
}
