package wamp

import (
	"context"

	"github.com/nugget/wampc/internal/wampmsg"
)

// runInvocation drives one INVOCATION through the user handler and
// emits exactly one terminal frame: a final YIELD (progressive or not)
// or an ERROR. It registers a one-shot listener on the session's
// interrupt stream keyed by the invocation's request id so an inbound
// INTERRUPT cancels the handler's context.
func (s *Session) runInvocation(h Handler, inv wampmsg.Invocation) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupted := s.interrupts.Stream(inv.Request)
	// A session failure item (err set) does not cancel: an in-flight
	// invocation is abandoned, not interrupted, when the session ends.
	go func() {
		if it, ok := <-interrupted; ok && it.err == nil {
			cancel()
		}
	}()
	defer s.interrupts.Release(inv.Request)

	args := optionalArgs(inv.Args)
	dict := optionalDict(inv.Dict)

	respCh, err := h(ctx, args, dict)
	if err != nil {
		s.sendInvocationError(inv.Request, err)
		return
	}

	if receiveProgress, _ := inv.Details["receive_progress"].(bool); receiveProgress {
		s.runProgressiveInvocation(ctx, inv.Request, respCh)
		return
	}
	s.runFinalInvocation(ctx, inv.Request, respCh)
}

// runProgressiveInvocation forwards every emitted Payload as a
// progress YIELD, then sends one terminal YIELD with no payload once
// the handler's channel closes — unless an INTERRUPT cancelled ctx
// first, in which case the terminal frame is the cancellation ERROR.
// An emitted Payload with Err set is translated to a terminal ERROR
// instead.
func (s *Session) runProgressiveInvocation(ctx context.Context, reqID int64, respCh <-chan Payload) {
	for p := range respCh {
		if p.Err != nil {
			s.sendInvocationError(reqID, p.Err)
			return
		}
		s.sendYield(reqID, true, &p)
	}
	s.finishInvocation(ctx, reqID, nil)
}

// runFinalInvocation buffers only the last emitted Payload and sends
// it as a single terminal YIELD once the handler's channel closes. A
// channel that closes without ever emitting sends a bare YIELD with no
// payload. A Payload with Err set at any point is translated to a
// terminal ERROR, discarding anything buffered so far. As with the
// progressive path, a context cancelled by INTERRUPT preempts the
// ordinary YIELD with the cancellation ERROR.
func (s *Session) runFinalInvocation(ctx context.Context, reqID int64, respCh <-chan Payload) {
	var last *Payload
	for p := range respCh {
		if p.Err != nil {
			s.sendInvocationError(reqID, p.Err)
			return
		}
		v := p
		last = &v
	}
	s.finishInvocation(ctx, reqID, last)
}

// finishInvocation sends the handler's normal terminal YIELD, unless
// ctx was cancelled by an inbound INTERRUPT, in which case it sends
// the cancellation ERROR instead.
func (s *Session) finishInvocation(ctx context.Context, reqID int64, last *Payload) {
	if ctx.Err() != nil {
		errMsg := wampmsg.Error{
			RequestType: wampmsg.KindInvocation,
			Request:     reqID,
			Details:     map[string]any{},
			Error:       "wamp.error.cancelled",
			Args:        wampmsg.Some([]any{"function call has been cancelled"}),
		}
		if err := s.send(context.Background(), errMsg); err != nil {
			s.logger.Debug("cancellation error send failed, session likely closing", "request", reqID, "error", err)
		}
		return
	}
	s.sendYield(reqID, false, last)
}

func (s *Session) sendYield(reqID int64, progress bool, p *Payload) {
	options := map[string]any{}
	if progress {
		options["progress"] = true
	}
	yield := wampmsg.Yield{Request: reqID, Options: options}
	if p != nil {
		yield.Args = argsOptional(p.Args)
		yield.Dict = dictOptional(p.Dict)
	}
	if err := s.send(context.Background(), yield); err != nil {
		s.logger.Debug("yield send failed, session likely closing", "request", reqID, "error", err)
	}
}

func (s *Session) sendInvocationError(reqID int64, handlerErr error) {
	errMsg := wampmsg.Error{
		RequestType: wampmsg.KindInvocation,
		Request:     reqID,
		Details:     map[string]any{},
		Error:       errURI(handlerErr),
		Args:        wampmsg.Some([]any{handlerErr.Error()}),
	}
	if err := s.send(context.Background(), errMsg); err != nil {
		s.logger.Debug("invocation error send failed, session likely closing", "request", reqID, "error", err)
	}
}
