package wamp

import (
	"context"

	"github.com/nugget/wampc/internal/wampmsg"
)

// Subscription is a handle to an active subscription. Unsubscribe
// releases it; the associated Payload channel is closed once the
// teardown is issued.
type Subscription struct {
	s    *Session
	subs int64
	out  chan Payload
}

// Unsubscribe sends UNSUBSCRIBE and stops delivering further events on
// the subscription's channel. The UNSUBSCRIBED acknowledgment is not
// awaited; an unsolicited ERROR for it is only logged.
func (sub *Subscription) Unsubscribe(ctx context.Context) error {
	sub.s.events.Release(sub.subs)

	reqID := sub.s.nextRequestID()
	return sub.s.send(ctx, wampmsg.Unsubscribe{Request: reqID, Subscription: sub.subs})
}

// Subscribe issues SUBSCRIBE and, on success, returns a Payload channel
// fed by every EVENT delivered for the resulting subscription, along
// with the Subscription handle used to tear it down.
func (s *Session) Subscribe(ctx context.Context, uri string) (<-chan Payload, *Subscription, error) {
	reqID := s.nextRequestID()
	ackStream := s.subAcks.Stream(reqID)

	subMsg := wampmsg.Subscribe{Request: reqID, Options: map[string]any{}, Topic: uri}
	if err := s.send(ctx, subMsg); err != nil {
		s.subAcks.Release(reqID)
		return nil, nil, err
	}

	var subsID int64
	select {
	case <-ctx.Done():
		s.subAcks.Release(reqID)
		return nil, nil, ctx.Err()

	case it, ok := <-ackStream:
		if !ok {
			return nil, nil, transportClosedErr
		}
		if it.err != nil {
			return nil, nil, it.err
		}
		switch m := it.msg.(type) {
		case wampmsg.Subscribed:
			subsID = m.Subscription
		case wampmsg.Error:
			return nil, nil, &OperationError{
				Details: m.Details,
				URI:     m.Error,
				Args:    optionalArgs(m.Args),
				Dict:    optionalDict(m.Dict),
			}
		default:
			return nil, nil, &wampmsg.ProtocolError{Reason: "unexpected reply to SUBSCRIBE"}
		}
	}

	eventStream := s.events.Stream(subsID)
	out := make(chan Payload, 1)
	sub := &Subscription{s: s, subs: subsID, out: out}

	go func() {
		for it := range eventStream {
			if it.err != nil {
				out <- Payload{Err: it.err}
				close(out)
				return
			}
			ev, ok := it.msg.(wampmsg.Event)
			if !ok {
				s.logger.Warn("unexpected message routed to event stream", "kind", it.msg.Kind(), "subscription", subsID)
				continue
			}
			out <- payloadFromOptional(ev.Args, ev.Dict)
		}
		close(out)
	}()

	return out, sub, nil
}
