package wamp

import (
	"context"

	"github.com/nugget/wampc/internal/wampmsg"
)

// Publish issues a one-shot, acknowledged PUBLISH and returns the
// publication id the router assigns on success.
func (s *Session) Publish(ctx context.Context, uri string, args []any, dict map[string]any) (int64, error) {
	reqID := s.nextRequestID()
	stream := s.pubAcks.Stream(reqID)

	pubMsg := wampmsg.Publish{
		Request: reqID,
		Options: map[string]any{"acknowledge": true},
		Topic:   uri,
		Args:    argsOptional(args),
		Dict:    dictOptional(dict),
	}
	if err := s.send(ctx, pubMsg); err != nil {
		s.pubAcks.Release(reqID)
		return 0, err
	}

	select {
	case <-ctx.Done():
		s.pubAcks.Release(reqID)
		return 0, ctx.Err()

	case it, ok := <-stream:
		if !ok {
			return 0, transportClosedErr
		}
		if it.err != nil {
			return 0, it.err
		}
		switch m := it.msg.(type) {
		case wampmsg.Published:
			return m.Publication, nil
		case wampmsg.Error:
			return 0, &OperationError{
				Details: m.Details,
				URI:     m.Error,
				Args:    optionalArgs(m.Args),
				Dict:    optionalDict(m.Dict),
			}
		default:
			s.logger.Warn("unexpected message routed to publish ack stream", "kind", m.Kind(), "request", reqID)
			return 0, &wampmsg.ProtocolError{Reason: "unexpected reply to PUBLISH"}
		}
	}
}
