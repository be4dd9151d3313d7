package wamp

import (
	"context"

	"github.com/nugget/wampc/internal/wampmsg"
)

// Call issues a CALL and returns a cold channel of results: zero or
// more progress Payloads (when the peer honors receive_progress)
// followed by exactly one terminal item — a final Payload, one with
// Err set, or simply a closed channel if the call completed without a
// payload. Each invocation of Call creates independent router-side
// state; calling it twice with the same uri issues two unrelated WAMP
// requests.
//
// Cancelling ctx before the call has terminated sends
// CANCEL(reqId,{mode:"kill"}); if the call has already terminated, the
// cancel is suppressed.
func (s *Session) Call(ctx context.Context, uri string, args []any, dict map[string]any) (<-chan Payload, error) {
	reqID := s.nextRequestID()
	stream := s.results.Stream(reqID)

	callMsg := wampmsg.Call{
		Request:   reqID,
		Options:   map[string]any{"receive_progress": true},
		Procedure: uri,
		Args:      argsOptional(args),
		Dict:      dictOptional(dict),
	}
	if err := s.send(ctx, callMsg); err != nil {
		s.results.Release(reqID)
		return nil, err
	}

	out := make(chan Payload, 1)
	go s.runCall(ctx, reqID, stream, out)
	return out, nil
}

func (s *Session) runCall(ctx context.Context, reqID int64, stream <-chan item, out chan<- Payload) {
	for {
		select {
		case <-ctx.Done():
			_ = s.send(context.Background(), wampmsg.Cancel{
				Request: reqID,
				Options: map[string]any{"mode": "kill"},
			})
			s.results.Release(reqID)
			close(out)
			return

		case it, ok := <-stream:
			if !ok {
				close(out)
				return
			}
			if it.err != nil {
				out <- Payload{Err: it.err}
				close(out)
				return
			}

			switch m := it.msg.(type) {
			case wampmsg.Result:
				if wampmsg.IsProgress(m.Details) {
					out <- payloadFromOptional(m.Args, m.Dict)
					continue
				}
				if m.Args.Present && len(m.Args.Value) > 0 {
					out <- payloadFromOptional(m.Args, m.Dict)
				}
				s.results.Release(reqID)
				close(out)
				return

			case wampmsg.Error:
				out <- Payload{Err: &OperationError{
					Details: m.Details,
					URI:     m.Error,
					Args:    optionalArgs(m.Args),
					Dict:    optionalDict(m.Dict),
				}}
				s.results.Release(reqID)
				close(out)
				return

			default:
				s.logger.Warn("unexpected message routed to call stream", "kind", it.msg.Kind(), "request", reqID)
			}
		}
	}
}

func argsOptional(args []any) wampmsg.Optional[[]any] {
	if args == nil {
		return wampmsg.None[[]any]()
	}
	return wampmsg.Some(args)
}

func dictOptional(dict map[string]any) wampmsg.Optional[map[string]any] {
	if dict == nil {
		return wampmsg.None[map[string]any]()
	}
	return wampmsg.Some(dict)
}

func optionalArgs(a wampmsg.Optional[[]any]) []any {
	if !a.Present {
		return nil
	}
	return a.Value
}

func optionalDict(d wampmsg.Optional[map[string]any]) map[string]any {
	if !d.Present {
		return nil
	}
	return d.Value
}

func payloadFromOptional(args wampmsg.Optional[[]any], dict wampmsg.Optional[map[string]any]) Payload {
	return Payload{Args: optionalArgs(args), Dict: optionalDict(dict)}
}
