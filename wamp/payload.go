package wamp

import "context"

// Payload is one item on a Call, Subscribe, or Handler channel: a
// positional argument list paired with a keyword map. Err is non-nil
// only on the final item of a channel, after which the channel is
// closed without further sends.
type Payload struct {
	Args []any
	Dict map[string]any
	Err  error
}

// Handler is a callee's response to an INVOCATION. It returns a
// channel of Payload the invocation runtime drains: zero or more
// progress items followed by exactly one terminal item (a final
// Payload, or one with Err set), or a synchronous error if the
// procedure could not even start.
type Handler func(ctx context.Context, args []any, dict map[string]any) (<-chan Payload, error)
