package wamp

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/wampc/internal/wampmsg"
	"github.com/nugget/wampc/transport"
)

// fakeTransport is a channel-backed transport.Transport standing in
// for a real WebSocket connection: tests push inbound frames and
// observe outbound ones without a real socket.
type fakeTransport struct {
	sent   chan string
	in     chan transport.Frame
	closed atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent: make(chan string, 64),
		in:   make(chan transport.Frame, 64),
	}
}

func (f *fakeTransport) Send(ctx context.Context, text string) error {
	select {
	case f.sent <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Receive() <-chan transport.Frame { return f.in }

func (f *fakeTransport) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		f.in <- transport.Frame{Err: transport.ErrClosed}
		close(f.in)
	}
	return nil
}

// push encodes msg and delivers it as an inbound frame.
func (f *fakeTransport) push(t *testing.T, msg wampmsg.Message) {
	t.Helper()
	data, err := wampmsg.Encode(msg)
	if err != nil {
		t.Fatalf("encode %T: %v", msg, err)
	}
	f.in <- transport.Frame{Text: string(data)}
}

// fail delivers a terminal, non-ErrClosed error frame, simulating an
// unexpected I/O failure rather than a graceful close.
func (f *fakeTransport) fail(err error) {
	if f.closed.CompareAndSwap(false, true) {
		f.in <- transport.Frame{Err: &transport.Error{Cause: err}}
		close(f.in)
	}
}

// next decodes the next frame the session under test sent.
func (f *fakeTransport) next(t *testing.T) wampmsg.Message {
	t.Helper()
	select {
	case text := <-f.sent:
		msg, err := wampmsg.Decode([]byte(text))
		if err != nil {
			t.Fatalf("decode sent frame %q: %v", text, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sent frame")
		return nil
	}
}
