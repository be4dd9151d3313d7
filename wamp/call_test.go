package wamp

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/wampc/internal/wampmsg"
)

func establishedSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	ft.push(t, wampmsg.Welcome{Session: 1, Details: map[string]any{}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := Connect(ctx, "ws://unused", "realm1", WithTransport(ft), WithSeed(100))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	_ = ft.next(t) // HELLO
	return s, ft
}

func TestCallProgressiveThenFinal(t *testing.T) {
	s, ft := establishedSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results, err := s.Call(ctx, "math.add", []any{1, 2}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	callMsg, ok := ft.next(t).(wampmsg.Call)
	if !ok {
		t.Fatalf("expected CALL frame")
	}

	ft.push(t, wampmsg.Result{
		Request: callMsg.Request,
		Details: map[string]any{"progress": true},
		Args:    wampmsg.Some([]any{float64(1)}),
	})
	ft.push(t, wampmsg.Result{
		Request: callMsg.Request,
		Details: map[string]any{},
		Args:    wampmsg.Some([]any{float64(3)}),
	})

	first := <-results
	if len(first.Args) != 1 || first.Args[0] != float64(1) {
		t.Errorf("first payload = %+v, want [1]", first)
	}

	final := <-results
	if len(final.Args) != 1 || final.Args[0] != float64(3) {
		t.Errorf("final payload = %+v, want [3]", final)
	}

	if _, ok := <-results; ok {
		t.Error("expected results channel closed after final payload")
	}
}

func TestCallCompletionWithoutPayload(t *testing.T) {
	s, ft := establishedSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results, err := s.Call(ctx, "proc.noop", nil, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	callMsg := ft.next(t).(wampmsg.Call)
	ft.push(t, wampmsg.Result{Request: callMsg.Request, Details: map[string]any{}})

	if _, ok := <-results; ok {
		t.Error("expected channel to close without emitting a payload")
	}
}

func TestCallErrorSurfacesOperationError(t *testing.T) {
	s, ft := establishedSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results, err := s.Call(ctx, "proc.boom", nil, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	callMsg := ft.next(t).(wampmsg.Call)
	ft.push(t, wampmsg.Error{
		RequestType: wampmsg.KindCall,
		Request:     callMsg.Request,
		Details:     map[string]any{},
		Error:       "app.error.boom",
	})

	item := <-results
	opErr, ok := item.Err.(*OperationError)
	if !ok {
		t.Fatalf("Err = %v, want *OperationError", item.Err)
	}
	if opErr.URI != "app.error.boom" {
		t.Errorf("URI = %q, want app.error.boom", opErr.URI)
	}

	if _, ok := <-results; ok {
		t.Error("expected channel closed after the error item")
	}
}

func TestCallCancellationSendsCancel(t *testing.T) {
	s, ft := establishedSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results, err := s.Call(ctx, "proc.slow", nil, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	callMsg := ft.next(t).(wampmsg.Call)
	cancel()

	cancelMsg, ok := ft.next(t).(wampmsg.Cancel)
	if !ok {
		t.Fatalf("expected CANCEL frame after context cancellation")
	}
	if cancelMsg.Request != callMsg.Request {
		t.Errorf("cancel request = %d, want %d", cancelMsg.Request, callMsg.Request)
	}

	select {
	case _, ok := <-results:
		if ok {
			t.Error("expected no further payload after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for results channel to close")
	}
}

func TestCallSuppressesCancelAfterTermination(t *testing.T) {
	s, ft := establishedSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)

	results, err := s.Call(ctx, "proc.fast", nil, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	callMsg := ft.next(t).(wampmsg.Call)
	ft.push(t, wampmsg.Result{Request: callMsg.Request, Details: map[string]any{}, Args: wampmsg.Some([]any{float64(9)})})

	if p := <-results; len(p.Args) != 1 {
		t.Fatalf("expected a final payload, got %+v", p)
	}
	if _, ok := <-results; ok {
		t.Fatal("expected channel closed")
	}

	cancel() // after the call already terminated; must not send CANCEL

	select {
	case text := <-ft.sent:
		t.Fatalf("unexpected frame sent after termination: %q", text)
	case <-time.After(200 * time.Millisecond):
	}
}
