package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/wampc/internal/wampmsg"
	"github.com/nugget/wampc/transport"
	"github.com/nugget/wampc/wamp"
)

// fakeTransport is a minimal transport.Transport double driven by a
// buffered inbound channel, enough to answer CALLs with either a
// RESULT or an ERROR, or to never answer (simulating a hung probe).
type fakeTransport struct {
	in     chan transport.Frame
	closed atomic.Bool

	// answerFrom, when non-zero, makes Send answer every CALL whose
	// request id is at least answerFrom with an empty RESULT.
	answerFrom atomic.Int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan transport.Frame, 64)}
}

func (f *fakeTransport) Send(ctx context.Context, text string) error {
	from := f.answerFrom.Load()
	if from == 0 {
		return nil
	}
	if msg, err := wampmsg.Decode([]byte(text)); err == nil {
		if call, ok := msg.(wampmsg.Call); ok && call.Request >= from {
			data, _ := wampmsg.Encode(wampmsg.Result{Request: call.Request, Details: map[string]any{}})
			f.in <- transport.Frame{Text: string(data)}
		}
	}
	return nil
}

func (f *fakeTransport) Receive() <-chan transport.Frame { return f.in }
func (f *fakeTransport) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		f.in <- transport.Frame{Err: transport.ErrClosed}
		close(f.in)
	}
	return nil
}

func (f *fakeTransport) push(t *testing.T, msg wampmsg.Message) {
	t.Helper()
	data, err := wampmsg.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.in <- transport.Frame{Text: string(data)}
}

func connectedSession(t *testing.T) (*wamp.Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	ft.push(t, wampmsg.Welcome{Session: 1, Details: map[string]any{}})

	s, err := wamp.Connect(context.Background(), "ws://test/ws", "realm1", wamp.WithTransport(ft), wamp.WithSeed(1))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, ft
}

func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   3,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 50 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(1 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}

func TestWatchImmediateSuccess(t *testing.T) {
	s, ft := connectedSession(t)
	// seed=1 -> first allocated request id is 2, used by the first probe Call.
	ft.push(t, wampmsg.Result{Request: 2, Details: map[string]any{}})
	ft.push(t, wampmsg.Result{Request: 3, Details: map[string]any{}})
	ft.push(t, wampmsg.Result{Request: 4, Details: map[string]any{}})

	var readyCalled atomic.Int32
	w := Watch(context.Background(), s, WatcherConfig{
		ProcedureURI: "wamp.session.count",
		Backoff:      testBackoff(),
		OnReady:      func() { readyCalled.Add(1) },
	})
	defer w.Stop()

	waitFor(t, 2*time.Second, w.IsReady, "IsReady() == true")
	if readyCalled.Load() != 1 {
		t.Errorf("OnReady called %d times, want 1", readyCalled.Load())
	}
}

func TestWatchExhaustsRetriesThenRecovers(t *testing.T) {
	s, ft := connectedSession(t)
	// Never answer the startup probes; they'll time out via ProbeTimeout.

	var lostCalled, readyCalled atomic.Int32
	bcfg := testBackoff()
	bcfg.MaxRetries = 2
	w := Watch(context.Background(), s, WatcherConfig{
		ProcedureURI: "wamp.session.count",
		Backoff:      bcfg,
		OnLost:       func(err error) { lostCalled.Add(1) },
		OnReady:      func() { readyCalled.Add(1) },
	})
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool { return w.Status().LastError != "" }, "first startup probe failed")
	if w.IsReady() {
		t.Fatal("expected not ready after a failed startup probe")
	}

	// Now answer the polls' CALLs: seeded request ids after two
	// timed-out startup probes (2, 3) land on 4 for the first poll.
	// The answer is sent only once the CALL is issued, since a RESULT
	// that arrives before its request is registered is dropped.
	ft.answerFrom.Store(4)

	waitFor(t, 2*time.Second, w.IsReady, "IsReady() == true after recovery")
	if readyCalled.Load() < 1 {
		t.Errorf("OnReady called %d times, want >= 1", readyCalled.Load())
	}
}

func TestWatchApplicationErrorCountsAsReachable(t *testing.T) {
	s, ft := connectedSession(t)
	ft.push(t, wampmsg.Error{
		RequestType: wampmsg.KindCall,
		Request:     2,
		Details:     map[string]any{},
		Error:       "wamp.error.no_such_procedure",
	})

	w := Watch(context.Background(), s, WatcherConfig{
		ProcedureURI: "nonexistent.procedure",
		Backoff:      testBackoff(),
	})
	defer w.Stop()

	waitFor(t, 2*time.Second, w.IsReady, "IsReady() == true despite application error")
}

func TestWatchStopReturnsPromptly(t *testing.T) {
	s, ft := connectedSession(t)
	ft.push(t, wampmsg.Result{Request: 2, Details: map[string]any{}})

	w := Watch(context.Background(), s, WatcherConfig{
		ProcedureURI: "wamp.session.count",
		Backoff:      testBackoff(),
	})
	waitFor(t, 2*time.Second, w.IsReady, "ready before stop")

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within timeout")
	}
}
