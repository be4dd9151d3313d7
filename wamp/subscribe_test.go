package wamp

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/wampc/internal/wampmsg"
)

func TestSubscribeDeliversEvents(t *testing.T) {
	s, ft := establishedSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Subscribe blocks awaiting its ack, so SUBSCRIBED for the
	// (deterministically seeded) request id is queued up front.
	ft.push(t, wampmsg.Subscribed{Request: 101, Subscription: 555})

	eventsCh, sub, err := s.Subscribe(ctx, "topic.ticks")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subMsg := ft.next(t).(wampmsg.Subscribe)
	if subMsg.Topic != "topic.ticks" {
		t.Errorf("topic = %q, want topic.ticks", subMsg.Topic)
	}

	ft.push(t, wampmsg.Event{
		Subscription: 555,
		Publication:  1,
		Details:      map[string]any{},
		Args:         wampmsg.Some([]any{float64(42)}),
	})

	got := <-eventsCh
	if len(got.Args) != 1 || got.Args[0] != float64(42) {
		t.Errorf("event payload = %+v, want [42]", got)
	}

	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	unsub := ft.next(t).(wampmsg.Unsubscribe)
	if unsub.Subscription != 555 {
		t.Errorf("unsubscribe subscription = %d, want 555", unsub.Subscription)
	}

	if _, ok := <-eventsCh; ok {
		t.Error("expected events channel closed after Unsubscribe")
	}
}

func TestSubscribeErrorSurfacesOperationError(t *testing.T) {
	s, ft := establishedSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Subscribe blocks awaiting its ack, so the ERROR frame for the
	// (deterministically seeded) request id is queued up front.
	ft.push(t, wampmsg.Error{
		RequestType: wampmsg.KindSubscribe,
		Request:     101,
		Details:     map[string]any{},
		Error:       "wamp.error.not_authorized",
	})

	_, _, err := s.Subscribe(ctx, "topic.forbidden")
	opErr, ok := err.(*OperationError)
	if !ok {
		t.Fatalf("err = %v, want *OperationError", err)
	}
	if opErr.URI != "wamp.error.not_authorized" {
		t.Errorf("URI = %q, want wamp.error.not_authorized", opErr.URI)
	}

	subMsg := ft.next(t).(wampmsg.Subscribe)
	if subMsg.Request != 101 {
		t.Errorf("request = %d, want 101", subMsg.Request)
	}
}
