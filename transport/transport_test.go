package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestDialEchoesFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(nil)
	srv.Config.Handler = echoHandler(t, upgrader)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(ctx, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-tr.Receive():
		if f.Err != nil {
			t.Fatalf("unexpected frame error: %v", f.Err)
		}
		if f.Text != "hello" {
			t.Errorf("got %q, want hello", f.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestCloseDeliversTerminalFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(nil)
	srv.Config.Handler = closeImmediatelyHandler(t, upgrader)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	select {
	case f := <-tr.Receive():
		if f.Err == nil {
			t.Fatal("expected terminal error frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close frame")
	}
}

func echoHandler(t *testing.T, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}
}

func closeImmediatelyHandler(t *testing.T, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		conn.Close()
	}
}
