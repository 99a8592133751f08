package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func mockClient(hub *Hub, buf int) *Client {
	return &Client{hub: hub, send: make(chan []byte, buf)}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func TestHubBroadcast(t *testing.T) {
	hub := startHub(t)
	c1 := mockClient(hub, 8)
	c2 := mockClient(hub, 8)
	hub.register <- c1
	hub.register <- c2

	hub.Broadcast("redeemed", map[string]int{"items_redeemed": 2})

	for i, c := range []*Client{c1, c2} {
		select {
		case msg := <-c.send:
			var ev Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatalf("client %d: decode: %v", i, err)
			}
			if ev.Type != "redeemed" {
				t.Errorf("client %d: type = %s", i, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("client %d: no message", i)
		}
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := startHub(t)
	slow := mockClient(hub, 0)
	hub.register <- slow

	hub.Broadcast("redeemed", nil)

	deadline := time.Now().Add(time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := <-slow.send; ok {
		t.Error("slow client channel not closed")
	}
}

func TestServeWS(t *testing.T) {
	hub := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast("redeemed", map[string]string{"order_id": "o1"})
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"order_id":"o1"`) {
		t.Errorf("message = %s", msg)
	}
}
