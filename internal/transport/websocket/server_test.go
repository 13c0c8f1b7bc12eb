package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r, r.URL.Query()["topic"])
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, topics ...string) *websocket.Conn {
	t.Helper()
	q := make([]string, len(topics))
	for i, topic := range topics {
		q[i] = "topic=" + topic
	}
	wsURL := "ws" + server.URL[4:] + "?" + strings.Join(q, "&")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	return conn
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := newTestServer(t, hub)
	conn := dial(t, server, "operator:1", "payable:order:7")

	time.Sleep(100 * time.Millisecond)

	if n := hub.Subscribers("operator:1"); n != 1 {
		t.Fatalf("Expected 1 operator subscriber, got %d", n)
	}
	if n := hub.Subscribers("payable:order:7"); n != 1 {
		t.Fatalf("Expected 1 payable subscriber, got %d", n)
	}

	conn.Close()
	time.Sleep(100 * time.Millisecond)

	hub.mu.RLock()
	remaining := len(hub.topics)
	hub.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("Expected all topics released, %d left", remaining)
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := newTestServer(t, hub)
	conn := dial(t, server, "operator:1")
	defer conn.Close()

	time.Sleep(100 * time.Millisecond)

	hub.Broadcast("operator:1", &Message{
		Type:    "test",
		Channel: "test_channel",
		Data:    map[string]any{"test": "data"},
	})

	conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	var received Message
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	if received.Type != "test" {
		t.Errorf("Expected type 'test', got '%s'", received.Type)
	}
	if received.Channel != "test_channel" {
		t.Errorf("Expected channel 'test_channel', got '%s'", received.Channel)
	}
	if received.Topic != "operator:1" {
		t.Errorf("Expected topic operator:1, got %q", received.Topic)
	}
}

func TestHub_MultipleConnections(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := newTestServer(t, hub)

	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		conn := dial(t, server, "payable:order:1")
		conns = append(conns, conn)
		defer conn.Close()
	}

	time.Sleep(100 * time.Millisecond)

	if n := hub.Subscribers("payable:order:1"); n != 3 {
		t.Fatalf("Expected 3 connections, got %d", n)
	}

	hub.Broadcast("payable:order:1", &Message{Type: "broadcast", Data: map[string]any{"test": "data"}})

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(idx int, c *websocket.Conn) {
			defer wg.Done()
			c.SetReadDeadline(time.Now().Add(1 * time.Second))
			var received Message
			if err := c.ReadJSON(&received); err != nil {
				t.Errorf("Connection %d failed to read message: %v", idx, err)
				return
			}
			if received.Type != "broadcast" {
				t.Errorf("Connection %d: Expected type 'broadcast', got '%s'", idx, received.Type)
			}
		}(i, conn)
	}
	wg.Wait()
}

func TestHub_DifferentTopics(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := newTestServer(t, hub)
	conn1 := dial(t, server, "operator:1")
	defer conn1.Close()
	conn2 := dial(t, server, "operator:2")
	defer conn2.Close()

	time.Sleep(100 * time.Millisecond)

	hub.Broadcast("operator:1", &Message{Type: "private"})

	conn1.SetReadDeadline(time.Now().Add(1 * time.Second))
	var received1 Message
	if err := conn1.ReadJSON(&received1); err != nil {
		t.Fatalf("Operator 1 failed to read message: %v", err)
	}
	if received1.Type != "private" {
		t.Errorf("Operator 1: Expected type 'private', got '%s'", received1.Type)
	}

	conn2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var received2 Message
	if err := conn2.ReadJSON(&received2); err == nil {
		t.Error("Operator 2 should not receive message for operator 1")
	}
}

func TestHub_BroadcastChannelFull(t *testing.T) {
	hub := NewHub()
	hub.broadcast = make(chan *Message, 1)

	hub.Broadcast("a", &Message{Type: "fill"})
	hub.Broadcast("a", &Message{Type: "dropped"})

	msg := <-hub.broadcast
	if msg.Type != "fill" {
		t.Fatalf("Expected the first message to be kept, got %s", msg.Type)
	}
	select {
	case msg := <-hub.broadcast:
		t.Errorf("Message %s should have been dropped", msg.Type)
	default:
	}
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := newTestServer(t, hub)
	conn := dial(t, server, "operator:1")
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(100 * time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("Expected connection to be closed after hub shutdown")
	}
}

func TestHub_RetainedMessageReplayedToLateSubscriber(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	hub.Broadcast("payable:order:9", &Message{Type: "payment_settled", Retain: true})
	hub.Broadcast("payable:order:9", &Message{Type: "transient"})
	time.Sleep(50 * time.Millisecond)

	server := newTestServer(t, hub)
	conn := dial(t, server, "payable:order:9")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	var received Message
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("Failed to read replayed message: %v", err)
	}
	if received.Type != "payment_settled" {
		t.Fatalf("Expected retained payment_settled, got %q", received.Type)
	}

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if err := conn.ReadJSON(&received); err == nil {
		t.Errorf("Non-retained message %q should not be replayed", received.Type)
	}
}

func TestHub_RetainedMessageExpires(t *testing.T) {
	hub := NewHub()
	now := time.Now()
	hub.now = func() time.Time { return now }

	hub.deliver(&Message{Topic: "payable:order:1", Type: "payment_settled", Retain: true})
	if _, ok := hub.retained["payable:order:1"]; !ok {
		t.Fatal("message should be retained")
	}

	now = now.Add(retainFor)
	hub.deliver(&Message{Topic: "payable:order:2", Type: "other"})
	if _, ok := hub.retained["payable:order:1"]; ok {
		t.Fatal("expired message should be pruned")
	}
}
