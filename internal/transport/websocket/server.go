package websocket

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256

	// retainFor bounds how long a retained message is replayed to new
	// subscribers of its topic.
	retainFor = 15 * time.Minute
)

// Message is the JSON frame written to clients. Retained messages are
// replayed to connections that subscribe to the topic later.
type Message struct {
	Topic   string `json:"topic,omitempty"`
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data"`

	Retain bool `json:"-"`
}

type retained struct {
	msg *Message
	at  time.Time
}

// Hub fans messages out to every connection subscribed to a topic.
type Hub struct {
	mu       sync.RWMutex
	topics   map[string]map[*Connection]struct{}
	retained map[string]retained

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *Message

	now func() time.Time
}

type Connection struct {
	ws     *websocket.Conn
	topics []string
	send   chan *Message
	hub    *Hub
}

func NewHub() *Hub {
	return &Hub{
		topics:     make(map[string]map[*Connection]struct{}),
		retained:   make(map[string]retained),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		broadcast:  make(chan *Message, sendBuffer),
		now:        time.Now,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case conn := <-h.register:
			h.subscribe(conn)
		case conn := <-h.unregister:
			h.unsubscribe(conn)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) subscribe(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range conn.topics {
		if h.topics[topic] == nil {
			h.topics[topic] = make(map[*Connection]struct{})
		}
		h.topics[topic][conn] = struct{}{}

		if r, ok := h.retained[topic]; ok && h.now().Sub(r.at) < retainFor {
			conn.enqueue(r.msg)
		}
	}
}

// unsubscribe closes conn.send once, on the first unregister.
func (h *Hub) unsubscribe(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := false
	for _, topic := range conn.topics {
		subs, ok := h.topics[topic]
		if !ok {
			continue
		}
		if _, ok := subs[conn]; !ok {
			continue
		}
		delete(subs, conn)
		removed = true
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	if removed {
		close(conn.send)
	}
}

func (h *Hub) deliver(msg *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for topic, r := range h.retained {
		if now.Sub(r.at) >= retainFor {
			delete(h.retained, topic)
		}
	}
	if msg.Retain {
		h.retained[msg.Topic] = retained{msg: msg, at: now}
	}

	for conn := range h.topics[msg.Topic] {
		conn.enqueue(msg)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	seen := make(map[*Connection]struct{})
	for _, subs := range h.topics {
		for c := range subs {
			seen[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	// Close outside the lock; the pumps exit on the resulting errors.
	for c := range seen {
		_ = c.ws.Close()
	}
}

// Broadcast queues msg for topic. A full queue drops the message.
func (h *Hub) Broadcast(topic string, msg *Message) {
	msg.Topic = topic
	select {
	case h.broadcast <- msg:
	default:
		log.Printf("[WS] broadcast channel is full, dropping message for topic %s", topic)
	}
}

// Subscribers reports how many connections listen on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, topics []string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade error: %v", err)
		return
	}

	conn := &Connection{
		ws:     ws,
		topics: topics,
		send:   make(chan *Message, sendBuffer),
		hub:    h,
	}

	h.register <- conn

	go conn.writePump()
	go conn.readPump()
}

// enqueue never blocks the hub; a slow client misses the message.
func (c *Connection) enqueue(msg *Message) {
	select {
	case c.send <- msg:
	default:
		log.Printf("[WS] send buffer full, dropping %s for topic %s", msg.Type, msg.Topic)
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] read error: %v", err)
			}
			return
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Printf("[WS] write error: %v", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
