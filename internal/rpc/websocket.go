package rpc

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hiveroute/hived/internal/core/hive"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// EventType identifies the kind of settlement event on the stream.
type EventType string

const (
	// EventPeriodStatus fires on every period state transition.
	EventPeriodStatus EventType = "period_status"
	// EventLegResult fires per payment leg once execution finishes.
	EventLegResult EventType = "leg_result"
	// EventDispute fires when a dispute case opens or resolves.
	EventDispute EventType = "dispute"
)

// Event is one entry on the WebSocket settlement stream.
type Event struct {
	Type      EventType           `json:"type"`
	PeriodID  hive.PeriodID       `json:"period_id,omitempty"`
	Status    string              `json:"status,omitempty"`
	Leg       *hive.NettedPayment `json:"leg,omitempty"`
	CaseID    string              `json:"case_id,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// wsConnection is one subscribed WebSocket client.
type wsConnection struct {
	conn *websocket.Conn
	send chan []byte
	hub  *EventHub
	once sync.Once
}

// EventHub fans settlement events out to subscribed WebSocket clients.
// A nil hub is valid and drops all events.
type EventHub struct {
	mu          sync.RWMutex
	connections map[*wsConnection]struct{}
	upgrader    websocket.Upgrader
}

// NewEventHub creates an event hub with no subscribers.
func NewEventHub() *EventHub {
	return &EventHub{
		connections: make(map[*wsConnection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish sends an event to every subscriber. Slow subscribers whose
// buffers are full miss the event rather than block settlement.
func (h *EventHub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("ws: failed to marshal event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.connections {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *EventHub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// ServeHTTP upgrades the request to a WebSocket and streams events until
// the client disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &wsConnection{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.mu.Lock()
	h.connections[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	go c.readLoop()
}

func (c *wsConnection) close() {
	c.once.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.connections, c)
		c.hub.mu.Unlock()
		close(c.send)
		_ = c.conn.Close()
	})
}

// readLoop drains client frames so pings and close frames are handled.
// Clients never send application data on this stream.
func (c *wsConnection) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsConnection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
