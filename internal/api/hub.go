package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 64

	// DefaultStatsInterval paces the stats messages on the live stream.
	DefaultStatsInterval = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LiveMessage is the envelope sent to live stream clients.
type LiveMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatsReader supplies the dashboard totals pushed to live clients.
type StatsReader interface {
	Stats(ctx context.Context) (*domain.StoreStats, error)
}

// Hub fans alerts and evaluated trades from the event bus out to websocket
// clients, with periodic stats in between.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	subs    []domain.Subscription

	done chan struct{}
	wg   sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
}

// Start subscribes the hub to alert and trade announcements.
func (h *Hub) Start(ctx context.Context, bus domain.EventBus) error {
	forward := map[string]string{
		domain.TopicAlert:          "alert",
		domain.TopicTradeEvaluated: "trade",
	}
	for topic, kind := range forward {
		sub, err := bus.Subscribe(ctx, topic, func(ctx context.Context, msg *domain.Message) error {
			h.Broadcast(LiveMessage{Type: kind, Data: msg.Payload})
			return nil
		})
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// StreamStats broadcasts the store totals every interval until Close. A
// non-positive interval uses DefaultStatsInterval.
func (h *Hub) StreamStats(source StatsReader, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				if h.Clients() == 0 {
					continue
				}
				h.pushStats(source)
			}
		}
	}()
}

func (h *Hub) pushStats(source StatsReader) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	stats, err := source.Stats(ctx)
	if err != nil {
		slog.Warn("failed to load live stats", "error", err)
		return
	}
	data, err := json.Marshal(stats)
	if err != nil {
		slog.Warn("failed to encode live stats", "error", err)
		return
	}
	h.Broadcast(LiveMessage{Type: "stats", Data: data})
}

// Close stops the stats stream, unsubscribes and disconnects every client.
func (h *Hub) Close() error {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	h.wg.Wait()

	var errs []error
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	h.subs = nil
	err := errors.Join(errs...)

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
	return err
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues msg for every client. Clients whose queue is full are
// disconnected rather than slowing the others down.
func (h *Hub) Broadcast(msg LiveMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("failed to encode live message", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slog.Warn("dropping slow live client", "remote", c.conn.RemoteAddr().String())
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// ServeWS handles GET /ws/live.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendSize)}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

// readPump answers text pings and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pong, _ := json.Marshal(LiveMessage{Type: "pong"})
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind == websocket.TextMessage && string(data) == "ping" {
			h.mu.Lock()
			_, live := h.clients[c]
			if live {
				select {
				case c.send <- pong:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

// writePump is the only writer on the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}
