package feed

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// hub owns the set of connected clients. Registration, removal and
// broadcast all happen on the run goroutine, so the clients map needs no
// lock.
type hub struct {
	clients      map[*client]bool
	broadcastCh  chan []byte
	registerCh   chan *client
	unregisterCh chan *client
	done         chan struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newHub() *hub {
	return &hub{
		clients:      make(map[*client]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *client),
		unregisterCh: make(chan *client),
		done:         make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return

		case c := <-h.registerCh:
			h.clients[c] = true
			slog.Debug("feed client connected", "total", len(h.clients))

		case c := <-h.unregisterCh:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				slog.Debug("feed client disconnected", "total", len(h.clients))
			}

		case msg := <-h.broadcastCh:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client; drop it rather than stall everyone else.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// broadcast queues msg for all clients. Drops it when the queue is full:
// the feed is best-effort and clients can re-read the chain.
func (h *hub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
		slog.Warn("feed queue full, dropping message")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64)}

	select {
	case s.hub.registerCh <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(s.hub)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump only exists to notice disconnects; the feed is one-way.
func (c *client) readPump(h *hub) {
	defer func() {
		select {
		case h.unregisterCh <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
