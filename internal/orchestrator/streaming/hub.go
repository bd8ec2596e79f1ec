// Package streaming broadcasts session events to WebSocket clients. Every
// event published on the session bus is forwarded, in arrival order, to
// every connected client.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cowork/cowork/internal/common/logger"
	"github.com/cowork/cowork/internal/events"
	"github.com/cowork/cowork/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway is loopback-only; cross-origin for local dev UIs is fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks connected clients and fans bus events out to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	logger     *logger.Logger
}

// NewHub creates a hub. Call Run before ServeWS.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Attach subscribes the hub to the session event stream.
func (h *Hub) Attach(eventBus bus.EventBus) error {
	_, err := eventBus.Subscribe(events.SubjectAll, func(ctx context.Context, e *bus.Event) error {
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- raw:
		default:
			h.logger.Warn("Broadcast queue full, dropping event",
				zap.String("event_type", e.Type))
		}
		return nil
	})
	return err
}

// Run processes registration and broadcast until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("Client connected", zap.Int("clients", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug("Client disconnected", zap.Int("clients", len(h.clients)))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client; drop it rather than stall the stream.
					delete(h.clients, client)
					close(client.send)
				}
			}

		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			return
		}
	}
}

// ServeWS upgrades an HTTP request and attaches the client to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: h.logger,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}
