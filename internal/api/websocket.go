package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantumliquidity/core/internal/contracts"
	"github.com/quantumliquidity/core/pkg/logger"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPingInterval   = 30 * time.Second
	wsSendBufferSize = 64
)

// streamEnvelope wraps every message pushed to stream clients
type streamEnvelope struct {
	Type string      `json:"type"` // "order" or "fill"
	Data interface{} `json:"data"`
}

// streamClient is one connected websocket subscriber
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// StreamHub pushes order and fill events to websocket subscribers.
// A slow client loses events rather than stalling the hub.
type StreamHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool

	logger *logger.Logger
}

// NewStreamHub creates an empty hub
func NewStreamHub(log *logger.Logger) *StreamHub {
	return &StreamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*streamClient]struct{}),
		logger:  log,
	}
}

// ServeWS upgrades the connection and registers the subscriber
// GET /ws/events
func (h *StreamHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.WithField("clients", count).Info("Stream client connected")

	go h.writePump(client)
	go h.readPump(client)
}

// BroadcastOrder pushes an order update to every subscriber
func (h *StreamHub) BroadcastOrder(update contracts.OrderUpdate) {
	h.broadcast(streamEnvelope{Type: "order", Data: update})
}

// BroadcastFill pushes a fill to every subscriber
func (h *StreamHub) BroadcastFill(fill contracts.Fill) {
	h.broadcast(streamEnvelope{Type: "fill", Data: fill})
}

// Close disconnects all subscribers
func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *StreamHub) broadcast(envelope streamEnvelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode stream event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			// Slow consumer: drop the event, keep the connection
		}
	}
}

// writePump drains the send channel onto the connection
func (h *StreamHub) writePump(client *streamClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.remove(client)
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(client)
				return
			}
		}
	}
}

// readPump discards inbound messages and detects disconnects
func (h *StreamHub) readPump(client *streamClient) {
	defer h.remove(client)

	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) remove(client *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.WithField("clients", len(h.clients)).Info("Stream client disconnected")
	}
}
