package types

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/canopy-network/relayx/pkg/chain"
)

// Hub fans chain events out to connected websocket clients. Writes to each
// connection are serialized through the hub lock; handlers only read.
type Hub struct {
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool

	pingStop chan struct{}
	pingOnce sync.Once
}

// NewHub creates the hub and starts its keepalive ticker.
func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		logger:   logger,
		conns:    map[*websocket.Conn]struct{}{},
		pingStop: make(chan struct{}),
	}
	go h.pingLoop()
	return h
}

// Add registers a client connection.
func (h *Hub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = conn.Close()
		return
	}
	h.conns[conn] = struct{}{}
}

// Remove deregisters and closes a client connection.
func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
	_ = conn.Close()
}

// Broadcast sends one chain event to every connected client. Clients that
// fail to accept the write are dropped.
func (h *Hub) Broadcast(evt chain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(evt); err != nil {
			h.logger.Debug("Dropping slow websocket client", zap.Error(err))
			delete(h.conns, conn)
			_ = conn.Close()
		}
	}
}

// Close drops every client and stops the keepalive ticker.
func (h *Hub) Close() {
	h.pingOnce.Do(func() { close(h.pingStop) })
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.conns {
		_ = conn.Close()
	}
	h.conns = map[*websocket.Conn]struct{}{}
}

func (h *Hub) pingLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.pingStop:
			return
		case <-ticker.C:
			h.mu.Lock()
			for conn := range h.conns {
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					delete(h.conns, conn)
					_ = conn.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}
