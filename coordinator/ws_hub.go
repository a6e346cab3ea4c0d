package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxWSConnections = 200
	wsWriteTimeout   = 5 * time.Second
)

func websocketUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Dashboard clients come from browser origins; CORS policy is
		// handled at the middleware layer.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// ProgressHub pushes active-task progress snapshots to dashboard clients.
// Single broadcaster pattern: one ticker serves every connection instead of
// each client polling the cache independently.
type ProgressHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	api        *API
}

func NewProgressHub(api *API) *ProgressHub {
	return &ProgressHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		api:        api,
	}
}

// Run is the hub's main loop; call it in its own goroutine.
func (h *ProgressHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("ws: connection rejected, max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("ws: dashboard client connected, total %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("ws: dashboard client disconnected, total %d", total)

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

// broadcast sends one progress snapshot to every connected client.
func (h *ProgressHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	snapshot, err := h.api.progressSnapshot(ctx)
	if err != nil {
		log.Printf("ws: progress snapshot failed: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(snapshot); err != nil {
			log.Printf("ws: write failed: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *ProgressHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("ws: shutting down hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

func (h *ProgressHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

func (h *ProgressHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

func (h *ProgressHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
