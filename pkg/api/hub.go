// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luxfi/rtbx/pkg/analytics"
	"github.com/luxfi/rtbx/pkg/log"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	clientBuffer = 64
)

// Hub streams exchange events to websocket subscribers. It is an
// analytics.Sink; slow subscribers are disconnected rather than waited on.
type Hub struct {
	log      log.Logger
	upgrader websocket.Upgrader
	events   chan analytics.StatRecord

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn  *websocket.Conn
	send  chan analytics.StatRecord
	types map[analytics.EventType]bool
}

func (c *client) wants(t analytics.EventType) bool {
	return len(c.types) == 0 || c.types[t]
}

// NewHub creates a hub. Events flow once Run is started.
func NewHub(logger log.Logger) *Hub {
	if logger == nil {
		logger = log.NoOp()
	}
	return &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		events:  make(chan analytics.StatRecord, 1024),
		clients: make(map[*client]struct{}),
	}
}

// Record queues an event for broadcast without blocking
func (h *Hub) Record(rec analytics.StatRecord) {
	select {
	case h.events <- rec:
	default:
	}
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run broadcasts events until ctx is done, then disconnects everyone
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case rec := <-h.events:
			h.broadcast(rec)
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				h.removeLocked(c)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) broadcast(rec analytics.StatRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if !c.wants(rec.Type) {
			continue
		}
		select {
		case c.send <- rec:
		default:
			h.log.Debug("dropping slow stream subscriber")
			h.removeLocked(c)
		}
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the connection and subscribes it. The optional
// "types" query parameter lists event types to receive.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", log.Error(err))
		return
	}

	c := &client{
		conn:  conn,
		send:  make(chan analytics.StatRecord, clientBuffer),
		types: parseTypes(r.URL.Query().Get("types")),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("stream subscriber connected", log.String("remote", r.RemoteAddr))
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
	}()

	c.conn.SetReadLimit(512)
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

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case rec, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(rec); err != nil {
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

func parseTypes(raw string) map[analytics.EventType]bool {
	if raw == "" {
		return nil
	}
	types := make(map[analytics.EventType]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[analytics.EventType(t)] = true
		}
	}
	return types
}
