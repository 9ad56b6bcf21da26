// Package broadcast fans domain events out to connected consoles over
// websockets, wrapped in transport envelopes.
package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/metrics"
	"github.com/alnlabs/aln-orchestrator/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Client is one connected console. Writes go through the buffered send
// channel; a full buffer disconnects the client rather than blocking the
// publisher.
type Client struct {
	DeviceID   string
	DeviceType model.DeviceType

	hub    *Hub
	conn   *websocket.Conn
	send   chan model.Envelope
	done   chan struct{}
	closed sync.Once
}

// Hub tracks connected clients and routes envelopes.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	byID    map[string]*Client
	maxGM   int
	logger  zerolog.Logger
}

// HubOption configures the hub.
type HubOption func(*Hub)

// WithMaxGMStations caps concurrent GM sockets. Zero means unlimited.
func WithMaxGMStations(n int) HubOption {
	return func(h *Hub) { h.maxGM = n }
}

// NewHub returns an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		byID:    make(map[string]*Client),
		logger:  log.WithComponent("broadcast"),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if prev, ok := h.byID[c.DeviceID]; ok && prev != c {
		// A reconnect for the same device supersedes the old socket and
		// never counts against the GM cap.
		delete(h.clients, prev)
		prev.shutdown()
	} else if c.DeviceType == model.DeviceGM && h.maxGM > 0 && h.countTypeLocked(model.DeviceGM) >= h.maxGM {
		h.mu.Unlock()
		h.logger.Warn().
			Str(log.FieldDeviceID, c.DeviceID).
			Int("max", h.maxGM).
			Msg("gm station capacity reached")
		return false
	}
	h.clients[c] = struct{}{}
	h.byID[c.DeviceID] = c
	h.mu.Unlock()
	return true
}

func (h *Hub) countTypeLocked(t model.DeviceType) int {
	n := 0
	for c := range h.clients {
		if c.DeviceType == t {
			n++
		}
	}
	return n
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		if h.byID[c.DeviceID] == c {
			delete(h.byID, c.DeviceID)
		}
	}
	h.mu.Unlock()
	c.shutdown()
}

// ClientCount reports the number of attached consoles.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers the envelope to every connected console.
func (h *Hub) Broadcast(env model.Envelope) {
	metrics.BroadcastsTotal.WithLabelValues(env.Event).Inc()
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.deliver(c, env)
	}
}

// SendToType delivers the envelope to every console of one type.
func (h *Hub) SendToType(t model.DeviceType, env model.Envelope) {
	metrics.BroadcastsTotal.WithLabelValues(env.Event).Inc()
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.DeviceType == t {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.deliver(c, env)
	}
}

// SendToDevice delivers the envelope to one console, reporting whether it
// is attached.
func (h *Hub) SendToDevice(deviceID string, env model.Envelope) bool {
	h.mu.RLock()
	c, ok := h.byID[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	metrics.BroadcastsTotal.WithLabelValues(env.Event).Inc()
	h.deliver(c, env)
	return true
}

// deliver enqueues without blocking. A slow consumer loses the socket, not
// the whole fan-out. The send channel is never closed, so a concurrent
// shutdown cannot turn a unicast into a panic; frames for a dead client are
// simply dropped.
func (h *Hub) deliver(c *Client, env model.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- env:
	default:
		h.logger.Warn().
			Str(log.FieldDeviceID, c.DeviceID).
			Str("event", env.Event).
			Msg("send buffer full; dropping client")
		h.unregister(c)
	}
}

func (c *Client) shutdown() {
	c.closed.Do(func() {
		close(c.done)
	})
}

// writePump serialises all writes for one socket and keeps the ping timer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
