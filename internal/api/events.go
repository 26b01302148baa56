package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
)

const sseKeepAlive = 30 * time.Second

// sseMessage is one encoded bus event.
type sseMessage struct {
	event string
	data  []byte
}

// sseClient is a connected SSE client with a buffered send channel.
type sseClient struct {
	send chan sseMessage
}

// SSEHub fans bus events out to Server-Sent Event clients.
type SSEHub struct {
	bus      *events.Bus
	logger   *slog.Logger
	ch       chan events.Event
	clients  map[*sseClient]struct{}
	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewSSEHub creates a hub subscribed to bus. A nil bus yields a hub whose
// clients only receive keep-alives.
func NewSSEHub(bus *events.Bus, logger *slog.Logger) *SSEHub {
	h := &SSEHub{
		bus:     bus,
		logger:  logger,
		clients: make(map[*sseClient]struct{}),
		done:    make(chan struct{}),
	}
	if bus != nil {
		h.ch = bus.Subscribe(500)
	}
	return h
}

// Run broadcasts bus events until Stop.
func (h *SSEHub) Run() {
	for {
		select {
		case evt, ok := <-h.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			h.broadcast(sseMessage{event: string(evt.Type), data: data})
		case <-h.done:
			return
		}
	}
}

// Stop shuts down the hub and closes all client channels.
func (h *SSEHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		if h.ch != nil {
			h.bus.Unsubscribe(h.ch)
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
			metrics.SSEConnections.Dec()
		}
	})
}

func (h *SSEHub) broadcast(msg sseMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			// Client too slow, disconnect
			close(client.send)
			delete(h.clients, client)
			metrics.SSEConnections.Dec()
		}
	}
}

func (h *SSEHub) addClient(c *sseClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.SSEConnections.Inc()
}

func (h *SSEHub) removeClient(c *sseClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
		metrics.SSEConnections.Dec()
	}
	h.mu.Unlock()
}

// clientCount returns the number of connected clients.
func (h *SSEHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleSSE streams bus events to the client via Server-Sent Events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := &sseClient{
		send: make(chan sseMessage, 256),
	}
	s.sseHub.addClient(client)
	defer s.sseHub.removeClient(client)

	s.logger.Debug("SSE client connected", "remote", r.RemoteAddr)

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.event, msg.data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}
