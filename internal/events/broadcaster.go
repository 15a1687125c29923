// Package events fans operator events (loss reports, tracking, client
// lifecycle) out to Server-Sent Events subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dj-oyu/xr-streaming-server/internal/logger"
)

// Event types published by the server.
const (
	TypeLoss     = "loss"
	TypeTracking = "tracking"
	TypeClient   = "client"
)

const (
	clientQueue      = 16
	DefaultKeepalive = 30 * time.Second
)

// Event is the JSON envelope sent to subscribers.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Broadcaster serializes each event once and hands it to every subscriber.
// Slow subscribers miss events instead of blocking the publisher.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	closed  bool

	keepalive time.Duration
	now       func() time.Time
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:   make(map[int]chan []byte),
		keepalive: DefaultKeepalive,
		now:       time.Now,
	}
}

// Subscribe adds a client. The channel is closed by Unsubscribe or Close.
func (b *Broadcaster) Subscribe() (int, <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan []byte, clientQueue)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch
	logger.Debug("Events", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug("Events", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Subscribers returns the number of connected clients.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Publish sends an event to every subscriber. It never blocks.
func (b *Broadcaster) Publish(typ string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.clients) == 0 {
		return
	}

	payload, err := json.Marshal(Event{Type: typ, Time: b.now(), Data: data})
	if err != nil {
		logger.Warn("Events", "Dropping %s event: %v", typ, err)
		return
	}
	for _, ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Close disconnects all subscribers. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// ServeHTTP streams events as text/event-stream until the client goes away
// or the broadcaster closes.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(b.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug("Events", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("Events", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
