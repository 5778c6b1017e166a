// Package broadcast fans pipeline events out to connected clients. Each
// event is encoded to JSON once and offered to every subscriber; a client
// that cannot keep up misses messages rather than stalling the others.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/braille.touch/internal/monitoring"
	"github.com/banshee-data/braille.touch/internal/pipeline"
	"github.com/banshee-data/braille.touch/internal/protocol"
)

// DefaultClientBuffer is the per-client queue depth.
const DefaultClientBuffer = 64

// Source is the pipeline state the hub reports on: counters for the admin
// routes and the latest matrix for newly connected clients.
type Source interface {
	Stats() pipeline.Stats
	LatestMatrix() (protocol.Matrix, time.Time, bool)
}

// Hub tracks subscribers and distributes encoded events to them.
type Hub struct {
	src    Source
	buffer int

	mu      sync.Mutex
	clients map[string]chan []byte
	closed  bool
	skipped uint64
}

// NewHub creates a hub. src may be nil when no decoder is attached.
func NewHub(src Source) *Hub {
	return &Hub{
		src:     src,
		buffer:  DefaultClientBuffer,
		clients: make(map[string]chan []byte),
	}
}

// Register adds a subscriber and returns its id and message channel. The
// channel is closed by Unregister or when the hub shuts down.
func (h *Hub) Register() (string, <-chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, h.buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch
	return id, ch
}

// Unregister removes a subscriber. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
}

// ClientCount returns the number of registered subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Skipped returns how many per-client deliveries were dropped because the
// client's queue was full.
func (h *Hub) Skipped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.skipped
}

// Broadcast offers payload to every subscriber without blocking.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- payload:
		default:
			h.skipped++
			monitoring.Debugf("client %s is behind, dropping message", id)
		}
	}
}

// Run drains events until the channel closes or ctx ends, then closes every
// subscriber channel.
func (h *Hub) Run(ctx context.Context, events <-chan pipeline.Event) {
	defer h.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				monitoring.Logf("failed to encode event: %v", err)
				continue
			}
			h.Broadcast(payload)
		}
	}
}

// snapshot encodes the latest matrix as a matrix event, or returns nil
// before the first matrix has been decoded.
func (h *Hub) snapshot() []byte {
	if h.src == nil {
		return nil
	}
	m, _, ok := h.src.LatestMatrix()
	if !ok {
		return nil
	}
	payload, err := json.Marshal(pipeline.Event{Kind: pipeline.KindMatrix, Matrix: m})
	if err != nil {
		monitoring.Logf("failed to encode matrix snapshot: %v", err)
		return nil
	}
	return payload
}

// Close unregisters all subscribers. Later registrations receive an
// already-closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}
