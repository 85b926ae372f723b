// Package relay fans one incoming screen stream out to any number of
// players over TCP, WebSocket and WebRTC.
package relay

import (
	"context"
	"errors"

	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/internal/metrics"
	"github.com/dj-oyu/screen-streamer/pkg/types"
)

// ErrHubStopped is returned when the hub is no longer running
var ErrHubStopped = errors.New("relay: hub stopped")

// Player receives relayed frames. Deliver is called from the hub goroutine
// and must not block.
type Player interface {
	ID() string
	Deliver(frame *types.StreamFrame)
	Close() error
}

// Hub owns the player set. Registration, deregistration and broadcast are
// all serialized on the Run goroutine.
type Hub struct {
	players    map[string]Player
	register   chan Player
	deregister chan string
	frames     chan *types.StreamFrame
	done       chan struct{}

	// last non-empty codec config, replayed to new players
	config *types.StreamFrame

	metrics *metrics.Metrics
}

// NewHub creates a hub. Call Run to start it.
func NewHub(m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		players:    make(map[string]Player),
		register:   make(chan Player),
		deregister: make(chan string),
		frames:     make(chan *types.StreamFrame, 64),
		done:       make(chan struct{}),
		metrics:    m,
	}
}

// Run serves the hub until ctx is cancelled, then closes every player
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	defer h.closeAll()

	logger.Info("Hub", "Running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-h.register:
			h.add(p)
		case id := <-h.deregister:
			h.remove(id)
		case f := <-h.frames:
			h.broadcast(f)
		}
	}
}

// Register adds a player. A player whose ID is already registered is ignored.
func (h *Hub) Register(p Player) error {
	select {
	case h.register <- p:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Deregister removes and closes a player
func (h *Hub) Deregister(id string) {
	select {
	case h.deregister <- id:
	case <-h.done:
	}
}

// Broadcast queues a frame for every registered player
func (h *Hub) Broadcast(ctx context.Context, f *types.StreamFrame) error {
	select {
	case h.frames <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

// Done is closed when Run returns
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) add(p Player) {
	if _, exists := h.players[p.ID()]; exists {
		return
	}
	h.players[p.ID()] = p
	if h.config != nil {
		p.Deliver(h.config)
	}

	h.metrics.ActivePlayers.Store(uint64(len(h.players)))
	h.metrics.TotalPlayers.Add(1)
	logger.Info("Hub", "Player %s registered (%d active)", p.ID(), len(h.players))
}

func (h *Hub) remove(id string) {
	p, exists := h.players[id]
	if !exists {
		return
	}
	delete(h.players, id)
	if err := p.Close(); err != nil {
		logger.Debug("Hub", "Closing player %s: %v", id, err)
	}

	h.metrics.ActivePlayers.Store(uint64(len(h.players)))
	logger.Info("Hub", "Player %s deregistered (%d active)", id, len(h.players))
}

func (h *Hub) broadcast(f *types.StreamFrame) {
	h.metrics.RelayFramesBroadcast.Add(1)
	if f.IsConfig() && len(f.Data) > 0 {
		h.config = f
	}
	for _, p := range h.players {
		p.Deliver(f)
	}
}

func (h *Hub) closeAll() {
	for id := range h.players {
		h.remove(id)
	}
}
