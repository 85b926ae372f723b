package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/screen-streamer/internal/h264"
	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/internal/metrics"
	"github.com/dj-oyu/screen-streamer/internal/sink"
	"github.com/dj-oyu/screen-streamer/pkg/types"
)

// Options configures a Relay
type Options struct {
	// MaxPacketSize bounds one streamer packet, 0 for the wire default
	MaxPacketSize int
	Player        PlayerOptions
	Metrics       *metrics.Metrics
}

// StreamerStatus describes the current streamer connection
type StreamerStatus struct {
	Connected bool      `json:"connected"`
	Remote    string    `json:"remote,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Frames    uint64    `json:"frames"`
	Sessions  uint64    `json:"sessions"`
}

type runner interface {
	Player
	Run(ctx context.Context) error
	Stats() PlayerStats
}

// Relay reads packets from one streamer at a time and hands them to the hub
type Relay struct {
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	streamer StreamerStatus
	players  map[string]runner
	seq      uint64

	wg sync.WaitGroup
}

// New creates a relay feeding hub
func New(hub *Hub, opts Options) *Relay {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Relay{
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 256 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		players: make(map[string]runner),
	}
}

// ServeStreamer accepts streamer connections one at a time. A read error
// ends that streamer and the relay waits for the next one. It returns when
// ctx is done or the listener fails.
func (r *Relay) ServeStreamer(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		logger.Info("Relay", "Waiting for streamer on %s", ln.Addr())
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept streamer: %w", err)
		}
		r.stream(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *Relay) stream(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	r.mu.Lock()
	r.streamer = StreamerStatus{
		Connected: true,
		Remote:    remote,
		Since:     time.Now(),
		Sessions:  r.streamer.Sessions + 1,
	}
	r.mu.Unlock()
	logger.Info("Relay", "Streamer connected from %s", remote)

	defer func() {
		r.mu.Lock()
		r.streamer.Connected = false
		r.mu.Unlock()
	}()

	for {
		pkt, err := sink.ReadPacket(conn, r.opts.MaxPacketSize)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				logger.Info("Relay", "Streamer %s disconnected", remote)
			default:
				r.opts.Metrics.RelayReadErrors.Add(1)
				logger.Warn("Relay", "Streamer %s: %v", remote, err)
			}
			return
		}
		r.opts.Metrics.RelayFramesReceived.Add(1)

		r.mu.Lock()
		r.seq++
		seq := r.seq
		r.streamer.Frames++
		r.mu.Unlock()

		f := &types.StreamFrame{
			Seq:        seq,
			PTS:        pkt.PTS,
			Data:       pkt.Payload,
			IsKeyFrame: !pkt.IsConfig() && h264.IsKeyFrame(pkt.Payload),
		}
		if seq%300 == 1 {
			logger.Debug("Relay", "Frame #%d pts=%d size=%d key=%v", seq, f.PTS, len(f.Data), f.IsKeyFrame)
		}
		if err := r.hub.Broadcast(ctx, f); err != nil {
			return
		}
	}
}

// ServePlayers accepts raw Annex-B TCP players until ctx is done or the
// listener fails
func (r *Relay) ServePlayers(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logger.Info("Relay", "Waiting for players on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept player: %w", err)
		}

		p := NewTCPPlayer(conn, r.opts.Player)
		if err := r.attach(p); err != nil {
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.play(ctx, p)
		}()
	}
}

// HandleWebSocket upgrades the request and serves it as a player
func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Warn("Relay", "WebSocket upgrade from %s: %v", req.RemoteAddr, err)
		return
	}

	p := NewWSPlayer(conn, r.opts.Player)
	if err := r.attach(p); err != nil {
		logger.Warn("Relay", "Dropping player %s: %v", req.RemoteAddr, err)
		return
	}
	r.play(req.Context(), p)
}

func (r *Relay) attach(p runner) error {
	if err := r.hub.Register(p); err != nil {
		p.Close()
		return err
	}
	r.mu.Lock()
	r.players[p.ID()] = p
	r.mu.Unlock()
	return nil
}

func (r *Relay) play(ctx context.Context, p runner) {
	err := p.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Info("Relay", "Player %s ended: %v", p.ID(), err)
	}

	r.hub.Deregister(p.ID())
	p.Close()

	r.mu.Lock()
	delete(r.players, p.ID())
	r.mu.Unlock()
}

// Wait blocks until every TCP player goroutine has exited
func (r *Relay) Wait() {
	r.wg.Wait()
}

// Streamer returns the current streamer status
func (r *Relay) Streamer() StreamerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamer
}

// Players returns stats for the TCP and WebSocket players
func (r *Relay) Players() []PlayerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]PlayerStats, 0, len(r.players))
	for _, p := range r.players {
		stats = append(stats, p.Stats())
	}
	return stats
}
