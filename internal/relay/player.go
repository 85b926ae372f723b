package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/internal/sink"
	"github.com/dj-oyu/screen-streamer/pkg/types"
)

const (
	// DefaultPlayerQueue is about two seconds at 30 fps
	DefaultPlayerQueue = 60

	DefaultWriteTimeout = 5 * time.Second
)

// PlayerOptions configures TCP and WebSocket players
type PlayerOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
}

func (o PlayerOptions) withDefaults() PlayerOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultPlayerQueue
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// PlayerStats is a point-in-time view of one player
type PlayerStats struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Remote  string `json:"remote"`
	Sent    uint64 `json:"frames_sent"`
	Dropped uint64 `json:"frames_dropped"`
}

// queue is the non-blocking hand-off between the hub and a player writer
type queue struct {
	id     string
	kind   string
	remote string

	frames    chan *types.StreamFrame
	closed    chan struct{}
	closeOnce sync.Once

	// set on drop, the writer resyncs at the next key frame
	resync  atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64
}

func newQueue(kind, remote string, size int) queue {
	return queue{
		id:     uuid.NewString(),
		kind:   kind,
		remote: remote,
		frames: make(chan *types.StreamFrame, size),
		closed: make(chan struct{}),
	}
}

func (q *queue) ID() string {
	return q.id
}

// Deliver queues f, dropping it when the player is behind
func (q *queue) Deliver(f *types.StreamFrame) {
	select {
	case <-q.closed:
		return
	default:
	}

	select {
	case q.frames <- f:
	default:
		q.dropped.Add(1)
		q.resync.Store(true)
	}
}

func (q *queue) Stats() PlayerStats {
	return PlayerStats{
		ID:      q.id,
		Kind:    q.kind,
		Remote:  q.remote,
		Sent:    q.sent.Load(),
		Dropped: q.dropped.Load(),
	}
}

func (q *queue) markClosed() bool {
	first := false
	q.closeOnce.Do(func() {
		close(q.closed)
		first = true
	})
	return first
}

// keyGate holds media back until a key frame so a player never starts in
// the middle of a GOP. The latest codec config goes out right before it.
type keyGate struct {
	waiting bool
	config  *types.StreamFrame
}

func newKeyGate() keyGate {
	return keyGate{waiting: true}
}

func (g *keyGate) admit(f *types.StreamFrame) []*types.StreamFrame {
	if f.IsConfig() {
		if len(f.Data) > 0 || g.config == nil {
			g.config = f
		}
		if g.waiting {
			return nil
		}
		return []*types.StreamFrame{f}
	}

	if g.waiting {
		if !f.IsKeyFrame {
			return nil
		}
		g.waiting = false
		if g.config != nil {
			return []*types.StreamFrame{g.config, f}
		}
	}
	return []*types.StreamFrame{f}
}

// TCPPlayer writes the raw Annex-B elementary stream, playable with
// `ffplay -f h264 tcp://host:port`
type TCPPlayer struct {
	queue
	conn net.Conn
	opts PlayerOptions
}

// NewTCPPlayer wraps an accepted player connection
func NewTCPPlayer(conn net.Conn, opts PlayerOptions) *TCPPlayer {
	opts = opts.withDefaults()
	return &TCPPlayer{
		queue: newQueue("tcp", conn.RemoteAddr().String(), opts.QueueSize),
		conn:  conn,
		opts:  opts,
	}
}

// Run writes queued frames until ctx is done, the player is closed or a
// write fails
func (p *TCPPlayer) Run(ctx context.Context) error {
	gate := newKeyGate()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return nil
		case f := <-p.frames:
			if p.resync.Swap(false) {
				gate.waiting = true
			}
			for _, out := range gate.admit(f) {
				if len(out.Data) == 0 {
					continue
				}
				if err := p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout)); err != nil {
					return fmt.Errorf("player %s: %w", p.id, err)
				}
				if _, err := p.conn.Write(out.Data); err != nil {
					return fmt.Errorf("player %s: %w", p.id, err)
				}
				p.sent.Add(1)
			}
		}
	}
}

// Close stops the writer and closes the connection
func (p *TCPPlayer) Close() error {
	if !p.markClosed() {
		return nil
	}
	return p.conn.Close()
}

// WSPlayer sends one binary WebSocket message per packet, in the same
// 12-byte header wire format the streamer uses
type WSPlayer struct {
	queue
	conn *websocket.Conn
	opts PlayerOptions
}

// NewWSPlayer wraps an upgraded connection
func NewWSPlayer(conn *websocket.Conn, opts PlayerOptions) *WSPlayer {
	opts = opts.withDefaults()
	return &WSPlayer{
		queue: newQueue("websocket", conn.RemoteAddr().String(), opts.QueueSize),
		conn:  conn,
		opts:  opts,
	}
}

// Run writes queued frames until ctx is done, the peer goes away or the
// player is closed
func (p *WSPlayer) Run(ctx context.Context) error {
	peerGone := make(chan error, 1)
	go func() {
		for {
			if _, _, err := p.conn.ReadMessage(); err != nil {
				peerGone <- err
				return
			}
		}
	}()

	gate := newKeyGate()
	var buf []byte
	for {
		select {
		case <-ctx.Done():
			p.sendClose()
			return ctx.Err()
		case <-p.closed:
			p.sendClose()
			return nil
		case err := <-peerGone:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Relay", "Player %s read: %v", p.id, err)
			}
			return nil
		case f := <-p.frames:
			if p.resync.Swap(false) {
				gate.waiting = true
			}
			for _, out := range gate.admit(f) {
				buf = sink.AppendPacket(buf[:0], out.PTS, out.Data)
				if err := p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout)); err != nil {
					return fmt.Errorf("player %s: %w", p.id, err)
				}
				if err := p.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
					return fmt.Errorf("player %s: %w", p.id, err)
				}
				p.sent.Add(1)
			}
		}
	}
}

func (p *WSPlayer) sendClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closing")
	err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
		logger.Debug("Relay", "Player %s close: %v", p.id, err)
	}
}

// Close stops the writer and closes the connection
func (p *WSPlayer) Close() error {
	if !p.markClosed() {
		return nil
	}
	return p.conn.Close()
}
