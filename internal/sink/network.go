package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/oxtoacart/bpool"

	"github.com/dj-oyu/screen-streamer/internal/h264"
	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/internal/metrics"
	"github.com/dj-oyu/screen-streamer/pkg/types"
)

// NetworkOptions tunes the network sink
type NetworkOptions struct {
	QueueSize    int           // packets buffered between drain loop and writer
	BufferSize   int           // initial size of pooled payload buffers
	DialTimeout  time.Duration // connect timeout
	WriteTimeout time.Duration // per-packet socket deadline, 0 disables
	CloseTimeout time.Duration // how long Close waits for the queue to drain

	// DisableParameterSetInjection stops SPS/PPS from being prepended to key
	// frames that lack them
	DisableParameterSetInjection bool

	Metrics *metrics.Metrics
}

func (o *NetworkOptions) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 256 * 1024
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 2 * time.Second
	}
}

type packet struct {
	pts int64
	buf *bytes.Buffer // nil for an empty body
}

// Network writes frames as wire packets to a connected stream socket. The
// drain loop only enqueues; a dedicated writer goroutine does the socket
// I/O so a slow peer cannot stall draining.
type Network struct {
	conn net.Conn
	opts NetworkOptions
	pool *bpool.SizedBufferPool

	queue chan packet
	done  chan struct{}

	mu      sync.Mutex
	err     error // sticky writer error
	closed  bool
	waitKey bool

	// drain goroutine only
	params *h264.Processor

	closeOnce sync.Once
	closeErr  error
}

// DialNetwork connects to host:port and starts the writer
func DialNetwork(ctx context.Context, host string, port int, opts NetworkOptions) (*Network, error) {
	opts.setDefaults()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	logger.Info("Network", "Connected to %s", addr)
	return NewNetwork(conn, opts), nil
}

// NewNetwork starts a sink on an established connection
func NewNetwork(conn net.Conn, opts NetworkOptions) *Network {
	opts.setDefaults()

	n := &Network{
		conn:   conn,
		opts:   opts,
		pool:   bpool.NewSizedBufferPool(opts.QueueSize, opts.BufferSize),
		queue:  make(chan packet, opts.QueueSize),
		done:   make(chan struct{}),
		params: h264.NewProcessor(),
	}
	go n.writeLoop()
	return n
}

// BindFormat remembers the parameter sets. It never fails.
func (n *Network) BindFormat(format types.FormatDescriptor) error {
	if format.HasParameterSets() {
		n.params.SetHeaders(format.SPS, format.PPS)
	}
	return nil
}

// Ready reports whether the sink accepts frames
func (n *Network) Ready() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.closed
}

// Err returns the sticky writer error, if any
func (n *Network) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// WriteConfigMarker queues a (ConfigPTS, 0) packet
func (n *Network) WriteConfigMarker() error {
	return n.enqueue(packet{pts: ConfigPTS})
}

// WriteFrame copies the payload and queues it for the writer. After a drop
// the sink skips frames until the next key frame and reports each one with
// ErrAwaitingKeyFrame.
func (n *Network) WriteFrame(f Frame) error {
	key := f.Flags.Has(types.FlagKeyFrame)

	n.mu.Lock()
	skipping := n.waitKey && !key
	if key {
		n.waitKey = false
	}
	n.mu.Unlock()

	if skipping {
		n.dropped()
		if err := n.Err(); err != nil {
			return err
		}
		return ErrAwaitingKeyFrame
	}

	payload := f.Payload
	if key && !n.opts.DisableParameterSetInjection {
		if p, err := n.params.PrependHeaders(payload); err == nil {
			payload = p
		}
	}

	buf := n.pool.Get()
	buf.Write(payload)

	if err := n.enqueue(packet{pts: f.RelativeUs, buf: buf}); err != nil {
		n.pool.Put(buf)
		if errors.Is(err, ErrQueueFull) {
			n.mu.Lock()
			n.waitKey = true
			n.mu.Unlock()
		}
		return err
	}
	return nil
}

func (n *Network) enqueue(p packet) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.err != nil {
		return n.err
	}
	if n.closed {
		return ErrClosed
	}

	select {
	case n.queue <- p:
		return nil
	default:
		n.dropped()
		return ErrQueueFull
	}
}

func (n *Network) dropped() {
	if n.opts.Metrics != nil {
		n.opts.Metrics.PacketsDropped.Add(1)
	}
}

func (n *Network) writeLoop() {
	defer close(n.done)

	w := bufio.NewWriterSize(n.conn, 64*1024)
	failed := false

	for p := range n.queue {
		if !failed {
			if err := n.writePacket(w, p); err != nil {
				n.fail(err)
				failed = true
			}
		}
		if p.buf != nil {
			n.pool.Put(p.buf)
		}
	}

	if !failed {
		if err := w.Flush(); err != nil {
			n.fail(err)
		}
	}
}

func (n *Network) writePacket(w *bufio.Writer, p packet) error {
	if n.opts.WriteTimeout > 0 {
		if err := n.conn.SetWriteDeadline(time.Now().Add(n.opts.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	var body []byte
	if p.buf != nil {
		body = p.buf.Bytes()
	}

	if err := WritePacketHeader(w, p.pts, int32(len(body))); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}

	// batch while the drain loop keeps producing
	if len(n.queue) == 0 {
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if m := n.opts.Metrics; m != nil {
		m.PacketsSent.Add(1)
		m.BytesWritten.Add(uint64(HeaderSize + len(body)))
	}
	return nil
}

func (n *Network) fail(err error) {
	n.mu.Lock()
	if n.err == nil {
		n.err = fmt.Errorf("network sink: %w", err)
	}
	n.mu.Unlock()
	logger.Warn("Network", "Writer stopped: %v", err)
}

// Close lets the writer drain the queue for up to CloseTimeout, then closes
// the socket. It returns the sticky writer error and is idempotent.
func (n *Network) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.queue)
		n.mu.Unlock()

		t := time.NewTimer(n.opts.CloseTimeout)
		defer t.Stop()

		select {
		case <-n.done:
		case <-t.C:
			logger.Warn("Network", "Writer did not drain within %v, closing socket", n.opts.CloseTimeout)
			n.conn.Close()
			<-n.done
		}

		if err := n.conn.Close(); err != nil && n.Err() == nil && !isClosedConn(err) {
			n.closeErr = fmt.Errorf("network sink: close: %w", err)
			return
		}
		n.closeErr = n.Err()
		logger.Info("Network", "Closed")
	})
	return n.closeErr
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
