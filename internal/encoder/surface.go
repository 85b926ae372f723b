package encoder

import (
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/screen-streamer/internal/logger"
)

const stampQueueSize = 256

// surface feeds raw RGBA frames to the encoder process and remembers their
// capture timestamps so output access units can be stamped in order.
type surface struct {
	width   int
	height  int
	frameUs int64
	clock   clock.Clock

	mu      sync.Mutex
	w       io.WriteCloser
	closed  bool
	started bool
	origin  time.Time
	dropped uint64

	stamps chan int64

	// owned by the output reader
	last     int64
	haveLast bool
}

func newSurface(cfg Config, clk clock.Clock) *surface {
	return &surface{
		width:   cfg.Width,
		height:  cfg.Height,
		frameUs: cfg.FrameDuration().Microseconds(),
		clock:   clk,
		stamps:  make(chan int64, stampQueueSize),
	}
}

func (s *surface) Size() (int, int) {
	return s.width, s.height
}

// Submit writes one frame. It blocks while the encoder is not consuming.
func (s *surface) Submit(img *image.RGBA) error {
	b := img.Bounds()
	if b.Dx() != s.width || b.Dy() != s.height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSize, b.Dx(), b.Dy(), s.width, s.height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSurfaceClosed
	}
	if s.w == nil {
		return ErrNotStarted
	}

	now := s.clock.Now()
	if !s.started {
		s.origin = now
		s.started = true
	}
	pts := now.Sub(s.origin).Microseconds()

	if err := writeRGBA(s.w, img); err != nil {
		return fmt.Errorf("encoder: write frame: %w", err)
	}

	select {
	case s.stamps <- pts:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			logger.Warn("Encoder", "Timestamp queue full, %d stamps dropped", s.dropped)
		}
	}
	return nil
}

func (s *surface) attach(w io.WriteCloser) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

// close ends the input stream; the encoder flushes and exits
func (s *surface) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.w == nil {
		return nil
	}
	return s.w.Close()
}

// nextTimestamp pops the stamp of the oldest submitted frame. Output that
// outruns the stamps is extrapolated by one frame interval.
func (s *surface) nextTimestamp() int64 {
	select {
	case ts := <-s.stamps:
		s.last = ts
	default:
		if s.haveLast {
			s.last += s.frameUs
		}
	}
	s.haveLast = true
	return s.last
}

func (s *surface) lastTimestamp() int64 {
	return s.last
}

func writeRGBA(w io.Writer, img *image.RGBA) error {
	b := img.Bounds()
	rowLen := b.Dx() * 4

	if img.Stride == rowLen {
		start := img.PixOffset(b.Min.X, b.Min.Y)
		_, err := w.Write(img.Pix[start : start+rowLen*b.Dy()])
		return err
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := img.PixOffset(b.Min.X, y)
		if _, err := w.Write(img.Pix[start : start+rowLen]); err != nil {
			return err
		}
	}
	return nil
}
