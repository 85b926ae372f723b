package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/image/draw"

	"github.com/dj-oyu/screen-streamer/internal/encoder"
	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/internal/metrics"
)

// Options configures a Screen session
type Options struct {
	Display   int
	FrameRate int
	Grabber   Grabber
	Clock     clock.Clock
	Metrics   *metrics.Metrics
}

// Screen captures a display region at a fixed rate and submits every frame
// to the encoder input surface, scaled to the surface size.
type Screen struct {
	opts Options

	mu      sync.Mutex
	bound   bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScreen creates an unbound session
func NewScreen(opts Options) *Screen {
	if opts.FrameRate <= 0 {
		opts.FrameRate = encoder.DefaultFrameRate
	}
	if opts.Grabber == nil {
		opts.Grabber = ScreenGrabber{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Screen{opts: opts}
}

// Bind starts feeding surface. It fails with ErrPermissionDenied when no
// display can be captured.
func (s *Screen) Bind(ctx context.Context, g Geometry, surface encoder.InputSurface) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound {
		return ErrAlreadyBound
	}

	region, err := resolveRegion(s.opts.Grabber, s.opts.Display, g)
	if err != nil {
		return err
	}

	w, h := surface.Size()
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.bound = true

	go s.run(runCtx, region, image.Rect(0, 0, w, h), surface)

	logger.Info("Capture", "Capturing display %d region %v -> %dx%d @ %d fps",
		s.opts.Display, region, w, h, s.opts.FrameRate)
	return nil
}

func (s *Screen) run(ctx context.Context, region, out image.Rectangle, surface encoder.InputSurface) {
	defer close(s.done)

	interval := time.Second / time.Duration(s.opts.FrameRate)
	ticker := s.opts.Clock.Ticker(interval)
	defer ticker.Stop()

	var scaled *image.RGBA
	if region.Size() != out.Size() {
		scaled = image.NewRGBA(out)
	}

	numErrors := uint64(0)
	for {
		img, err := s.opts.Grabber.Capture(region)
		if err != nil {
			numErrors++
			s.opts.Metrics.CaptureErrors.Add(1)
			if numErrors == 1 || numErrors%100 == 0 {
				logger.Warn("Capture", "Grab failed (%d total): %v", numErrors, err)
			}
		} else {
			frame := img
			if scaled != nil {
				draw.ApproxBiLinear.Scale(scaled, out, img, img.Bounds(), draw.Src, nil)
				frame = scaled
			}

			if err := surface.Submit(frame); err != nil {
				if errors.Is(err, encoder.ErrSurfaceClosed) {
					logger.Debug("Capture", "Input surface closed")
					return
				}
				s.opts.Metrics.CaptureErrors.Add(1)
				logger.Warn("Capture", "Submit failed: %v", err)
			} else {
				s.opts.Metrics.CaptureFrames.Add(1)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends capturing and waits for the capture goroutine. Idempotent.
func (s *Screen) Stop() error {
	s.mu.Lock()
	if !s.bound || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	logger.Info("Capture", "Stopped")
	return nil
}
