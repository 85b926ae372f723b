package capture

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/screen-streamer/internal/encoder"
	"github.com/dj-oyu/screen-streamer/internal/metrics"
)

type fakeGrabber struct {
	mu       sync.Mutex
	displays int
	bounds   image.Rectangle
	rects    []image.Rectangle
}

func (g *fakeGrabber) NumDisplays() int { return g.displays }

func (g *fakeGrabber) DisplayBounds(int) image.Rectangle { return g.bounds }

func (g *fakeGrabber) Capture(rect image.Rectangle) (*image.RGBA, error) {
	g.mu.Lock()
	g.rects = append(g.rects, rect)
	g.mu.Unlock()

	img := image.NewRGBA(rect)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	return img, nil
}

func (g *fakeGrabber) captured() []image.Rectangle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]image.Rectangle(nil), g.rects...)
}

type fakeSurface struct {
	mu     sync.Mutex
	w, h   int
	frames []image.Rectangle
	closed bool
}

func (s *fakeSurface) Size() (int, int) { return s.w, s.h }

func (s *fakeSurface) Submit(img *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return encoder.ErrSurfaceClosed
	}
	s.frames = append(s.frames, img.Bounds())
	return nil
}

func (s *fakeSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestBindWithoutDisplayIsPermissionDenied(t *testing.T) {
	scr := NewScreen(Options{Grabber: &fakeGrabber{}})
	err := scr.Bind(context.Background(), Geometry{Width: 640, Height: 360, DensityScale: 1}, &fakeSurface{w: 640, h: 360})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.NoError(t, scr.Stop())
}

func TestBindRejectsBadDisplay(t *testing.T) {
	g := &fakeGrabber{displays: 1, bounds: image.Rect(0, 0, 1920, 1080)}
	scr := NewScreen(Options{Grabber: g, Display: 3})
	err := scr.Bind(context.Background(), Geometry{Width: 640, Height: 360}, &fakeSurface{w: 640, h: 360})
	assert.ErrorIs(t, err, ErrInvalidDisplay)
}

func TestScreenCapturesScaledRegion(t *testing.T) {
	g := &fakeGrabber{displays: 1, bounds: image.Rect(100, 0, 2020, 1080)}
	mock := clock.NewMock()
	m := metrics.New()
	scr := NewScreen(Options{Grabber: g, Clock: mock, Metrics: m})
	surf := &fakeSurface{w: 320, h: 180}

	geom := Geometry{Width: 320, Height: 180, DensityScale: 2}
	require.NoError(t, scr.Bind(context.Background(), geom, surf))
	assert.ErrorIs(t, scr.Bind(context.Background(), geom, surf), ErrAlreadyBound)

	// first frame is grabbed immediately, the rest on the ticker
	require.Eventually(t, func() bool { return surf.count() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		mock.Add(time.Second / 30)
		return surf.count() >= 3
	}, time.Second, time.Millisecond)

	require.NoError(t, scr.Stop())
	require.NoError(t, scr.Stop())

	rects := g.captured()
	require.NotEmpty(t, rects)
	assert.Equal(t, image.Rect(100, 0, 740, 360), rects[0])

	surf.mu.Lock()
	assert.Equal(t, image.Rect(0, 0, 320, 180), surf.frames[0])
	surf.mu.Unlock()

	assert.GreaterOrEqual(t, m.CaptureFrames.Load(), uint64(3))
}

func TestScreenStopsWhenSurfaceCloses(t *testing.T) {
	g := &fakeGrabber{displays: 1, bounds: image.Rect(0, 0, 64, 64)}
	surf := &fakeSurface{w: 32, h: 32, closed: true}
	scr := NewScreen(Options{Grabber: g, Clock: clock.NewMock()})

	require.NoError(t, scr.Bind(context.Background(), Geometry{Width: 32, Height: 32, DensityScale: 1}, surf))

	select {
	case <-scr.done:
	case <-time.After(time.Second):
		t.Fatal("capture goroutine kept running")
	}
	assert.NoError(t, scr.Stop())
}

func TestSourceRect(t *testing.T) {
	assert.Equal(t, image.Rect(0, 0, 1080, 1920), Geometry{Width: 720, Height: 1280, DensityScale: 1.5}.SourceRect())
	assert.Equal(t, image.Rect(0, 0, 720, 1280), Geometry{Width: 720, Height: 1280}.SourceRect())
}
