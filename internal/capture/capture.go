// Package capture grabs the screen and feeds frames into the encoder's
// input surface.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/kbinani/screenshot"

	"github.com/dj-oyu/screen-streamer/internal/encoder"
)

var (
	ErrPermissionDenied = errors.New("capture: permission denied, no active display")
	ErrInvalidDisplay   = errors.New("capture: invalid display")
	ErrAlreadyBound     = errors.New("capture: session already bound")
)

// Geometry is the requested output size. DensityScale maps output pixels to
// screen pixels; the captured region is Width*DensityScale by
// Height*DensityScale from the display origin.
type Geometry struct {
	Width        int
	Height       int
	DensityScale float64
}

// SourceRect returns the captured region relative to the display origin
func (g Geometry) SourceRect() image.Rectangle {
	scale := g.DensityScale
	if scale <= 0 {
		scale = 1
	}
	return image.Rect(0, 0, int(float64(g.Width)*scale+0.5), int(float64(g.Height)*scale+0.5))
}

// Session is a capture source bound to one encoder input surface
type Session interface {
	Bind(ctx context.Context, g Geometry, surface encoder.InputSurface) error
	Stop() error
}

// Grabber reads pixels from a display
type Grabber interface {
	NumDisplays() int
	DisplayBounds(display int) image.Rectangle
	Capture(rect image.Rectangle) (*image.RGBA, error)
}

// ScreenGrabber captures the desktop with kbinani/screenshot
type ScreenGrabber struct{}

func (ScreenGrabber) NumDisplays() int {
	return screenshot.NumActiveDisplays()
}

func (ScreenGrabber) DisplayBounds(display int) image.Rectangle {
	return screenshot.GetDisplayBounds(display)
}

func (ScreenGrabber) Capture(rect image.Rectangle) (*image.RGBA, error) {
	img, err := screenshot.CaptureRect(rect)
	if err != nil {
		return nil, fmt.Errorf("capture %v: %w", rect, err)
	}
	return img, nil
}

// resolveRegion picks the absolute capture rectangle on the display. No
// display at all means capture access was not granted.
func resolveRegion(g Grabber, display int, geom Geometry) (image.Rectangle, error) {
	total := g.NumDisplays()
	if total <= 0 {
		return image.Rectangle{}, ErrPermissionDenied
	}
	if display < 0 || display >= total {
		return image.Rectangle{}, fmt.Errorf("%w: index %d (max %d)", ErrInvalidDisplay, display, total-1)
	}

	bounds := g.DisplayBounds(display)
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return image.Rectangle{}, fmt.Errorf("%w: display %d has zero bounds", ErrInvalidDisplay, display)
	}

	region := geom.SourceRect().Add(bounds.Min).Intersect(bounds)
	if region.Empty() {
		return image.Rectangle{}, fmt.Errorf("%w: region %v outside display %v", ErrInvalidDisplay, geom.SourceRect(), bounds)
	}
	return region, nil
}
