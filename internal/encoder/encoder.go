// Package encoder owns the video encoder: it configures codec parameters,
// exposes the raw-frame input surface and hands out finished output buffers
// through an index-based pull API.
package encoder

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/dj-oyu/screen-streamer/pkg/types"
)

// Fixed encoding parameters
const (
	DefaultBitRate                 = 6_000_000 // 6 Mb/s
	DefaultFrameRate               = 30
	DefaultKeyFrameIntervalSeconds = 1
)

// Raw buffer index sentinels used between the output reader and the
// classifier. They never leave this package.
const (
	infoTryAgainLater        = -1
	infoOutputFormatChanged  = -2
	infoOutputBuffersChanged = -3
)

var (
	ErrInvalidConfig      = errors.New("encoder: invalid configuration")
	ErrNotConfigured      = errors.New("encoder: not configured")
	ErrNotStarted         = errors.New("encoder: not started")
	ErrReleased           = errors.New("encoder: released")
	ErrMissingBuffer      = errors.New("encoder: no buffer at dequeued index")
	ErrInvalidBufferIndex = errors.New("encoder: buffer index is not dequeued")
	ErrNoOutputFormat     = errors.New("encoder: output format not available")
	ErrFrameSize          = errors.New("encoder: frame size does not match surface")
	ErrSurfaceClosed      = errors.New("encoder: input surface closed")
	ErrEncoderUnavailable = errors.New("encoder: encoder backend unavailable")
)

// Config holds the codec parameters
type Config struct {
	Width                   int
	Height                  int
	BitRate                 int
	FrameRate               int
	KeyFrameIntervalSeconds int
}

// DefaultConfig returns the fixed parameters for a capture geometry
func DefaultConfig(width, height int) Config {
	return Config{
		Width:                   width,
		Height:                  height,
		BitRate:                 DefaultBitRate,
		FrameRate:               DefaultFrameRate,
		KeyFrameIntervalSeconds: DefaultKeyFrameIntervalSeconds,
	}
}

// Validate checks the configuration. H.264 with 4:2:0 subsampling needs even
// dimensions.
func (c Config) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: geometry %dx%d", ErrInvalidConfig, c.Width, c.Height)
	case c.Width%2 != 0 || c.Height%2 != 0:
		return fmt.Errorf("%w: geometry %dx%d must be even", ErrInvalidConfig, c.Width, c.Height)
	case c.BitRate <= 0:
		return fmt.Errorf("%w: bitrate %d", ErrInvalidConfig, c.BitRate)
	case c.FrameRate <= 0:
		return fmt.Errorf("%w: frame rate %d", ErrInvalidConfig, c.FrameRate)
	case c.KeyFrameIntervalSeconds <= 0:
		return fmt.Errorf("%w: key frame interval %d", ErrInvalidConfig, c.KeyFrameIntervalSeconds)
	}
	return nil
}

// FrameDuration returns the nominal duration of one frame
func (c Config) FrameDuration() time.Duration {
	if c.FrameRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.FrameRate)
}

// PollKind tags a PollResult
type PollKind int

const (
	NoOutputYet PollKind = iota
	FormatChanged
	Frame
	TransientEmpty
)

func (k PollKind) String() string {
	switch k {
	case NoOutputYet:
		return "NoOutputYet"
	case FormatChanged:
		return "FormatChanged"
	case Frame:
		return "Frame"
	case TransientEmpty:
		return "TransientEmpty"
	}
	return fmt.Sprintf("PollKind(%d)", int(k))
}

// PollResult is one outcome of PollOutput. Frame is set for Frame results,
// Index carries the negative index of a TransientEmpty result.
type PollResult struct {
	Kind  PollKind
	Frame types.EncodedFrame
	Index int
}

// InputSurface receives raw frames for encoding. Frames are timestamped when
// submitted.
type InputSurface interface {
	Size() (width, height int)
	Submit(img *image.RGBA) error
}

// Session is the encoder contract consumed by the drain loop and the
// pipeline lifecycle.
type Session interface {
	Configure(cfg Config) (InputSurface, error)
	Start() error
	PollOutput(timeout time.Duration) (PollResult, error)
	ReleaseBuffer(index int) error
	OutputFormat() (types.FormatDescriptor, error)
	SignalEndOfInputStream() error
	Stop() error
	Release() error
}
