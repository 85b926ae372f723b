package sink

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/internal/metrics"
	"github.com/dj-oyu/screen-streamer/pkg/types"
)

// Muxer multiplexes samples into a container
type Muxer interface {
	AddTrack(format types.FormatDescriptor) (int, error)
	Start() error
	WriteSampleData(track int, payload []byte, info types.BufferInfo) error
	Stop() error
	Release() error
}

// Container is the file sink. It binds exactly one track, starts the muxer
// right after binding and drops samples that arrive before that.
type Container struct {
	muxer   Muxer
	metrics *metrics.Metrics

	track    int
	bound    bool
	started  bool
	finished bool
	dropped  uint64
}

// NewContainer wraps a muxer. m may be nil.
func NewContainer(muxer Muxer, m *metrics.Metrics) *Container {
	return &Container{muxer: muxer, metrics: m, track: -1}
}

// BindFormat adds the video track and starts the muxer. A second call is a
// protocol violation.
func (c *Container) BindFormat(format types.FormatDescriptor) error {
	if c.bound {
		return ErrTrackAlreadyBound
	}

	track, err := c.muxer.AddTrack(format)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	c.track = track
	c.bound = true

	logger.Info("Container", "Bound track %d: %s %dx%d", track, format.MimeType, format.Width, format.Height)
	return c.Start()
}

// Start starts the muxer once a track is bound
func (c *Container) Start() error {
	if !c.bound {
		return ErrNotBound
	}
	if c.started {
		return nil
	}
	if err := c.muxer.Start(); err != nil {
		return fmt.Errorf("start muxer: %w", err)
	}
	c.started = true
	return nil
}

// Ready reports whether samples are accepted
func (c *Container) Ready() bool {
	return c.started && !c.finished
}

// WriteSample writes one sample. Samples before Start are dropped silently.
func (c *Container) WriteSample(track int, payload []byte, ptsUs int64, flags types.BufferFlags) error {
	if !c.Ready() {
		c.dropped++
		logger.Debug("Container", "Dropped sample before start (%d total)", c.dropped)
		return nil
	}

	info := types.BufferInfo{
		Size:               len(payload),
		PresentationTimeUs: ptsUs,
		Flags:              flags,
	}
	if err := c.muxer.WriteSampleData(track, payload, info); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}

	if c.metrics != nil {
		c.metrics.BytesWritten.Add(uint64(len(payload)))
	}
	return nil
}

// WriteFrame writes a frame to the bound track
func (c *Container) WriteFrame(f Frame) error {
	return c.WriteSample(c.track, f.Payload, f.RelativeUs, f.Flags)
}

// Finish stops and releases the muxer if it was started. Safe to call more
// than once and before Start.
func (c *Container) Finish() error {
	if c.finished {
		return nil
	}
	c.finished = true

	if !c.started {
		return nil
	}

	err := multierr.Append(c.muxer.Stop(), c.muxer.Release())
	if err != nil {
		return fmt.Errorf("finish container: %w", err)
	}
	logger.Info("Container", "Finished")
	return nil
}

// Close is Finish
func (c *Container) Close() error {
	return c.Finish()
}
