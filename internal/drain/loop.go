// Package drain pulls finished buffers out of the encoder, classifies them
// and routes them to the active sink. It is the only caller of PollOutput
// and ReleaseBuffer for a session.
package drain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/screen-streamer/internal/encoder"
	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/internal/metrics"
	"github.com/dj-oyu/screen-streamer/internal/sink"
	"github.com/dj-oyu/screen-streamer/pkg/types"
)

// DefaultInterval is the wait between drain iterations once the encoder
// has nothing ready
const DefaultInterval = 10 * time.Millisecond

var (
	ErrFormatChangedTwice = errors.New("drain: output format changed twice")
	ErrInvalidBufferIndex = errors.New("drain: frame with negative buffer index")
	ErrSinkFailed         = errors.New("drain: sink failed repeatedly")
)

// Options configures a Loop
type Options struct {
	Interval time.Duration
	Clock    clock.Clock

	// OnSinkError is called on the drain goroutine for every failed write
	OnSinkError func(error)

	// MaxConsecutiveSinkErrors > 0 makes that many failed writes in a row
	// fatal. Zero reports failures and keeps draining.
	MaxConsecutiveSinkErrors int

	Metrics *metrics.Metrics
}

// Loop drains one encoder session into one sink
type Loop struct {
	enc  encoder.Session
	sink sink.Sink
	opts Options
	kick chan struct{}

	// owned by the Run goroutine
	formatBound bool
	ptsOrigin   int64
	haveOrigin  bool
	sinkErrors  int
}

// New creates a loop. Nothing runs until Run.
func New(enc encoder.Session, s sink.Sink, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Loop{
		enc:  enc,
		sink: s,
		opts: opts,
		kick: make(chan struct{}, 1),
	}
}

// Kick cancels the pending wait so the next iteration runs immediately
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Run drains immediately, then every Interval until the encoder reports end
// of stream (nil), ctx is cancelled (ctx.Err()) or a fatal error occurs.
func (l *Loop) Run(ctx context.Context) error {
	logger.Debug("Drain", "Loop started (interval %v)", l.opts.Interval)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		eos, err := l.drain(ctx)
		if err != nil {
			l.opts.Metrics.FatalErrors.Add(1)
			logger.Error("Drain", "Fatal: %v", err)
			return err
		}
		if eos {
			logger.Info("Drain", "End of stream")
			return nil
		}

		t := l.opts.Clock.Timer(l.opts.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-l.kick:
			t.Stop()
		case <-t.C:
		}
	}
}

// drain polls until the encoder has nothing ready
func (l *Loop) drain(ctx context.Context) (bool, error) {
	start := l.opts.Clock.Now()
	defer func() {
		l.opts.Metrics.UpdateDrainLatency(l.opts.Clock.Since(start))
	}()

	for ctx.Err() == nil {
		res, err := l.enc.PollOutput(0)
		if err != nil {
			return false, fmt.Errorf("poll output: %w", err)
		}

		switch res.Kind {
		case encoder.NoOutputYet:
			l.opts.Metrics.PollsEmpty.Add(1)
			return false, nil

		case encoder.TransientEmpty:
			l.opts.Metrics.TransientEmpty.Add(1)

		case encoder.FormatChanged:
			if err := l.bindFormat(); err != nil {
				return false, err
			}

		case encoder.Frame:
			eos, err := l.handleFrame(ctx, res.Frame)
			if err != nil || eos {
				return eos, err
			}

		default:
			logger.Warn("Drain", "Ignoring poll result %v", res.Kind)
		}
	}
	return false, nil
}

func (l *Loop) bindFormat() error {
	if l.formatBound {
		return ErrFormatChangedTwice
	}
	l.formatBound = true

	format, err := l.enc.OutputFormat()
	if err != nil {
		return fmt.Errorf("output format: %w", err)
	}
	if err := l.sink.BindFormat(format); err != nil {
		return fmt.Errorf("bind format: %w", err)
	}

	l.opts.Metrics.FormatChanges.Add(1)
	logger.Info("Drain", "Output format %s %dx%d", format.MimeType, format.Width, format.Height)
	return nil
}

// handleFrame forwards one frame and releases its buffer on every path
func (l *Loop) handleFrame(ctx context.Context, f types.EncodedFrame) (bool, error) {
	if f.BufferIndex < 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidBufferIndex, f.BufferIndex)
	}
	l.opts.Metrics.FramesDrained.Add(1)

	var sinkErr error
	if ctx.Err() == nil {
		sinkErr = l.forward(f)
	}

	if err := l.enc.ReleaseBuffer(f.BufferIndex); err != nil {
		return false, fmt.Errorf("release buffer %d: %w", f.BufferIndex, err)
	}
	l.opts.Metrics.BuffersReleased.Add(1)

	if sinkErr != nil {
		if err := l.sinkFailed(sinkErr); err != nil {
			return false, err
		}
	} else {
		l.sinkErrors = 0
	}

	return f.IsEndOfStream, nil
}

func (l *Loop) forward(f types.EncodedFrame) error {
	if f.IsConfig {
		l.opts.Metrics.ConfigFrames.Add(1)
		// config bytes never reach a sink as media
		f.Payload = f.Payload[:0]
		if w, ok := l.sink.(sink.ConfigMarkerWriter); ok && l.sink.Ready() {
			return w.WriteConfigMarker()
		}
		return nil
	}

	if len(f.Payload) == 0 {
		return nil
	}

	if !l.haveOrigin {
		l.ptsOrigin = f.PresentationTimeUs
		l.haveOrigin = true
	}

	if !l.sink.Ready() {
		l.opts.Metrics.FramesNotReady.Add(1)
		return nil
	}

	err := l.sink.WriteFrame(sink.Frame{
		Payload:    f.Payload,
		RelativeUs: f.PresentationTimeUs - l.ptsOrigin,
		Flags:      f.Flags(),
	})
	if err == nil {
		l.opts.Metrics.FramesWritten.Add(1)
	}
	return err
}

func (l *Loop) sinkFailed(err error) error {
	l.sinkErrors++
	l.opts.Metrics.SinkWriteErrors.Add(1)

	if l.sinkErrors == 1 || l.sinkErrors%100 == 0 {
		logger.Warn("Drain", "Sink write failed (%d in a row): %v", l.sinkErrors, err)
	}
	if l.opts.OnSinkError != nil {
		l.opts.OnSinkError(err)
	}

	if max := l.opts.MaxConsecutiveSinkErrors; max > 0 && l.sinkErrors >= max {
		return fmt.Errorf("%w: %d consecutive failures, last: %v", ErrSinkFailed, l.sinkErrors, err)
	}
	return nil
}
