package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mch264 "github.com/bluenviron/mediacommon/pkg/codecs/h264"

	"github.com/dj-oyu/screen-streamer/internal/h264"
	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/pkg/types"
)

const defaultPoolSize = 8

// Process is a running encoder: raw RGBA frames go into Stdin and an Annex-B
// elementary stream comes out of Stdout. Wait is called once Stdout is
// exhausted.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
}

// Backend starts encoder processes. The process must exit when ctx is
// cancelled.
type Backend interface {
	Name() string
	Start(ctx context.Context, cfg Config) (Process, error)
}

// Options tunes a StreamSession
type Options struct {
	PoolSize int
	Clock    clock.Clock
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateConfigured
	stateStarted
	stateStopped
	stateReleased
)

// StreamSession implements Session on top of a Backend producing an Annex-B
// stream. An output goroutine splits the stream into access units, strips
// parameter sets into codec-config buffers and queues everything behind
// buffer indices for PollOutput.
type StreamSession struct {
	backend  Backend
	clock    clock.Clock
	poolSize int

	mu         sync.Mutex
	state      sessionState
	cfg        Config
	pool       *bufferPool
	surface    *surface
	ready      chan int
	cancel     context.CancelFunc
	readerDone chan struct{}

	fmtMu   sync.Mutex
	formats []types.FormatDescriptor
	current *types.FormatDescriptor

	// owned by the output goroutine
	sps []byte
	pps []byte
}

// NewStreamSession creates an unconfigured session
func NewStreamSession(backend Backend, opts Options) *StreamSession {
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &StreamSession{
		backend:  backend,
		clock:    opts.Clock,
		poolSize: opts.PoolSize,
	}
}

// Configure applies the codec parameters and creates the input surface
func (s *StreamSession) Configure(cfg Config) (InputSurface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateReleased:
		return nil, ErrReleased
	case stateIdle:
	default:
		return nil, fmt.Errorf("%w: already configured", ErrInvalidConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.cfg = cfg
	s.pool = newBufferPool(s.poolSize)
	// format events share the queue with buffers
	s.ready = make(chan int, s.poolSize+4)
	s.surface = newSurface(cfg, s.clock)
	s.state = stateConfigured

	logger.Debug("Encoder", "Configured %dx%d, %d bps, %d fps, key frame every %ds",
		cfg.Width, cfg.Height, cfg.BitRate, cfg.FrameRate, cfg.KeyFrameIntervalSeconds)
	return s.surface, nil
}

// Start launches the encoder process
func (s *StreamSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateReleased:
		return ErrReleased
	case stateIdle:
		return ErrNotConfigured
	case stateConfigured:
	default:
		return fmt.Errorf("encoder: already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := s.backend.Start(ctx, s.cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", s.backend.Name(), err)
	}

	s.cancel = cancel
	s.readerDone = make(chan struct{})
	s.surface.attach(proc.Stdin())
	s.state = stateStarted

	go s.readOutput(ctx, proc)

	logger.Info("Encoder", "Started %s (%dx%d @ %d fps, %d bps)",
		s.backend.Name(), s.cfg.Width, s.cfg.Height, s.cfg.FrameRate, s.cfg.BitRate)
	return nil
}

func (s *StreamSession) readOutput(ctx context.Context, proc Process) {
	defer close(s.readerDone)

	aur := h264.NewAccessUnitReader(proc.Stdout())
	for {
		au, err := aur.ReadAccessUnit()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				logger.Warn("Encoder", "Output read failed: %v", err)
			}
			break
		}
		if err := s.handleAccessUnit(ctx, au); err != nil {
			break
		}
	}

	if err := proc.Wait(); err != nil && ctx.Err() == nil {
		logger.Warn("Encoder", "%s exited: %v", s.backend.Name(), err)
	}
	if ctx.Err() != nil {
		return
	}

	eos := types.BufferInfo{
		PresentationTimeUs: s.surface.lastTimestamp(),
		Flags:              types.FlagEndOfStream,
	}
	if err := s.queueBuffer(ctx, nil, eos); err == nil {
		logger.Debug("Encoder", "End of stream queued")
	}
}

func (s *StreamSession) handleAccessUnit(ctx context.Context, au [][]byte) error {
	var media [][]byte
	paramsChanged := false

	for _, nalu := range au {
		switch mch264.NALUType(nalu[0] & 0x1F) {
		case mch264.NALUTypeSPS:
			if !bytes.Equal(nalu, s.sps) {
				s.sps = append([]byte(nil), nalu...)
				paramsChanged = true
			}
		case mch264.NALUTypePPS:
			if !bytes.Equal(nalu, s.pps) {
				s.pps = append([]byte(nil), nalu...)
				paramsChanged = true
			}
		default:
			media = append(media, nalu)
		}
	}

	var pts int64
	if hasSlice(media) {
		pts = s.surface.nextTimestamp()
	} else {
		pts = s.surface.lastTimestamp()
	}

	if paramsChanged && len(s.sps) > 0 && len(s.pps) > 0 {
		s.pushFormat(s.describe())
		if err := s.queueEvent(ctx, infoOutputFormatChanged); err != nil {
			return err
		}

		config, err := mch264.AnnexBMarshal([][]byte{s.sps, s.pps})
		if err != nil {
			return err
		}
		info := types.BufferInfo{PresentationTimeUs: pts, Flags: types.FlagCodecConfig}
		if err := s.queueBuffer(ctx, config, info); err != nil {
			return err
		}
	}

	if len(media) == 0 {
		return nil
	}

	payload, err := mch264.AnnexBMarshal(media)
	if err != nil {
		return err
	}

	info := types.BufferInfo{PresentationTimeUs: pts}
	if mch264.IDRPresent(media) {
		info.Flags |= types.FlagKeyFrame
	}
	return s.queueBuffer(ctx, payload, info)
}

func hasSlice(au [][]byte) bool {
	for _, nalu := range au {
		typ := mch264.NALUType(nalu[0] & 0x1F)
		if typ == mch264.NALUTypeNonIDR || typ == mch264.NALUTypeIDR {
			return true
		}
	}
	return false
}

func (s *StreamSession) describe() types.FormatDescriptor {
	f := types.FormatDescriptor{
		MimeType:  types.MimeTypeH264,
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		FrameRate: s.cfg.FrameRate,
		BitRate:   s.cfg.BitRate,
		SPS:       s.sps,
		PPS:       s.pps,
	}

	var sps mch264.SPS
	if err := sps.Unmarshal(s.sps); err == nil {
		f.Width = sps.Width()
		f.Height = sps.Height()
	}
	return f
}

func (s *StreamSession) pushFormat(f types.FormatDescriptor) {
	s.fmtMu.Lock()
	s.formats = append(s.formats, f)
	s.fmtMu.Unlock()
}

func (s *StreamSession) queueEvent(ctx context.Context, raw int) error {
	select {
	case s.ready <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *StreamSession) queueBuffer(ctx context.Context, payload []byte, info types.BufferInfo) error {
	idx, err := s.pool.acquire(ctx)
	if err != nil {
		return err
	}
	s.pool.fill(idx, payload, info)
	return s.queueEvent(ctx, idx)
}

// PollOutput dequeues the next output event, waiting up to timeout. A zero
// timeout never blocks.
func (s *StreamSession) PollOutput(timeout time.Duration) (PollResult, error) {
	s.mu.Lock()
	state, ready := s.state, s.ready
	s.mu.Unlock()

	switch state {
	case stateReleased:
		return PollResult{}, ErrReleased
	case stateStarted:
	default:
		return PollResult{}, ErrNotStarted
	}

	return s.classify(s.dequeue(ready, timeout))
}

func (s *StreamSession) dequeue(ready <-chan int, timeout time.Duration) int {
	if timeout <= 0 {
		select {
		case raw := <-ready:
			return raw
		default:
			return infoTryAgainLater
		}
	}

	t := s.clock.Timer(timeout)
	defer t.Stop()

	select {
	case raw := <-ready:
		return raw
	case <-t.C:
		return infoTryAgainLater
	}
}

// classify turns a raw dequeue index into a PollResult. Unknown negative
// indices are reported as TransientEmpty and never reach the buffer table.
func (s *StreamSession) classify(raw int) (PollResult, error) {
	switch {
	case raw == infoTryAgainLater:
		return PollResult{Kind: NoOutputYet}, nil

	case raw == infoOutputFormatChanged:
		s.fmtMu.Lock()
		if len(s.formats) > 0 {
			f := s.formats[0]
			s.formats = s.formats[1:]
			s.current = &f
		}
		s.fmtMu.Unlock()
		return PollResult{Kind: FormatChanged}, nil

	case raw < 0:
		return PollResult{Kind: TransientEmpty, Index: raw}, nil
	}

	payload, info, err := s.pool.dequeue(raw)
	if err != nil {
		return PollResult{}, err
	}

	return PollResult{
		Kind: Frame,
		Frame: types.EncodedFrame{
			BufferIndex:        raw,
			Payload:            payload,
			PresentationTimeUs: info.PresentationTimeUs,
			IsConfig:           info.Flags.Has(types.FlagCodecConfig),
			IsEndOfStream:      info.Flags.Has(types.FlagEndOfStream),
			IsKeyFrame:         info.Flags.Has(types.FlagKeyFrame),
		},
	}, nil
}

// ReleaseBuffer returns a dequeued buffer to the encoder
func (s *StreamSession) ReleaseBuffer(index int) error {
	s.mu.Lock()
	state, pool := s.state, s.pool
	s.mu.Unlock()

	if state == stateReleased {
		return ErrReleased
	}
	if pool == nil {
		return ErrNotConfigured
	}
	return pool.release(index)
}

// OutputFormat returns the format announced by the latest FormatChanged
func (s *StreamSession) OutputFormat() (types.FormatDescriptor, error) {
	s.fmtMu.Lock()
	defer s.fmtMu.Unlock()

	if s.current == nil {
		return types.FormatDescriptor{}, ErrNoOutputFormat
	}
	return *s.current, nil
}

// SignalEndOfInputStream closes the input surface. The encoder flushes what
// it holds and then emits an end-of-stream buffer.
func (s *StreamSession) SignalEndOfInputStream() error {
	s.mu.Lock()
	state, surf := s.state, s.surface
	s.mu.Unlock()

	if state != stateStarted {
		return ErrNotStarted
	}
	return surf.close()
}

// Stop kills the encoder process and waits for the output goroutine.
// Stopping a session that is not running is a no-op.
func (s *StreamSession) Stop() error {
	s.mu.Lock()
	if s.state != stateStarted {
		released := s.state == stateReleased
		s.mu.Unlock()
		if released {
			return ErrReleased
		}
		return nil
	}
	s.state = stateStopped
	cancel, done, surf := s.cancel, s.readerDone, s.surface
	s.mu.Unlock()

	cancel()
	err := surf.close()
	<-done

	if n := s.pool.outstanding(); n > 0 {
		logger.Debug("Encoder", "Stopped with %d buffers still dequeued", n)
	}
	logger.Info("Encoder", "Stopped %s", s.backend.Name())

	if err != nil && !isClosedPipe(err) {
		return fmt.Errorf("encoder: close input: %w", err)
	}
	return nil
}

// Release frees the session. It stops the encoder first if needed.
func (s *StreamSession) Release() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == stateReleased {
		return nil
	}

	var err error
	if state == stateStarted {
		err = s.Stop()
	}

	s.mu.Lock()
	s.state = stateReleased
	s.mu.Unlock()
	return err
}

func isClosedPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}
