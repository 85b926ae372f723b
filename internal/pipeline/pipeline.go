// Package pipeline coordinates one capture → encode → drain → sink session
// through the Idle, Configuring, Draining, Stopping and Stopped states.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/dj-oyu/screen-streamer/internal/capture"
	"github.com/dj-oyu/screen-streamer/internal/drain"
	"github.com/dj-oyu/screen-streamer/internal/encoder"
	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/internal/metrics"
	"github.com/dj-oyu/screen-streamer/internal/sink"
)

// State is the lifecycle state of a pipeline
type State int32

const (
	Idle State = iota
	Configuring
	Draining
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Draining:
		return "draining"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Mode selects the sink
type Mode string

const (
	ModeFile    Mode = "file"
	ModeNetwork Mode = "network"
)

// StartCommand carries the capture geometry and the sink choice
type StartCommand struct {
	Mode         Mode
	Width        int
	Height       int
	DensityScale float64
	NetworkHost  string
	NetworkPort  int
}

func (c StartCommand) geometry() capture.Geometry {
	return capture.Geometry{Width: c.Width, Height: c.Height, DensityScale: c.DensityScale}
}

// SinkOpener opens the sink for a start command
type SinkOpener func(ctx context.Context, cmd StartCommand) (sink.Sink, error)

// Deps are the collaborators of one session
type Deps struct {
	Encoder encoder.Session
	Capture capture.Session

	// Output is the opened destination for file mode
	Output io.WriteSeeker

	// OpenSink replaces the built-in sink selection when set
	OpenSink SinkOpener

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// Options tunes a session
type Options struct {
	// FlushTimeout > 0 makes Stop end input and wait that long for the
	// encoder to drain to end of stream
	FlushTimeout time.Duration

	MaxConsecutiveSinkErrors int
	DrainInterval            time.Duration
	OnSinkError              func(error)

	Network sink.NetworkOptions
}

// Pipeline is a single-use session
type Pipeline struct {
	id   string
	deps Deps
	opts Options

	mu        sync.Mutex
	state     State
	err       error
	startDone chan struct{}
	done      chan struct{}

	// set while Configuring, read-only afterwards
	sink       sink.Sink
	loop       *drain.Loop
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	loopErr        error // guarded by mu
	captureStopped bool  // teardown only
}

// New creates an idle pipeline
func New(deps Deps, opts Options) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	p := &Pipeline{
		id:        uuid.NewString(),
		deps:      deps,
		opts:      opts,
		state:     Idle,
		startDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.deps.Metrics.PipelineState.Store(uint64(Idle))
	return p
}

// ID identifies the session in logs and status
func (p *Pipeline) ID() string {
	return p.id
}

// State returns the current state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the pipeline is Stopped
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the session outcome: nil, *StartError or *StopError
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) setStateLocked(s State) {
	logger.Debug("Pipeline", "[%s] %s -> %s", p.shortID(), p.state, s)
	p.state = s
	p.deps.Metrics.PipelineState.Store(uint64(s))
}

func (p *Pipeline) shortID() string {
	return p.id[:8]
}

// Start configures the encoder, opens the sink, binds capture and starts
// draining. On failure everything acquired is released, the pipeline ends
// Stopped and the returned *StartError is also its outcome.
func (p *Pipeline) Start(ctx context.Context, cmd StartCommand) error {
	p.mu.Lock()
	if p.state != Idle {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.setStateLocked(Configuring)
	p.mu.Unlock()
	defer close(p.startDone)

	logger.Info("Pipeline", "[%s] Starting %s session %dx%d (density %.2f)",
		p.shortID(), cmd.Mode, cmd.Width, cmd.Height, cmd.DensityScale)

	if err := p.configure(ctx, cmd); err != nil {
		logger.Error("Pipeline", "[%s] %v", p.shortID(), err)
		p.finish(err)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.loopCancel = cancel
	p.loopDone = make(chan struct{})
	p.loop = drain.New(p.deps.Encoder, p.sink, drain.Options{
		Interval:                 p.opts.DrainInterval,
		Clock:                    p.deps.Clock,
		OnSinkError:              p.opts.OnSinkError,
		MaxConsecutiveSinkErrors: p.opts.MaxConsecutiveSinkErrors,
		Metrics:                  p.deps.Metrics,
	})

	p.mu.Lock()
	p.setStateLocked(Draining)
	p.mu.Unlock()

	go p.runLoop(loopCtx)
	return nil
}

func (p *Pipeline) configure(ctx context.Context, cmd StartCommand) (err error) {
	if cmd.Width <= 0 || cmd.Height <= 0 {
		return &StartError{Step: "validate", Err: fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, cmd.Width, cmd.Height)}
	}
	if cmd.Mode != ModeFile && cmd.Mode != ModeNetwork {
		return &StartError{Step: "validate", Err: fmt.Errorf("%w: %q", ErrUnknownMode, cmd.Mode)}
	}

	var undo []func() error
	defer func() {
		if err == nil {
			return
		}
		var rollback error
		for i := len(undo) - 1; i >= 0; i-- {
			rollback = multierr.Append(rollback, undo[i]())
		}
		if rollback != nil {
			logger.Warn("Pipeline", "[%s] Rollback: %v", p.shortID(), rollback)
		}
	}()

	undo = append(undo, p.deps.Encoder.Release)
	surface, err := p.deps.Encoder.Configure(encoder.DefaultConfig(cmd.Width, cmd.Height))
	if err != nil {
		return &StartError{Step: "configure encoder", Err: err}
	}

	s, err := p.openSink(ctx, cmd)
	if err != nil {
		return &StartError{Step: "open sink", Err: err}
	}
	undo = append(undo, s.Close)

	if err := p.deps.Encoder.Start(); err != nil {
		return &StartError{Step: "start encoder", Err: err}
	}
	undo = append(undo, p.deps.Encoder.Stop)

	if err := p.deps.Capture.Bind(context.Background(), cmd.geometry(), surface); err != nil {
		return &StartError{Step: "bind capture", Err: err}
	}

	p.sink = s
	return nil
}

func (p *Pipeline) openSink(ctx context.Context, cmd StartCommand) (sink.Sink, error) {
	if p.deps.OpenSink != nil {
		return p.deps.OpenSink(ctx, cmd)
	}

	switch cmd.Mode {
	case ModeFile:
		if p.deps.Output == nil {
			return nil, ErrNoOutput
		}
		return sink.NewContainer(sink.NewFMP4Muxer(p.deps.Output), p.deps.Metrics), nil

	default:
		opts := p.opts.Network
		if opts.Metrics == nil {
			opts.Metrics = p.deps.Metrics
		}
		n, err := sink.DialNetwork(ctx, cmd.NetworkHost, cmd.NetworkPort, opts)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
}

// runLoop drains until cancelled, end of stream or a fatal error. The last
// two stop the session from the drain goroutine.
func (p *Pipeline) runLoop(ctx context.Context) {
	err := p.loop.Run(ctx)

	p.mu.Lock()
	p.loopErr = err
	selfStop := p.state == Draining
	if selfStop {
		p.setStateLocked(Stopping)
	}
	p.mu.Unlock()
	close(p.loopDone)

	if selfStop {
		p.teardown(false)
	}
}

// Stop ends the session and returns its outcome. Concurrent and repeated
// calls wait for the first one and return the same outcome.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	switch p.state {
	case Idle:
		p.setStateLocked(Stopped)
		p.mu.Unlock()
		close(p.done)
		return nil

	case Configuring:
		p.mu.Unlock()
		<-p.startDone
		return p.Stop()

	case Draining:
		p.setStateLocked(Stopping)
		p.mu.Unlock()
		logger.Info("Pipeline", "[%s] Stop requested", p.shortID())
		p.teardown(true)
		return p.Err()

	default:
		p.mu.Unlock()
		<-p.done
		return p.Err()
	}
}

// teardown releases in order: drain loop, capture, sink, encoder. Every step
// runs even when an earlier one fails.
func (p *Pipeline) teardown(flush bool) {
	var errs error

	if flush && p.opts.FlushTimeout > 0 {
		errs = multierr.Append(errs, p.flush())
	}

	p.loopCancel()
	<-p.loopDone

	p.mu.Lock()
	loopErr := p.loopErr
	p.mu.Unlock()

	var cause error
	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		cause = loopErr
	}

	if !p.captureStopped {
		p.captureStopped = true
		errs = multierr.Append(errs, step("stop capture", p.deps.Capture.Stop()))
	}
	errs = multierr.Append(errs, step("finalize sink", p.sink.Close()))
	errs = multierr.Append(errs, step("stop encoder", p.deps.Encoder.Stop()))
	errs = multierr.Append(errs, step("release encoder", p.deps.Encoder.Release()))

	var outcome error
	if cause != nil || errs != nil {
		outcome = &StopError{Cause: cause, Teardown: errs}
	}
	p.finish(outcome)
}

// flush stops capture, ends the encoder input and waits for the drain loop
// to reach end of stream
func (p *Pipeline) flush() error {
	p.captureStopped = true
	errs := step("stop capture", p.deps.Capture.Stop())

	if err := p.deps.Encoder.SignalEndOfInputStream(); err != nil {
		logger.Warn("Pipeline", "[%s] Cannot flush encoder: %v", p.shortID(), err)
		return errs
	}
	p.loop.Kick()

	t := p.deps.Clock.Timer(p.opts.FlushTimeout)
	defer t.Stop()

	select {
	case <-p.loopDone:
		logger.Debug("Pipeline", "[%s] Flushed to end of stream", p.shortID())
	case <-t.C:
		logger.Warn("Pipeline", "[%s] Encoder did not flush within %v", p.shortID(), p.opts.FlushTimeout)
	}
	return errs
}

func (p *Pipeline) finish(outcome error) {
	p.mu.Lock()
	p.err = outcome
	p.setStateLocked(Stopped)
	p.mu.Unlock()
	close(p.done)

	if outcome != nil {
		logger.Warn("Pipeline", "[%s] Stopped: %v", p.shortID(), outcome)
	} else {
		logger.Info("Pipeline", "[%s] Stopped", p.shortID())
	}
}

func step(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}
