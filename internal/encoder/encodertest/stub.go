// Package encodertest provides a scripted encoder.Session for tests
package encodertest

import (
	"errors"
	"image"
	"sync"
	"time"

	"github.com/dj-oyu/screen-streamer/internal/encoder"
	"github.com/dj-oyu/screen-streamer/pkg/types"
)

// ErrScriptedFailure is a convenience error for scripted steps
var ErrScriptedFailure = errors.New("encodertest: scripted failure")

// Step is one scripted PollOutput outcome
type Step struct {
	Result encoder.PollResult
	Err    error
}

// FormatChanged returns a FormatChanged step
func FormatChanged() Step {
	return Step{Result: encoder.PollResult{Kind: encoder.FormatChanged}}
}

// NoOutput returns a NoOutputYet step
func NoOutput() Step {
	return Step{Result: encoder.PollResult{Kind: encoder.NoOutputYet}}
}

// Transient returns a TransientEmpty step with a negative index
func Transient(index int) Step {
	return Step{Result: encoder.PollResult{Kind: encoder.TransientEmpty, Index: index}}
}

// Config returns a codec-config frame step
func Config(index int, payload []byte) Step {
	return Frame(index, payload, 0, types.FlagCodecConfig)
}

// Frame returns a Frame step
func Frame(index int, payload []byte, ptsUs int64, flags types.BufferFlags) Step {
	return Step{Result: encoder.PollResult{
		Kind: encoder.Frame,
		Frame: types.EncodedFrame{
			BufferIndex:        index,
			Payload:            payload,
			PresentationTimeUs: ptsUs,
			IsConfig:           flags.Has(types.FlagCodecConfig),
			IsEndOfStream:      flags.Has(types.FlagEndOfStream),
			IsKeyFrame:         flags.Has(types.FlagKeyFrame),
		},
	}}
}

// Failure returns a step whose poll fails
func Failure(err error) Step {
	return Step{Err: err}
}

// Stub is a scripted encoder.Session. Polls pop steps in order; an empty
// script yields NoOutputYet.
type Stub struct {
	mu sync.Mutex

	steps []Step

	Format        types.FormatDescriptor
	FormatErr     error
	ConfigureErr  error
	StartErr      error
	StopErr       error
	ReleaseErr    error
	ReleaseBufErr error

	configured *encoder.Config
	surface    *Surface
	started    int
	stopped    int
	released   int
	eosSignals int
	polls      int
	releases   map[int]int
	order      []int
}

// NewStub creates a stub with an initial script
func NewStub(steps ...Step) *Stub {
	return &Stub{
		steps:    steps,
		releases: make(map[int]int),
		Format: types.FormatDescriptor{
			MimeType:  types.MimeTypeH264,
			Width:     1280,
			Height:    720,
			FrameRate: encoder.DefaultFrameRate,
			BitRate:   encoder.DefaultBitRate,
		},
	}
}

// Push appends steps to the script
func (s *Stub) Push(steps ...Step) {
	s.mu.Lock()
	s.steps = append(s.steps, steps...)
	s.mu.Unlock()
}

func (s *Stub) Configure(cfg encoder.Config) (encoder.InputSurface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ConfigureErr != nil {
		return nil, s.ConfigureErr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s.configured = &cfg
	s.surface = &Surface{width: cfg.Width, height: cfg.Height}
	return s.surface, nil
}

func (s *Stub) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.StartErr != nil {
		return s.StartErr
	}
	s.started++
	return nil
}

func (s *Stub) PollOutput(time.Duration) (encoder.PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.polls++
	if len(s.steps) == 0 {
		return encoder.PollResult{Kind: encoder.NoOutputYet}, nil
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.Result, step.Err
}

func (s *Stub) ReleaseBuffer(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releases[index]++
	s.order = append(s.order, index)
	return s.ReleaseBufErr
}

func (s *Stub) OutputFormat() (types.FormatDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Format, s.FormatErr
}

func (s *Stub) SignalEndOfInputStream() error {
	s.mu.Lock()
	s.eosSignals++
	s.mu.Unlock()
	return nil
}

func (s *Stub) Stop() error {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
	return s.StopErr
}

func (s *Stub) Release() error {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
	return s.ReleaseErr
}

// Configured returns the last configuration, nil before Configure
func (s *Stub) Configured() *encoder.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configured
}

// Surface returns the surface handed out by Configure
func (s *Stub) Surface() *Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface
}

// Releases returns how many times index was released
func (s *Stub) Releases(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases[index]
}

// ReleaseOrder returns the released indices in call order
func (s *Stub) ReleaseOrder() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.order...)
}

// Remaining returns the number of unconsumed steps
func (s *Stub) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Counts returns lifecycle call counts
func (s *Stub) Counts() (started, stopped, released, eosSignals int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.stopped, s.released, s.eosSignals
}

// Surface counts submitted frames
type Surface struct {
	mu        sync.Mutex
	width     int
	height    int
	submitted int
}

func (s *Surface) Size() (int, int) {
	return s.width, s.height
}

func (s *Surface) Submit(img *image.RGBA) error {
	b := img.Bounds()
	if b.Dx() != s.width || b.Dy() != s.height {
		return encoder.ErrFrameSize
	}
	s.mu.Lock()
	s.submitted++
	s.mu.Unlock()
	return nil
}

// Submitted returns the number of accepted frames
func (s *Surface) Submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}
