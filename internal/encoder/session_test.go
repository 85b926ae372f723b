package encoder

import (
	"bytes"
	"context"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/screen-streamer/pkg/types"
)

var (
	startCode = []byte{0x00, 0x00, 0x00, 0x01}
	nalAUD    = []byte{0x09, 0xf0}
	nalSPS    = []byte{0x67, 0x42, 0xc0, 0x1f}
	nalSPS2   = []byte{0x67, 0x42, 0xc0, 0x28}
	nalPPS    = []byte{0x68, 0xce, 0x3c, 0x80}
	nalIDR    = []byte{0x65, 0x88, 0x84, 0x21}
	nalP1     = []byte{0x41, 0x9a, 0x02}
	nalP2     = []byte{0x41, 0x9a, 0x04}
)

func stream(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write(startCode)
		buf.Write(n)
	}
	return buf.Bytes()
}

// fakeBackend stands in for ffmpeg: frames written to stdin are counted and
// the test scripts stdout.
type fakeBackend struct {
	mu       sync.Mutex
	out      *io.PipeWriter
	inBytes  int
	startErr error
	inDone   chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{inDone: make(chan struct{})}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Start(ctx context.Context, cfg Config) (Process, error) {
	if b.startErr != nil {
		return nil, b.startErr
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	b.mu.Lock()
	b.out = outW
	b.mu.Unlock()

	go func() {
		defer close(b.inDone)
		buf := make([]byte, 4096)
		for {
			n, err := inR.Read(buf)
			b.mu.Lock()
			b.inBytes += n
			b.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		inR.CloseWithError(ctx.Err())
		outW.CloseWithError(io.EOF)
	}()

	return &fakeProcess{stdin: inW, stdout: outR}, nil
}

func (b *fakeBackend) output() *io.PipeWriter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out
}

func (b *fakeBackend) received() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inBytes
}

type fakeProcess struct {
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdout }
func (p *fakeProcess) Wait() error           { return nil }

func pollNext(t *testing.T, s *StreamSession) PollResult {
	t.Helper()
	for i := 0; i < 50; i++ {
		res, err := s.PollOutput(100 * time.Millisecond)
		require.NoError(t, err)
		if res.Kind != NoOutputYet {
			return res
		}
	}
	t.Fatal("no output from encoder")
	return PollResult{}
}

func TestStreamSessionDrainsAccessUnits(t *testing.T) {
	backend := newFakeBackend()
	s := NewStreamSession(backend, Options{PoolSize: 8})

	_, err := s.Configure(DefaultConfig(64, 48))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	go func() {
		out := backend.output()
		out.Write(stream(nalAUD, nalSPS, nalPPS, nalIDR, nalAUD, nalP1, nalAUD, nalP2))
		out.Close()
	}()

	res := pollNext(t, s)
	require.Equal(t, FormatChanged, res.Kind)

	format, err := s.OutputFormat()
	require.NoError(t, err)
	assert.Equal(t, types.MimeTypeH264, format.MimeType)
	assert.Equal(t, nalSPS, format.SPS)
	assert.Equal(t, nalPPS, format.PPS)
	assert.Equal(t, 64, format.Width)

	res = pollNext(t, s)
	require.Equal(t, Frame, res.Kind)
	assert.True(t, res.Frame.IsConfig)
	assert.Equal(t, stream(nalSPS, nalPPS), res.Frame.Payload)
	require.NoError(t, s.ReleaseBuffer(res.Frame.BufferIndex))

	res = pollNext(t, s)
	require.Equal(t, Frame, res.Kind)
	assert.True(t, res.Frame.IsKeyFrame)
	assert.False(t, res.Frame.IsConfig)
	assert.Equal(t, stream(nalIDR), res.Frame.Payload)
	assert.Equal(t, int64(0), res.Frame.PresentationTimeUs)
	require.NoError(t, s.ReleaseBuffer(res.Frame.BufferIndex))

	res = pollNext(t, s)
	require.Equal(t, Frame, res.Kind)
	assert.False(t, res.Frame.IsKeyFrame)
	assert.Equal(t, stream(nalP1), res.Frame.Payload)
	assert.Equal(t, int64(33333), res.Frame.PresentationTimeUs)
	require.NoError(t, s.ReleaseBuffer(res.Frame.BufferIndex))

	res = pollNext(t, s)
	require.Equal(t, Frame, res.Kind)
	assert.Equal(t, stream(nalP2), res.Frame.Payload)
	require.NoError(t, s.ReleaseBuffer(res.Frame.BufferIndex))

	res = pollNext(t, s)
	require.Equal(t, Frame, res.Kind)
	assert.True(t, res.Frame.IsEndOfStream)
	assert.Empty(t, res.Frame.Payload)
	require.NoError(t, s.ReleaseBuffer(res.Frame.BufferIndex))

	// releasing twice is an error
	assert.ErrorIs(t, s.ReleaseBuffer(res.Frame.BufferIndex), ErrInvalidBufferIndex)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Release())

	_, err = s.PollOutput(0)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestStreamSessionReportsParameterChange(t *testing.T) {
	backend := newFakeBackend()
	s := NewStreamSession(backend, Options{})

	_, err := s.Configure(DefaultConfig(64, 48))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Release()

	go func() {
		out := backend.output()
		out.Write(stream(
			nalAUD, nalSPS, nalPPS, nalIDR,
			nalAUD, nalSPS, nalPPS, nalIDR, // identical repeat
			nalAUD, nalSPS2, nalPPS, nalIDR,
			nalAUD, nalP1, // held until the next start code
		))
	}()

	var kinds []PollKind
	for i := 0; i < 6; i++ {
		res := pollNext(t, s)
		kinds = append(kinds, res.Kind)
		if res.Kind == Frame {
			require.NoError(t, s.ReleaseBuffer(res.Frame.BufferIndex))
		}
	}

	assert.Equal(t, []PollKind{FormatChanged, Frame, Frame, Frame, FormatChanged, Frame}, kinds)

	format, err := s.OutputFormat()
	require.NoError(t, err)
	assert.Equal(t, nalSPS2, format.SPS)
}

func TestStreamSessionSurface(t *testing.T) {
	backend := newFakeBackend()
	mock := clock.NewMock()
	s := NewStreamSession(backend, Options{Clock: mock})

	surf, err := s.Configure(DefaultConfig(4, 2))
	require.NoError(t, err)

	w, h := surf.Size()
	assert.Equal(t, 4, w)
	assert.Equal(t, 2, h)

	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	assert.ErrorIs(t, surf.Submit(img), ErrNotStarted)

	require.NoError(t, s.Start())

	assert.ErrorIs(t, surf.Submit(image.NewRGBA(image.Rect(0, 0, 2, 2))), ErrFrameSize)

	require.NoError(t, surf.Submit(img))
	mock.Add(40 * time.Millisecond)
	require.NoError(t, surf.Submit(img))

	require.NoError(t, s.SignalEndOfInputStream())
	<-backend.inDone
	assert.Equal(t, 2*4*2*4, backend.received())

	assert.ErrorIs(t, surf.Submit(img), ErrSurfaceClosed)

	inner := surf.(*surface)
	assert.Equal(t, int64(0), inner.nextTimestamp())
	assert.Equal(t, int64(40000), inner.nextTimestamp())

	require.NoError(t, s.Release())
}

func TestStreamSessionLifecycleErrors(t *testing.T) {
	backend := newFakeBackend()
	s := NewStreamSession(backend, Options{})

	assert.ErrorIs(t, s.Start(), ErrNotConfigured)
	_, err := s.PollOutput(0)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = s.OutputFormat()
	assert.ErrorIs(t, err, ErrNoOutputFormat)

	_, err = s.Configure(DefaultConfig(63, 48))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	backend.startErr = ErrEncoderUnavailable
	_, err = s.Configure(DefaultConfig(64, 48))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Start(), ErrEncoderUnavailable)

	require.NoError(t, s.Release())
	assert.ErrorIs(t, s.Start(), ErrReleased)
}
