package sink

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/screen-streamer/pkg/types"
)

// 1280x720 high profile SPS
var sps720p = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

var testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}

type sampleCall struct {
	track int
	size  int
	pts   int64
}

type fakeMuxer struct {
	adds     int
	starts   int
	stops    int
	releases int
	samples  []sampleCall
	writeErr error
}

func (m *fakeMuxer) AddTrack(types.FormatDescriptor) (int, error) {
	m.adds++
	return 0, nil
}

func (m *fakeMuxer) Start() error {
	m.starts++
	return nil
}

func (m *fakeMuxer) WriteSampleData(track int, payload []byte, info types.BufferInfo) error {
	m.samples = append(m.samples, sampleCall{track: track, size: len(payload), pts: info.PresentationTimeUs})
	return m.writeErr
}

func (m *fakeMuxer) Stop() error {
	m.stops++
	return nil
}

func (m *fakeMuxer) Release() error {
	m.releases++
	return nil
}

func TestContainerBindsOnce(t *testing.T) {
	mux := &fakeMuxer{}
	c := NewContainer(mux, nil)

	assert.False(t, c.Ready())

	require.NoError(t, c.BindFormat(types.FormatDescriptor{MimeType: types.MimeTypeH264}))
	assert.True(t, c.Ready())

	require.NoError(t, c.WriteFrame(Frame{Payload: []byte{1, 2, 3}, RelativeUs: 40}))
	require.Len(t, mux.samples, 1)
	assert.Equal(t, sampleCall{track: 0, size: 3, pts: 40}, mux.samples[0])

	err := c.BindFormat(types.FormatDescriptor{MimeType: types.MimeTypeH264})
	assert.ErrorIs(t, err, ErrTrackAlreadyBound)

	assert.Equal(t, 1, mux.adds)
	assert.Equal(t, 1, mux.starts)
}

func TestContainerDropsSamplesBeforeStart(t *testing.T) {
	mux := &fakeMuxer{}
	c := NewContainer(mux, nil)

	require.NoError(t, c.WriteSample(0, []byte{1, 2}, 0, 0))
	assert.Empty(t, mux.samples)

	require.NoError(t, c.BindFormat(types.FormatDescriptor{}))
	require.NoError(t, c.WriteFrame(Frame{Payload: make([]byte, 500), RelativeUs: 0}))
	require.NoError(t, c.WriteFrame(Frame{Payload: make([]byte, 300), RelativeUs: 1000}))

	assert.Equal(t, []sampleCall{{0, 500, 0}, {0, 300, 1000}}, mux.samples)

	mux.writeErr = errors.New("disk full")
	assert.Error(t, c.WriteFrame(Frame{Payload: []byte{1}}))
}

func TestContainerFinish(t *testing.T) {
	// never started: no muxer calls
	mux := &fakeMuxer{}
	c := NewContainer(mux, nil)
	require.NoError(t, c.Finish())
	assert.Zero(t, mux.stops)
	assert.Zero(t, mux.releases)

	mux = &fakeMuxer{}
	c = NewContainer(mux, nil)
	require.NoError(t, c.BindFormat(types.FormatDescriptor{}))
	require.NoError(t, c.Finish())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, mux.stops)
	assert.Equal(t, 1, mux.releases)
	assert.False(t, c.Ready())

	require.NoError(t, c.WriteFrame(Frame{Payload: []byte{1}}))
	assert.Empty(t, mux.samples)
}

// memFile is an in-memory io.WriteSeeker
type memFile struct {
	buf []byte
	pos int64
}

func (f *memFile) Write(p []byte) (int, error) {
	end := f.pos + int64(len(p))
	if end > int64(len(f.buf)) {
		f.buf = append(f.buf, make([]byte, end-int64(len(f.buf)))...)
	}
	copy(f.buf[f.pos:], p)
	f.pos = end
	return len(p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(len(f.buf)) + offset
	}
	return f.pos, nil
}

func annexB(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write([]byte{0x00, 0x00, 0x00, 0x01})
		buf.Write(n)
	}
	return buf.Bytes()
}

func TestFMP4MuxerWritesFragments(t *testing.T) {
	out := &memFile{}
	mux := NewFMP4Muxer(out)

	_, err := mux.AddTrack(types.FormatDescriptor{MimeType: "video/hevc", SPS: sps720p, PPS: testPPS})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	format := types.FormatDescriptor{
		MimeType:  types.MimeTypeH264,
		Width:     1280,
		Height:    720,
		FrameRate: 30,
		SPS:       sps720p,
		PPS:       testPPS,
	}
	c := NewContainer(mux, nil)
	require.NoError(t, c.BindFormat(format))

	initLen := len(out.buf)
	require.NotZero(t, initLen)
	assert.True(t, bytes.Contains(out.buf, []byte("ftyp")))
	assert.True(t, bytes.Contains(out.buf, []byte("moov")))

	idr := annexB([]byte{0x09, 0xf0}, []byte{0x65, 0x88, 0x84, 0x21})
	p := annexB([]byte{0x41, 0x9a, 0x02})

	require.NoError(t, c.WriteFrame(Frame{Payload: idr, RelativeUs: 0, Flags: types.FlagKeyFrame}))
	// held until the next sample fixes its duration
	assert.Equal(t, uint32(0), mux.Fragments())

	require.NoError(t, c.WriteFrame(Frame{Payload: p, RelativeUs: 33333}))
	assert.Equal(t, uint32(1), mux.Fragments())

	require.NoError(t, c.Finish())
	assert.Equal(t, uint32(2), mux.Fragments())
	assert.True(t, bytes.Contains(out.buf[initLen:], []byte("moof")))
	assert.True(t, bytes.Contains(out.buf[initLen:], []byte("mdat")))

	assert.ErrorIs(t, mux.WriteSampleData(0, p, types.BufferInfo{}), ErrMuxerReleased)
}
