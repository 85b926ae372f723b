package recorder

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/screen-streamer/internal/metrics"
	"github.com/dj-oyu/screen-streamer/pkg/types"
)

var (
	sps = []byte{0x67, 0x64, 0x00, 0x1f, 0xac}
	pps = []byte{0x68, 0xeb, 0xe3}
	idr = []byte{0x65, 0x88, 0x84, 0x21}
	p1  = []byte{0x41, 0x9a, 0x02}
)

func annexB(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(n)
	}
	return buf.Bytes()
}

func TestRecorderStartsAtKeyFrame(t *testing.T) {
	dir := t.TempDir()
	mock := clock.NewMock()
	m := metrics.New()
	r := NewRecorder(dir, mock, m)

	// parameter sets arrive before recording starts
	assert.False(t, r.SendFrame(&types.StreamFrame{Seq: 1, PTS: -1, Data: annexB(sps, pps)}))

	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Start(), ErrAlreadyRecording)
	assert.True(t, r.IsRecording())
	assert.Equal(t, uint64(1), m.RecordingActive.Load())

	r.Deliver(&types.StreamFrame{Seq: 2, PTS: 0, Data: annexB(p1)})
	r.Deliver(&types.StreamFrame{Seq: 3, PTS: 33333, Data: annexB(idr), IsKeyFrame: true})
	r.Deliver(&types.StreamFrame{Seq: 4, PTS: 66666, Data: annexB(p1)})

	mock.Add(1500 * time.Millisecond)
	require.Eventually(t, func() bool { return r.GetStatus().FrameCount == 2 }, time.Second, time.Millisecond)
	st := r.GetStatus()
	assert.Equal(t, int64(1500), st.DurationMs)
	assert.True(t, st.SelfContained)
	assert.True(t, strings.HasPrefix(st.Filename, "recording_"))
	assert.True(t, strings.HasSuffix(st.Filename, ".h264"))

	require.NoError(t, r.Stop())
	assert.ErrorIs(t, r.Stop(), ErrNotRecording)
	assert.Equal(t, uint64(0), m.RecordingActive.Load())

	got, err := os.ReadFile(filepath.Join(dir, st.Filename))
	require.NoError(t, err)

	want := append(annexB(sps, pps, idr), annexB(p1)...)
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(len(want)), m.RecordingBytes.Load())
	assert.Equal(t, uint64(2), m.RecordingFrames.Load())
}

func TestRecorderKeepsInBandHeaders(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, nil, nil)
	require.NoError(t, r.Start())

	key := annexB(sps, pps, idr)
	r.SendFrame(&types.StreamFrame{Seq: 1, PTS: 0, Data: key, IsKeyFrame: true})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	got, err := os.ReadFile(filepath.Join(dir, r.GetStatus().Filename))
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestRecorderReportsMissingParameterSets(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, nil, nil)
	require.NoError(t, r.Start())
	assert.False(t, r.GetStatus().SelfContained)

	r.SendFrame(&types.StreamFrame{Seq: 1, PTS: 0, Data: annexB(idr), IsKeyFrame: true})
	require.Eventually(t, func() bool { return r.GetStatus().FrameCount == 1 }, time.Second, time.Millisecond)
	assert.False(t, r.GetStatus().SelfContained)
	require.NoError(t, r.Stop())

	// parameter sets arriving later make the next recording self-contained
	r.SendFrame(&types.StreamFrame{Seq: 2, PTS: -1, Data: annexB(sps, pps)})
	require.NoError(t, r.Start())
	assert.False(t, r.GetStatus().SelfContained)
	r.SendFrame(&types.StreamFrame{Seq: 3, PTS: 33333, Data: annexB(idr), IsKeyFrame: true})
	require.Eventually(t, func() bool { return r.GetStatus().SelfContained }, time.Second, time.Millisecond)
	require.NoError(t, r.Stop())
}

func TestRecorderDropsFramesWhenIdle(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil, nil)
	assert.False(t, r.SendFrame(&types.StreamFrame{PTS: 0, Data: annexB(idr), IsKeyFrame: true}))
	assert.ErrorIs(t, r.Stop(), ErrNotRecording)
	assert.Equal(t, "recorder", r.ID())
}

func TestRecorderStartFailsOnMissingDir(t *testing.T) {
	r := NewRecorder(filepath.Join(t.TempDir(), "missing"), nil, nil)
	assert.Error(t, r.Start())
	assert.False(t, r.IsRecording())
}
