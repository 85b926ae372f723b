package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Drain", "hidden %d", 1)
	l.Warn("Drain", "shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] [Drain] shown 2")
}

func TestLoggerSilent(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Pipeline", "nothing")
	assert.Empty(t, buf.String())
}

func TestLineWriterSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, false)
	w := l.Writer(DEBUG, "ffmpeg")

	_, err := w.Write([]byte("frame=1\nframe="))
	require.NoError(t, err)
	_, err = w.Write([]byte("2\n"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[ffmpeg] frame=1")
	assert.Contains(t, lines[1], "[ffmpeg] frame=2")
}

func TestLineWriterSkipsBlankAndHoldsPartial(t *testing.T) {
	var buf bytes.Buffer
	w := New(DEBUG, &buf, false).Writer(WARN, "ffmpeg")

	n, err := w.Write([]byte("\n\nerror: x\npartial"))
	require.NoError(t, err)
	assert.Equal(t, 18, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "[WARN] [ffmpeg] error: x")
	assert.NotContains(t, buf.String(), "partial")
}
