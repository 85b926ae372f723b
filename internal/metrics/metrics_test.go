package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGaugesFollowCounters(t *testing.T) {
	m := New()
	m.FramesWritten.Add(3)
	m.UpdateDrainLatency(1500 * time.Microsecond)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		values[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, 3.0, values["screenstreamer_frames_written_total"])
	assert.Equal(t, 1500.0, values["screenstreamer_drain_latency_us"])
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.PacketsSent.Add(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "screenstreamer_packets_sent_total 7"), body)
}
