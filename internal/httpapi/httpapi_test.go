package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type nested struct {
	Frames uint64 `json:"frames"`
	Remote string `json:"remote"`
}

func status() map[string]any {
	return map[string]any{
		"state":    "draining",
		"players":  3,
		"streamer": nested{Frames: 42, Remote: "10.0.0.2:5000"},
	}
}

func TestWriteStatusJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	WriteStatus(rec, req, status())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "draining", got["state"])
	assert.Equal(t, float64(3), got["players"])
}

func TestWriteStatusProtobuf(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Accept", "text/html, application/protobuf;q=0.9")
	rec := httptest.NewRecorder()

	WriteStatus(rec, req, status())

	assert.Equal(t, ContentTypeProtobuf, rec.Header().Get("Content-Type"))

	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "draining", st.Fields["state"].GetStringValue())
	assert.Equal(t, float64(3), st.Fields["players"].GetNumberValue())

	streamer := st.Fields["streamer"].GetStructValue()
	require.NotNil(t, streamer)
	assert.Equal(t, float64(42), streamer.Fields["frames"].GetNumberValue())
	assert.Equal(t, "10.0.0.2:5000", streamer.Fields["remote"].GetStringValue())
}

func TestAcceptsProtobuf(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{"", false},
		{"application/json", false},
		{"application/protobuf", true},
		{"Application/Protobuf; charset=binary", true},
		{"text/plain, application/protobuf", true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", tt.accept)
		assert.Equal(t, tt.want, AcceptsProtobuf(req), tt.accept)
	}
}

func TestHandlerAddsCORS(t *testing.T) {
	h := Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRequirePost(t *testing.T) {
	rec := httptest.NewRecorder()
	assert.False(t, RequirePost(rec, httptest.NewRequest(http.MethodGet, "/stop", nil)))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	assert.True(t, RequirePost(rec, httptest.NewRequest(http.MethodPost, "/stop", nil)))
}
