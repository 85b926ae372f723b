// Package httpapi holds the small HTTP helpers shared by the control
// servers of both binaries.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/cors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/screen-streamer/internal/logger"
)

// ContentTypeProtobuf selects a binary google.protobuf.Struct status body
const ContentTypeProtobuf = "application/protobuf"

// Handler wraps h with permissive CORS so browser pages on other origins
// can drive the control endpoints
func Handler(h http.Handler) http.Handler {
	return cors.AllowAll().Handler(h)
}

// WriteJSON writes v as JSON with the given status code
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("HTTP", "Encode response: %v", err)
	}
}

// WriteError writes {"success": false, "error": msg}
func WriteError(w http.ResponseWriter, code int, err error) {
	WriteJSON(w, code, map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}

// WriteStatus answers with JSON, or with a protobuf Struct when the client
// accepts application/protobuf
func WriteStatus(w http.ResponseWriter, r *http.Request, v map[string]any) {
	if !AcceptsProtobuf(r) {
		WriteJSON(w, http.StatusOK, v)
		return
	}

	body, err := MarshalStruct(v)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", ContentTypeProtobuf)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// AcceptsProtobuf reports whether the Accept header lists application/protobuf
func AcceptsProtobuf(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(mt), ContentTypeProtobuf) {
			return true
		}
	}
	return false
}

// MarshalStruct encodes v as a binary google.protobuf.Struct. v goes through
// JSON first so nested structs with json tags convert the same way they
// render as JSON.
func MarshalStruct(v map[string]any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("status to json: %w", err)
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("status from json: %w", err)
	}

	st, err := structpb.NewStruct(plain)
	if err != nil {
		return nil, fmt.Errorf("status to struct: %w", err)
	}
	return proto.Marshal(st)
}

// RequirePost rejects anything but POST. It returns false when it already
// answered the request.
func RequirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodPost {
		return true
	}
	w.Header().Set("Allow", http.MethodPost)
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}
