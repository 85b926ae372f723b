// Package webmonitor serves the browser monitor page for the stream relay.
package webmonitor

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/dj-oyu/screen-streamer/internal/logger"
)

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

// StatusFunc returns the payload pushed to /api/status/stream
type StatusFunc func() map[string]any

// Server serves the monitor page, its assets and the status event stream.
type Server struct {
	cfg    Config
	status StatusFunc
}

// NewServer returns a configured monitor server.
func NewServer(cfg Config, status StatusFunc) *Server {
	if cfg.Title == "" {
		cfg.Title = DefaultConfig().Title
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultConfig().StatusInterval
	}
	return &Server{
		cfg:    cfg,
		status: status,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir)))
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, s.cfg); err != nil {
		logger.Debug("Monitor", "Render index: %v", err)
	}
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		payload := s.status()
		payload["timestamp"] = float64(time.Now().Unix())
		if err := writeSSE(w, payload); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
