package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/screen-streamer/internal/httpapi"
	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/internal/metrics"
	"github.com/dj-oyu/screen-streamer/internal/recorder"
	"github.com/dj-oyu/screen-streamer/internal/relay"
	"github.com/dj-oyu/screen-streamer/internal/webmonitor"
	"github.com/dj-oyu/screen-streamer/internal/webrtc"
)

var (
	// Command-line flags
	streamerAddr = flag.String("streamer", ":54000", "Streamer ingest address")
	playersAddr  = flag.String("players", ":54001", "Raw Annex-B TCP player address")
	httpAddr     = flag.String("http", ":8081", "HTTP server address (WebSocket, WebRTC, control)")
	recordPath   = flag.String("record-path", "./recordings", "Recording output path")
	maxClients   = flag.Int("max-clients", 10, "Maximum WebRTC clients")
	stunServers  = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URLs (comma-separated)")
	playerQueue  = flag.Int("player-queue", relay.DefaultPlayerQueue, "Frames buffered per player before dropping")
	assetsDir    = flag.String("assets", "", "Directory served under /assets/ on the monitor page")
	maxPacket    = flag.Int("max-packet", 0, "Largest accepted streamer packet in bytes (0 = 16 MiB)")
	logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor     = flag.Bool("log-color", true, "Enable colored log output")
)

// app holds the relay components shared by the HTTP handlers
type app struct {
	metrics  *metrics.Metrics
	relay    *relay.Relay
	webrtc   *webrtc.Server
	recorder *recorder.Recorder
}

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "================  StreamRelay  ================")
	logger.Info("Main", "  streamer: tcp://%s", *streamerAddr)
	logger.Info("Main", "  players:  tcp://%s", *playersAddr)
	logger.Info("Main", "  http:     %s (/, /ws, /offer, /start, /stop, /status, /metrics)", *httpAddr)

	if err := os.MkdirAll(*recordPath, 0755); err != nil {
		log.Fatalf("Failed to create recordings directory: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		logger.Error("Main", "Relay error: %v", err)
		os.Exit(1)
	}
	logger.Info("Main", "Relay stopped")
}

func run(ctx context.Context) error {
	m := metrics.New()
	hub := relay.NewHub(m)

	a := &app{
		metrics: m,
		relay: relay.New(hub, relay.Options{
			MaxPacketSize: *maxPacket,
			Player:        relay.PlayerOptions{QueueSize: *playerQueue},
			Metrics:       m,
		}),
		webrtc:   webrtc.NewServer(splitList(*stunServers), *maxClients, m),
		recorder: recorder.NewRecorder(*recordPath, nil, m),
	}

	streamerLn, err := net.Listen("tcp", *streamerAddr)
	if err != nil {
		return fmt.Errorf("listen streamer: %w", err)
	}
	playersLn, err := net.Listen("tcp", *playersAddr)
	if err != nil {
		streamerLn.Close()
		return fmt.Errorf("listen players: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// long-lived handlers (/ws, status events) end with the group
	httpServer := &http.Server{
		Addr:        *httpAddr,
		Handler:     httpapi.Handler(a.routes()),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		return hub.Run(ctx)
	})

	// the WebRTC server and the recorder are permanent hub players
	g.Go(func() error {
		if err := hub.Register(a.webrtc); err != nil {
			return err
		}
		return hub.Register(a.recorder)
	})

	g.Go(func() error {
		return a.relay.ServeStreamer(ctx, streamerLn)
	})

	g.Go(func() error {
		err := a.relay.ServePlayers(ctx, playersLn)
		a.relay.Wait()
		return err
	})

	g.Go(func() error {
		logger.Info("Main", "Starting HTTP server on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *app) routes() http.Handler {
	monitor := webmonitor.NewServer(webmonitor.Config{AssetsDir: *assetsDir}, a.status)

	mux := http.NewServeMux()

	mux.Handle("/", monitor.Handler())
	mux.HandleFunc("/ws", a.relay.HandleWebSocket)
	mux.HandleFunc("/offer", a.handleOffer)
	mux.HandleFunc("/start", a.handleStartRecording)
	mux.HandleFunc("/stop", a.handleStopRecording)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/health", a.handleHealth)
	mux.Handle("/metrics", a.metrics.Handler())

	return mux
}

// handleOffer handles WebRTC offer
func (a *app) handleOffer(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequirePost(w, r) {
		return
	}

	offerJSON, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	answerJSON, err := a.webrtc.HandleOffer(offerJSON)
	if err != nil {
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		code := http.StatusInternalServerError
		if errors.Is(err, webrtc.ErrMaxClients) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, fmt.Sprintf("Failed to handle offer: %v", err), code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(answerJSON)
}

// handleStartRecording handles start recording request
func (a *app) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequirePost(w, r) {
		return
	}

	if err := a.recorder.Start(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrAlreadyRecording) {
			code = http.StatusConflict
		}
		httpapi.WriteError(w, code, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  a.recorder.GetStatus(),
	})
}

// handleStopRecording handles stop recording request
func (a *app) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequirePost(w, r) {
		return
	}

	if err := a.recorder.Stop(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrNotRecording) {
			code = http.StatusConflict
		}
		httpapi.WriteError(w, code, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  a.recorder.GetStatus(),
	})
}

// handleStatus reports streamer, players and recording
func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteStatus(w, r, a.status())
}

func (a *app) status() map[string]any {
	return map[string]any{
		"streamer":       a.relay.Streamer(),
		"players":        a.relay.Players(),
		"webrtc_clients": a.webrtc.GetClientCount(),
		"recording":      a.recorder.GetStatus(),
		"frames": map[string]any{
			"received":  a.metrics.RelayFramesReceived.Load(),
			"broadcast": a.metrics.RelayFramesBroadcast.Load(),
		},
	}
}

// handleHealth handles health check
func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"streamer":       a.relay.Streamer().Connected,
		"webrtc_clients": a.webrtc.GetClientCount(),
		"recording":      a.recorder.IsRecording(),
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
