package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/screen-streamer/internal/capture"
	"github.com/dj-oyu/screen-streamer/internal/encoder"
	"github.com/dj-oyu/screen-streamer/internal/httpapi"
	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/internal/metrics"
	"github.com/dj-oyu/screen-streamer/internal/pipeline"
)

var (
	// Command-line flags
	mode          = flag.String("mode", "file", "Sink mode (file, network)")
	outPath       = flag.String("out", "capture.mp4", "Output file for file mode (fragmented MP4)")
	host          = flag.String("host", "127.0.0.1", "Relay host for network mode")
	port          = flag.Int("port", 54000, "Relay streamer port for network mode")
	width         = flag.Int("width", 1280, "Output width in pixels")
	height        = flag.Int("height", 720, "Output height in pixels")
	density       = flag.Float64("density", 1.0, "Screen pixels per output pixel")
	display       = flag.Int("display", 0, "Display index to capture")
	frameRate     = flag.Int("fps", encoder.DefaultFrameRate, "Capture frame rate")
	codec         = flag.String("encoder", "libx264", "ffmpeg H.264 encoder (libx264, h264_nvenc, h264_vaapi, ...)")
	ffmpegBin     = flag.String("ffmpeg", "", "ffmpeg binary (default: ffmpeg in PATH)")
	httpAddr      = flag.String("http", ":8082", "Control server address (empty to disable)")
	metricsAddr   = flag.String("metrics", ":9091", "Metrics server address (empty to disable)")
	pprofAddr     = flag.String("pprof", "", "pprof server address (empty to disable)")
	flushTimeout  = flag.Duration("flush-timeout", 2*time.Second, "How long stop waits for the encoder to flush (0 to skip)")
	maxSinkErrors = flag.Int("max-sink-errors", 0, "Consecutive sink write failures that stop the session (0 = never)")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor      = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "Screen streamer starting...")
	logger.Info("Main", "Log level: %s", level)

	m := metrics.New()

	var output *os.File
	if pipeline.Mode(*mode) == pipeline.ModeFile {
		output, err = os.Create(*outPath)
		if err != nil {
			log.Fatalf("Failed to create output: %v", err)
		}
	}

	backend := &encoder.FFmpeg{
		Codec:  *codec,
		Binary: *ffmpegBin,
		Stderr: logger.Writer(logger.WARN, "FFmpeg"),
	}
	deps := pipeline.Deps{
		Encoder: encoder.NewStreamSession(backend, encoder.Options{}),
		Capture: capture.NewScreen(capture.Options{
			Display:   *display,
			FrameRate: *frameRate,
			Metrics:   m,
		}),
		Metrics: m,
	}
	if output != nil {
		deps.Output = output
	}

	p := pipeline.New(deps, pipeline.Options{
		FlushTimeout:             *flushTimeout,
		MaxConsecutiveSinkErrors: *maxSinkErrors,
		OnSinkError: func(err error) {
			logger.Warn("Main", "Sink write failed: %v", err)
		},
	})

	cmd := pipeline.StartCommand{
		Mode:         pipeline.Mode(*mode),
		Width:        *width,
		Height:       *height,
		DensityScale: *density,
		NetworkHost:  *host,
		NetworkPort:  *port,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	control := startServers(m, p, cmd)

	if err := p.Start(ctx, cmd); err != nil {
		shutdownControl(control, controlShutdownTimeout)
		closeOutput(output)
		logger.Error("Main", "Failed to start: %v", err)
		os.Exit(1)
	}
	logger.Info("Main", "Session %s streaming (%s)", p.ID(), cmd.Mode)

	select {
	case <-ctx.Done():
		logger.Info("Main", "Shutting down...")
	case <-p.Done():
	}

	outcome := p.Stop()
	// a /stop request may still be writing its reply
	shutdownControl(control, controlShutdownTimeout)
	closeOutput(output)

	if outcome != nil {
		logger.Error("Main", "Session ended: %v", outcome)
		os.Exit(1)
	}
	logger.Info("Main", "Session ended cleanly")
}

const controlShutdownTimeout = 2 * time.Second

// startServers launches pprof, metrics and the control server. It returns the
// control server, nil when disabled.
func startServers(m *metrics.Metrics, p *pipeline.Pipeline, cmd pipeline.StartCommand) *http.Server {
	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if *metricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", *metricsAddr)
			if err := m.StartServer(*metricsAddr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	if *httpAddr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:    *httpAddr,
		Handler: httpapi.Handler(controlRoutes(m, p, cmd)),
	}
	go func() {
		logger.Info("Main", "Starting control server on %s", *httpAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Main", "Control server error: %v", err)
		}
	}()
	return srv
}

// shutdownControl stops accepting requests and waits up to timeout for the
// ones in flight
func shutdownControl(srv *http.Server, timeout time.Duration) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Main", "Control server shutdown: %v", err)
	}
}

func controlRoutes(m *metrics.Metrics, p *pipeline.Pipeline, cmd pipeline.StartCommand) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		if !httpapi.RequirePost(w, r) {
			return
		}
		if err := p.Stop(); err != nil {
			httpapi.WriteError(w, http.StatusInternalServerError, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"state":   p.State().String(),
		})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"session":        p.ID(),
			"state":          p.State().String(),
			"mode":           string(cmd.Mode),
			"width":          cmd.Width,
			"height":         cmd.Height,
			"density":        cmd.DensityScale,
			"frames_written": m.FramesWritten.Load(),
			"bytes_written":  m.BytesWritten.Load(),
			"config_frames":  m.ConfigFrames.Load(),
			"capture_frames": m.CaptureFrames.Load(),
			"sink_errors":    m.SinkWriteErrors.Load(),
		}
		if err := p.Err(); err != nil {
			status["error"] = err.Error()
		}
		httpapi.WriteStatus(w, r, status)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"state":  p.State().String(),
		})
	})

	mux.Handle("/metrics", m.Handler())
	return mux
}

func closeOutput(f *os.File) {
	if f == nil {
		return
	}
	if err := f.Close(); err != nil {
		logger.Warn("Main", "Closing output: %v", err)
	}
}
