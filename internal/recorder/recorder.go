// Package recorder writes the relayed stream to raw Annex-B files
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/screen-streamer/internal/h264"
	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/internal/metrics"
	"github.com/dj-oyu/screen-streamer/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("recorder: already recording")
	ErrNotRecording     = errors.New("recorder: not recording")
)

// Recorder records H.264 frames to file. Each recording starts at a key
// frame with SPS/PPS in front of it so the file plays on its own.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	frameChan    chan *types.StreamFrame
	stopChan     chan struct{}
	wg           sync.WaitGroup

	// parameter sets seen on the stream, kept across recordings
	params *h264.Processor
	// writer goroutine only
	waitKey bool
	// first key frame was written with SPS/PPS available
	selfContained bool

	clock   clock.Clock
	metrics *metrics.Metrics
}

// NewRecorder creates a new recorder
func NewRecorder(basePath string, clk clock.Clock, m *metrics.Metrics) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Recorder{
		basePath:  basePath,
		frameChan: make(chan *types.StreamFrame, 60), // Buffer 2 seconds
		params:    h264.NewProcessor(),
		clock:     clk,
		metrics:   m,
	}
}

// Start starts recording to a new file
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}

	now := r.clock.Now()
	filename := fmt.Sprintf("recording_%s.h264", now.Format("20060102_150405"))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = now
	r.waitKey = true
	r.selfContained = false
	r.stopChan = make(chan struct{})

	r.metrics.RecordingActive.Store(1)
	r.metrics.RecordingBytes.Store(0)
	r.metrics.RecordingFrames.Store(0)

	r.wg.Add(1)
	go r.writeFrames(r.stopChan)

	logger.Info("Recorder", "Recording to %s", filename)
	return nil
}

// Stop stops recording
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.RecordingActive.Store(0)

	if r.file == nil {
		return nil
	}
	file := r.file
	r.file = nil

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	logger.Info("Recorder", "Stopped %s (%d frames, %d bytes)", r.filename, r.frameCount, r.bytesWritten)
	return nil
}

// ID names the recorder on the relay hub
func (r *Recorder) ID() string {
	return "recorder"
}

// Deliver implements the hub player interface
func (r *Recorder) Deliver(frame *types.StreamFrame) {
	r.SendFrame(frame)
}

// SendFrame sends a frame to the recorder (non-blocking). Parameter sets are
// tracked even while not recording.
func (r *Recorder) SendFrame(frame *types.StreamFrame) bool {
	r.mu.RLock()
	recording := r.recording
	r.mu.RUnlock()

	if !recording {
		if frame.IsConfig() || frame.IsKeyFrame {
			r.mu.Lock()
			r.params.ProcessAnnexB(frame.Data)
			r.mu.Unlock()
		}
		return false
	}

	select {
	case r.frameChan <- frame:
		return true
	default:
		return false
	}
}

// writeFrames writes frames to file until stop is closed, then drains what
// is still queued
func (r *Recorder) writeFrames(stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-r.frameChan:
			r.writeFrame(frame)
		case <-stop:
			for {
				select {
				case frame := <-r.frameChan:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

// writeFrame writes a single frame to file
func (r *Recorder) writeFrame(frame *types.StreamFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil || len(frame.Data) == 0 {
		return
	}

	if frame.IsConfig() {
		r.params.ProcessAnnexB(frame.Data)
		return
	}

	dataToWrite := frame.Data
	if r.waitKey {
		if !frame.IsKeyFrame {
			return
		}
		r.params.ProcessAnnexB(frame.Data)
		if withHeaders, err := r.params.PrependHeaders(frame.Data); err == nil {
			dataToWrite = withHeaders
		}
		r.selfContained = r.params.HasHeaders()
		if !r.selfContained {
			logger.Warn("Recorder", "%s starts without SPS/PPS, it will not play on its own", r.filename)
		}
		r.waitKey = false
	}

	n, err := r.file.Write(dataToWrite)
	if err != nil {
		logger.Warn("Recorder", "Write failed: %v", err)
		return
	}

	r.bytesWritten += uint64(n)
	r.frameCount++
	r.metrics.RecordingBytes.Add(uint64(n))
	r.metrics.RecordingFrames.Add(1)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = r.clock.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,

		SelfContained: r.selfContained,
	}
}

// Close stops a running recording
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`

	// SelfContained is false until a key frame is written with parameter sets
	SelfContained bool `json:"self_contained"`
}
