package encoder

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/dj-oyu/screen-streamer/internal/logger"
)

// Hardware encoders that take no x264 tuning options
var hardwareCodecs = map[string]bool{
	"h264_nvenc":        true,
	"h264_qsv":          true,
	"h264_vaapi":        true,
	"h264_videotoolbox": true,
	"h264_v4l2m2m":      true,
	"h264_amf":          true,
}

// FFmpeg runs an ffmpeg child process reading raw RGBA frames on stdin and
// writing an H.264 Annex-B elementary stream with access unit delimiters on
// stdout.
type FFmpeg struct {
	// Codec is the ffmpeg video encoder, libx264 if empty
	Codec string
	// Binary overrides the ffmpeg executable looked up in PATH
	Binary string
	// Stderr receives ffmpeg's diagnostics
	Stderr io.Writer
	// ExtraOutputArgs are merged into the output options
	ExtraOutputArgs ffmpeg.KwArgs
}

func (f *FFmpeg) codec() string {
	if f.Codec == "" {
		return "libx264"
	}
	return f.Codec
}

func (f *FFmpeg) binary() string {
	if f.Binary == "" {
		return "ffmpeg"
	}
	return f.Binary
}

// Name identifies the backend in logs
func (f *FFmpeg) Name() string {
	return "ffmpeg/" + f.codec()
}

func (f *FFmpeg) inputArgs(cfg Config) ffmpeg.KwArgs {
	return ffmpeg.KwArgs{
		"loglevel":  "error",
		"f":         "rawvideo",
		"pix_fmt":   "rgba",
		"s":         fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"framerate": cfg.FrameRate,
	}
}

func (f *FFmpeg) outputArgs(cfg Config) ffmpeg.KwArgs {
	args := ffmpeg.KwArgs{
		"f":        "h264",
		"c:v":      f.codec(),
		"b:v":      cfg.BitRate,
		"maxrate":  cfg.BitRate,
		"bufsize":  cfg.BitRate,
		"g":        cfg.FrameRate * cfg.KeyFrameIntervalSeconds,
		"bf":       0,
		"pix_fmt":  "yuv420p",
		"fps_mode": "passthrough",
		"bsf:v":    "h264_metadata=aud=insert",
	}
	if !hardwareCodecs[f.codec()] {
		args["preset"] = "ultrafast"
		args["tune"] = "zerolatency"
	}
	for k, v := range f.ExtraOutputArgs {
		args[k] = v
	}
	return args
}

// Start launches ffmpeg. The process is killed when ctx is cancelled.
func (f *FFmpeg) Start(ctx context.Context, cfg Config) (Process, error) {
	if _, err := exec.LookPath(f.binary()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}

	stream := ffmpeg.Input("pipe:", f.inputArgs(cfg)).Output("pipe:", f.outputArgs(cfg))
	stream.Context = ctx
	cmd := stream.Compile()
	if f.Binary != "" {
		cmd.Path = f.Binary
	}
	cmd.Stderr = f.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	logger.Debug("Encoder", "Running %s %s", f.binary(), strings.Join(stream.GetArgs(), " "))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	return &ffmpegProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *ffmpegProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *ffmpegProcess) Stdout() io.Reader     { return p.stdout }
func (p *ffmpegProcess) Wait() error           { return p.cmd.Wait() }
