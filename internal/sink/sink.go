// Package sink delivers encoded frames: into a container file through a
// muxer, or over TCP as length/timestamp-prefixed packets.
package sink

import (
	"errors"
	"fmt"

	"github.com/dj-oyu/screen-streamer/pkg/types"
)

var (
	ErrTrackAlreadyBound = errors.New("sink: track already bound")
	ErrNotBound          = errors.New("sink: no track bound")
	ErrClosed            = errors.New("sink: closed")
	ErrQueueFull         = errors.New("sink: send queue full, frame dropped")

	// ErrAwaitingKeyFrame is returned for frames skipped after a queue-full
	// drop. It matches ErrQueueFull.
	ErrAwaitingKeyFrame = fmt.Errorf("%w, waiting for key frame", ErrQueueFull)
)

// Frame is one media sample handed to a sink. Payload is borrowed and only
// valid for the duration of the call.
type Frame struct {
	Payload    []byte
	RelativeUs int64
	Flags      types.BufferFlags
}

// Sink is the delivery capability driven by the drain loop. BindFormat is
// called at most once per session, WriteFrame only while Ready.
type Sink interface {
	BindFormat(format types.FormatDescriptor) error
	Ready() bool
	WriteFrame(f Frame) error
	Close() error
}

// ConfigMarkerWriter is implemented by sinks that forward codec-config
// markers (an empty body stamped with ConfigPTS).
type ConfigMarkerWriter interface {
	WriteConfigMarker() error
}
