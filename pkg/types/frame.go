package types

// BufferFlags describes an encoder output buffer. Values match the
// MediaCodec-style flags consumers of the stream expect.
type BufferFlags uint32

const (
	FlagKeyFrame    BufferFlags = 1
	FlagCodecConfig BufferFlags = 2
	FlagEndOfStream BufferFlags = 4
)

// Has reports whether all bits of f are set.
func (b BufferFlags) Has(f BufferFlags) bool {
	return b&f == f
}

// BufferInfo is the metadata the encoder attaches to an output buffer
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlags
}

// EncodedFrame is one unit of work handed out by the encoder session.
// Payload is a view into the encoder's buffer pool and is only valid until
// the buffer index is released.
type EncodedFrame struct {
	BufferIndex        int
	Payload            []byte
	PresentationTimeUs int64
	IsConfig           bool
	IsEndOfStream      bool
	IsKeyFrame         bool
}

// Flags rebuilds the buffer flags for the frame
func (f EncodedFrame) Flags() BufferFlags {
	var flags BufferFlags
	if f.IsKeyFrame {
		flags |= FlagKeyFrame
	}
	if f.IsConfig {
		flags |= FlagCodecConfig
	}
	if f.IsEndOfStream {
		flags |= FlagEndOfStream
	}
	return flags
}

// MimeTypeH264 is the only codec the pipeline produces
const MimeTypeH264 = "video/avc"

// FormatDescriptor is the encoder output format reported on a format change.
// SPS and PPS are raw NAL units without start codes.
type FormatDescriptor struct {
	MimeType  string
	Width     int
	Height    int
	FrameRate int
	BitRate   int
	SPS       []byte
	PPS       []byte
}

// HasParameterSets returns true if both SPS and PPS are known
func (f FormatDescriptor) HasParameterSets() bool {
	return len(f.SPS) > 0 && len(f.PPS) > 0
}

// StreamFrame is one packet as seen by the relay. PTS is relative to the
// first media frame in microseconds, -1 for codec config. Data is Annex-B
// and shared by every consumer; it must not be modified.
type StreamFrame struct {
	Seq        uint64
	PTS        int64
	Data       []byte
	IsKeyFrame bool
}

// IsConfig returns true for codec-config packets
func (f *StreamFrame) IsConfig() bool {
	return f.PTS < 0
}
