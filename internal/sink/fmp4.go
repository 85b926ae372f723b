package sink

import (
	"errors"
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/formats/fmp4"

	"github.com/dj-oyu/screen-streamer/pkg/types"
)

const (
	fmp4TimeScale = 90000
	fmp4TrackID   = 1
)

var (
	ErrUnsupportedFormat = errors.New("fmp4: unsupported format")
	ErrMuxerNotStarted   = errors.New("fmp4: muxer not started")
	ErrMuxerReleased     = errors.New("fmp4: muxer released")
)

type pendingSample struct {
	payload []byte
	pts     int64 // 90 kHz
	isSync  bool
}

// FMP4Muxer writes a single H.264 track as fragmented MP4: the init segment
// on Start, then one fragment per sample. A sample is held until the next
// one arrives so its duration is known.
type FMP4Muxer struct {
	w io.WriteSeeker

	format   types.FormatDescriptor
	hasTrack bool
	started  bool
	stopped  bool
	released bool

	seq     uint32
	pending *pendingSample
	lastDur uint32
}

// NewFMP4Muxer writes to an already opened destination
func NewFMP4Muxer(w io.WriteSeeker) *FMP4Muxer {
	return &FMP4Muxer{w: w}
}

func (m *FMP4Muxer) AddTrack(format types.FormatDescriptor) (int, error) {
	switch {
	case m.released:
		return 0, ErrMuxerReleased
	case m.hasTrack:
		return 0, ErrTrackAlreadyBound
	case format.MimeType != types.MimeTypeH264:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format.MimeType)
	case !format.HasParameterSets():
		return 0, fmt.Errorf("%w: missing SPS/PPS", ErrUnsupportedFormat)
	}

	m.format = format
	m.hasTrack = true
	m.lastDur = nominalDuration(format.FrameRate)
	return 0, nil
}

func (m *FMP4Muxer) Start() error {
	if m.released {
		return ErrMuxerReleased
	}
	if !m.hasTrack {
		return ErrNotBound
	}
	if m.started {
		return nil
	}

	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        fmp4TrackID,
			TimeScale: fmp4TimeScale,
			Codec: &fmp4.CodecH264{
				SPS: m.format.SPS,
				PPS: m.format.PPS,
			},
		}},
	}
	if err := init.Marshal(m.w); err != nil {
		return fmt.Errorf("write init segment: %w", err)
	}

	m.started = true
	return nil
}

func (m *FMP4Muxer) WriteSampleData(track int, payload []byte, info types.BufferInfo) error {
	switch {
	case m.released:
		return ErrMuxerReleased
	case !m.started || m.stopped:
		return ErrMuxerNotStarted
	case track != 0:
		return fmt.Errorf("fmp4: unknown track %d", track)
	}

	au, err := h264.AnnexBUnmarshal(payload)
	if err != nil {
		return fmt.Errorf("fmp4: parse sample: %w", err)
	}
	au = stripDelimiters(au)
	if len(au) == 0 {
		return nil
	}

	avcc, err := h264.AVCCMarshal(au)
	if err != nil {
		return fmt.Errorf("fmp4: marshal sample: %w", err)
	}

	next := &pendingSample{
		payload: avcc,
		pts:     usToTimeScale(info.PresentationTimeUs),
		isSync:  info.Flags.Has(types.FlagKeyFrame) || h264.IDRPresent(au),
	}

	if m.pending != nil {
		dur := m.lastDur
		if delta := next.pts - m.pending.pts; delta > 0 {
			dur = uint32(delta)
		}
		if err := m.writeFragment(m.pending, dur); err != nil {
			return err
		}
		m.lastDur = dur
	}
	m.pending = next
	return nil
}

func (m *FMP4Muxer) writeFragment(s *pendingSample, dur uint32) error {
	m.seq++

	baseTime := s.pts
	if baseTime < 0 {
		baseTime = 0
	}

	part := fmp4.Part{
		SequenceNumber: m.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       fmp4TrackID,
			BaseTime: uint64(baseTime),
			Samples: []*fmp4.PartSample{{
				Duration:        dur,
				IsNonSyncSample: !s.isSync,
				Payload:         s.payload,
			}},
		}},
	}
	if err := part.Marshal(m.w); err != nil {
		return fmt.Errorf("write fragment %d: %w", m.seq, err)
	}
	return nil
}

// Stop flushes the held sample with the last known duration
func (m *FMP4Muxer) Stop() error {
	if m.released {
		return ErrMuxerReleased
	}
	if !m.started || m.stopped {
		return nil
	}
	m.stopped = true

	if m.pending == nil {
		return nil
	}
	s := m.pending
	m.pending = nil
	return m.writeFragment(s, m.lastDur)
}

// Release drops the muxer state. The destination stays open; its owner
// closes it.
func (m *FMP4Muxer) Release() error {
	m.released = true
	m.pending = nil
	return nil
}

// Fragments returns how many fragments were written
func (m *FMP4Muxer) Fragments() uint32 {
	return m.seq
}

func stripDelimiters(au [][]byte) [][]byte {
	out := au[:0]
	for _, nalu := range au {
		if len(nalu) == 0 || h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeAccessUnitDelimiter {
			continue
		}
		out = append(out, nalu)
	}
	return out
}

func usToTimeScale(us int64) int64 {
	return us * fmp4TimeScale / 1_000_000
}

func nominalDuration(fps int) uint32 {
	if fps <= 0 {
		fps = 30
	}
	return uint32(fmp4TimeScale / fps)
}
