package h264

import (
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

var startCode4 = []byte{0x00, 0x00, 0x00, 0x01}

// Processor caches H.264 parameter sets seen in a stream and uses them to
// make key frames self-contained.
type Processor struct {
	spsCache   []byte // Cached SPS NAL unit, no start code
	ppsCache   []byte // Cached PPS NAL unit, no start code
	hasHeaders bool   // True if SPS/PPS are cached
}

// NewProcessor creates a new H.264 processor
func NewProcessor() *Processor {
	return &Processor{}
}

// SetHeaders replaces the cached parameter sets
func (p *Processor) SetHeaders(sps, pps []byte) {
	p.spsCache = append([]byte(nil), sps...)
	p.ppsCache = append([]byte(nil), pps...)
	p.hasHeaders = len(p.spsCache) > 0 && len(p.ppsCache) > 0
}

// Process scans an access unit, caches SPS/PPS (copying only those, which are
// rare) and reports whether the unit holds an IDR slice.
func (p *Processor) Process(au [][]byte) (isIDR bool) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			p.spsCache = append([]byte(nil), nalu...)
		case h264.NALUTypePPS:
			p.ppsCache = append([]byte(nil), nalu...)
			if len(p.spsCache) > 0 {
				p.hasHeaders = true
			}
		case h264.NALUTypeIDR:
			isIDR = true
		}
	}
	return isIDR
}

// ProcessAnnexB is Process for an Annex-B encoded payload. Payloads that are
// not Annex-B are ignored.
func (p *Processor) ProcessAnnexB(data []byte) bool {
	au, err := h264.AnnexBUnmarshal(data)
	if err != nil {
		return false
	}
	return p.Process(au)
}

// PrependHeaders prepends SPS/PPS headers to IDR frames that do not carry
// them, so a consumer joining mid-stream can decode. Other payloads are
// returned unchanged.
func (p *Processor) PrependHeaders(data []byte) ([]byte, error) {
	if !p.hasHeaders {
		return data, nil
	}

	au, err := h264.AnnexBUnmarshal(data)
	if err != nil {
		return data, nil
	}

	hasIDR := false
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			return data, nil
		case h264.NALUTypeIDR:
			hasIDR = true
		}
	}

	if !hasIDR {
		return data, nil
	}

	hdr := p.AnnexBHeaders()
	out := make([]byte, 0, len(hdr)+len(data))
	out = append(out, hdr...)
	return append(out, data...), nil
}

// HasHeaders returns true if SPS/PPS headers are cached
func (p *Processor) HasHeaders() bool {
	return p.hasHeaders
}

// AnnexBHeaders returns the cached SPS and PPS with start codes, ready to be
// written in front of a raw stream.
func (p *Processor) AnnexBHeaders() []byte {
	if !p.hasHeaders {
		return nil
	}
	out := make([]byte, 0, 2*len(startCode4)+len(p.spsCache)+len(p.ppsCache))
	out = append(out, startCode4...)
	out = append(out, p.spsCache...)
	out = append(out, startCode4...)
	out = append(out, p.ppsCache...)
	return out
}

// IsKeyFrame reports whether an Annex-B payload contains an IDR slice
func IsKeyFrame(data []byte) bool {
	au, err := h264.AnnexBUnmarshal(data)
	if err != nil {
		return false
	}
	return h264.IDRPresent(au)
}
