package h264

import (
	"bufio"
	"io"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// NALReader splits an Annex-B byte stream into NAL units. Start codes and
// trailing zero bytes are stripped.
type NALReader struct {
	r       *bufio.Reader
	started bool
	eof     bool
}

// NewNALReader wraps r
func NewNALReader(r io.Reader) *NALReader {
	return &NALReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadNALU returns the next NAL unit. It returns io.EOF once the stream is
// exhausted; the last unit is returned without error.
func (n *NALReader) ReadNALU() ([]byte, error) {
	if n.eof {
		return nil, io.EOF
	}

	var nalu []byte
	zeros := 0

	for {
		b, err := n.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				n.eof = true
				if n.started && len(nalu) > 0 {
					return nalu, nil
				}
			}
			return nil, err
		}

		switch {
		case b == 0x00:
			zeros++

		case b == 0x01 && zeros >= 2:
			zeros = 0
			if !n.started {
				n.started = true
				continue
			}
			if len(nalu) > 0 {
				return nalu, nil
			}

		default:
			if n.started {
				for ; zeros > 0; zeros-- {
					nalu = append(nalu, 0x00)
				}
				nalu = append(nalu, b)
			}
			zeros = 0
		}
	}
}

// AccessUnitReader groups NAL units into access units. A new unit starts at
// an access unit delimiter, at SPS/PPS/SEI following a slice, or at a slice
// whose first_mb_in_slice is zero following a slice. Delimiters are dropped.
type AccessUnitReader struct {
	nr      *NALReader
	pending []byte
}

// NewAccessUnitReader wraps an Annex-B stream
func NewAccessUnitReader(r io.Reader) *AccessUnitReader {
	return &AccessUnitReader{nr: NewNALReader(r)}
}

// ReadAccessUnit returns the next access unit, or io.EOF
func (a *AccessUnitReader) ReadAccessUnit() ([][]byte, error) {
	var au [][]byte
	hasVCL := false

	if a.pending != nil {
		au = append(au, a.pending)
		hasVCL = isVCL(a.pending)
		a.pending = nil
	}

	for {
		nalu, err := a.nr.ReadNALU()
		if err == io.EOF {
			if len(au) > 0 {
				return au, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}

		typ := h264.NALUType(nalu[0] & 0x1F)

		if typ == h264.NALUTypeAccessUnitDelimiter {
			if len(au) > 0 {
				return au, nil
			}
			continue
		}

		if hasVCL && startsAccessUnit(typ, nalu) {
			a.pending = nalu
			return au, nil
		}

		au = append(au, nalu)
		if isVCL(nalu) {
			hasVCL = true
		}
	}
}

func startsAccessUnit(typ h264.NALUType, nalu []byte) bool {
	switch typ {
	case h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeSEI:
		return true
	case h264.NALUTypeNonIDR, h264.NALUTypeIDR:
		// first_mb_in_slice is ue(v); a leading 1 bit encodes zero
		return len(nalu) > 1 && nalu[1]&0x80 != 0
	}
	return false
}

func isVCL(nalu []byte) bool {
	typ := h264.NALUType(nalu[0] & 0x1F)
	return typ >= h264.NALUTypeNonIDR && typ <= h264.NALUTypeIDR
}
