package sink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Packet layout, big-endian:
//
//	int64  relative presentation time in microseconds, ConfigPTS for config
//	int32  payload size
//	[size] payload
const (
	HeaderSize = 12

	ConfigPTS int64 = -1

	// DefaultMaxPacketSize bounds what ReadPacket accepts
	DefaultMaxPacketSize = 16 << 20
)

var (
	ErrNegativeSize   = errors.New("sink: negative packet size")
	ErrPacketTooLarge = errors.New("sink: packet too large")
)

// Packet is one decoded wire packet
type Packet struct {
	PTS     int64
	Payload []byte
}

// IsConfig reports whether the packet is a codec-config marker
func (p Packet) IsConfig() bool {
	return p.PTS == ConfigPTS
}

// PutPacketHeader encodes a header into b, which must hold HeaderSize bytes
func PutPacketHeader(b []byte, pts int64, size int32) {
	binary.BigEndian.PutUint64(b[0:8], uint64(pts))
	binary.BigEndian.PutUint32(b[8:12], uint32(size))
}

// WritePacketHeader writes a 12-byte header
func WritePacketHeader(w io.Writer, pts int64, size int32) error {
	var hdr [HeaderSize]byte
	PutPacketHeader(hdr[:], pts, size)
	_, err := w.Write(hdr[:])
	return err
}

// AppendPacket appends a complete packet to dst
func AppendPacket(dst []byte, pts int64, payload []byte) []byte {
	var hdr [HeaderSize]byte
	PutPacketHeader(hdr[:], pts, int32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// ReadPacketHeader reads a 12-byte header
func ReadPacketHeader(r io.Reader) (pts int64, size int32, err error) {
	var hdr [HeaderSize]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	pts = int64(binary.BigEndian.Uint64(hdr[0:8]))
	size = int32(binary.BigEndian.Uint32(hdr[8:12]))
	return pts, size, nil
}

// ReadPacket reads one packet. maxSize <= 0 selects DefaultMaxPacketSize.
// A stream that ends inside a packet yields io.ErrUnexpectedEOF.
func ReadPacket(r io.Reader, maxSize int) (Packet, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}

	pts, size, err := ReadPacketHeader(r)
	if err != nil {
		return Packet{}, err
	}
	if size < 0 {
		return Packet{}, fmt.Errorf("%w: %d", ErrNegativeSize, size)
	}
	if int(size) > maxSize {
		return Packet{}, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, size, maxSize)
	}

	p := Packet{PTS: pts}
	if size == 0 {
		return p, nil
	}

	p.Payload = make([]byte, size)
	if _, err := io.ReadFull(r, p.Payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	return p, nil
}
