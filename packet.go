package tds

import (
	"encoding/binary"
)

// headerSize is the fixed 8-byte TDS packet header length (§6).
const headerSize = 8

// maxPacketSize is the largest negotiated packet size TDS allows (§6);
// the header's 16-bit length field counts the header itself.
const maxPacketSize = 32767

// defaultPacketSize matches the teacher's and the wider TDS ecosystem's
// default negotiated packet size before PRELOGIN raises it.
const defaultPacketSize = 4096

// Packet status bits (§6).
const (
	statusEOM              byte = 0x01
	statusIgnore            byte = 0x02
	statusResetConnection   byte = 0x04
	statusBatch             byte = 0x08
)

// Packet message types referenced by this core. Row/value decoding
// above the framing layer assigns many more; only the ones the
// session and transaction lifecycle need to recognize live here.
const (
	packetTypeQuery      uint8 = 0x01
	packetTypeLogin7     uint8 = 0x10
	packetTypeAttention  uint8 = 0x06
	packetTypeReply      uint8 = 0x04
)

// header is the decoded form of the 8-byte TDS packet header.
type header struct {
	PacketType uint8
	Status     byte
	Length     uint16 // total length including the header itself
	Channel    uint16
	PacketNo   uint8
	Window     uint8
}

func encodeHeader(h header, dst []byte) {
	_ = dst[headerSize-1]
	dst[0] = h.PacketType
	dst[1] = h.Status
	binary.BigEndian.PutUint16(dst[2:4], h.Length)
	binary.BigEndian.PutUint16(dst[4:6], h.Channel)
	dst[6] = h.PacketNo
	dst[7] = h.Window
}

// decodeHeader parses an 8-byte header and enforces the §4.2
// invariant bytesInPacket = Length - headerSize >= 0, and that the
// packet fits within the negotiated packet size.
func decodeHeader(src []byte, packetSize int) (header, error) {
	_ = src[headerSize-1]
	h := header{
		PacketType: src[0],
		Status:     src[1],
		Length:     binary.BigEndian.Uint16(src[2:4]),
		Channel:    binary.BigEndian.Uint16(src[4:6]),
		PacketNo:   src[6],
		Window:     src[7],
	}
	if int(h.Length) < headerSize {
		return header{}, StreamError{Message: "invalid packet size, header length is shorter than the header itself"}
	}
	if int(h.Length) > packetSize {
		return header{}, StreamError{Message: "invalid packet size, it is longer than buffer size"}
	}
	return h, nil
}

// bytesInPacket returns Length - headerSize, the number of payload
// bytes following the header. Callers must only invoke this on a
// header that has passed decodeHeader's validation.
func (h header) bytesInPacket() int {
	return int(h.Length) - headerSize
}

func (h header) isEOM() bool     { return h.Status&statusEOM != 0 }
func (h header) isIgnored() bool { return h.Status&statusIgnore != 0 }
func (h header) isBatch() bool   { return h.Status&statusBatch != 0 }

// packetCounter is the per-message packet-number counter:
// 1-based, increments on every non-terminal packet, wraps 256→1, and
// resets to 1 whenever the caller signals end-of-message or cancel
// (§4.2).
type packetCounter struct {
	n uint8
}

func newPacketCounter() *packetCounter {
	return &packetCounter{n: 1}
}

func (c *packetCounter) current() uint8 {
	return c.n
}

func (c *packetCounter) advance() {
	c.n++
	if c.n == 0 {
		c.n = 1
	}
}

func (c *packetCounter) reset() {
	c.n = 1
}

// partialHeader accumulates header bytes across transport reads when
// a physical read returns fewer than headerSize bytes (§4.2: "Headers
// may span two transport packets — the codec must buffer a partial
// header ... and resume decoding without replay").
type partialHeader struct {
	buf [headerSize]byte
	n   int
}

// feed appends as much of p as fits into the remaining header bytes
// and reports how many bytes it consumed, plus whether the header is
// now complete.
func (ph *partialHeader) feed(p []byte) (consumed int, complete bool) {
	need := headerSize - ph.n
	if need > len(p) {
		need = len(p)
	}
	copy(ph.buf[ph.n:], p[:need])
	ph.n += need
	return need, ph.n == headerSize
}

func (ph *partialHeader) reset() {
	ph.n = 0
}

func (ph *partialHeader) bytes() []byte {
	return ph.buf[:]
}
