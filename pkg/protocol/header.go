package protocol

import (
	"encoding/binary"
	"fmt"
)

// Header is the 12-byte prefix on every USB packet. The reserved bytes are
// carried through unchanged so a parsed header encodes back to its input.
type Header struct {
	PacketType  byte
	Reserved1   [3]byte
	AppID       uint16
	Reserved2   [2]byte
	PayloadSize uint32
}

// ParseHeader parses a header from the start of data. It returns false when
// fewer than HeaderSize bytes are available.
func ParseHeader(data []byte) (Header, bool) {
	if len(data) < HeaderSize {
		return Header{}, false
	}
	h := Header{
		PacketType:  data[HeaderOffsetType],
		AppID:       binary.LittleEndian.Uint16(data[HeaderOffsetAppID:]),
		PayloadSize: binary.LittleEndian.Uint32(data[HeaderOffsetSize:]),
	}
	copy(h.Reserved1[:], data[HeaderOffsetType+1:HeaderOffsetAppID])
	copy(h.Reserved2[:], data[HeaderOffsetAppID+2:HeaderOffsetSize])
	return h, true
}

// Encode serializes the header.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.Put(buf)
	return buf
}

// Put writes the header into the first HeaderSize bytes of buf.
func (h Header) Put(buf []byte) {
	_ = buf[HeaderSize-1]
	buf[HeaderOffsetType] = h.PacketType
	copy(buf[HeaderOffsetType+1:HeaderOffsetAppID], h.Reserved1[:])
	binary.LittleEndian.PutUint16(buf[HeaderOffsetAppID:], h.AppID)
	copy(buf[HeaderOffsetAppID+2:HeaderOffsetSize], h.Reserved2[:])
	binary.LittleEndian.PutUint32(buf[HeaderOffsetSize:], h.PayloadSize)
}

// IsControl reports whether the header belongs to the USB protocol layer.
func (h Header) IsControl() bool {
	return h.PacketType == PacketTypeControl
}

// IsApplication reports whether the header carries application data.
func (h Header) IsApplication() bool {
	return h.PacketType == PacketTypeApplication
}

func (h Header) String() string {
	layer := "unknown"
	switch h.PacketType {
	case PacketTypeControl:
		layer = "control"
	case PacketTypeApplication:
		layer = "application"
	}
	return fmt.Sprintf("type=0x%02X (%s) app_id=0x%04X (%d) size=%d",
		h.PacketType, layer, h.AppID, h.AppID, h.PayloadSize)
}

// Packet is a framed packet: header plus the payload bytes actually present.
type Packet struct {
	Header  Header
	Payload []byte

	// Truncated is set when fewer bytes arrived than the header declared.
	Truncated bool
}

// Missing returns how many declared payload bytes did not arrive.
func (p Packet) Missing() int {
	if !p.Truncated {
		return 0
	}
	return int(p.Header.PayloadSize) - len(p.Payload)
}

// SplitPacket frames data as one packet. The payload is clamped to
// min(declared, available); a shortfall sets Truncated rather than failing.
// Bytes beyond the declared size are ignored. The payload aliases data.
func SplitPacket(data []byte) (Packet, error) {
	h, ok := ParseHeader(data)
	if !ok {
		return Packet{}, fmt.Errorf("%w: %d bytes is shorter than the %d-byte header",
			ErrFrame, len(data), HeaderSize)
	}

	available := uint64(len(data) - HeaderSize)
	n := uint64(h.PayloadSize)
	truncated := false
	if available < n {
		n = available
		truncated = true
	}

	return Packet{
		Header:    h,
		Payload:   data[HeaderSize : HeaderSize+int(n)],
		Truncated: truncated,
	}, nil
}

// BuildPacket serializes a header for payload followed by the payload.
func BuildPacket(packetType byte, appID uint16, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	Header{
		PacketType:  packetType,
		AppID:       appID,
		PayloadSize: uint32(len(payload)),
	}.Put(buf)
	copy(buf[HeaderSize:], payload)
	return buf
}
