package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Describe renders a full packet (header + payload) as human-readable text.
// It never fails; problems are reported inline.
func Describe(data []byte) string {
	pkt, err := SplitPacket(data)
	if err != nil {
		return fmt.Sprintf("invalid packet: %v\n", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "header: %s\n", pkt.Header)
	if pkt.Truncated {
		fmt.Fprintf(&sb, "warning: truncated, declared %d bytes, available %d\n",
			pkt.Header.PayloadSize, len(pkt.Payload))
	}

	switch pkt.Header.PacketType {
	case PacketTypeApplication:
		describeApplication(&sb, pkt)
	case PacketTypeControl:
		describeControl(&sb, pkt)
	default:
		fmt.Fprintf(&sb, "unhandled packet type 0x%02X\n", pkt.Header.PacketType)
	}
	return sb.String()
}

func describeApplication(sb *strings.Builder, pkt Packet) {
	switch pkt.Header.AppID {
	case PIDPositionFix:
		fix, err := DecodePositionFix(pkt.Payload, 0)
		if err != nil {
			fmt.Fprintf(sb, "PVT: %v\n", err)
			return
		}
		fmt.Fprintf(sb, "%s\n", fix)
	case PIDTrackedEntities:
		entities, err := DecodeTrackedEntities(pkt.Payload, 0)
		if err != nil {
			fmt.Fprintf(sb, "entities: %v\n", err)
			return
		}
		for i, e := range entities {
			fmt.Fprintf(sb, "  %d: %s\n", i+1, e)
		}
	case PIDCollar:
		c, err := DecodeCollar(pkt.Payload, 0)
		if err != nil {
			fmt.Fprintf(sb, "collar: %v\n", err)
			return
		}
		fmt.Fprintf(sb, "%s\n", c)
		if len(c.DynamicBlock) > 0 {
			fmt.Fprintf(sb, "  dynamic block (%dB): %X\n", len(c.DynamicBlock), c.DynamicBlock)
		}
	default:
		fmt.Fprintf(sb, "unknown AppID: 0x%04X\n", pkt.Header.AppID)
	}
}

func describeControl(sb *strings.Builder, pkt Packet) {
	switch pkt.Header.AppID {
	case PIDDataAvailable:
		sb.WriteString("control: data available\n")
	case PIDStartSession:
		sb.WriteString("control: start session\n")
	case PIDSessionStarted:
		s, err := DecodeSessionStarted(pkt.Payload)
		if err != nil {
			fmt.Fprintf(sb, "control: session started (%v)\n", err)
			return
		}
		fmt.Fprintf(sb, "control: session started unit_id=%d\n", s.UnitID)
	default:
		fmt.Fprintf(sb, "control: protocol id %d\n", pkt.Header.AppID)
	}
}

// ParseHex decodes a hex dump. Whitespace is ignored; odd-length input is an
// error.
func ParseHex(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("hex string has odd length %d", len(clean))
	}
	return hex.DecodeString(clean)
}
