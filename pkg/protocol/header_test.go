package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseHeader(t *testing.T) {
	data := []byte{
		0x14, 0x00, 0x00, 0x00, // type + reserved
		0x06, 0x0C, 0x00, 0x00, // app ID 0x0C06 + reserved
		0x64, 0x00, 0x00, 0x00, // size 100
	}

	h, ok := ParseHeader(data)
	if !ok {
		t.Fatal("Expected header to parse")
	}
	if h.PacketType != PacketTypeApplication {
		t.Errorf("Expected packet type 0x14, got 0x%02X", h.PacketType)
	}
	if h.AppID != PIDCollar {
		t.Errorf("Expected app ID 0x0C06, got 0x%04X", h.AppID)
	}
	if h.PayloadSize != 100 {
		t.Errorf("Expected payload size 100, got %d", h.PayloadSize)
	}
	if !h.IsApplication() || h.IsControl() {
		t.Error("Expected application layer header")
	}
}

func TestParseHeader_TooShort(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		if _, ok := ParseHeader(make([]byte, n)); ok {
			t.Errorf("Expected %d bytes to be rejected", n)
		}
	}
}

func TestHeader_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		h    Header
	}{
		{"Start session", Header{PacketType: PacketTypeControl, AppID: PIDStartSession}},
		{"Data available", Header{PacketType: PacketTypeControl, AppID: PIDDataAvailable}},
		{"PVT", Header{PacketType: PacketTypeApplication, AppID: PIDPositionFix, PayloadSize: PositionFixSize}},
		{"Max values", Header{PacketType: 0xFF, AppID: 0xFFFF, PayloadSize: 0xFFFFFFFF}},
		{"Reserved bytes set", Header{
			PacketType:  PacketTypeApplication,
			Reserved1:   [3]byte{0xAA, 0xBB, 0xCC},
			AppID:       PIDCollar,
			Reserved2:   [2]byte{0xDD, 0xEE},
			PayloadSize: CollarPayloadSize,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.h.Encode()
			if len(encoded) != HeaderSize {
				t.Fatalf("Expected %d bytes, got %d", HeaderSize, len(encoded))
			}
			parsed, ok := ParseHeader(encoded)
			if !ok {
				t.Fatal("Expected encoded header to parse")
			}
			if parsed != tt.h {
				t.Errorf("Expected %+v, got %+v", tt.h, parsed)
			}
			if !bytes.Equal(parsed.Encode(), encoded) {
				t.Error("Re-encoding changed the bytes")
			}
		})
	}
}

func TestParseHeader_ReservedBytesPreserved(t *testing.T) {
	data := []byte{
		0x14, 0x01, 0x02, 0x03,
		0x06, 0x0C, 0x04, 0x05,
		0x64, 0x00, 0x00, 0x00,
	}

	h, ok := ParseHeader(data)
	if !ok {
		t.Fatal("Expected header to parse")
	}
	if h.Reserved1 != [3]byte{1, 2, 3} {
		t.Errorf("Expected reserved bytes 01 02 03, got % X", h.Reserved1)
	}
	if h.Reserved2 != [2]byte{4, 5} {
		t.Errorf("Expected reserved bytes 04 05, got % X", h.Reserved2)
	}
	if h.AppID != PIDCollar || h.PayloadSize != 100 {
		t.Errorf("Reserved bytes leaked into fields: %s", h)
	}
	if got := h.Encode(); !bytes.Equal(got, data) {
		t.Errorf("Expected % X, got % X", data, got)
	}
}

func TestSplitPacket(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	data := BuildPacket(PacketTypeApplication, 0x1234, payload)

	pkt, err := SplitPacket(data)
	if err != nil {
		t.Fatalf("SplitPacket failed: %v", err)
	}
	if pkt.Truncated {
		t.Error("Expected complete packet")
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Errorf("Expected payload %v, got %v", payload, pkt.Payload)
	}
}

func TestSplitPacket_Truncated(t *testing.T) {
	data := BuildPacket(PacketTypeApplication, PIDCollar, make([]byte, 100))
	data = data[:HeaderSize+60]

	pkt, err := SplitPacket(data)
	if err != nil {
		t.Fatalf("Expected truncation to be a warning, got %v", err)
	}
	if !pkt.Truncated {
		t.Error("Expected Truncated to be set")
	}
	if len(pkt.Payload) != 60 {
		t.Errorf("Expected clamped payload of 60 bytes, got %d", len(pkt.Payload))
	}
	if pkt.Missing() != 40 {
		t.Errorf("Expected 40 missing bytes, got %d", pkt.Missing())
	}
}

func TestSplitPacket_ExtraBytesIgnored(t *testing.T) {
	data := append(BuildPacket(PacketTypeControl, PIDDataAvailable, nil), 0xAA, 0xBB)

	pkt, err := SplitPacket(data)
	if err != nil {
		t.Fatalf("SplitPacket failed: %v", err)
	}
	if len(pkt.Payload) != 0 {
		t.Errorf("Expected empty payload, got %d bytes", len(pkt.Payload))
	}
}

func TestSplitPacket_ShortHeader(t *testing.T) {
	_, err := SplitPacket([]byte{0x14, 0x00})
	if !errors.Is(err, ErrFrame) {
		t.Errorf("Expected ErrFrame, got %v", err)
	}
}
