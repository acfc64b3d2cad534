package protocol

import (
	"encoding/binary"
	"fmt"
)

// BuildStartSession returns the control-layer StartSession packet (no payload).
func BuildStartSession() []byte {
	return BuildPacket(PacketTypeControl, PIDStartSession, nil)
}

// BuildApplicationCommand returns an application-layer packet with a 2-byte
// little-endian command code as payload.
func BuildApplicationCommand(pid uint16, code uint16) []byte {
	payload := make([]byte, CommandPayloadSize)
	binary.LittleEndian.PutUint16(payload, code)
	return BuildPacket(PacketTypeApplication, pid, payload)
}

// BuildStartPVTData returns the command that asks the receiver to stream PVT
// records.
func BuildStartPVTData() []byte {
	return BuildApplicationCommand(PIDCommandData, CmdStartPVTData)
}

// SessionStarted is the device's answer to StartSession.
type SessionStarted struct {
	// UnitID is zero when the device sent no payload.
	UnitID uint32
}

// DecodeSessionStarted reads the optional unit ID from a SessionStarted
// payload. An empty payload is valid.
func DecodeSessionStarted(payload []byte) (SessionStarted, error) {
	if len(payload) == 0 {
		return SessionStarted{}, nil
	}
	if len(payload) < SessionStartedMinSize {
		return SessionStarted{}, fmt.Errorf("%w: session started payload is %d bytes, need %d",
			ErrDecode, len(payload), SessionStartedMinSize)
	}
	return SessionStarted{UnitID: binary.LittleEndian.Uint32(payload)}, nil
}
