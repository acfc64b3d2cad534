package testhelpers

import (
	"encoding/binary"
	"math"

	"github.com/dbehnke/collar-nexus/pkg/geo"
	"github.com/dbehnke/collar-nexus/pkg/protocol"
)

// DataAvailablePacket is the control packet announcing a bulk transfer.
func DataAvailablePacket() []byte {
	return protocol.BuildPacket(protocol.PacketTypeControl, protocol.PIDDataAvailable, nil)
}

// SessionStartedPacket is the device's answer to StartSession.
func SessionStartedPacket(unitID uint32) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, unitID)
	return protocol.BuildPacket(protocol.PacketTypeControl, protocol.PIDSessionStarted, payload)
}

// PVTPayload builds a 64-byte D800 record at the given position with a 3D
// fix, week day count and time of week.
func PVTPayload(latDeg, lonDeg float64, weekDays uint32, tow float64) []byte {
	b := make([]byte, protocol.PositionFixSize)
	le := binary.LittleEndian
	le.PutUint32(b[protocol.PVTOffsetAlt:], math.Float32bits(300))
	le.PutUint16(b[protocol.PVTOffsetFix:], protocol.Fix3D)
	le.PutUint64(b[protocol.PVTOffsetTOW:], math.Float64bits(tow))
	le.PutUint64(b[protocol.PVTOffsetLat:], math.Float64bits(geo.DegreesToRadians(latDeg)))
	le.PutUint64(b[protocol.PVTOffsetLon:], math.Float64bits(geo.DegreesToRadians(lonDeg)))
	le.PutUint16(b[protocol.PVTOffsetLeapSecs:], 18)
	le.PutUint32(b[protocol.PVTOffsetWeekDays:], weekDays)
	return b
}

// PVTPacket wraps PVTPayload in an application-layer packet.
func PVTPacket(latDeg, lonDeg float64) []byte {
	return protocol.BuildPacket(protocol.PacketTypeApplication, protocol.PIDPositionFix,
		PVTPayload(latDeg, lonDeg, 12425, 3600))
}

// CollarPayload builds a 100-byte collar report for a moving dog. The ID is
// written at offset 22, over the two channel bytes of status word B.
func CollarPayload(name string, id int16, latDeg, lonDeg float64, deviceSeconds uint32) []byte {
	b := make([]byte, protocol.CollarPayloadSize)
	le := binary.LittleEndian
	le.PutUint32(b[protocol.CollarOffsetLat:], uint32(geo.DegreesToSemicircles(latDeg)))
	le.PutUint32(b[protocol.CollarOffsetLon:], uint32(geo.DegreesToSemicircles(lonDeg)))
	le.PutUint32(b[protocol.CollarOffsetTime:], deviceSeconds)
	le.PutUint32(b[protocol.CollarOffsetAlt:], math.Float32bits(280))
	le.PutUint32(b[protocol.CollarOffsetStatusA:], 0x2B) // batt 3, comm 2, gps 2
	le.PutUint16(b[protocol.CollarOffsetID:], uint16(id))
	if len(name) > protocol.CollarPayloadSize-protocol.CollarOffsetNameStart-protocol.CollarTailSize-1 {
		name = name[:protocol.CollarPayloadSize-protocol.CollarOffsetNameStart-protocol.CollarTailSize-1]
	}
	copy(b[protocol.CollarOffsetNameStart:], name)
	le.PutUint32(b[protocol.CollarPayloadSize-protocol.CollarTailSize+8:], 1) // action state
	return b
}

// CollarPacket wraps CollarPayload in an application-layer packet.
func CollarPacket(name string, id int16, latDeg, lonDeg float64) []byte {
	return protocol.BuildPacket(protocol.PacketTypeApplication, protocol.PIDCollar,
		CollarPayload(name, id, latDeg, lonDeg, 1_100_000_000))
}

// EntitiesPacket builds a multi-entity packet with six records at
// successive offsets from the given position.
func EntitiesPacket(latDeg, lonDeg float64) []byte {
	payload := make([]byte, protocol.TrackedEntitiesSize)
	le := binary.LittleEndian
	for i := 0; i < protocol.TrackedEntitiesPerPkt; i++ {
		off := i * protocol.TrackedEntitySize
		le.PutUint32(payload[off:], uint32(geo.DegreesToSemicircles(lonDeg+float64(i)*0.001)))
		le.PutUint32(payload[off+4:], uint32(geo.DegreesToSemicircles(latDeg+float64(i)*0.001)))
		le.PutUint32(payload[off+8:], uint32(i+1))
	}
	return protocol.BuildPacket(protocol.PacketTypeApplication, protocol.PIDTrackedEntities, payload)
}

// Collar decodes CollarPayload, for tests that start above the wire format.
func Collar(name string, id int16, latDeg, lonDeg float64) protocol.CollarTelemetry {
	c, err := protocol.DecodeCollar(CollarPayload(name, id, latDeg, lonDeg, 1_100_000_000), 0)
	if err != nil {
		panic(err)
	}
	return c
}

// Fix decodes PVTPayload with a known time.
func Fix(latDeg, lonDeg float64) protocol.PositionFix {
	fix, err := protocol.DecodePositionFix(PVTPayload(latDeg, lonDeg, 12425, 3600), 0)
	if err != nil {
		panic(err)
	}
	return fix
}
