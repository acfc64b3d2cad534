package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/collar-nexus/pkg/geo"
)

// TrackedEntity is one 12-byte record of a multi-entity report.
type TrackedEntity struct {
	LonSemicircles int32
	LatSemicircles int32
	Status         uint32 // identifier/status word
}

// DecodeTrackedEntity decodes one record at offset.
func DecodeTrackedEntity(data []byte, offset int) (TrackedEntity, error) {
	if offset < 0 || len(data)-offset < TrackedEntitySize {
		return TrackedEntity{}, fmt.Errorf("%w: entity record needs %d bytes at offset %d, have %d",
			ErrDecode, TrackedEntitySize, offset, len(data))
	}
	b := data[offset:]
	le := binary.LittleEndian
	return TrackedEntity{
		LonSemicircles: int32(le.Uint32(b[EntityOffsetLon:])),
		LatSemicircles: int32(le.Uint32(b[EntityOffsetLat:])),
		Status:         le.Uint32(b[EntityOffsetStatus:]),
	}, nil
}

// DecodeTrackedEntities decodes a full 72-byte multi-entity block starting at
// offset into its six records, in payload order.
func DecodeTrackedEntities(data []byte, offset int) ([]TrackedEntity, error) {
	if offset < 0 || offset > len(data) || len(data)-offset < TrackedEntitiesSize {
		return nil, fmt.Errorf("%w: multi-entity block needs %d bytes at offset %d, have %d",
			ErrDecode, TrackedEntitiesSize, offset, len(data))
	}
	out := make([]TrackedEntity, 0, TrackedEntitiesPerPkt)
	for i := 0; i < TrackedEntitiesPerPkt; i++ {
		e, err := DecodeTrackedEntity(data, offset+i*TrackedEntitySize)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// LatitudeDegrees returns the latitude in degrees.
func (e TrackedEntity) LatitudeDegrees() float64 {
	return geo.SemicirclesToDegrees(e.LatSemicircles)
}

// LongitudeDegrees returns the longitude in degrees.
func (e TrackedEntity) LongitudeDegrees() float64 {
	return geo.SemicirclesToDegrees(e.LonSemicircles)
}

func (e TrackedEntity) String() string {
	return fmt.Sprintf("entity status=0x%08X pos=%s utm=%s",
		e.Status,
		geo.FormatLatLon(e.LatitudeDegrees(), e.LongitudeDegrees()),
		geo.UtmString(e.LongitudeDegrees(), e.LatitudeDegrees()))
}
