package protocol

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestDecodeTrackedEntities(t *testing.T) {
	payload := make([]byte, TrackedEntitiesSize)
	le := binary.LittleEndian
	for i := 0; i < TrackedEntitiesPerPkt; i++ {
		off := i * TrackedEntitySize
		le.PutUint32(payload[off:], uint32(int32(-(i+1)*1000)))
		le.PutUint32(payload[off+4:], uint32(int32((i+1)*2000)))
		le.PutUint32(payload[off+8:], 0xA0000000|uint32(i))
	}

	entities, err := DecodeTrackedEntities(payload, 0)
	if err != nil {
		t.Fatalf("DecodeTrackedEntities failed: %v", err)
	}
	if len(entities) != 6 {
		t.Fatalf("Expected 6 entities, got %d", len(entities))
	}

	for i, e := range entities {
		if e.LonSemicircles != int32(-(i+1)*1000) {
			t.Errorf("Entity %d: expected lon %d, got %d", i, -(i+1)*1000, e.LonSemicircles)
		}
		if e.LatSemicircles != int32((i+1)*2000) {
			t.Errorf("Entity %d: expected lat %d, got %d", i, (i+1)*2000, e.LatSemicircles)
		}
		if e.Status != 0xA0000000|uint32(i) {
			t.Errorf("Entity %d: expected status 0x%08X, got 0x%08X", i, 0xA0000000|uint32(i), e.Status)
		}
	}
}

func TestDecodeTrackedEntity_Degrees(t *testing.T) {
	rec := make([]byte, TrackedEntitySize)
	lon, lat := int32(-(1 << 29)), int32(1<<28)
	binary.LittleEndian.PutUint32(rec[EntityOffsetLon:], uint32(lon))
	binary.LittleEndian.PutUint32(rec[EntityOffsetLat:], uint32(lat))

	e, err := DecodeTrackedEntity(rec, 0)
	if err != nil {
		t.Fatalf("DecodeTrackedEntity failed: %v", err)
	}
	if math.Abs(e.LongitudeDegrees()+45) > 1e-12 {
		t.Errorf("Expected longitude -45, got %v", e.LongitudeDegrees())
	}
	if math.Abs(e.LatitudeDegrees()-22.5) > 1e-12 {
		t.Errorf("Expected latitude 22.5, got %v", e.LatitudeDegrees())
	}
}

func TestDecodeTrackedEntities_Short(t *testing.T) {
	if _, err := DecodeTrackedEntities(make([]byte, 71), 0); !errors.Is(err, ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}
	if _, err := DecodeTrackedEntity(make([]byte, 20), 12); !errors.Is(err, ErrDecode) {
		t.Errorf("Expected ErrDecode for record past the end, got %v", err)
	}
}

func TestDecodeTrackedEntities_Offset(t *testing.T) {
	data := make([]byte, 3+TrackedEntitiesSize)
	for i := 0; i < TrackedEntitiesPerPkt; i++ {
		binary.LittleEndian.PutUint32(data[3+i*TrackedEntitySize+EntityOffsetStatus:], uint32(100+i))
	}

	entities, err := DecodeTrackedEntities(data, 3)
	if err != nil {
		t.Fatalf("DecodeTrackedEntities failed: %v", err)
	}
	for i, e := range entities {
		if e.Status != uint32(100+i) {
			t.Errorf("Entity %d: expected status %d, got %d", i, 100+i, e.Status)
		}
	}

	if _, err := DecodeTrackedEntities(data, 4); !errors.Is(err, ErrDecode) {
		t.Errorf("Expected ErrDecode when the block runs past the end, got %v", err)
	}
	if _, err := DecodeTrackedEntities(data, -1); !errors.Is(err, ErrDecode) {
		t.Errorf("Expected ErrDecode for a negative offset, got %v", err)
	}
}
