package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/dbehnke/collar-nexus/pkg/geo"
)

// CollarTelemetry is one 0x0C06 report relayed by the handheld for a paired
// collar.
//
// The status words were mapped by observation. Raw values are kept next to
// the extracted sub-fields so consumers can ignore the interpretation.
type CollarTelemetry struct {
	ID             int16
	LatSemicircles int32
	LonSemicircles int32
	Timestamp      time.Time
	Altitude       float32

	StatusA      uint32
	Battery      uint8 // bits 0-1 of status A
	CommStrength uint8 // bits 2-3 of status A
	GPSStrength  uint8 // bits 4-5 of status A

	StatusB          uint32
	StatusByte20     uint8
	ColorCandidate   uint8 // byte 21
	ChannelSecondary uint8 // byte 22
	ChannelPrimary   uint8 // byte 23

	StatusC uint16

	Name string

	// DynamicBlock holds the undecoded bytes between the name terminator
	// and the fixed tail.
	DynamicBlock []byte

	UnknownK    uint32
	UnknownL    uint32
	ActionState uint32 // 0 standing, 1 moving (observed)
	Final       uint16
}

// DecodeCollar decodes a collar telemetry record starting at offset. Bytes
// beyond CollarPayloadSize are ignored. Tail fields that do not fit are left
// zero.
func DecodeCollar(data []byte, offset int) (CollarTelemetry, error) {
	if offset < 0 || offset > len(data) || len(data)-offset < CollarMinSize {
		return CollarTelemetry{}, fmt.Errorf("%w: collar record needs at least %d bytes at offset %d, have %d",
			ErrDecode, CollarMinSize, offset, len(data))
	}
	n := len(data) - offset
	if n > CollarPayloadSize {
		n = CollarPayloadSize
	}
	b := data[offset : offset+n]
	le := binary.LittleEndian

	c := CollarTelemetry{
		LatSemicircles: int32(le.Uint32(b[CollarOffsetLat:])),
		LonSemicircles: int32(le.Uint32(b[CollarOffsetLon:])),
		Timestamp:      geo.FromGarminSeconds(le.Uint32(b[CollarOffsetTime:])),
		Altitude:       f32(b[CollarOffsetAlt:]),
		StatusA:        le.Uint32(b[CollarOffsetStatusA:]),
		StatusB:        le.Uint32(b[CollarOffsetStatusB:]),
		StatusC:        le.Uint16(b[CollarOffsetStatusC:]),
		ID:             int16(le.Uint16(b[CollarOffsetID:])),
	}

	lsb := uint8(c.StatusA & 0xFF)
	c.Battery = lsb & 0x03
	c.CommStrength = (lsb >> 2) & 0x03
	c.GPSStrength = (lsb >> 4) & 0x03

	c.StatusByte20 = b[CollarOffsetStatusB]
	c.ColorCandidate = b[CollarOffsetStatusB+1]
	c.ChannelSecondary = b[CollarOffsetStatusB+2]
	c.ChannelPrimary = b[CollarOffsetStatusB+3]

	// Without a terminator the name is treated as absent and the dynamic
	// block starts where the name would have.
	dynStart := CollarOffsetNameStart
	if dynStart > n {
		dynStart = n
	}
	if dynStart < n {
		if i := bytes.IndexByte(b[dynStart:], 0); i >= 0 {
			c.Name = strings.TrimRight(string(b[dynStart:dynStart+i]), "\x00")
			dynStart += i + 1
		}
	}

	tailStart := n - CollarTailSize
	if tailStart < dynStart {
		tailStart = dynStart
	}
	c.DynamicBlock = make([]byte, tailStart-dynStart)
	copy(c.DynamicBlock, b[dynStart:tailStart])

	off := tailStart
	if n >= off+4 {
		c.UnknownK = le.Uint32(b[off:])
	}
	off += 4
	if n >= off+4 {
		c.UnknownL = le.Uint32(b[off:])
	}
	off += 4
	if n >= off+4 {
		c.ActionState = le.Uint32(b[off:])
	}
	off += 4
	if n >= off+2 {
		c.Final = le.Uint16(b[off:])
	}

	return c, nil
}

// LatitudeDegrees returns the latitude in degrees.
func (c CollarTelemetry) LatitudeDegrees() float64 {
	return geo.SemicirclesToDegrees(c.LatSemicircles)
}

// LongitudeDegrees returns the longitude in degrees.
func (c CollarTelemetry) LongitudeDegrees() float64 {
	return geo.SemicirclesToDegrees(c.LonSemicircles)
}

// Moving reports the observed action state.
func (c CollarTelemetry) Moving() bool {
	return c.ActionState == 1
}

// Utm projects the collar position onto UTM.
func (c CollarTelemetry) Utm() (geo.UtmCoordinate, error) {
	return geo.ToUtm(c.LongitudeDegrees(), c.LatitudeDegrees())
}

func (c CollarTelemetry) String() string {
	return fmt.Sprintf("collar %q id=%d pos=%s utm=%s batt=%d comm=%d gps=%d",
		c.Name, c.ID,
		geo.FormatLatLon(c.LatitudeDegrees(), c.LongitudeDegrees()),
		geo.UtmString(c.LongitudeDegrees(), c.LatitudeDegrees()),
		c.Battery, c.CommStrength, c.GPSStrength)
}
