package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/dbehnke/collar-nexus/pkg/geo"
)

// PositionFix is a D800 position/velocity/time record from the receiver.
type PositionFix struct {
	Altitude    float32 // metres above the WGS84 ellipsoid
	EPE         float32 // estimated position error, 2 sigma
	EPH         float32
	EPV         float32
	FixType     uint16
	TimeOfWeek  float64 // seconds since the start of the GPS week
	LatRadians  float64
	LonRadians  float64
	VelEast     float32 // m/s
	VelNorth    float32
	VelUp       float32
	MSLHeight   float32 // ellipsoid height above mean sea level
	LeapSeconds int16
	WeekDays    uint32 // days from the Garmin epoch to the start of the week
}

// DecodePositionFix decodes a 64-byte PVT record starting at offset.
func DecodePositionFix(data []byte, offset int) (PositionFix, error) {
	if offset < 0 || len(data)-offset < PositionFixSize {
		return PositionFix{}, fmt.Errorf("%w: PVT record needs %d bytes at offset %d, have %d",
			ErrDecode, PositionFixSize, offset, len(data))
	}
	b := data[offset : offset+PositionFixSize]
	le := binary.LittleEndian

	return PositionFix{
		Altitude:    f32(b[PVTOffsetAlt:]),
		EPE:         f32(b[PVTOffsetEPE:]),
		EPH:         f32(b[PVTOffsetEPH:]),
		EPV:         f32(b[PVTOffsetEPV:]),
		FixType:     le.Uint16(b[PVTOffsetFix:]),
		TimeOfWeek:  f64(b[PVTOffsetTOW:]),
		LatRadians:  f64(b[PVTOffsetLat:]),
		LonRadians:  f64(b[PVTOffsetLon:]),
		VelEast:     f32(b[PVTOffsetVelEast:]),
		VelNorth:    f32(b[PVTOffsetVelNorth:]),
		VelUp:       f32(b[PVTOffsetVelUp:]),
		MSLHeight:   f32(b[PVTOffsetMSLHeight:]),
		LeapSeconds: int16(le.Uint16(b[PVTOffsetLeapSecs:])),
		WeekDays:    le.Uint32(b[PVTOffsetWeekDays:]),
	}, nil
}

// LatitudeDegrees returns the latitude in degrees.
func (p PositionFix) LatitudeDegrees() float64 {
	return geo.RadiansToDegrees(p.LatRadians)
}

// LongitudeDegrees returns the longitude in degrees.
func (p PositionFix) LongitudeDegrees() float64 {
	return geo.RadiansToDegrees(p.LonRadians)
}

// Uninitialized reports whether the record looks like the receiver's
// placeholder before it has a time solution.
func (p PositionFix) Uninitialized() bool {
	return p.WeekDays == 0 && math.Abs(p.TimeOfWeek) < 1.0 && p.LeapSeconds == 0 && p.FixType == FixUnusable
}

// UTC returns the absolute fix time. The boolean is false, and the time is
// zero, for uninitialized records or times that cannot be represented.
func (p PositionFix) UTC() (time.Time, bool) {
	if p.Uninitialized() {
		return time.Time{}, false
	}
	return geo.GPSTimeToUTC(p.WeekDays, p.TimeOfWeek, p.LeapSeconds)
}

// HasPosition reports whether the fix quality carries a usable position.
func (p PositionFix) HasPosition() bool {
	return p.FixType >= Fix2D && p.FixType <= Fix3DDiff
}

// FixTypeString names the fix quality.
func (p PositionFix) FixTypeString() string {
	switch p.FixType {
	case FixUnusable:
		return "Unusable"
	case FixInvalid:
		return "Invalid"
	case Fix2D:
		return "2D"
	case Fix3D:
		return "3D"
	case Fix2DDiff:
		return "2D Differential"
	case Fix3DDiff:
		return "3D Differential"
	default:
		return fmt.Sprintf("Unknown (%d)", p.FixType)
	}
}

// Utm projects the fix onto UTM.
func (p PositionFix) Utm() (geo.UtmCoordinate, error) {
	return geo.ToUtm(p.LongitudeDegrees(), p.LatitudeDegrees())
}

func (p PositionFix) String() string {
	ts := "unknown"
	if t, ok := p.UTC(); ok {
		ts = t.Format(time.RFC3339)
	}
	return fmt.Sprintf("PVT fix=%s pos=%s alt=%.1fm utm=%s time=%s",
		p.FixTypeString(),
		geo.FormatLatLon(p.LatitudeDegrees(), p.LongitudeDegrees()),
		p.Altitude,
		geo.UtmString(p.LongitudeDegrees(), p.LatitudeDegrees()),
		ts)
}

func f32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func f64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
