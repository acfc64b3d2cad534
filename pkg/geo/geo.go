// Package geo converts the receiver's raw angular and time encodings into
// degrees, UTC timestamps and UTM grid coordinates.
package geo

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// GarminEpoch is the zero point for the device's day and second counters.
var GarminEpoch = time.Date(1989, time.December, 31, 0, 0, 0, 0, time.UTC)

// maxRepresentableYear bounds timestamps to what RFC 3339 and JSON can carry.
const maxRepresentableYear = 9999

// ErrOutOfRange is returned when a latitude falls outside the UTM band.
var ErrOutOfRange = errors.New("latitude out of UTM range (-80 to 84)")

// semicircleScale maps the full signed 32-bit range onto +/-180 degrees.
const semicircleScale = 180.0 / (1 << 31)

// SemicirclesToDegrees converts a semicircle-encoded angle to degrees.
func SemicirclesToDegrees(semicircles int32) float64 {
	return float64(semicircles) * semicircleScale
}

// RadiansToDegrees converts radians to degrees.
func RadiansToDegrees(radians float64) float64 {
	return radians * (180.0 / math.Pi)
}

// DegreesToRadians converts degrees to radians.
func DegreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180.0
}

// DegreesToSemicircles is the inverse of SemicirclesToDegrees, rounding to
// the nearest representable step and saturating at the int32 limits.
func DegreesToSemicircles(degrees float64) int32 {
	v := math.Round(degrees / semicircleScale)
	if v >= math.MaxInt32 {
		return math.MaxInt32
	}
	if v <= math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// FromGarminSeconds returns GarminEpoch plus the given number of seconds.
func FromGarminSeconds(seconds uint32) time.Time {
	return GarminEpoch.Add(time.Duration(seconds) * time.Second)
}

// GPSTimeToUTC computes epoch + weekStartDays days + tow seconds - leapSeconds.
// The boolean is false when the inputs cannot produce a representable time;
// callers then treat the zero time.Time as "unknown".
func GPSTimeToUTC(weekStartDays uint32, towSeconds float64, leapSeconds int16) (time.Time, bool) {
	if math.IsNaN(towSeconds) || math.IsInf(towSeconds, 0) {
		return time.Time{}, false
	}
	// A GPS week is 604800 s; allow a generous margin before calling it garbage.
	if math.Abs(towSeconds) > 1e9 {
		return time.Time{}, false
	}
	weekStart := GarminEpoch.AddDate(0, 0, int(weekStartDays))
	if weekStart.Year() > maxRepresentableYear {
		return time.Time{}, false
	}

	whole, frac := math.Modf(towSeconds)
	t := weekStart.
		Add(time.Duration(whole) * time.Second).
		Add(time.Duration(frac * float64(time.Second))).
		Add(-time.Duration(leapSeconds) * time.Second)
	if t.Year() > maxRepresentableYear {
		return time.Time{}, false
	}
	return t, true
}

// FormatLatLon renders a position the way status strings show it.
func FormatLatLon(latDeg, lonDeg float64) string {
	return fmt.Sprintf("%.6f, %.6f", latDeg, lonDeg)
}
