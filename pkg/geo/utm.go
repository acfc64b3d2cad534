package geo

import (
	"fmt"
	"math"
)

// WGS84 ellipsoid and UTM projection constants.
const (
	wgs84A     = 6378137.0
	wgs84EccSq = 0.00669438002290
	utmK0      = 0.9996

	utmFalseEasting       = 500000.0
	utmFalseNorthingSouth = 10000000.0

	utmMinLat = -80.0
	utmMaxLat = 84.0
)

// utmBandLetters holds one letter per 8 degree latitude band starting at -80.
const utmBandLetters = "CDEFGHJKLMNPQRSTUVWX"

// UtmCoordinate is a zoned transverse Mercator position.
type UtmCoordinate struct {
	Easting    float64 `json:"easting"`
	Northing   float64 `json:"northing"`
	ZoneNumber int     `json:"zone_number"`
	ZoneLetter byte    `json:"-"`
}

// Zone returns the zone designator, e.g. "31N".
func (u UtmCoordinate) Zone() string {
	return fmt.Sprintf("%d%c", u.ZoneNumber, u.ZoneLetter)
}

func (u UtmCoordinate) String() string {
	return fmt.Sprintf("%d%c %.0f %.0f", u.ZoneNumber, u.ZoneLetter, u.Easting, u.Northing)
}

// ZoneLetter returns the latitude band letter, or ' ' outside -80..84.
func ZoneLetter(latDeg float64) byte {
	if latDeg < utmMinLat || latDeg > utmMaxLat {
		return ' '
	}
	idx := int(math.Floor((latDeg - utmMinLat) / 8.0))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(utmBandLetters) {
		idx = len(utmBandLetters) - 1
	}
	return utmBandLetters[idx]
}

// ZoneNumber returns the 6 degree longitude zone (1-60).
func ZoneNumber(lonDeg float64) int {
	z := int(math.Floor((lonDeg+180.0)/6.0)) + 1
	if z < 1 {
		z = 1
	}
	if z > 60 {
		z = 60
	}
	return z
}

// ToUtm projects a WGS84 longitude/latitude pair in degrees onto UTM.
func ToUtm(lonDeg, latDeg float64) (UtmCoordinate, error) {
	if math.IsNaN(latDeg) || math.IsNaN(lonDeg) || latDeg < utmMinLat || latDeg > utmMaxLat {
		return UtmCoordinate{}, fmt.Errorf("%w: lat=%.6f", ErrOutOfRange, latDeg)
	}

	falseNorthing := 0.0
	if latDeg < 0 {
		falseNorthing = utmFalseNorthingSouth
	}

	zone := ZoneNumber(lonDeg)
	lat := DegreesToRadians(latDeg)
	centralMeridian := DegreesToRadians(float64(zone-1)*6.0 - 180.0 + 3.0)

	e2 := wgs84EccSq
	e4 := e2 * e2
	e6 := e4 * e2
	ep2 := e2 / (1.0 - e2)

	sinLat := math.Sin(lat)
	cosLat := math.Cos(lat)
	tanLat := math.Tan(lat)

	n := wgs84A / math.Sqrt(1.0-e2*sinLat*sinLat)
	t := tanLat * tanLat
	c := ep2 * cosLat * cosLat
	a := (DegreesToRadians(lonDeg) - centralMeridian) * cosLat

	m := wgs84A * ((1.0-e2/4.0-3.0*e4/64.0-5.0*e6/256.0)*lat -
		(3.0*e2/8.0+3.0*e4/32.0+45.0*e6/1024.0)*math.Sin(2.0*lat) +
		(15.0*e4/256.0+45.0*e6/1024.0)*math.Sin(4.0*lat) -
		(35.0*e6/3072.0)*math.Sin(6.0*lat))

	easting := utmK0*n*(a+
		(1.0-t+c)*math.Pow(a, 3)/6.0+
		(5.0-18.0*t+t*t+72.0*c-58.0*ep2)*math.Pow(a, 5)/120.0) + utmFalseEasting

	northing := utmK0*(m+n*tanLat*(a*a/2.0+
		(5.0-t+9.0*c+4.0*c*c)*math.Pow(a, 4)/24.0+
		(61.0-58.0*t+t*t+600.0*c-330.0*ep2)*math.Pow(a, 6)/720.0)) + falseNorthing

	return UtmCoordinate{
		Easting:    easting,
		Northing:   northing,
		ZoneNumber: zone,
		ZoneLetter: ZoneLetter(latDeg),
	}, nil
}

// UtmString formats the projection of a position, or a placeholder when the
// latitude has no UTM representation.
func UtmString(lonDeg, latDeg float64) string {
	u, err := ToUtm(lonDeg, latDeg)
	if err != nil {
		return "(out of range)"
	}
	return u.String()
}
