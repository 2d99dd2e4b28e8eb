package spatial

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/paulmach/orb"
)

// Azimuth returns the clockwise angle from north (+Y) of the vector a->b in degrees [0, 360).
// NaN when a and b coincide.
func Azimuth(a, b orb.Point) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	if dx == 0 && dy == 0 {
		return math.NaN()
	}
	return NormalizeDegrees((s1.Angle(math.Atan2(dx, dy)) * s1.Radian).Degrees())
}

// Angle returns the clockwise angle in degrees [0, 360) from the direction of
// line a to the direction of line b, each direction taken from the first to the
// last vertex. This follows PostGIS ST_Angle(line1, line2).
// NaN when either line has no direction.
func Angle(a, b orb.LineString) float64 {
	if len(a) < 2 || len(b) < 2 {
		return math.NaN()
	}
	azA := Azimuth(a[0], a[len(a)-1])
	azB := Azimuth(b[0], b[len(b)-1])
	if math.IsNaN(azA) || math.IsNaN(azB) {
		return math.NaN()
	}
	return NormalizeDegrees(azB - azA)
}

// NormalizeDegrees maps an angle in degrees to [0, 360)
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}
