package spatial

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/samber/lo"
)

// Length returns the planar length of a line in projected units
func Length(ls orb.LineString) float64 {
	if len(ls) < 2 {
		return 0
	}
	return planar.Length(ls)
}

// IsDegenerate reports whether a line has fewer than two vertices or no length
func IsDegenerate(ls orb.LineString) bool {
	return len(ls) < 2 || Length(ls) == 0
}

// IsUsable reports whether a line has finite coordinates and positive length
func IsUsable(ls orb.LineString) bool {
	for _, p := range ls {
		if !isFinite(p[0]) || !isFinite(p[1]) {
			return false
		}
	}
	return !IsDegenerate(ls)
}

// InterpolatePoint returns the point located at fraction (0-1) of the line's length.
// The fraction is clamped to [0, 1]. Returns false for an empty line.
func InterpolatePoint(ls orb.LineString, fraction float64) (orb.Point, bool) {
	if len(ls) == 0 {
		return orb.Point{}, false
	}
	fraction = lo.Clamp(fraction, 0, 1)

	total := Length(ls)
	if total == 0 {
		return ls[0], true
	}

	target := fraction * total
	var walked float64
	for i := 1; i < len(ls); i++ {
		step := planar.Distance(ls[i-1], ls[i])
		if step > 0 && walked+step >= target {
			t := (target - walked) / step
			return lerp(ls[i-1], ls[i], t), true
		}
		walked += step
	}
	return ls[len(ls)-1], true
}

// Midpoint returns the point halfway along the line
func Midpoint(ls orb.LineString) (orb.Point, bool) {
	return InterpolatePoint(ls, 0.5)
}

// Centroid calculates the length-weighted centroid of a line
func Centroid(ls orb.LineString) orb.Point {
	if len(ls) == 0 {
		return orb.Point{}
	}

	var sumX, sumY, sumWeights float64
	for i := 1; i < len(ls); i++ {
		w := planar.Distance(ls[i-1], ls[i])
		sumX += w * (ls[i-1][0] + ls[i][0]) / 2
		sumY += w * (ls[i-1][1] + ls[i][1]) / 2
		sumWeights += w
	}

	if sumWeights == 0 {
		return ls[0]
	}
	return orb.Point{sumX / sumWeights, sumY / sumWeights}
}

// Connector builds the line between the midpoints of two lines
func Connector(from, to orb.LineString) (orb.LineString, bool) {
	a, ok := Midpoint(from)
	if !ok {
		return nil, false
	}
	b, ok := Midpoint(to)
	if !ok {
		return nil, false
	}
	return orb.LineString{a, b}, true
}

// PaddedBound returns the bounding box of a line grown by radius on every side
func PaddedBound(ls orb.LineString, radius float64) orb.Bound {
	return ls.Bound().Pad(radius)
}

func lerp(a, b orb.Point, t float64) orb.Point {
	return orb.Point{a[0] + (b[0]-a[0])*t, a[1] + (b[1]-a[1])*t}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
