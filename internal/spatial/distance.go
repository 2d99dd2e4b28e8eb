package spatial

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// Overlap describes how a line relates to the buffer of another line
type Overlap struct {
	// Length of the line that lies inside the buffer
	Length float64
	// Touches is true when the line and the buffer share at least one point
	Touches bool
}

// BufferOverlap measures the part of line inside the round-capped buffer of
// radius around the line `around`. It is the planar equivalent of
// ST_Length(ST_Intersection(line, ST_Buffer(around, radius))) together with
// ST_Intersects(line, ST_Buffer(around, radius)).
func BufferOverlap(line, around orb.LineString, radius float64) Overlap {
	var out Overlap
	if len(line) < 2 || len(around) == 0 || radius < 0 {
		return out
	}

	for i := 1; i < len(line); i++ {
		p0 := line[i-1]
		d := orb.Point{line[i][0] - p0[0], line[i][1] - p0[1]}
		segLen := math.Hypot(d[0], d[1])
		if segLen == 0 {
			if !out.Touches && pointWithin(p0, around, radius) {
				out.Touches = true
			}
			continue
		}

		var spans []span
		if len(around) == 1 {
			if s, ok := diskSpan(p0, d, around[0], radius); ok {
				spans = append(spans, s)
			}
		}
		for j := 1; j < len(around); j++ {
			if s, ok := capsuleSpan(p0, d, around[j-1], around[j], radius); ok {
				spans = append(spans, s)
			}
		}
		if len(spans) == 0 {
			continue
		}

		out.Touches = true
		out.Length += mergedLength(spans) * segLen
	}
	return out
}

// span is a parameter interval [lo, hi] along a segment, 0 <= lo <= hi <= 1
type span struct {
	lo, hi float64
}

func clipUnit(lo, hi float64) (span, bool) {
	lo = math.Max(lo, 0)
	hi = math.Min(hi, 1)
	if lo > hi || !isFinite(lo) || !isFinite(hi) {
		return span{}, false
	}
	return span{lo, hi}, true
}

func mergedLength(spans []span) float64 {
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })

	var total float64
	cur := spans[0]
	for _, s := range spans[1:] {
		if s.lo <= cur.hi {
			cur.hi = math.Max(cur.hi, s.hi)
			continue
		}
		total += cur.hi - cur.lo
		cur = s
	}
	return total + cur.hi - cur.lo
}

// capsuleSpan intersects the segment p0 + t*d with the capsule around a-b.
// The capsule is convex, so the union of its three pieces (two end disks and
// the central rectangle) cut by the segment is a single interval.
func capsuleSpan(p0, d, a, b orb.Point, r float64) (span, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	merge := func(s span, ok bool) {
		if ok {
			lo = math.Min(lo, s.lo)
			hi = math.Max(hi, s.hi)
		}
	}

	merge(diskSpan(p0, d, a, r))
	merge(diskSpan(p0, d, b, r))
	if a != b {
		merge(rectSpan(p0, d, a, b, r))
	}
	if lo > hi {
		return span{}, false
	}
	return span{lo, hi}, true
}

func diskSpan(p0, d, c orb.Point, r float64) (span, bool) {
	fx, fy := p0[0]-c[0], p0[1]-c[1]
	qa := d[0]*d[0] + d[1]*d[1]
	qb := 2 * (d[0]*fx + d[1]*fy)
	qc := fx*fx + fy*fy - r*r

	disc := qb*qb - 4*qa*qc
	if disc < 0 {
		return span{}, false
	}
	sq := math.Sqrt(disc)
	return clipUnit((-qb-sq)/(2*qa), (-qb+sq)/(2*qa))
}

func rectSpan(p0, d, a, b orb.Point, r float64) (span, bool) {
	ax, ay := b[0]-a[0], b[1]-a[1]
	length := math.Hypot(ax, ay)
	ux, uy := ax/length, ay/length
	nx, ny := -uy, ux

	rx, ry := p0[0]-a[0], p0[1]-a[1]
	lo, hi := math.Inf(-1), math.Inf(1)

	// along(t) = c0 + t*c1 must stay within [min, max]
	clamp := func(c0, c1, min, max float64) bool {
		if c1 == 0 {
			return c0 >= min && c0 <= max
		}
		t0, t1 := (min-c0)/c1, (max-c0)/c1
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		lo = math.Max(lo, t0)
		hi = math.Min(hi, t1)
		return lo <= hi
	}

	if !clamp(rx*ux+ry*uy, d[0]*ux+d[1]*uy, 0, length) {
		return span{}, false
	}
	if !clamp(rx*nx+ry*ny, d[0]*nx+d[1]*ny, -r, r) {
		return span{}, false
	}
	return clipUnit(lo, hi)
}

func pointWithin(p orb.Point, around orb.LineString, r float64) bool {
	if len(around) == 1 {
		return math.Hypot(p[0]-around[0][0], p[1]-around[0][1]) <= r
	}
	for j := 1; j < len(around); j++ {
		if distanceToSegment(p, around[j-1], around[j]) <= r {
			return true
		}
	}
	return false
}

func distanceToSegment(p, a, b orb.Point) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	if dx == 0 && dy == 0 {
		return math.Hypot(p[0]-a[0], p[1]-a[1])
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / (dx*dx + dy*dy)
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p[0]-(a[0]+t*dx), p[1]-(a[1]+t*dy))
}
