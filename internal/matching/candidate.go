package matching

import (
	"encoding/json"
	"math"

	"github.com/dvrpc/regional-transit-screening-platform/internal/config"
	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/spatial"
)

// Candidate holds the metrics of one (source, edge) pair and the outcome of each test
type Candidate struct {
	SourceID string `json:"data_uid"`
	EdgeID   string `json:"osmuuid"`

	OriginalLength    float64 `json:"original_length"`
	IntersectedLength float64 `json:"intersected_length"`
	PctInBuffer       float64 `json:"pct_in_buffer"`
	AngleDiff         float64 `json:"angle_diff"` // NaN when a direction is undefined

	Intersects    bool `json:"intersects"`
	GeometryMatch bool `json:"geometry_match"`
	AngleMatch    bool `json:"angle_match"`
}

// Confirmed reports whether the pair is a match, with or without the angle test
func (c Candidate) Confirmed(compareAngles bool) bool {
	if !c.Intersects || !c.GeometryMatch {
		return false
	}
	return !compareAngles || c.AngleMatch
}

// MarshalJSON writes an undefined angle as null
func (c Candidate) MarshalJSON() ([]byte, error) {
	type plain Candidate
	out := struct {
		plain
		AngleDiff *float64 `json:"angle_diff"`
	}{plain: plain(c)}
	if !math.IsNaN(c.AngleDiff) {
		out.AngleDiff = &c.AngleDiff
	}
	return json.Marshal(out)
}

// evaluate computes the candidate metrics for one pair under the given thresholds
func evaluate(cfg config.MatchingConfig, src models.SourceSegment, edge models.NetworkEdge) Candidate {
	c := Candidate{
		SourceID:  src.UID,
		EdgeID:    edge.OsmUUID,
		AngleDiff: math.NaN(),
	}

	overlap := spatial.BufferOverlap(edge.Geom, src.Geom, cfg.BufferRadius)
	c.Intersects = overlap.Touches
	c.OriginalLength = spatial.Length(edge.Geom)
	c.IntersectedLength = overlap.Length
	if c.OriginalLength > 0 {
		c.PctInBuffer = c.IntersectedLength / c.OriginalLength
	}
	c.GeometryMatch = c.OriginalLength > 0 &&
		(c.IntersectedLength >= cfg.MinIntersectLength || c.PctInBuffer >= cfg.MinPctInBuffer)

	c.AngleDiff = spatial.Angle(edge.Geom, src.Geom)
	c.AngleMatch = angleInBands(cfg.AngleBands, c.AngleDiff)
	return c
}

func angleInBands(bands []config.AngleBand, deg float64) bool {
	if math.IsNaN(deg) {
		return false
	}
	for _, b := range bands {
		if b.Contains(deg) {
			return true
		}
	}
	return false
}
