package models

import "github.com/paulmach/orb"

// SourceSegment represents one observed transit-data feature (speed or ridership segment)
type SourceSegment struct {
	UID  string         `json:"uid" db:"uid"`
	Geom orb.LineString `json:"-" db:"geom"`

	// Numeric measures keyed by column name. A missing key means the column was NULL.
	Measures map[string]float64 `json:"measures" db:"-"`
	// Text attributes (route name, agency) keyed by column name
	Labels map[string]string `json:"labels,omitempty" db:"-"`
}

// Measure returns the named measure and whether it was present
func (s SourceSegment) Measure(column string) (float64, bool) {
	v, ok := s.Measures[column]
	return v, ok
}

// NetworkEdge represents one link of the canonical road network
type NetworkEdge struct {
	OsmUUID string         `json:"osmuuid" db:"osmuuid"`
	Geom    orb.LineString `json:"-" db:"geom"`
}

// MatchPair links a source segment to a network edge it was matched with
type MatchPair struct {
	SourceID string `json:"data_uid" db:"data_uid"`
	EdgeID   string `json:"osmuuid" db:"osmuuid"`
}

// Less orders match pairs by source id, then edge id
func (p MatchPair) Less(o MatchPair) bool {
	if p.SourceID != o.SourceID {
		return p.SourceID < o.SourceID
	}
	return p.EdgeID < o.EdgeID
}
