package models

import "github.com/paulmach/orb"

// EdgeSummary is the aggregated value written for a matched network edge.
// Value is nil when the edge had matches but no usable denominator.
type EdgeSummary struct {
	OsmUUID string         `json:"osmuuid" db:"osmuuid"`
	Geom    orb.LineString `json:"-" db:"geom"`
	Value   *float64       `json:"value" db:"value"`
	NumObs  int            `json:"num_obs" db:"num_obs"`
}

// Diagnostic is a QA/QC connector between a source segment and its matched edge
type Diagnostic struct {
	OsmUUID string         `json:"osmuuid" db:"osmuuid"`
	DataUID string         `json:"data_uid" db:"data_uid"`
	Geom    orb.LineString `json:"-" db:"geom"`
	FeatLen float64        `json:"feat_len" db:"feat_len"`
}
