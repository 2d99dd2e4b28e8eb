package repository

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// encodeLine returns the WKB blob and bounding box of a line
func encodeLine(ls orb.LineString) ([]byte, orb.Bound, error) {
	data, err := wkb.Marshal(ls)
	if err != nil {
		return nil, orb.Bound{}, fmt.Errorf("failed to encode geometry: %w", err)
	}
	return data, ls.Bound(), nil
}

// decodeLine parses a WKB blob into a line. A single-part multi-line is unwrapped.
func decodeLine(data []byte) (orb.LineString, error) {
	if len(data) == 0 {
		return nil, nil
	}
	g, err := wkb.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode geometry: %w", err)
	}

	switch v := g.(type) {
	case orb.LineString:
		return v, nil
	case orb.MultiLineString:
		if len(v) == 1 {
			return v[0], nil
		}
		return nil, fmt.Errorf("expected single line, got %d parts", len(v))
	default:
		return nil, fmt.Errorf("expected line geometry, got %s", g.GeoJSONType())
	}
}
