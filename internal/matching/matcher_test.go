package matching_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvrpc/regional-transit-screening-platform/internal/config"
	"github.com/dvrpc/regional-transit-screening-platform/internal/logging"
	"github.com/dvrpc/regional-transit-screening-platform/internal/matching"
	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

var east = orb.LineString{{0, 0}, {100, 0}}

func newMatcher(s store.GeometryStore, cfg config.MatchingConfig, workers int) *matching.Matcher {
	return matching.NewMatcher(s, cfg, workers, logging.Module(logging.Discard(), "matching"))
}

func defaults() config.MatchingConfig {
	return config.Default().Matching
}

func seed(t *testing.T, sources []models.SourceSegment, edges []models.NetworkEdge) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.ReplaceSources(ctx, "src", sources, nil))
	require.NoError(t, m.ReplaceEdges(ctx, "osm_edges", edges))
	return m
}

func request(compare bool) matching.Request {
	return matching.Request{SourceTable: "src", EdgeTable: "osm_edges", MatchTable: "osm_matched_src", CompareAngles: compare}
}

func TestEvaluateLengthBoundary(t *testing.T) {
	cfg := defaults()
	cfg.BufferRadius = 12.5
	m := newMatcher(store.NewMemory(), cfg, 1)
	src := models.SourceSegment{UID: "s", Geom: east}

	// crosses the 25 wide buffer: exactly 25 inside, pct 25/128
	c := m.Evaluate(src, models.NetworkEdge{OsmUUID: "e", Geom: orb.LineString{{50, -64}, {50, 64}}})
	assert.Equal(t, 25.0, c.IntersectedLength)
	assert.Less(t, c.PctInBuffer, 0.8)
	assert.True(t, c.GeometryMatch)
	assert.True(t, c.Confirmed(false))

	// exactly 25 inside with pct about 0.79
	half := 25 / 0.79 / 2
	c = m.Evaluate(src, models.NetworkEdge{OsmUUID: "e", Geom: orb.LineString{{50, -half}, {50, half}}})
	assert.Equal(t, 25.0, c.IntersectedLength)
	assert.InDelta(t, 0.79, c.PctInBuffer, 1e-9)
	assert.True(t, c.GeometryMatch)
	assert.True(t, c.Confirmed(false))

	// 24.9 inside with pct about 0.79
	cfg.BufferRadius = 12.45
	m = newMatcher(store.NewMemory(), cfg, 1)
	c = m.Evaluate(src, models.NetworkEdge{OsmUUID: "e", Geom: orb.LineString{{50, -15.76}, {50, 15.76}}})
	assert.InDelta(t, 24.9, c.IntersectedLength, 1e-9)
	assert.InDelta(t, 0.79, c.PctInBuffer, 0.001)
	assert.False(t, c.GeometryMatch)
	assert.False(t, c.Confirmed(false))
}

func TestEvaluatePctBranch(t *testing.T) {
	m := newMatcher(store.NewMemory(), defaults(), 1)
	src := models.SourceSegment{UID: "s", Geom: east}

	// short edge fully inside the buffer
	c := m.Evaluate(src, models.NetworkEdge{OsmUUID: "e", Geom: orb.LineString{{40, 5}, {50, 5}}})
	assert.Equal(t, 10.0, c.IntersectedLength)
	assert.Equal(t, 1.0, c.PctInBuffer)
	assert.True(t, c.GeometryMatch)
}

func TestEvaluateAngles(t *testing.T) {
	m := newMatcher(store.NewMemory(), defaults(), 1)
	src := models.SourceSegment{UID: "s", Geom: east}

	parallel := m.Evaluate(src, models.NetworkEdge{OsmUUID: "p", Geom: orb.LineString{{0, 5}, {100, 5}}})
	assert.InDelta(t, 0.0, parallel.AngleDiff, 1e-9)
	assert.True(t, parallel.Confirmed(true))

	cross := m.Evaluate(src, models.NetworkEdge{OsmUUID: "x", Geom: orb.LineString{{50, -100}, {50, 100}}})
	assert.InDelta(t, 90.0, cross.AngleDiff, 1e-9)
	assert.True(t, cross.GeometryMatch)
	assert.False(t, cross.Confirmed(true))
	assert.True(t, cross.Confirmed(false))

	rise := 100 * math.Tan(math.Pi/180)
	reverse := m.Evaluate(src, models.NetworkEdge{OsmUUID: "r", Geom: orb.LineString{{100, 5}, {0, 5 + rise}}})
	assert.InDelta(t, 179.0, reverse.AngleDiff, 1e-6)
	assert.True(t, reverse.Confirmed(true))
}

func TestEvaluateZeroLengthEdge(t *testing.T) {
	m := newMatcher(store.NewMemory(), defaults(), 1)
	c := m.Evaluate(models.SourceSegment{UID: "s", Geom: east}, models.NetworkEdge{OsmUUID: "z", Geom: orb.LineString{{50, 0}, {50, 0}}})
	assert.Zero(t, c.PctInBuffer)
	assert.False(t, c.GeometryMatch)
	assert.True(t, math.IsNaN(c.AngleDiff))
	assert.False(t, c.AngleMatch)
}

func fixture(t *testing.T) *store.Memory {
	return seed(t,
		[]models.SourceSegment{
			{UID: "2", Geom: east},
			{UID: "1", Geom: orb.LineString{{0, 500}, {100, 500}}},
			{UID: "bad", Geom: orb.LineString{{3, 3}}},
		},
		[]models.NetworkEdge{
			{OsmUUID: "e-par", Geom: orb.LineString{{0, 5}, {100, 5}}},
			{OsmUUID: "e-cross", Geom: orb.LineString{{50, -100}, {50, 100}}},
			{OsmUUID: "e-far", Geom: orb.LineString{{0, 300}, {100, 300}}},
			{OsmUUID: "e-top", Geom: orb.LineString{{100, 505}, {0, 505}}},
		})
}

func TestMatchWritesSortedPairs(t *testing.T) {
	s := fixture(t)
	ctx := context.Background()

	res, err := newMatcher(s, defaults(), 4).Match(ctx, request(true))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sources)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 2, res.Pairs)

	got, err := s.Matches(ctx, "osm_matched_src")
	require.NoError(t, err)
	assert.Equal(t, []models.MatchPair{
		{SourceID: "1", EdgeID: "e-top"},
		{SourceID: "2", EdgeID: "e-par"},
	}, got)
}

func TestMatchWithoutAngles(t *testing.T) {
	s := fixture(t)
	ctx := context.Background()

	res, err := newMatcher(s, defaults(), 2).Match(ctx, request(false))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pairs)

	got, err := s.Matches(ctx, "osm_matched_src")
	require.NoError(t, err)
	assert.Equal(t, []models.MatchPair{
		{SourceID: "1", EdgeID: "e-top"},
		{SourceID: "2", EdgeID: "e-cross"},
		{SourceID: "2", EdgeID: "e-par"},
	}, got)
}

func TestMatchDeterministicAndIdempotent(t *testing.T) {
	s := fixture(t)
	ctx := context.Background()

	_, err := newMatcher(s, defaults(), 1).Match(ctx, request(false))
	require.NoError(t, err)
	first, err := s.Matches(ctx, "osm_matched_src")
	require.NoError(t, err)

	for _, workers := range []int{1, 3, 16} {
		_, err := newMatcher(s, defaults(), workers).Match(ctx, request(false))
		require.NoError(t, err)
		again, err := s.Matches(ctx, "osm_matched_src")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMatchStoreFailureKeepsPreviousTable(t *testing.T) {
	s := fixture(t)
	ctx := context.Background()
	_, err := newMatcher(s, defaults(), 2).Match(ctx, request(true))
	require.NoError(t, err)

	boom := errors.New("disk full")
	s.FailOn("ReplaceMatches", boom)
	_, err = newMatcher(s, defaults(), 2).Match(ctx, request(false))
	assert.ErrorIs(t, err, boom)

	got, err := s.Matches(ctx, "osm_matched_src")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	s.FailOn("ReplaceMatches", nil)
	s.FailOn("CandidateEdges", boom)
	_, err = newMatcher(s, defaults(), 2).Match(ctx, request(false))
	assert.ErrorIs(t, err, boom)
}

func TestMatchRejectsInvalidNames(t *testing.T) {
	_, err := newMatcher(store.NewMemory(), defaults(), 1).Match(context.Background(), matching.Request{
		SourceTable: "src; drop table x", EdgeTable: "osm_edges", MatchTable: "m",
	})
	assert.ErrorIs(t, err, store.ErrInvalidIdentifier)
}

func TestMatchAllDegenerate(t *testing.T) {
	s := seed(t, []models.SourceSegment{{UID: "x", Geom: orb.LineString{{1, 1}, {1, 1}}}}, nil)
	res, err := newMatcher(s, defaults(), 1).Match(context.Background(), request(true))
	assert.ErrorIs(t, err, matching.ErrNoSources)
	assert.Equal(t, 1, res.Rejected)
}

func TestExplain(t *testing.T) {
	s := fixture(t)
	candidates, err := newMatcher(s, defaults(), 1).Explain(context.Background(), request(true), "2")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "e-cross", candidates[0].EdgeID)
	assert.False(t, candidates[0].Confirmed(true))
	assert.True(t, candidates[1].Confirmed(true))

	_, err = newMatcher(s, defaults(), 1).Explain(context.Background(), request(true), "nope")
	assert.ErrorIs(t, err, matching.ErrSourceNotFound)
}
