package aggregation_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvrpc/regional-transit-screening-platform/internal/aggregation"
	"github.com/dvrpc/regional-transit-screening-platform/internal/config"
	"github.com/dvrpc/regional-transit-screening-platform/internal/logging"
	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

var line = orb.LineString{{0, 0}, {100, 0}}

func src(uid string, measures map[string]float64) models.SourceSegment {
	return models.SourceSegment{UID: uid, Geom: line, Measures: measures}
}

func setup(t *testing.T, sources []models.SourceSegment, edges []string, pairs []models.MatchPair) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.ReplaceSources(ctx, "rtsp_input_speed", sources, []string{"speed", "cnt"}))
	require.NoError(t, m.ReplaceEdges(ctx, "osm_edges", edgesFor(edges)))
	require.NoError(t, m.ReplaceMatches(ctx, "osm_matched_rtsp_input_speed", slices.Values(pairs)))
	return m
}

func edgesFor(ids []string) []models.NetworkEdge {
	out := make([]models.NetworkEdge, len(ids))
	for i, id := range ids {
		out[i] = models.NetworkEdge{OsmUUID: id, Geom: line}
	}
	return out
}

func speedRequest(mode string) aggregation.Request {
	return aggregation.Request{
		MatchTable:    "osm_matched_rtsp_input_speed",
		SourceTable:   "rtsp_input_speed",
		EdgeTable:     "osm_edges",
		OutputTable:   "osm_speed",
		SummaryColumn: "avgspeed",
		ValueColumn:   "speed",
		WeightColumn:  "cnt",
		Mode:          mode,
	}
}

func newAggregator(s store.GeometryStore) *aggregation.Aggregator {
	return aggregation.NewAggregator(s, 4, logging.Module(logging.Discard(), "aggregation"))
}

func summaries(t *testing.T, s store.GeometryStore, column string) map[string]models.EdgeSummary {
	t.Helper()
	rows, err := s.Summaries(context.Background(), store.SummaryTable{Table: "osm_speed", Column: column})
	require.NoError(t, err)
	out := make(map[string]models.EdgeSummary, len(rows))
	for _, r := range rows {
		out[r.OsmUUID] = r
	}
	return out
}

func TestWeightedMean(t *testing.T) {
	s := setup(t,
		[]models.SourceSegment{
			src("1", map[string]float64{"speed": 30, "cnt": 2}),
			src("2", map[string]float64{"speed": 60, "cnt": 3}),
		},
		[]string{"e1"},
		[]models.MatchPair{{SourceID: "1", EdgeID: "e1"}, {SourceID: "2", EdgeID: "e1"}},
	)

	report, err := newAggregator(s).Aggregate(context.Background(), speedRequest(config.ModeWeightedMean))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Written)
	assert.Empty(t, report.Warnings)

	got := summaries(t, s, "avgspeed")["e1"]
	require.NotNil(t, got.Value)
	assert.InDelta(t, 48.0, *got.Value, 1e-9)
	assert.Equal(t, 2, got.NumObs)
	assert.Equal(t, line, got.Geom)
}

func TestSimpleMean(t *testing.T) {
	s := setup(t,
		[]models.SourceSegment{
			src("1", map[string]float64{"speed": 30}),
			src("2", map[string]float64{"speed": 60}),
		},
		[]string{"e1"},
		[]models.MatchPair{{SourceID: "1", EdgeID: "e1"}, {SourceID: "2", EdgeID: "e1"}},
	)

	req := speedRequest(config.ModeSimpleMean)
	req.WeightColumn = ""
	_, err := newAggregator(s).Aggregate(context.Background(), req)
	require.NoError(t, err)

	got := summaries(t, s, "avgspeed")["e1"]
	assert.Equal(t, 45.0, *got.Value)
	assert.Equal(t, 2, got.NumObs)
}

func TestZeroDenominatorLeavesNull(t *testing.T) {
	s := setup(t,
		[]models.SourceSegment{
			src("1", map[string]float64{"speed": 30, "cnt": 0}),
			src("2", map[string]float64{"speed": 60, "cnt": 0}),
			src("3", map[string]float64{"speed": 50, "cnt": 1}),
		},
		[]string{"e1", "e2"},
		[]models.MatchPair{{SourceID: "1", EdgeID: "e1"}, {SourceID: "2", EdgeID: "e1"}, {SourceID: "3", EdgeID: "e2"}},
	)

	report, err := newAggregator(s).Aggregate(context.Background(), speedRequest(config.ModeWeightedMean))
	require.NoError(t, err)
	assert.Equal(t, 1, report.NullValues)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "e1")

	got := summaries(t, s, "avgspeed")
	assert.Nil(t, got["e1"].Value)
	assert.Zero(t, got["e1"].NumObs)
	assert.Equal(t, 50.0, *got["e2"].Value)
	assert.Equal(t, 1, got["e2"].NumObs)
}

func TestRejectsBadRows(t *testing.T) {
	s := setup(t,
		[]models.SourceSegment{
			src("null-speed", map[string]float64{"cnt": 2}),
			src("zero-speed", map[string]float64{"speed": 0, "cnt": 2}),
			src("neg-weight", map[string]float64{"speed": 40, "cnt": -1}),
			src("ok", map[string]float64{"speed": 20, "cnt": 4}),
		},
		[]string{"e1"},
		[]models.MatchPair{
			{SourceID: "neg-weight", EdgeID: "e1"},
			{SourceID: "null-speed", EdgeID: "e1"},
			{SourceID: "ok", EdgeID: "e1"},
			{SourceID: "zero-speed", EdgeID: "e1"},
		},
	)

	report, err := newAggregator(s).Aggregate(context.Background(), speedRequest(config.ModeWeightedMean))
	require.NoError(t, err)
	assert.Equal(t, 3, report.RejectedRows)

	got := summaries(t, s, "avgspeed")["e1"]
	assert.Equal(t, 20.0, *got.Value)
	assert.Equal(t, 1, got.NumObs)
}

func TestOrphanEdgesSkipped(t *testing.T) {
	s := setup(t,
		[]models.SourceSegment{src("1", map[string]float64{"speed": 30, "cnt": 1})},
		[]string{"e1"},
		[]models.MatchPair{{SourceID: "1", EdgeID: "e1"}, {SourceID: "1", EdgeID: "gone"}},
	)

	report, err := newAggregator(s).Aggregate(context.Background(), speedRequest(config.ModeWeightedMean))
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, report.Orphans)
	assert.Equal(t, 2, report.Edges)
	assert.Equal(t, 1, report.Written)

	got := summaries(t, s, "avgspeed")
	assert.Len(t, got, 1)
	assert.Contains(t, got, "e1")
}

func TestIdempotentAndStaleValuesDropped(t *testing.T) {
	ctx := context.Background()
	s := setup(t,
		[]models.SourceSegment{
			src("1", map[string]float64{"speed": 30, "cnt": 2}),
			src("2", map[string]float64{"speed": 60, "cnt": 3}),
		},
		[]string{"e1", "e2"},
		[]models.MatchPair{{SourceID: "1", EdgeID: "e1"}, {SourceID: "2", EdgeID: "e2"}},
	)
	agg := newAggregator(s)

	_, err := agg.Aggregate(ctx, speedRequest(config.ModeWeightedMean))
	require.NoError(t, err)
	first := summaries(t, s, "avgspeed")

	_, err = agg.Aggregate(ctx, speedRequest(config.ModeWeightedMean))
	require.NoError(t, err)
	assert.Equal(t, first, summaries(t, s, "avgspeed"))

	require.NoError(t, s.ReplaceMatches(ctx, "osm_matched_rtsp_input_speed",
		slices.Values([]models.MatchPair{{SourceID: "1", EdgeID: "e1"}})))
	_, err = agg.Aggregate(ctx, speedRequest(config.ModeWeightedMean))
	require.NoError(t, err)
	assert.NotContains(t, summaries(t, s, "avgspeed"), "e2")
}

func TestDuplicatePairsCountOnce(t *testing.T) {
	s := setup(t,
		[]models.SourceSegment{src("1", map[string]float64{"speed": 30, "cnt": 2})},
		[]string{"e1"},
		[]models.MatchPair{{SourceID: "1", EdgeID: "e1"}, {SourceID: "1", EdgeID: "e1"}},
	)

	_, err := newAggregator(s).Aggregate(context.Background(), speedRequest(config.ModeWeightedMean))
	require.NoError(t, err)
	assert.Equal(t, 1, summaries(t, s, "avgspeed")["e1"].NumObs)
}

func TestUnknownModeAndMissingWeight(t *testing.T) {
	s := store.NewMemory()
	_, err := newAggregator(s).Aggregate(context.Background(), speedRequest("median"))
	assert.ErrorIs(t, err, aggregation.ErrUnknownMode)

	req := speedRequest(config.ModeWeightedMean)
	req.WeightColumn = ""
	_, err = newAggregator(s).Aggregate(context.Background(), req)
	assert.Error(t, err)
}

func TestStoreFailureKeepsPreviousSummaries(t *testing.T) {
	ctx := context.Background()
	s := setup(t,
		[]models.SourceSegment{src("1", map[string]float64{"speed": 30, "cnt": 2})},
		[]string{"e1"},
		[]models.MatchPair{{SourceID: "1", EdgeID: "e1"}},
	)
	_, err := newAggregator(s).Aggregate(ctx, speedRequest(config.ModeWeightedMean))
	require.NoError(t, err)

	boom := errors.New("locked")
	s.FailOn("ReplaceSummaries", boom)
	_, err = newAggregator(s).Aggregate(ctx, speedRequest(config.ModeWeightedMean))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 30.0, *summaries(t, s, "avgspeed")["e1"].Value)
}
