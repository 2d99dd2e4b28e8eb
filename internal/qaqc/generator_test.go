package qaqc_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvrpc/regional-transit-screening-platform/internal/logging"
	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/qaqc"
	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

var req = qaqc.Request{
	MatchTable:  "osm_matched_src",
	SourceTable: "src",
	EdgeTable:   "osm_edges",
	OutputTable: "osm_speed_qaqc",
}

func setup(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.ReplaceSources(ctx, "src", []models.SourceSegment{
		{UID: "1", Geom: orb.LineString{{0, 0}, {100, 0}}},
		{UID: "2", Geom: orb.LineString{{0, 0}, {0, 100}}},
	}, nil))
	require.NoError(t, m.ReplaceEdges(ctx, "osm_edges", []models.NetworkEdge{
		{OsmUUID: "a", Geom: orb.LineString{{0, 3}, {100, 3}}},
		{OsmUUID: "b", Geom: orb.LineString{{30, 0}, {30, 100}}},
	}))
	require.NoError(t, m.ReplaceMatches(ctx, "osm_matched_src", slices.Values([]models.MatchPair{
		{SourceID: "1", EdgeID: "a"},
		{SourceID: "2", EdgeID: "b"},
		{SourceID: "2", EdgeID: "missing"},
	})))
	return m
}

func TestDiagnose(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	report, err := qaqc.NewGenerator(s, 20, logging.Module(logging.Discard(), "qaqc")).Diagnose(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Pairs)
	assert.Equal(t, 2, report.Written)
	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, report.Warnings, 1)
	assert.Equal(t, 1, report.Suspect)
	assert.Equal(t, 2, report.Lengths.Count)
	assert.InDelta(t, 16.5, report.Lengths.Mean, 1e-9)
	assert.Equal(t, 30.0, report.Lengths.Max)

	rows, err := s.Diagnostics(ctx, "osm_speed_qaqc")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.Diagnostic{
		OsmUUID: "a", DataUID: "1",
		Geom:    orb.LineString{{50, 0}, {50, 3}},
		FeatLen: 3,
	}, rows[0])
	assert.Equal(t, orb.LineString{{0, 50}, {30, 50}}, rows[1].Geom)
	assert.Equal(t, 30.0, rows[1].FeatLen)
}

func TestDiagnoseReplaces(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	gen := qaqc.NewGenerator(s, 20, logging.Module(logging.Discard(), "qaqc"))

	_, err := gen.Diagnose(ctx, req)
	require.NoError(t, err)
	_, err = gen.Diagnose(ctx, req)
	require.NoError(t, err)

	rows, err := s.Diagnostics(ctx, "osm_speed_qaqc")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	s.FailOn("ReplaceDiagnostics", errors.New("boom"))
	_, err = gen.Diagnose(ctx, req)
	assert.Error(t, err)
	rows, err = s.Diagnostics(ctx, "osm_speed_qaqc")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestDiagnoseMissingMatchTable(t *testing.T) {
	_, err := qaqc.NewGenerator(store.NewMemory(), 20, logging.Module(logging.Discard(), "qaqc")).Diagnose(context.Background(), req)
	assert.ErrorIs(t, err, store.ErrTableNotFound)
}
