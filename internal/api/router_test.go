package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvrpc/regional-transit-screening-platform/internal/api"
	"github.com/dvrpc/regional-transit-screening-platform/internal/config"
	"github.com/dvrpc/regional-transit-screening-platform/internal/database"
	"github.com/dvrpc/regional-transit-screening-platform/internal/handler"
	"github.com/dvrpc/regional-transit-screening-platform/internal/logging"
	"github.com/dvrpc/regional-transit-screening-platform/internal/middleware"
	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/pipeline"
	"github.com/dvrpc/regional-transit-screening-platform/internal/repository"
	"github.com/dvrpc/regional-transit-screening-platform/internal/service"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T, mutate func(*config.Config)) *gin.Engine {
	t.Helper()
	ctx := context.Background()
	log := logging.Discard()

	cfg := config.Default()
	cfg.Server.JWTSecret = secret
	cfg.Pipeline.Workers = 2
	if mutate != nil {
		mutate(cfg)
	}

	db, err := database.Open(ctx, database.Config{Path: filepath.Join(t.TempDir(), "rtsp.db")}, logging.Module(log, "database"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	geometry := repository.NewGeometryStore(db, logging.Module(log, "store"))
	runs := repository.NewRunRepository(db)

	require.NoError(t, geometry.ReplaceEdges(ctx, "osm_edges", []models.NetworkEdge{
		{OsmUUID: "e1", Geom: orb.LineString{{0, 5}, {100, 5}}},
		{OsmUUID: "e2", Geom: orb.LineString{{0, 505}, {100, 505}}},
	}))
	require.NoError(t, geometry.ReplaceSources(ctx, "rtsp_input_speed", []models.SourceSegment{
		{UID: "1", Geom: orb.LineString{{0, 0}, {100, 0}}, Measures: map[string]float64{"speed": 30, "cnt": 2}},
		{UID: "2", Geom: orb.LineString{{0, 2}, {100, 2}}, Measures: map[string]float64{"speed": 60, "cnt": 3}},
	}, []string{"speed", "cnt"}))

	runner := pipeline.NewRunner(cfg, geometry, runs, log)
	svc := service.NewPipelineService(cfg, geometry, geometry, runs, runner, logging.Module(log, "service"))
	return api.SetupRouter(cfg, handler.NewPipelineHandler(svc), log)
}

func token(t *testing.T) string {
	t.Helper()
	raw, err := middleware.IssueToken(secret, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return raw
}

func do(r *gin.Engine, method, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func TestHealth(t *testing.T) {
	r := newServer(t, nil)
	w := do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestDatasets(t *testing.T) {
	r := newServer(t, nil)

	w := do(r, http.MethodGet, "/api/v1/datasets", "")
	require.Equal(t, http.StatusOK, w.Code)
	var datasets []service.DatasetInfo
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &datasets))
	require.Len(t, datasets, 3)
	assert.Equal(t, "ridership_njt", datasets[0].Name)
	assert.Equal(t, "speed", datasets[2].Name)
	assert.Equal(t, "osm_speed", datasets[2].SummaryTable)
	assert.Equal(t, "osm_matched_rtsp_input_speed", datasets[2].MatchTable)

	w = do(r, http.MethodGet, "/api/v1/datasets/bus_lanes", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSummariesBeforeRun(t *testing.T) {
	r := newServer(t, nil)
	w := do(r, http.MethodGet, "/api/v1/datasets/speed/summaries", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerRequiresToken(t *testing.T) {
	r := newServer(t, nil)

	w := do(r, http.MethodPost, "/api/v1/datasets/speed/run", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/api/v1/datasets/speed/run", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := middleware.IssueToken(secret, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))})
	require.NoError(t, err)
	w = do(r, http.MethodPost, "/api/v1/datasets/speed/run", expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTriggerWithoutSecret(t *testing.T) {
	r := newServer(t, func(cfg *config.Config) { cfg.Server.JWTSecret = "" })
	w := do(r, http.MethodPost, "/api/v1/datasets/speed/run", token(t))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTriggerAndRead(t *testing.T) {
	r := newServer(t, nil)
	bearer := token(t)

	w := do(r, http.MethodPost, "/api/v1/datasets/speed/run", bearer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary pipeline.Summary
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &summary))
	assert.Equal(t, "speed", summary.Dataset)
	require.NotNil(t, summary.Match)
	assert.Equal(t, 2, summary.Match.Pairs)

	w = do(r, http.MethodGet, "/api/v1/datasets/speed/summaries", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/geo+json", w.Header().Get("Content-Type"))
	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "e1", fc.Features[0].Properties["osmuuid"])
	assert.InDelta(t, 48.0, fc.Features[0].Properties.MustFloat64("avgspeed"), 1e-9)
	assert.Equal(t, 2, fc.Features[0].Properties.MustInt("num_obs"))

	w = do(r, http.MethodGet, "/api/v1/datasets/speed/qaqc", "")
	require.Equal(t, http.StatusOK, w.Code)
	fc, err = geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, fc.Features, 2)

	w = do(r, http.MethodGet, "/api/v1/datasets/speed/qaqc?min_length=4", "")
	require.Equal(t, http.StatusOK, w.Code)
	fc, err = geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "1", fc.Features[0].Properties["data_uid"])

	w = do(r, http.MethodGet, "/api/v1/datasets/speed/qaqc?min_length=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/v1/runs?dataset=speed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var runs models.RunsResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &runs))
	assert.EqualValues(t, 3, runs.Total)
	for _, run := range runs.Data {
		assert.Equal(t, models.RunStatusCompleted, run.Status)
	}

	w = do(r, http.MethodGet, "/api/v1/tables", "")
	require.Equal(t, http.StatusOK, w.Code)
	var tables []models.TableInfo
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &tables))
	names := make([]string, 0, len(tables))
	for _, table := range tables {
		names = append(names, table.Name)
	}
	assert.Contains(t, names, "osm_speed")
	assert.Contains(t, names, "osm_speed_qaqc")
	assert.Contains(t, names, "osm_matched_rtsp_input_speed")
}

func TestRuns(t *testing.T) {
	r := newServer(t, nil)

	w := do(r, http.MethodGet, "/api/v1/runs/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/v1/runs/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/datasets/speed/run", token(t)).Code)
	w = do(r, http.MethodGet, "/api/v1/runs/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var run models.PipelineRun
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &run))
	assert.Equal(t, "speed", run.Dataset)
	assert.Equal(t, models.StageMatch, run.Stage)
}

func TestExplain(t *testing.T) {
	r := newServer(t, nil)

	w := do(r, http.MethodGet, "/api/v1/datasets/speed/explain/2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var candidates []map[string]interface{}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &candidates))
	require.Len(t, candidates, 1)
	assert.Equal(t, "e1", candidates[0]["osmuuid"])
	assert.Equal(t, true, candidates[0]["geometry_match"])

	w = do(r, http.MethodGet, "/api/v1/datasets/speed/explain/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerRateLimited(t *testing.T) {
	r := newServer(t, func(cfg *config.Config) { cfg.Server.TriggerLimit = 1 })
	bearer := token(t)

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/datasets/speed/run", bearer).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/api/v1/datasets/speed/run", bearer).Code)
}

func TestTriggerMissingRawTable(t *testing.T) {
	r := newServer(t, nil)

	// njt raw table was never imported
	w := do(r, http.MethodPost, "/api/v1/datasets/ridership_njt/run", token(t))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
