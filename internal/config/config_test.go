package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dvrpc/regional-transit-screening-platform/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Empty(t, cfg.Server.JWTSecret)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowOrigins)
	assert.Equal(t, 5, cfg.Server.TriggerLimit)
	assert.Equal(t, 60, cfg.Server.TriggerWindow)
	assert.Equal(t, 20.0, cfg.Matching.BufferRadius)
	assert.Equal(t, 25.0, cfg.Matching.MinIntersectLength)
	assert.Equal(t, 0.8, cfg.Matching.MinPctInBuffer)
	assert.Equal(t, []string{"ridership_njt", "ridership_septa", "speed"}, cfg.DatasetNames())

	njt, err := cfg.Dataset("ridership_njt")
	require.NoError(t, err)
	assert.False(t, njt.CompareAngles)
	assert.Equal(t, "njt", njt.Filter.Prefix)
}

func TestAngleBandContains(t *testing.T) {
	bands := config.Default().Matching.AngleBands
	in := func(deg float64) bool {
		for _, b := range bands {
			if b.Contains(deg) {
				return true
			}
		}
		return false
	}

	assert.True(t, in(0))
	assert.True(t, in(19.9))
	assert.False(t, in(20))
	assert.False(t, in(90))
	assert.False(t, in(160))
	assert.True(t, in(179))
	assert.False(t, in(200))
	assert.True(t, in(341))
	assert.False(t, in(340))
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtsp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
matching:
  buffer_radius: 30
pipeline:
  workers: 2
`), 0o644))

	t.Setenv("DB_PATH", "/tmp/other.db")
	t.Setenv("RTSP_QAQC_SUSPECT_LENGTH", "12.5")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30.0, cfg.Matching.BufferRadius)
	assert.Equal(t, 25.0, cfg.Matching.MinIntersectLength)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, "/tmp/other.db", cfg.Database.Path)
	assert.Equal(t, 12.5, cfg.QAQC.SuspectLength)
	assert.Len(t, cfg.Matching.AngleBands, 3)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cfg := config.Default()
	cfg.Matching.MinPctInBuffer = 1.5
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)

	cfg = config.Default()
	cfg.Network.EdgeTable = "osm; drop table x"
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)

	cfg = config.Default()
	speed := cfg.Datasets["speed"]
	speed.WeightColumn = ""
	cfg.Datasets["speed"] = speed
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)

	cfg = config.Default()
	cfg.Datasets["bad"] = config.DatasetConfig{
		SourceTable: "t", ValueColumn: "v", SummaryColumn: "s", Mode: "median",
	}
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)
}

func TestUnknownDataset(t *testing.T) {
	_, err := config.Default().Dataset("bus")
	assert.ErrorIs(t, err, config.ErrUnknownDataset)
}

func TestTables(t *testing.T) {
	cfg := config.Default()
	match, summary, qaqc := cfg.Datasets["speed"].Tables("speed")
	assert.Equal(t, "osm_matched_rtsp_input_speed", match)
	assert.Equal(t, "osm_speed", summary)
	assert.Equal(t, "osm_speed_qaqc", qaqc)
}

func TestDumpRoundTrip(t *testing.T) {
	out, err := config.Dump(config.Default())
	require.NoError(t, err)

	var back config.Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, config.Default().Matching, back.Matching)
}
