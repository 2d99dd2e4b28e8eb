package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb/geojson"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/dvrpc/regional-transit-screening-platform/internal/config"
	"github.com/dvrpc/regional-transit-screening-platform/internal/matching"
	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/pipeline"
	"github.com/dvrpc/regional-transit-screening-platform/internal/repository"
	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

var (
	// ErrNotFound is returned for unknown datasets, runs and tables that were never written
	ErrNotFound = errors.New("not found")
	// ErrBusy is returned when a pipeline run is already in progress
	ErrBusy = pipeline.ErrBusy
)

// RunLister reads recorded pipeline runs
type RunLister interface {
	GetByID(ctx context.Context, id int64) (*models.PipelineRun, error)
	List(ctx context.Context, filter models.RunFilter) ([]models.PipelineRun, int64, error)
}

// DatasetInfo describes a configured dataset and the tables it produces
type DatasetInfo struct {
	Name          string `json:"name"`
	RawTable      string `json:"raw_table,omitempty"`
	SourceTable   string `json:"source_table"`
	MatchTable    string `json:"match_table"`
	SummaryTable  string `json:"summary_table"`
	QAQCTable     string `json:"qaqc_table"`
	SummaryColumn string `json:"summary_column"`
	Mode          string `json:"mode"`
	CompareAngles bool   `json:"compare_angles"`
}

// PipelineService serves pipeline outputs and triggers runs
type PipelineService struct {
	cfg     *config.Config
	store   store.GeometryStore
	catalog store.Catalog
	runs    RunLister
	runner  *pipeline.Runner
	log     *logrus.Entry
}

// NewPipelineService creates a new pipeline service
func NewPipelineService(cfg *config.Config, s store.GeometryStore, catalog store.Catalog, runs RunLister,
	runner *pipeline.Runner, log *logrus.Entry) *PipelineService {
	return &PipelineService{cfg: cfg, store: s, catalog: catalog, runs: runs, runner: runner, log: log}
}

// Datasets lists every configured dataset in name order
func (s *PipelineService) Datasets() []DatasetInfo {
	return lo.Map(s.cfg.DatasetNames(), func(name string, _ int) DatasetInfo {
		info, _ := s.Dataset(name)
		return *info
	})
}

// Dataset describes one configured dataset
func (s *PipelineService) Dataset(name string) (*DatasetInfo, error) {
	d, err := s.cfg.Dataset(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	match, summary, qaqc := d.Tables(name)
	return &DatasetInfo{
		Name:          name,
		RawTable:      d.RawTable,
		SourceTable:   d.SourceTable,
		MatchTable:    match,
		SummaryTable:  summary,
		QAQCTable:     qaqc,
		SummaryColumn: d.SummaryColumn,
		Mode:          d.Mode,
		CompareAngles: d.CompareAngles,
	}, nil
}

// Summaries returns a dataset's aggregated edges as GeoJSON features.
// Edges without a usable value carry a null value property.
func (s *PipelineService) Summaries(ctx context.Context, name string) (*geojson.FeatureCollection, error) {
	info, err := s.Dataset(name)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Summaries(ctx, store.SummaryTable{Table: info.SummaryTable, Column: info.SummaryColumn})
	if err != nil {
		return nil, notFound(err)
	}

	fc := geojson.NewFeatureCollection()
	for _, row := range rows {
		f := geojson.NewFeature(row.Geom)
		f.ID = row.OsmUUID
		f.Properties["osmuuid"] = row.OsmUUID
		if row.Value != nil {
			f.Properties[info.SummaryColumn] = *row.Value
		} else {
			f.Properties[info.SummaryColumn] = nil
		}
		f.Properties["num_obs"] = row.NumObs
		fc.Append(f)
	}
	return fc, nil
}

// Diagnostics returns a dataset's qaqc connectors as GeoJSON features.
// Connectors shorter than minLength are left out.
func (s *PipelineService) Diagnostics(ctx context.Context, name string, minLength float64) (*geojson.FeatureCollection, error) {
	info, err := s.Dataset(name)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Diagnostics(ctx, info.QAQCTable)
	if err != nil {
		return nil, notFound(err)
	}

	fc := geojson.NewFeatureCollection()
	for _, row := range rows {
		if row.FeatLen < minLength {
			continue
		}
		f := geojson.NewFeature(row.Geom)
		f.Properties["osmuuid"] = row.OsmUUID
		f.Properties["data_uid"] = row.DataUID
		f.Properties["feat_len"] = row.FeatLen
		fc.Append(f)
	}
	return fc, nil
}

// Explain evaluates one source segment of a dataset against its candidate edges
func (s *PipelineService) Explain(ctx context.Context, name, uid string) ([]matching.Candidate, error) {
	req, err := s.runner.MatchRequest(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	candidates, err := s.runner.Matcher().Explain(ctx, req, uid)
	if err != nil {
		return nil, notFound(err)
	}
	return candidates, nil
}

// Tables lists the geometry tables held by the store
func (s *PipelineService) Tables(ctx context.Context) ([]models.TableInfo, error) {
	return s.catalog.Tables(ctx)
}

// Runs lists recorded pipeline runs, newest first
func (s *PipelineService) Runs(ctx context.Context, filter models.RunFilter) (*models.RunsResponse, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = 50
	}

	runs, total, err := s.runs.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	totalPages := int(total) / filter.PageSize
	if int(total)%filter.PageSize > 0 {
		totalPages++
	}
	return &models.RunsResponse{
		Data:       runs,
		Total:      total,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalPages: totalPages,
	}, nil
}

// Run returns a single pipeline run
func (s *PipelineService) Run(ctx context.Context, id int64) (*models.PipelineRun, error) {
	run, err := s.runs.GetByID(ctx, id)
	if errors.Is(err, repository.ErrRunNotFound) {
		return nil, fmt.Errorf("%w: run %d", ErrNotFound, id)
	}
	return run, err
}

// Trigger runs every stage for a dataset. It fails with ErrBusy while another run is in progress.
func (s *PipelineService) Trigger(ctx context.Context, name string) (*pipeline.Summary, error) {
	if _, err := s.Dataset(name); err != nil {
		return nil, err
	}
	s.log.WithField("dataset", name).Info("Pipeline triggered")
	return s.runner.Run(ctx, name)
}

func notFound(err error) error {
	if errors.Is(err, store.ErrTableNotFound) || errors.Is(err, matching.ErrSourceNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
