package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/dvrpc/regional-transit-screening-platform/internal/aggregation"
	"github.com/dvrpc/regional-transit-screening-platform/internal/config"
	"github.com/dvrpc/regional-transit-screening-platform/internal/logging"
	"github.com/dvrpc/regional-transit-screening-platform/internal/matching"
	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/qaqc"
	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

// ErrBusy is returned when another pipeline run holds the writer slot
var ErrBusy = errors.New("pipeline is already running")

// RunStore records stage executions
type RunStore interface {
	Start(ctx context.Context, dataset, stage string) (*models.PipelineRun, error)
	Complete(ctx context.Context, id int64, summary string) error
	Fail(ctx context.Context, id int64, message string) error
}

// PrepareResult summarizes the filtering of a raw table into a dataset's source table
type PrepareResult struct {
	RawTable    string `json:"raw_table"`
	SourceTable string `json:"source_table"`
	Rows        int    `json:"rows"`
}

// Summary collects the results of the stages run for one dataset
type Summary struct {
	Dataset   string              `json:"dataset"`
	Prepare   *PrepareResult      `json:"prepare,omitempty"`
	Match     *matching.Result    `json:"match,omitempty"`
	Aggregate *aggregation.Report `json:"aggregate,omitempty"`
	QAQC      *qaqc.Report        `json:"qaqc,omitempty"`
}

// Runner sequences prepare, match, aggregate and qaqc for configured datasets.
// Only one run writes at a time.
type Runner struct {
	cfg   *config.Config
	store store.GeometryStore
	runs  RunStore
	log   *logrus.Entry

	matcher    *matching.Matcher
	aggregator *aggregation.Aggregator
	generator  *qaqc.Generator

	mu sync.Mutex
}

// NewRunner wires the pipeline components over one store
func NewRunner(cfg *config.Config, s store.GeometryStore, runs RunStore, log logrus.FieldLogger) *Runner {
	return &Runner{
		cfg:        cfg,
		store:      s,
		runs:       runs,
		log:        logging.Module(log, "pipeline"),
		matcher:    matching.NewMatcher(s, cfg.Matching, cfg.Pipeline.Workers, logging.Module(log, "matching")),
		aggregator: aggregation.NewAggregator(s, cfg.Pipeline.Workers, logging.Module(log, "aggregation")),
		generator:  qaqc.NewGenerator(s, cfg.QAQC.SuspectLength, logging.Module(log, "qaqc")),
	}
}

// Matcher exposes the configured matcher for single-pair inspection
func (r *Runner) Matcher() *matching.Matcher {
	return r.matcher
}

// MatchRequest builds the matcher request for a dataset
func (r *Runner) MatchRequest(name string) (matching.Request, error) {
	d, err := r.cfg.Dataset(name)
	if err != nil {
		return matching.Request{}, err
	}
	match, _, _ := d.Tables(name)
	return matching.Request{
		SourceTable:   d.SourceTable,
		EdgeTable:     r.cfg.Network.EdgeTable,
		MatchTable:    match,
		CompareAngles: d.CompareAngles,
	}, nil
}

// Prepare filters the dataset's raw table into its source table. Datasets without a raw table are left alone.
func (r *Runner) Prepare(ctx context.Context, name string) (*PrepareResult, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()
	return r.prepare(ctx, name)
}

func (r *Runner) prepare(ctx context.Context, name string) (*PrepareResult, error) {
	d, err := r.cfg.Dataset(name)
	if err != nil {
		return nil, err
	}
	if d.RawTable == "" {
		return nil, nil
	}

	filter := d.Filter.SourceFilter()
	measures := lo.Uniq(lo.Compact(append([]string{d.ValueColumn, d.WeightColumn}, filter.PositiveColumns...)))
	var labels []string
	if filter.PrefixColumn != "" {
		labels = []string{filter.PrefixColumn}
	}

	rows, err := r.store.Sources(ctx, store.SourceQuery{
		Table:    d.RawTable,
		Measures: measures,
		Labels:   labels,
		Filter:   filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d.RawTable, err)
	}
	if err := r.store.ReplaceSources(ctx, d.SourceTable, rows, measures); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", d.SourceTable, err)
	}

	r.log.WithFields(logrus.Fields{"dataset": name, "from": d.RawTable, "to": d.SourceTable, "rows": len(rows)}).Info("Prepared source table")
	return &PrepareResult{RawTable: d.RawTable, SourceTable: d.SourceTable, Rows: len(rows)}, nil
}

// Match runs the matcher stage for a dataset
func (r *Runner) Match(ctx context.Context, name string) (*matching.Result, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()
	return r.match(ctx, name)
}

func (r *Runner) match(ctx context.Context, name string) (*matching.Result, error) {
	req, err := r.MatchRequest(name)
	if err != nil {
		return nil, err
	}
	return track(ctx, r, name, models.StageMatch, func() (*matching.Result, error) {
		return r.matcher.Match(ctx, req)
	})
}

// Aggregate runs the aggregation stage for a dataset
func (r *Runner) Aggregate(ctx context.Context, name string) (*aggregation.Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()
	return r.aggregate(ctx, name)
}

func (r *Runner) aggregate(ctx context.Context, name string) (*aggregation.Report, error) {
	d, err := r.cfg.Dataset(name)
	if err != nil {
		return nil, err
	}
	match, summary, _ := d.Tables(name)
	req := aggregation.Request{
		MatchTable:    match,
		SourceTable:   d.SourceTable,
		EdgeTable:     r.cfg.Network.EdgeTable,
		OutputTable:   summary,
		SummaryColumn: d.SummaryColumn,
		ValueColumn:   d.ValueColumn,
		WeightColumn:  d.WeightColumn,
		Mode:          d.Mode,
	}
	return track(ctx, r, name, models.StageAggregate, func() (*aggregation.Report, error) {
		return r.aggregator.Aggregate(ctx, req)
	})
}

// Diagnose runs the qaqc stage for a dataset
func (r *Runner) Diagnose(ctx context.Context, name string) (*qaqc.Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()
	return r.diagnose(ctx, name)
}

func (r *Runner) diagnose(ctx context.Context, name string) (*qaqc.Report, error) {
	d, err := r.cfg.Dataset(name)
	if err != nil {
		return nil, err
	}
	match, _, out := d.Tables(name)
	req := qaqc.Request{
		MatchTable:  match,
		SourceTable: d.SourceTable,
		EdgeTable:   r.cfg.Network.EdgeTable,
		OutputTable: out,
	}
	return track(ctx, r, name, models.StageQAQC, func() (*qaqc.Report, error) {
		return r.generator.Diagnose(ctx, req)
	})
}

// Run executes every stage for a dataset in order and stops at the first failure
func (r *Runner) Run(ctx context.Context, name string) (*Summary, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()

	summary := &Summary{Dataset: name}
	var err error
	if summary.Prepare, err = r.prepare(ctx, name); err != nil {
		return summary, err
	}
	if summary.Match, err = r.match(ctx, name); err != nil {
		return summary, err
	}
	if summary.Aggregate, err = r.aggregate(ctx, name); err != nil {
		return summary, err
	}
	if summary.QAQC, err = r.diagnose(ctx, name); err != nil {
		return summary, err
	}
	return summary, nil
}

// RunAll runs every configured dataset in name order
func (r *Runner) RunAll(ctx context.Context) ([]*Summary, error) {
	var out []*Summary
	for _, name := range r.cfg.DatasetNames() {
		s, err := r.Run(ctx, name)
		if s != nil {
			out = append(out, s)
		}
		if err != nil {
			return out, fmt.Errorf("dataset %s: %w", name, err)
		}
	}
	return out, nil
}

// track records the stage in the run store around fn
func track[T any](ctx context.Context, r *Runner, dataset, stage string, fn func() (T, error)) (T, error) {
	log := r.log.WithFields(logrus.Fields{"dataset": dataset, "stage": stage})

	run, err := r.runs.Start(ctx, dataset, stage)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to record %s run: %w", stage, err)
	}

	result, err := fn()
	if err != nil {
		// record the failure even when ctx was cancelled
		if ferr := r.runs.Fail(context.WithoutCancel(ctx), run.ID, err.Error()); ferr != nil {
			log.WithError(ferr).Error("Failed to mark run as failed")
		}
		log.WithError(err).Error("Stage failed")
		return result, err
	}

	body, err := json.Marshal(result)
	if err != nil {
		return result, fmt.Errorf("failed to encode %s summary: %w", stage, err)
	}
	if err := r.runs.Complete(ctx, run.ID, string(body)); err != nil {
		return result, fmt.Errorf("failed to record %s completion: %w", stage, err)
	}
	return result, nil
}
