package aggregation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dvrpc/regional-transit-screening-platform/internal/config"
	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/stats"
	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

// ErrUnknownMode is returned for an aggregation mode other than weighted_mean or simple_mean
var ErrUnknownMode = errors.New("unknown aggregation mode")

// Request names the inputs and output of one aggregation run
type Request struct {
	MatchTable    string
	SourceTable   string
	EdgeTable     string
	OutputTable   string
	SummaryColumn string
	ValueColumn   string
	WeightColumn  string
	Mode          string
}

// Report summarizes an aggregation run
type Report struct {
	Edges        int      `json:"edges"`
	Written      int      `json:"written"`
	NullValues   int      `json:"null_values"`
	RejectedRows int      `json:"rejected_rows"`
	Orphans      []string `json:"orphans,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Aggregator reduces the measures of matched source rows onto network edges
type Aggregator struct {
	store   store.GeometryStore
	workers int
	log     *logrus.Entry
}

// NewAggregator creates an aggregator. workers bounds concurrent per-edge reductions.
func NewAggregator(s store.GeometryStore, workers int, log *logrus.Entry) *Aggregator {
	if workers < 1 {
		workers = 1
	}
	return &Aggregator{store: s, workers: workers, log: log}
}

func (r Request) validate() error {
	switch r.Mode {
	case config.ModeWeightedMean:
		if r.WeightColumn == "" {
			return fmt.Errorf("%s requires a weight column", r.Mode)
		}
		if err := store.ValidateIdentifiers(r.WeightColumn); err != nil {
			return err
		}
	case config.ModeSimpleMean:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, r.Mode)
	}
	return store.ValidateIdentifiers(r.MatchTable, r.SourceTable, r.EdgeTable, r.OutputTable, r.SummaryColumn, r.ValueColumn)
}

type observation struct {
	value, weight float64
}

// Aggregate writes one summary row per matched edge into the output table, replacing it.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) (*Report, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	log := a.log.WithFields(logrus.Fields{"matches": req.MatchTable, "output": req.OutputTable, "mode": req.Mode})
	log.Info("Starting aggregation")

	pairs, err := a.store.Matches(ctx, req.MatchTable)
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}

	report := &Report{}
	warn := func(fields logrus.Fields, format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		report.Warnings = append(report.Warnings, msg)
		log.WithFields(fields).Warn(msg)
	}

	observations, err := a.loadObservations(ctx, req, pairs, report, warn)
	if err != nil {
		return nil, err
	}

	byEdge := lo.GroupBy(pairs, func(p models.MatchPair) string { return p.EdgeID })
	edgeIDs := lo.Keys(byEdge)
	sort.Strings(edgeIDs)
	report.Edges = len(edgeIDs)

	edges, err := a.store.Edges(ctx, store.EdgeQuery{Table: req.EdgeTable, IDs: edgeIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}
	edgeByID := lo.KeyBy(edges, func(e models.NetworkEdge) string { return e.OsmUUID })

	present := make([]string, 0, len(edgeIDs))
	for _, id := range edgeIDs {
		if _, ok := edgeByID[id]; !ok {
			report.Orphans = append(report.Orphans, id)
			warn(logrus.Fields{"osmuuid": id}, "edge %s is not in %s, skipped", id, req.EdgeTable)
			continue
		}
		present = append(present, id)
	}

	// per-edge slots written by exactly one worker
	summaries := make([]models.EdgeSummary, len(present))
	degenerate := make([]bool, len(present))
	observed := make([]int, len(present))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, id := range present {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			uids := lo.Uniq(lo.Map(byEdge[id], func(p models.MatchPair, _ int) string { return p.SourceID }))
			var values, weights []float64
			for _, uid := range uids {
				if obs, ok := observations[uid]; ok {
					values = append(values, obs.value)
					weights = append(weights, obs.weight)
				}
			}

			// a degenerate edge keeps its row with neither value nor count set
			summary := models.EdgeSummary{OsmUUID: id, Geom: edgeByID[id].Geom}
			observed[i] = len(values)
			if v, ok := reduce(req.Mode, values, weights); ok {
				summary.Value = &v
				summary.NumObs = len(values)
			} else {
				degenerate[i] = true
			}
			summaries[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, s := range summaries {
		if degenerate[i] {
			report.NullValues++
			warn(logrus.Fields{"osmuuid": s.OsmUUID, "observations": observed[i]},
				"edge %s has no usable denominator, %s and num_obs left null", s.OsmUUID, req.SummaryColumn)
		}
	}

	table := store.SummaryTable{Table: req.OutputTable, Column: req.SummaryColumn}
	if err := a.store.ReplaceSummaries(ctx, table, summaries); err != nil {
		return nil, fmt.Errorf("failed to write summaries: %w", err)
	}
	report.Written = len(summaries)

	log.WithFields(logrus.Fields{
		"edges":    report.Edges,
		"written":  report.Written,
		"null":     report.NullValues,
		"rejected": report.RejectedRows,
		"orphans":  len(report.Orphans),
	}).Info("Aggregation completed")
	return report, nil
}

// loadObservations reads the matched source rows and drops those failing the value and weight preconditions
func (a *Aggregator) loadObservations(ctx context.Context, req Request, pairs []models.MatchPair, report *Report,
	warn func(logrus.Fields, string, ...interface{})) (map[string]observation, error) {
	if len(pairs) == 0 {
		return map[string]observation{}, nil
	}

	measures := []string{req.ValueColumn}
	if req.Mode == config.ModeWeightedMean {
		measures = append(measures, req.WeightColumn)
	}
	uids := lo.Uniq(lo.Map(pairs, func(p models.MatchPair, _ int) string { return p.SourceID }))

	rows, err := a.store.Sources(ctx, store.SourceQuery{Table: req.SourceTable, Measures: measures, UIDs: uids})
	if err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}

	out := make(map[string]observation, len(rows))
	for _, row := range rows {
		if _, seen := out[row.UID]; seen {
			continue
		}
		value, ok := row.Measure(req.ValueColumn)
		if !ok || !(value > 0) || math.IsInf(value, 0) {
			report.RejectedRows++
			warn(logrus.Fields{"uid": row.UID}, "source %s has null or non-positive %s, excluded", row.UID, req.ValueColumn)
			continue
		}
		weight := 1.0
		if req.Mode == config.ModeWeightedMean {
			weight, ok = row.Measure(req.WeightColumn)
			if !ok || !(weight >= 0) || math.IsInf(weight, 0) {
				report.RejectedRows++
				warn(logrus.Fields{"uid": row.UID}, "source %s has null or negative %s, excluded", row.UID, req.WeightColumn)
				continue
			}
		}
		out[row.UID] = observation{value: value, weight: weight}
	}

	loaded := lo.SliceToMap(rows, func(r models.SourceSegment) (string, bool) { return r.UID, true })
	for _, uid := range uids {
		if !loaded[uid] {
			warn(logrus.Fields{"uid": uid}, "source %s is referenced by %s but missing from %s", uid, req.MatchTable, req.SourceTable)
		}
	}
	return out, nil
}

func reduce(mode string, values, weights []float64) (float64, bool) {
	if mode == config.ModeWeightedMean {
		return stats.WeightedMean(values, weights)
	}
	return stats.Mean(values)
}
