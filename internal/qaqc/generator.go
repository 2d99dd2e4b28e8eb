package qaqc

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/spatial"
	"github.com/dvrpc/regional-transit-screening-platform/internal/stats"
	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

// Request names the inputs and output of one diagnostic run
type Request struct {
	MatchTable  string
	SourceTable string
	EdgeTable   string
	OutputTable string
}

// Report summarizes the connector lengths of a diagnostic run
type Report struct {
	Pairs    int           `json:"pairs"`
	Written  int           `json:"written"`
	Skipped  int           `json:"skipped"`
	Lengths  stats.Summary `json:"lengths"`
	Suspect  int           `json:"suspect"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Generator builds the connector layer used to eyeball match quality
type Generator struct {
	store         store.GeometryStore
	suspectLength float64
	log           *logrus.Entry
}

// NewGenerator creates a generator. Connectors longer than suspectLength are counted as suspect.
func NewGenerator(s store.GeometryStore, suspectLength float64, log *logrus.Entry) *Generator {
	return &Generator{store: s, suspectLength: suspectLength, log: log}
}

// Diagnose draws a line from the midpoint of each matched source segment to the
// midpoint of its edge and replaces the output table with them.
func (g *Generator) Diagnose(ctx context.Context, req Request) (*Report, error) {
	if err := store.ValidateIdentifiers(req.MatchTable, req.SourceTable, req.EdgeTable, req.OutputTable); err != nil {
		return nil, err
	}
	log := g.log.WithFields(logrus.Fields{"matches": req.MatchTable, "output": req.OutputTable})
	log.Info("Starting diagnostics")

	pairs, err := g.store.Matches(ctx, req.MatchTable)
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}
	report := &Report{Pairs: len(pairs)}

	sources := map[string]models.SourceSegment{}
	edges := map[string]models.NetworkEdge{}
	if len(pairs) > 0 {
		uids := lo.Uniq(lo.Map(pairs, func(p models.MatchPair, _ int) string { return p.SourceID }))
		rows, err := g.store.Sources(ctx, store.SourceQuery{Table: req.SourceTable, UIDs: uids})
		if err != nil {
			return nil, fmt.Errorf("failed to load sources: %w", err)
		}
		sources = lo.KeyBy(rows, func(s models.SourceSegment) string { return s.UID })

		ids := lo.Uniq(lo.Map(pairs, func(p models.MatchPair, _ int) string { return p.EdgeID }))
		found, err := g.store.Edges(ctx, store.EdgeQuery{Table: req.EdgeTable, IDs: ids})
		if err != nil {
			return nil, fmt.Errorf("failed to load edges: %w", err)
		}
		edges = lo.KeyBy(found, func(e models.NetworkEdge) string { return e.OsmUUID })
	}

	rows := make([]models.Diagnostic, 0, len(pairs))
	lengths := make([]float64, 0, len(pairs))
	for _, p := range pairs {
		src, okSrc := sources[p.SourceID]
		edge, okEdge := edges[p.EdgeID]
		if !okSrc || !okEdge {
			report.Skipped++
			msg := fmt.Sprintf("pair (%s, %s) references a missing row, skipped", p.SourceID, p.EdgeID)
			report.Warnings = append(report.Warnings, msg)
			log.WithFields(logrus.Fields{"data_uid": p.SourceID, "osmuuid": p.EdgeID}).Warn(msg)
			continue
		}

		connector, ok := spatial.Connector(src.Geom, edge.Geom)
		if !ok {
			report.Skipped++
			msg := fmt.Sprintf("pair (%s, %s) has empty geometry, skipped", p.SourceID, p.EdgeID)
			report.Warnings = append(report.Warnings, msg)
			log.WithFields(logrus.Fields{"data_uid": p.SourceID, "osmuuid": p.EdgeID}).Warn(msg)
			continue
		}

		length := spatial.Length(connector)
		rows = append(rows, models.Diagnostic{
			OsmUUID: p.EdgeID,
			DataUID: p.SourceID,
			Geom:    connector,
			FeatLen: length,
		})
		lengths = append(lengths, length)
	}

	if err := g.store.ReplaceDiagnostics(ctx, req.OutputTable, rows); err != nil {
		return nil, fmt.Errorf("failed to write diagnostics: %w", err)
	}

	report.Written = len(rows)
	report.Lengths = stats.Describe(lengths)
	report.Suspect = stats.CountAbove(lengths, g.suspectLength)

	log.WithFields(logrus.Fields{
		"written": report.Written,
		"skipped": report.Skipped,
		"mean":    report.Lengths.Mean,
		"p95":     report.Lengths.P95,
		"suspect": report.Suspect,
	}).Info("Diagnostics completed")
	return report, nil
}
