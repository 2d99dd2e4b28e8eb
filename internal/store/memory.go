package store

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sort"

	"github.com/paulmach/orb"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"

	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/spatial"
)

// DefaultCellSize is the grid index cell size used by Memory, in projected units
const DefaultCellSize = 250.0

// Memory is an in-process GeometryStore. Tables are immutable once stored,
// a replace swaps the whole value.
type Memory struct {
	cellSize float64

	sources     *xsync.MapOf[string, *sourceTable]
	edges       *xsync.MapOf[string, *edgeTable]
	matches     *xsync.MapOf[string, []models.MatchPair]
	summaries   *xsync.MapOf[string, *summaryTable]
	diagnostics *xsync.MapOf[string, []models.Diagnostic]

	failures *xsync.MapOf[string, error]
}

type sourceTable struct {
	measures []string
	labels   []string
	rows     []models.SourceSegment
}

type edgeTable struct {
	rows  []models.NetworkEdge
	byID  map[string]int
	index *spatial.GridIndex
}

type summaryTable struct {
	column string
	rows   []models.EdgeSummary
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		cellSize:    DefaultCellSize,
		sources:     xsync.NewMapOf[string, *sourceTable](),
		edges:       xsync.NewMapOf[string, *edgeTable](),
		matches:     xsync.NewMapOf[string, []models.MatchPair](),
		summaries:   xsync.NewMapOf[string, *summaryTable](),
		diagnostics: xsync.NewMapOf[string, []models.Diagnostic](),
		failures:    xsync.NewMapOf[string, error](),
	}
}

// FailOn makes every later call of the named method return err.
// Passing a nil error clears the failure.
func (m *Memory) FailOn(method string, err error) {
	if err == nil {
		m.failures.Delete(method)
		return
	}
	m.failures.Store(method, err)
}

func (m *Memory) fail(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := m.failures.Load(method); ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Sources returns source rows in insertion order
func (m *Memory) Sources(ctx context.Context, q SourceQuery) ([]models.SourceSegment, error) {
	if err := m.fail(ctx, "Sources"); err != nil {
		return nil, err
	}
	if err := ValidateIdentifiers(q.Table); err != nil {
		return nil, err
	}
	t, ok := m.sources.Load(q.Table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, q.Table)
	}

	needMeasures := append(slices.Clone(q.Measures), q.Filter.PositiveColumns...)
	for _, col := range needMeasures {
		if !slices.Contains(t.measures, col) {
			return nil, fmt.Errorf("%w: %s.%s", ErrColumnNotFound, q.Table, col)
		}
	}
	needLabels := slices.Clone(q.Labels)
	if q.Filter.PrefixColumn != "" {
		needLabels = append(needLabels, q.Filter.PrefixColumn)
	}
	for _, col := range needLabels {
		if !slices.Contains(t.labels, col) {
			return nil, fmt.Errorf("%w: %s.%s", ErrColumnNotFound, q.Table, col)
		}
	}

	var uids map[string]struct{}
	if len(q.UIDs) > 0 {
		uids = lo.SliceToMap(q.UIDs, func(id string) (string, struct{}) { return id, struct{}{} })
	}

	out := make([]models.SourceSegment, 0, len(t.rows))
	for _, row := range t.rows {
		if uids != nil {
			if _, ok := uids[row.UID]; !ok {
				continue
			}
		}
		if !q.Filter.Keep(row) {
			continue
		}
		out = append(out, models.SourceSegment{
			UID:      row.UID,
			Geom:     slices.Clone(row.Geom),
			Measures: lo.PickByKeys(row.Measures, q.Measures),
			Labels:   lo.PickByKeys(row.Labels, q.Labels),
		})
	}
	return out, nil
}

// ReplaceSources swaps a source table. Text columns are the union of the rows' label keys.
func (m *Memory) ReplaceSources(ctx context.Context, table string, rows []models.SourceSegment, measures []string) error {
	if err := m.fail(ctx, "ReplaceSources"); err != nil {
		return err
	}
	if err := ValidateIdentifiers(append([]string{table}, measures...)...); err != nil {
		return err
	}

	labels := map[string]struct{}{}
	copied := make([]models.SourceSegment, len(rows))
	for i, row := range rows {
		for k := range row.Labels {
			labels[k] = struct{}{}
		}
		copied[i] = models.SourceSegment{
			UID:      row.UID,
			Geom:     slices.Clone(row.Geom),
			Measures: lo.PickByKeys(row.Measures, measures),
			Labels:   maps.Clone(row.Labels),
		}
	}
	labelCols := lo.Keys(labels)
	sort.Strings(labelCols)
	if err := ValidateIdentifiers(labelCols...); err != nil {
		return err
	}

	m.sources.Store(table, &sourceTable{
		measures: slices.Clone(measures),
		labels:   labelCols,
		rows:     copied,
	})
	return nil
}

// Edges returns edges by id, or every edge when no ids are given
func (m *Memory) Edges(ctx context.Context, q EdgeQuery) ([]models.NetworkEdge, error) {
	if err := m.fail(ctx, "Edges"); err != nil {
		return nil, err
	}
	t, err := m.edgeTable(q.Table)
	if err != nil {
		return nil, err
	}

	if len(q.IDs) == 0 {
		return cloneEdges(t.rows), nil
	}
	out := make([]models.NetworkEdge, 0, len(q.IDs))
	for _, id := range lo.Uniq(q.IDs) {
		if i, ok := t.byID[id]; ok {
			out = append(out, t.rows[i])
		}
	}
	return cloneEdges(out), nil
}

// CandidateEdges returns edges whose bounding box intersects bound, ordered by osmuuid
func (m *Memory) CandidateEdges(ctx context.Context, table string, bound orb.Bound) ([]models.NetworkEdge, error) {
	if err := m.fail(ctx, "CandidateEdges"); err != nil {
		return nil, err
	}
	t, err := m.edgeTable(table)
	if err != nil {
		return nil, err
	}

	out := lo.Map(t.index.Query(bound), func(i int, _ int) models.NetworkEdge { return t.rows[i] })
	sort.Slice(out, func(i, j int) bool { return out[i].OsmUUID < out[j].OsmUUID })
	return cloneEdges(out), nil
}

// ReplaceEdges swaps an edge table and rebuilds its grid index
func (m *Memory) ReplaceEdges(ctx context.Context, table string, rows []models.NetworkEdge) error {
	if err := m.fail(ctx, "ReplaceEdges"); err != nil {
		return err
	}
	if err := ValidateIdentifiers(table); err != nil {
		return err
	}

	t := &edgeTable{
		rows:  cloneEdges(rows),
		byID:  make(map[string]int, len(rows)),
		index: spatial.NewGridIndex(m.cellSize),
	}
	for i, e := range t.rows {
		if _, dup := t.byID[e.OsmUUID]; dup {
			return fmt.Errorf("duplicate osmuuid %s in %s", e.OsmUUID, table)
		}
		t.byID[e.OsmUUID] = i
		t.index.Insert(e.Geom.Bound())
	}
	m.edges.Store(table, t)
	return nil
}

func (m *Memory) edgeTable(table string) (*edgeTable, error) {
	if err := ValidateIdentifiers(table); err != nil {
		return nil, err
	}
	t, ok := m.edges.Load(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return t, nil
}

// ReplaceMatches drains pairs and swaps the match table. A cancelled context
// or a failure leaves the previous table in place.
func (m *Memory) ReplaceMatches(ctx context.Context, table string, pairs iter.Seq[models.MatchPair]) error {
	if err := m.fail(ctx, "ReplaceMatches"); err != nil {
		return err
	}
	if err := ValidateIdentifiers(table); err != nil {
		return err
	}

	rows := slices.Collect(pairs)
	if err := ctx.Err(); err != nil {
		return err
	}
	m.matches.Store(table, rows)
	return nil
}

// Matches returns the match pairs in stored order
func (m *Memory) Matches(ctx context.Context, table string) ([]models.MatchPair, error) {
	if err := m.fail(ctx, "Matches"); err != nil {
		return nil, err
	}
	if err := ValidateIdentifiers(table); err != nil {
		return nil, err
	}
	rows, ok := m.matches.Load(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return slices.Clone(rows), nil
}

// ReplaceSummaries swaps an aggregated summary table
func (m *Memory) ReplaceSummaries(ctx context.Context, t SummaryTable, rows []models.EdgeSummary) error {
	if err := m.fail(ctx, "ReplaceSummaries"); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	m.summaries.Store(t.Table, &summaryTable{column: t.Column, rows: cloneSummaries(rows)})
	return nil
}

// Summaries returns the rows of a summary table
func (m *Memory) Summaries(ctx context.Context, t SummaryTable) ([]models.EdgeSummary, error) {
	if err := m.fail(ctx, "Summaries"); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	st, ok := m.summaries.Load(t.Table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, t.Table)
	}
	if st.column != t.Column {
		return nil, fmt.Errorf("%w: %s.%s", ErrColumnNotFound, t.Table, t.Column)
	}
	return cloneSummaries(st.rows), nil
}

// ReplaceDiagnostics swaps a diagnostic table
func (m *Memory) ReplaceDiagnostics(ctx context.Context, table string, rows []models.Diagnostic) error {
	if err := m.fail(ctx, "ReplaceDiagnostics"); err != nil {
		return err
	}
	if err := ValidateIdentifiers(table); err != nil {
		return err
	}
	copied := lo.Map(rows, func(d models.Diagnostic, _ int) models.Diagnostic {
		d.Geom = slices.Clone(d.Geom)
		return d
	})
	m.diagnostics.Store(table, copied)
	return nil
}

// Diagnostics returns the rows of a diagnostic table
func (m *Memory) Diagnostics(ctx context.Context, table string) ([]models.Diagnostic, error) {
	if err := m.fail(ctx, "Diagnostics"); err != nil {
		return nil, err
	}
	if err := ValidateIdentifiers(table); err != nil {
		return nil, err
	}
	rows, ok := m.diagnostics.Load(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return slices.Clone(rows), nil
}

// Tables lists every stored table by name
func (m *Memory) Tables(ctx context.Context) ([]models.TableInfo, error) {
	if err := m.fail(ctx, "Tables"); err != nil {
		return nil, err
	}

	var out []models.TableInfo
	add := func(name, kind string, n int) bool {
		out = append(out, models.TableInfo{Name: name, Kind: kind, RowCount: int64(n)})
		return true
	}
	m.sources.Range(func(k string, v *sourceTable) bool { return add(k, models.TableKindSources, len(v.rows)) })
	m.edges.Range(func(k string, v *edgeTable) bool { return add(k, models.TableKindEdges, len(v.rows)) })
	m.matches.Range(func(k string, v []models.MatchPair) bool { return add(k, models.TableKindMatches, len(v)) })
	m.summaries.Range(func(k string, v *summaryTable) bool { return add(k, models.TableKindSummaries, len(v.rows)) })
	m.diagnostics.Range(func(k string, v []models.Diagnostic) bool { return add(k, models.TableKindDiagnostics, len(v)) })

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func cloneEdges(rows []models.NetworkEdge) []models.NetworkEdge {
	return lo.Map(rows, func(e models.NetworkEdge, _ int) models.NetworkEdge {
		e.Geom = slices.Clone(e.Geom)
		return e
	})
}

func cloneSummaries(rows []models.EdgeSummary) []models.EdgeSummary {
	return lo.Map(rows, func(s models.EdgeSummary, _ int) models.EdgeSummary {
		s.Geom = slices.Clone(s.Geom)
		if s.Value != nil {
			v := *s.Value
			s.Value = &v
		}
		return s
	})
}

var _ GeometryStore = (*Memory)(nil)
