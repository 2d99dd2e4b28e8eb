package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"

	"github.com/paulmach/orb"

	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
)

var (
	// ErrTableNotFound is returned when a read targets a table that does not exist
	ErrTableNotFound = errors.New("table not found")
	// ErrColumnNotFound is returned when a query names a column the table lacks
	ErrColumnNotFound = errors.New("column not found")
	// ErrInvalidIdentifier is returned for table or column names that are not plain identifiers
	ErrInvalidIdentifier = errors.New("invalid identifier")

	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// GeometryStore is the persistence boundary of the matching pipeline.
// Every Replace* call either swaps the whole table or leaves the previous one untouched.
type GeometryStore interface {
	Sources(ctx context.Context, q SourceQuery) ([]models.SourceSegment, error)
	Edges(ctx context.Context, q EdgeQuery) ([]models.NetworkEdge, error)
	CandidateEdges(ctx context.Context, table string, bound orb.Bound) ([]models.NetworkEdge, error)

	ReplaceSources(ctx context.Context, table string, rows []models.SourceSegment, measures []string) error
	ReplaceEdges(ctx context.Context, table string, rows []models.NetworkEdge) error

	ReplaceMatches(ctx context.Context, table string, pairs iter.Seq[models.MatchPair]) error
	Matches(ctx context.Context, table string) ([]models.MatchPair, error)

	ReplaceSummaries(ctx context.Context, t SummaryTable, rows []models.EdgeSummary) error
	Summaries(ctx context.Context, t SummaryTable) ([]models.EdgeSummary, error)

	ReplaceDiagnostics(ctx context.Context, table string, rows []models.Diagnostic) error
	Diagnostics(ctx context.Context, table string) ([]models.Diagnostic, error)
}

// Catalog lists the tables a store holds
type Catalog interface {
	Tables(ctx context.Context) ([]models.TableInfo, error)
}

// SourceQuery selects source segments from a table.
// Measures lists the numeric columns to load; Labels the text columns.
type SourceQuery struct {
	Table    string
	Measures []string
	Labels   []string
	UIDs     []string
	Filter   SourceFilter
}

// SourceFilter restricts source rows. Zero value keeps every row.
type SourceFilter struct {
	// PrefixColumn LIKE Prefix || '%'
	PrefixColumn string
	Prefix       string
	// every listed measure must be present and > 0
	PositiveColumns []string
}

// IsZero reports whether the filter keeps every row
func (f SourceFilter) IsZero() bool {
	return f.PrefixColumn == "" && len(f.PositiveColumns) == 0
}

// Keep applies the filter to a loaded row
func (f SourceFilter) Keep(s models.SourceSegment) bool {
	if f.PrefixColumn != "" {
		label, ok := s.Labels[f.PrefixColumn]
		if !ok || !strings.HasPrefix(strings.ToLower(label), strings.ToLower(f.Prefix)) {
			return false
		}
	}
	for _, col := range f.PositiveColumns {
		v, ok := s.Measure(col)
		if !ok || v <= 0 {
			return false
		}
	}
	return true
}

// EdgeQuery selects network edges. Empty IDs means every edge.
type EdgeQuery struct {
	Table string
	IDs   []string
}

// SummaryTable names an aggregated output table and its value column
type SummaryTable struct {
	Table  string
	Column string
}

// Validate checks both identifiers
func (t SummaryTable) Validate() error {
	return ValidateIdentifiers(t.Table, t.Column)
}

// IsIdentifier reports whether s is a plain SQL identifier
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ValidateIdentifiers returns ErrInvalidIdentifier for the first name that is not an identifier
func ValidateIdentifiers(names ...string) error {
	for _, name := range names {
		if !IsIdentifier(name) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
		}
	}
	return nil
}

// Quote returns a double-quoted identifier. Callers validate first.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
