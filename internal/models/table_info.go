package models

import "time"

// TableInfo describes a geometry table known to the store
type TableInfo struct {
	Name       string    `json:"name" db:"table_name"`
	Kind       string    `json:"kind" db:"kind"` // sources, edges, matches, summaries, diagnostics
	RowCount   int64     `json:"row_count" db:"row_count"`
	ReplacedAt time.Time `json:"replaced_at" db:"replaced_at"`
}

// Table kinds
const (
	TableKindSources     = "sources"
	TableKindEdges       = "edges"
	TableKindMatches     = "matches"
	TableKindSummaries   = "summaries"
	TableKindDiagnostics = "diagnostics"
)
