package ingest

import (
	"path/filepath"
	"strings"
)

var tableNameReplacer = strings.NewReplacer(" ", "_", "-", "_", ".", "_")

// MakeTableName turns a file path into a SQL-safe table name:
// the base name, lower-cased, without extension, with spaces, dashes and dots replaced by underscores.
func MakeTableName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return tableNameReplacer.Replace(strings.ToLower(base))
}
