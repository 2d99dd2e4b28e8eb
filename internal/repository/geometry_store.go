package repository

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/dvrpc/regional-transit-screening-platform/internal/database"
	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

// maximum ids bound in one IN (...) clause
const idChunkSize = 500

// GeometryStore is the SQLite implementation of store.GeometryStore.
// Geometry is kept as WKB next to minx/miny/maxx/maxy columns used as the spatial pre-filter.
type GeometryStore struct {
	db  *sql.DB
	log *logrus.Entry
}

// NewGeometryStore creates a geometry store over an opened database
func NewGeometryStore(db *sql.DB, log *logrus.Entry) *GeometryStore {
	return &GeometryStore{db: db, log: log}
}

// columns returns the column names of a table, or ErrTableNotFound
func (s *GeometryStore) columns(ctx context.Context, table string) (map[string]bool, error) {
	if err := store.ValidateIdentifiers(table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrTableNotFound, table)
	}
	return cols, nil
}

func requireColumns(table string, have map[string]bool, want ...string) error {
	for _, col := range want {
		if err := store.ValidateIdentifiers(col); err != nil {
			return err
		}
		if !have[col] {
			return fmt.Errorf("%w: %s.%s", store.ErrColumnNotFound, table, col)
		}
	}
	return nil
}

// replaceTable builds the new table under a staging name and swaps it in within one transaction.
// On any error the previous table is left as it was.
func (s *GeometryStore) replaceTable(ctx context.Context, table, kind, columnDefs string, indexes []string,
	fill func(tx *sql.Tx, staging string) (int64, error)) error {
	staging := table + "__staging"
	if err := store.ValidateIdentifiers(table, staging); err != nil {
		return err
	}

	var n int64
	err := database.Transaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+store.Quote(staging)); err != nil {
			return fmt.Errorf("failed to drop staging table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", store.Quote(staging), columnDefs)); err != nil {
			return fmt.Errorf("failed to create staging table: %w", err)
		}

		var err error
		if n, err = fill(tx, staging); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+store.Quote(table)); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", store.Quote(staging), store.Quote(table))); err != nil {
			return fmt.Errorf("failed to swap %s: %w", table, err)
		}
		for _, idx := range indexes {
			if _, err := tx.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("failed to index %s: %w", table, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO geometry_catalog (table_name, kind, row_count, replaced_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(table_name) DO UPDATE SET
				kind = excluded.kind,
				row_count = excluded.row_count,
				replaced_at = excluded.replaced_at
		`, table, kind, n, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to update catalog: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace %s: %w", table, err)
	}

	s.log.WithFields(logrus.Fields{"table": table, "kind": kind, "rows": n}).Info("Replaced table")
	return nil
}

func bboxIndex(table string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s (minx, miny, maxx, maxy)",
		store.Quote("idx_"+table+"_bbox"), store.Quote(table))
}

func columnIndex(table, column string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		store.Quote("idx_"+table+"_"+column), store.Quote(table), store.Quote(column))
}

const geomColumnDefs = "geom BLOB NOT NULL, minx REAL NOT NULL, miny REAL NOT NULL, maxx REAL NOT NULL, maxy REAL NOT NULL"

// Sources returns source rows in insertion order
func (s *GeometryStore) Sources(ctx context.Context, q store.SourceQuery) ([]models.SourceSegment, error) {
	have, err := s.columns(ctx, q.Table)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(q.Table, have, q.Measures...); err != nil {
		return nil, err
	}
	if err := requireColumns(q.Table, have, q.Labels...); err != nil {
		return nil, err
	}
	if err := requireColumns(q.Table, have, q.Filter.PositiveColumns...); err != nil {
		return nil, err
	}
	if q.Filter.PrefixColumn != "" {
		if err := requireColumns(q.Table, have, q.Filter.PrefixColumn); err != nil {
			return nil, err
		}
	}

	selected := []string{"uid", "geom"}
	for _, col := range q.Measures {
		selected = append(selected, store.Quote(col))
	}
	for _, col := range q.Labels {
		selected = append(selected, store.Quote(col))
	}

	var conditions []string
	var args []interface{}

	if q.Filter.PrefixColumn != "" {
		conditions = append(conditions, store.Quote(q.Filter.PrefixColumn)+" LIKE ? || '%'")
		args = append(args, q.Filter.Prefix)
	}
	for _, col := range q.Filter.PositiveColumns {
		conditions = append(conditions, fmt.Sprintf("%s IS NOT NULL AND %s > 0", store.Quote(col), store.Quote(col)))
	}

	var uids map[string]bool
	if len(q.UIDs) > 0 {
		uids = lo.SliceToMap(q.UIDs, func(id string) (string, bool) { return id, true })
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selected, ", "), store.Quote(q.Table))
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources %s: %w", q.Table, err)
	}
	defer rows.Close()

	var out []models.SourceSegment
	for rows.Next() {
		var (
			uid    string
			blob   []byte
			values = make([]sql.NullFloat64, len(q.Measures))
			labels = make([]sql.NullString, len(q.Labels))
		)
		dest := []interface{}{&uid, &blob}
		for i := range values {
			dest = append(dest, &values[i])
		}
		for i := range labels {
			dest = append(dest, &labels[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		if uids != nil && !uids[uid] {
			continue
		}

		geom, err := decodeLine(blob)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", uid, err)
		}

		seg := models.SourceSegment{
			UID:      uid,
			Geom:     geom,
			Measures: make(map[string]float64, len(q.Measures)),
		}
		for i, col := range q.Measures {
			if values[i].Valid {
				seg.Measures[col] = values[i].Float64
			}
		}
		if len(q.Labels) > 0 {
			seg.Labels = make(map[string]string, len(q.Labels))
			for i, col := range q.Labels {
				if labels[i].Valid {
					seg.Labels[col] = labels[i].String
				}
			}
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// ReplaceSources swaps a source table. Text columns are the union of the rows' label keys.
func (s *GeometryStore) ReplaceSources(ctx context.Context, table string, rows []models.SourceSegment, measures []string) error {
	if err := store.ValidateIdentifiers(measures...); err != nil {
		return err
	}
	labels := lo.Uniq(lo.FlatMap(rows, func(r models.SourceSegment, _ int) []string { return lo.Keys(r.Labels) }))
	sort.Strings(labels)
	if err := store.ValidateIdentifiers(labels...); err != nil {
		return err
	}
	if dup, ok := lo.Find(labels, func(l string) bool { return lo.Contains(measures, l) }); ok {
		return fmt.Errorf("column %s is both a measure and a label", dup)
	}

	defs := []string{"uid TEXT NOT NULL", geomColumnDefs}
	cols := []string{"uid", "geom", "minx", "miny", "maxx", "maxy"}
	for _, m := range measures {
		defs = append(defs, store.Quote(m)+" REAL")
		cols = append(cols, store.Quote(m))
	}
	for _, l := range labels {
		defs = append(defs, store.Quote(l)+" TEXT")
		cols = append(cols, store.Quote(l))
	}

	indexes := []string{columnIndex(table, "uid"), bboxIndex(table)}
	return s.replaceTable(ctx, table, models.TableKindSources, strings.Join(defs, ", "), indexes,
		func(tx *sql.Tx, staging string) (int64, error) {
			stmt, err := tx.PrepareContext(ctx, insertSQL(staging, cols))
			if err != nil {
				return 0, fmt.Errorf("failed to prepare statement: %w", err)
			}
			defer stmt.Close()

			for _, row := range rows {
				blob, b, err := encodeLine(row.Geom)
				if err != nil {
					return 0, fmt.Errorf("source %s: %w", row.UID, err)
				}
				args := []interface{}{row.UID, blob, b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
				for _, m := range measures {
					if v, ok := row.Measure(m); ok {
						args = append(args, v)
					} else {
						args = append(args, nil)
					}
				}
				for _, l := range labels {
					if v, ok := row.Labels[l]; ok {
						args = append(args, v)
					} else {
						args = append(args, nil)
					}
				}
				if _, err := stmt.ExecContext(ctx, args...); err != nil {
					return 0, fmt.Errorf("failed to insert source %s: %w", row.UID, err)
				}
			}
			return int64(len(rows)), nil
		})
}

func insertSQL(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		store.Quote(table), strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
}

// Edges returns edges by id, or every edge when no ids are given, ordered by osmuuid
func (s *GeometryStore) Edges(ctx context.Context, q store.EdgeQuery) ([]models.NetworkEdge, error) {
	if _, err := s.columns(ctx, q.Table); err != nil {
		return nil, err
	}

	base := fmt.Sprintf("SELECT osmuuid, geom FROM %s", store.Quote(q.Table))
	if len(q.IDs) == 0 {
		return s.queryEdges(ctx, base+" ORDER BY osmuuid")
	}

	var out []models.NetworkEdge
	for _, chunk := range lo.Chunk(lo.Uniq(q.IDs), idChunkSize) {
		query := base + " WHERE osmuuid IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ") + ")"
		args := lo.Map(chunk, func(id string, _ int) interface{} { return id })
		edges, err := s.queryEdges(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, edges...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OsmUUID < out[j].OsmUUID })
	return out, nil
}

// CandidateEdges returns edges whose bounding box intersects bound, ordered by osmuuid
func (s *GeometryStore) CandidateEdges(ctx context.Context, table string, bound orb.Bound) ([]models.NetworkEdge, error) {
	if err := store.ValidateIdentifiers(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT osmuuid, geom FROM %s
		WHERE maxx >= ? AND minx <= ? AND maxy >= ? AND miny <= ?
		ORDER BY osmuuid`, store.Quote(table))

	edges, err := s.queryEdges(ctx, query, bound.Min[0], bound.Max[0], bound.Min[1], bound.Max[1])
	if err != nil {
		if _, colErr := s.columns(ctx, table); colErr != nil {
			return nil, colErr
		}
		return nil, err
	}
	return edges, nil
}

func (s *GeometryStore) queryEdges(ctx context.Context, query string, args ...interface{}) ([]models.NetworkEdge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var out []models.NetworkEdge
	for rows.Next() {
		var e models.NetworkEdge
		var blob []byte
		if err := rows.Scan(&e.OsmUUID, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		if e.Geom, err = decodeLine(blob); err != nil {
			return nil, fmt.Errorf("edge %s: %w", e.OsmUUID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplaceEdges swaps an edge table. Duplicate osmuuids abort the replace.
func (s *GeometryStore) ReplaceEdges(ctx context.Context, table string, rows []models.NetworkEdge) error {
	defs := "osmuuid TEXT PRIMARY KEY, " + geomColumnDefs
	cols := []string{"osmuuid", "geom", "minx", "miny", "maxx", "maxy"}

	return s.replaceTable(ctx, table, models.TableKindEdges, defs, []string{bboxIndex(table)},
		func(tx *sql.Tx, staging string) (int64, error) {
			stmt, err := tx.PrepareContext(ctx, insertSQL(staging, cols))
			if err != nil {
				return 0, fmt.Errorf("failed to prepare statement: %w", err)
			}
			defer stmt.Close()

			for _, e := range rows {
				blob, b, err := encodeLine(e.Geom)
				if err != nil {
					return 0, fmt.Errorf("edge %s: %w", e.OsmUUID, err)
				}
				if _, err := stmt.ExecContext(ctx, e.OsmUUID, blob, b.Min[0], b.Min[1], b.Max[0], b.Max[1]); err != nil {
					return 0, fmt.Errorf("failed to insert edge %s: %w", e.OsmUUID, err)
				}
			}
			return int64(len(rows)), nil
		})
}

// ReplaceMatches streams pairs into a fresh match table
func (s *GeometryStore) ReplaceMatches(ctx context.Context, table string, pairs iter.Seq[models.MatchPair]) error {
	indexes := []string{columnIndex(table, "osmuuid"), columnIndex(table, "data_uid")}

	return s.replaceTable(ctx, table, models.TableKindMatches,
		"data_uid TEXT NOT NULL, osmuuid TEXT NOT NULL", indexes,
		func(tx *sql.Tx, staging string) (int64, error) {
			stmt, err := tx.PrepareContext(ctx, insertSQL(staging, []string{"data_uid", "osmuuid"}))
			if err != nil {
				return 0, fmt.Errorf("failed to prepare statement: %w", err)
			}
			defer stmt.Close()

			var n int64
			for p := range pairs {
				if _, err := stmt.ExecContext(ctx, p.SourceID, p.EdgeID); err != nil {
					return 0, fmt.Errorf("failed to insert match (%s, %s): %w", p.SourceID, p.EdgeID, err)
				}
				n++
			}
			return n, nil
		})
}

// Matches returns the match pairs in stored order
func (s *GeometryStore) Matches(ctx context.Context, table string) ([]models.MatchPair, error) {
	have, err := s.columns(ctx, table)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(table, have, "data_uid", "osmuuid"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT data_uid, osmuuid FROM %s ORDER BY rowid", store.Quote(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to query matches %s: %w", table, err)
	}
	defer rows.Close()

	var out []models.MatchPair
	for rows.Next() {
		var p models.MatchPair
		if err := rows.Scan(&p.SourceID, &p.EdgeID); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReplaceSummaries swaps a summary table holding the value column and num_obs per edge
func (s *GeometryStore) ReplaceSummaries(ctx context.Context, t store.SummaryTable, rows []models.EdgeSummary) error {
	if err := t.Validate(); err != nil {
		return err
	}
	defs := fmt.Sprintf("osmuuid TEXT PRIMARY KEY, %s, %s REAL, num_obs INTEGER NOT NULL", geomColumnDefs, store.Quote(t.Column))
	cols := []string{"osmuuid", "geom", "minx", "miny", "maxx", "maxy", store.Quote(t.Column), "num_obs"}

	return s.replaceTable(ctx, t.Table, models.TableKindSummaries, defs, []string{bboxIndex(t.Table)},
		func(tx *sql.Tx, staging string) (int64, error) {
			stmt, err := tx.PrepareContext(ctx, insertSQL(staging, cols))
			if err != nil {
				return 0, fmt.Errorf("failed to prepare statement: %w", err)
			}
			defer stmt.Close()

			for _, r := range rows {
				blob, b, err := encodeLine(r.Geom)
				if err != nil {
					return 0, fmt.Errorf("summary %s: %w", r.OsmUUID, err)
				}
				var value interface{}
				if r.Value != nil {
					value = *r.Value
				}
				if _, err := stmt.ExecContext(ctx, r.OsmUUID, blob, b.Min[0], b.Min[1], b.Max[0], b.Max[1], value, r.NumObs); err != nil {
					return 0, fmt.Errorf("failed to insert summary %s: %w", r.OsmUUID, err)
				}
			}
			return int64(len(rows)), nil
		})
}

// Summaries returns a summary table ordered by osmuuid
func (s *GeometryStore) Summaries(ctx context.Context, t store.SummaryTable) ([]models.EdgeSummary, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	have, err := s.columns(ctx, t.Table)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(t.Table, have, t.Column, "num_obs"); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT osmuuid, geom, %s, num_obs FROM %s ORDER BY osmuuid", store.Quote(t.Column), store.Quote(t.Table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries %s: %w", t.Table, err)
	}
	defer rows.Close()

	var out []models.EdgeSummary
	for rows.Next() {
		var (
			r     models.EdgeSummary
			blob  []byte
			value sql.NullFloat64
		)
		if err := rows.Scan(&r.OsmUUID, &blob, &value, &r.NumObs); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		if r.Geom, err = decodeLine(blob); err != nil {
			return nil, fmt.Errorf("summary %s: %w", r.OsmUUID, err)
		}
		if value.Valid {
			v := value.Float64
			r.Value = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceDiagnostics swaps a diagnostic connector table
func (s *GeometryStore) ReplaceDiagnostics(ctx context.Context, table string, rows []models.Diagnostic) error {
	defs := "osmuuid TEXT NOT NULL, data_uid TEXT NOT NULL, " + geomColumnDefs + ", feat_len REAL NOT NULL"
	cols := []string{"osmuuid", "data_uid", "geom", "minx", "miny", "maxx", "maxy", "feat_len"}

	return s.replaceTable(ctx, table, models.TableKindDiagnostics, defs, []string{bboxIndex(table)},
		func(tx *sql.Tx, staging string) (int64, error) {
			stmt, err := tx.PrepareContext(ctx, insertSQL(staging, cols))
			if err != nil {
				return 0, fmt.Errorf("failed to prepare statement: %w", err)
			}
			defer stmt.Close()

			for _, d := range rows {
				blob, b, err := encodeLine(d.Geom)
				if err != nil {
					return 0, fmt.Errorf("diagnostic (%s, %s): %w", d.DataUID, d.OsmUUID, err)
				}
				if _, err := stmt.ExecContext(ctx, d.OsmUUID, d.DataUID, blob, b.Min[0], b.Min[1], b.Max[0], b.Max[1], d.FeatLen); err != nil {
					return 0, fmt.Errorf("failed to insert diagnostic: %w", err)
				}
			}
			return int64(len(rows)), nil
		})
}

// Diagnostics returns a diagnostic table in stored order
func (s *GeometryStore) Diagnostics(ctx context.Context, table string) ([]models.Diagnostic, error) {
	have, err := s.columns(ctx, table)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(table, have, "osmuuid", "data_uid", "feat_len"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT osmuuid, data_uid, geom, feat_len FROM %s ORDER BY rowid", store.Quote(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnostics %s: %w", table, err)
	}
	defer rows.Close()

	var out []models.Diagnostic
	for rows.Next() {
		var d models.Diagnostic
		var blob []byte
		if err := rows.Scan(&d.OsmUUID, &d.DataUID, &blob, &d.FeatLen); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}
		if d.Geom, err = decodeLine(blob); err != nil {
			return nil, fmt.Errorf("diagnostic (%s, %s): %w", d.DataUID, d.OsmUUID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Tables lists the geometry tables written through this store, by name
func (s *GeometryStore) Tables(ctx context.Context) ([]models.TableInfo, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT table_name, kind, row_count, replaced_at FROM geometry_catalog ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var out []models.TableInfo
	for rows.Next() {
		var info models.TableInfo
		var replaced int64
		if err := rows.Scan(&info.Name, &info.Kind, &info.RowCount, &replaced); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		info.ReplacedAt = time.Unix(replaced, 0)
		out = append(out, info)
	}
	return out, rows.Err()
}

var _ store.GeometryStore = (*GeometryStore)(nil)
