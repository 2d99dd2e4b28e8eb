package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

// Result summarizes one shapefile import
type Result struct {
	Table    string   `json:"table"`
	Rows     int      `json:"rows"`
	Skipped  int      `json:"skipped"`
	Measures []string `json:"measures,omitempty"`
	Labels   []string `json:"labels,omitempty"`
}

// SourceOptions controls a source segment import
type SourceOptions struct {
	// Table defaults to MakeTableName(path)
	Table string
	// UIDField names the attribute holding the row id; rows are numbered from 1 when empty
	UIDField string
}

// EdgeOptions controls a network edge import
type EdgeOptions struct {
	Table string
	// IDField names the attribute holding osmuuid; a random uuid is generated when missing or empty
	IDField string
}

// Importer loads shapefiles into a geometry store
type Importer struct {
	store store.GeometryStore
	log   *logrus.Entry
}

// NewImporter creates an importer
func NewImporter(s store.GeometryStore, log *logrus.Entry) *Importer {
	return &Importer{store: s, log: log}
}

type attribute struct {
	index   int
	name    string
	numeric bool
}

type record struct {
	geom  orb.LineString
	attrs map[string]string
}

// ImportSources reads a polyline shapefile into a source table.
// Numeric attributes become measures and character attributes become labels.
func (im *Importer) ImportSources(ctx context.Context, path string, opts SourceOptions) (*Result, error) {
	table := opts.Table
	if table == "" {
		table = MakeTableName(path)
	}
	uidField := strings.ToLower(opts.UIDField)

	attrs, records, skipped, err := im.read(ctx, path)
	if err != nil {
		return nil, err
	}

	result := &Result{Table: table, Skipped: skipped}
	for _, a := range attrs {
		if a.name == uidField {
			continue
		}
		if a.numeric {
			result.Measures = append(result.Measures, a.name)
		} else {
			result.Labels = append(result.Labels, a.name)
		}
	}

	rows := make([]models.SourceSegment, 0, len(records))
	for i, rec := range records {
		seg := models.SourceSegment{
			UID:      strconv.Itoa(i + 1),
			Geom:     rec.geom,
			Measures: make(map[string]float64, len(result.Measures)),
			Labels:   make(map[string]string, len(result.Labels)),
		}
		if uidField != "" {
			uid := rec.attrs[uidField]
			if uid == "" {
				result.Skipped++
				im.log.WithField("row", i).Warnf("Skipping record without %s", uidField)
				continue
			}
			seg.UID = uid
		}
		for _, m := range result.Measures {
			raw := rec.attrs[m]
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				im.log.WithFields(logrus.Fields{"uid": seg.UID, "field": m, "value": raw}).Warn("Unparseable number stored as null")
				continue
			}
			seg.Measures[m] = v
		}
		for _, l := range result.Labels {
			seg.Labels[l] = rec.attrs[l]
		}
		rows = append(rows, seg)
	}

	if err := im.store.ReplaceSources(ctx, table, rows, result.Measures); err != nil {
		return nil, err
	}
	result.Rows = len(rows)

	im.log.WithFields(logrus.Fields{"path": path, "table": table, "rows": result.Rows, "skipped": result.Skipped}).Info("Imported sources")
	return result, nil
}

// ImportEdges reads a polyline shapefile into an edge table, assigning osmuuids where missing
func (im *Importer) ImportEdges(ctx context.Context, path string, opts EdgeOptions) (*Result, error) {
	table := opts.Table
	if table == "" {
		table = MakeTableName(path)
	}
	idField := strings.ToLower(opts.IDField)

	_, records, skipped, err := im.read(ctx, path)
	if err != nil {
		return nil, err
	}

	generated := 0
	rows := make([]models.NetworkEdge, 0, len(records))
	for _, rec := range records {
		id := ""
		if idField != "" {
			id = rec.attrs[idField]
		}
		if id == "" {
			id = uuid.NewString()
			generated++
		}
		rows = append(rows, models.NetworkEdge{OsmUUID: id, Geom: rec.geom})
	}

	if err := im.store.ReplaceEdges(ctx, table, rows); err != nil {
		return nil, err
	}

	im.log.WithFields(logrus.Fields{"path": path, "table": table, "rows": len(rows), "generated_ids": generated}).Info("Imported edges")
	return &Result{Table: table, Rows: len(rows), Skipped: skipped}, nil
}

// read loads every polyline record with its attributes. Field names are lower-cased;
// fields whose names are not identifiers are dropped.
func (im *Importer) read(ctx context.Context, path string) ([]attribute, []record, int, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to open shapefile %s: %w", path, err)
	}
	defer reader.Close()

	var attrs []attribute
	for i, f := range reader.Fields() {
		name := strings.ToLower(strings.TrimSpace(f.String()))
		if !store.IsIdentifier(name) {
			im.log.WithField("field", f.String()).Warn("Dropping attribute with unusable name")
			continue
		}
		attrs = append(attrs, attribute{
			index:   i,
			name:    name,
			numeric: f.Fieldtype == 'N' || f.Fieldtype == 'F',
		})
	}

	var records []record
	skipped := 0
	for reader.Next() {
		if err := ctx.Err(); err != nil {
			return nil, nil, 0, err
		}
		n, shape := reader.Shape()
		geom, ok := polylineGeometry(shape)
		if !ok {
			skipped++
			im.log.WithField("row", n).Warn("Skipping non-polyline or empty record")
			continue
		}

		rec := record{geom: geom, attrs: make(map[string]string, len(attrs))}
		for _, a := range attrs {
			rec.attrs[a.name] = strings.Trim(reader.ReadAttribute(n, a.index), "\x00 ")
		}
		records = append(records, rec)
	}
	if err := reader.Err(); err != nil {
		return nil, nil, 0, fmt.Errorf("failed to read shapefile %s: %w", path, err)
	}
	return attrs, records, skipped, nil
}

// polylineGeometry joins the parts of a polyline into one line
func polylineGeometry(shape shp.Shape) (orb.LineString, bool) {
	var points []shp.Point
	switch s := shape.(type) {
	case *shp.PolyLine:
		points = s.Points
	case *shp.PolyLineZ:
		points = s.Points
	case *shp.PolyLineM:
		points = s.Points
	default:
		return nil, false
	}
	if len(points) < 2 {
		return nil, false
	}

	ls := make(orb.LineString, 0, len(points))
	for _, p := range points {
		pt := orb.Point{p.X, p.Y}
		if len(ls) > 0 && ls[len(ls)-1] == pt {
			continue
		}
		ls = append(ls, pt)
	}
	return ls, true
}
