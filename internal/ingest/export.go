package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

// Exporter writes result tables to shapefiles for desktop GIS review
type Exporter struct {
	store store.GeometryStore
	log   *logrus.Entry
}

// NewExporter creates an exporter
func NewExporter(s store.GeometryStore, log *logrus.Entry) *Exporter {
	return &Exporter{store: s, log: log}
}

// ExportDiagnostics writes a qaqc connector table as a polyline shapefile
func (e *Exporter) ExportDiagnostics(ctx context.Context, table, path string) (n int, err error) {
	rows, err := e.store.Diagnostics(ctx, table)
	if err != nil {
		return 0, err
	}

	w, err := createPolylines(path, []shp.Field{
		shp.StringField("osmuuid", 64),
		shp.StringField("data_uid", 64),
		shp.FloatField("feat_len", 16, 3),
	})
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			n, err = 0, cerr
		}
	}()

	for _, d := range rows {
		row := int(w.Write(polyline(d.Geom)))
		if err := writeAttributes(w, row, d.OsmUUID, d.DataUID, d.FeatLen); err != nil {
			return 0, err
		}
	}

	e.log.WithFields(logrus.Fields{"table": table, "path": path, "rows": len(rows)}).Info("Exported diagnostics")
	return len(rows), nil
}

// ExportSummaries writes a summary table as a polyline shapefile. Null values are written as empty fields.
func (e *Exporter) ExportSummaries(ctx context.Context, t store.SummaryTable, path string) (n int, err error) {
	rows, err := e.store.Summaries(ctx, t)
	if err != nil {
		return 0, err
	}

	column := t.Column
	if len(column) > 10 {
		column = column[:10]
	}
	w, err := createPolylines(path, []shp.Field{
		shp.StringField("osmuuid", 64),
		shp.FloatField(column, 16, 4),
		shp.NumberField("num_obs", 10),
	})
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			n, err = 0, cerr
		}
	}()

	for _, s := range rows {
		row := int(w.Write(polyline(s.Geom)))
		var value interface{} = ""
		if s.Value != nil {
			value = *s.Value
		}
		if err := writeAttributes(w, row, s.OsmUUID, value, s.NumObs); err != nil {
			return 0, err
		}
	}

	e.log.WithFields(logrus.Fields{"table": t.Table, "path": path, "rows": len(rows)}).Info("Exported summaries")
	return len(rows), nil
}

// polylineWriter is a shapefile writer whose Close puts the attribute table
// at <base>.dbf. go-shp v0.1.1 names it <base>dbf, which no reader finds.
type polylineWriter struct {
	*shp.Writer
	base string
}

func createPolylines(path string, fields []shp.Field) (*polylineWriter, error) {
	base := path
	if strings.HasSuffix(strings.ToLower(base), ".shp") {
		base = base[:len(base)-4]
	}

	w, err := shp.Create(path, shp.POLYLINE)
	if err != nil {
		return nil, fmt.Errorf("failed to create shapefile %s: %w", path, err)
	}
	pw := &polylineWriter{Writer: w, base: base}
	if err := w.SetFields(fields); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("failed to set fields: %w", err)
	}
	return pw, nil
}

// Close flushes the shapefile and moves the attribute table into place
func (w *polylineWriter) Close() error {
	w.Writer.Close()
	if err := os.Rename(w.base+"dbf", w.base+".dbf"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to finalize %s.dbf: %w", w.base, err)
	}
	return nil
}

func writeAttributes(w *polylineWriter, row int, values ...interface{}) error {
	for i, v := range values {
		if err := w.WriteAttribute(row, i, v); err != nil {
			return fmt.Errorf("failed to write attribute %d of row %d: %w", i, row, err)
		}
	}
	return nil
}

func polyline(ls orb.LineString) *shp.PolyLine {
	points := make([]shp.Point, len(ls))
	for i, p := range ls {
		points[i] = shp.Point{X: p[0], Y: p[1]}
	}
	return shp.NewPolyLine([][]shp.Point{points})
}
