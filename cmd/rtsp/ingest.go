package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvrpc/regional-transit-screening-platform/internal/ingest"
	"github.com/dvrpc/regional-transit-screening-platform/internal/logging"
	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

var (
	importTable   string
	importIDField string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load polyline shapefiles into the database",
}

var importSourcesCmd = &cobra.Command{
	Use:   "sources <file.shp>",
	Short: "Import a source segment shapefile",
	Long: `Import a source segment shapefile. Numeric attributes become measures and
text attributes become labels. The table name defaults to the file name,
lower-cased with spaces, dots and dashes replaced by underscores.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			im := ingest.NewImporter(a.geometry, logging.Module(a.log, "ingest"))
			result, err := im.ImportSources(ctx, args[0], ingest.SourceOptions{Table: importTable, UIDField: importIDField})
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		})
	},
}

var importEdgesCmd = &cobra.Command{
	Use:   "edges <file.shp>",
	Short: "Import a network edge shapefile",
	Long: `Import a network edge shapefile into the configured edge table. Rows
without an id attribute get a random osmuuid.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			table := importTable
			if table == "" {
				table = a.cfg.Network.EdgeTable
			}
			idField := importIDField
			if idField == "" {
				idField = "osmuuid"
			}
			im := ingest.NewImporter(a.geometry, logging.Module(a.log, "ingest"))
			result, err := im.ImportEdges(ctx, args[0], ingest.EdgeOptions{Table: table, IDField: idField})
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write result tables to shapefiles",
}

var exportQAQCCmd = &cobra.Command{
	Use:   "qaqc <dataset> <out.shp>",
	Short: "Export a dataset's qaqc connectors",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			d, err := a.cfg.Dataset(args[0])
			if err != nil {
				return err
			}
			_, _, table := d.Tables(args[0])
			n, err := ingest.NewExporter(a.geometry, logging.Module(a.log, "export")).ExportDiagnostics(ctx, table, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d features to %s\n", n, args[1])
			return nil
		})
	},
}

var exportSummariesCmd = &cobra.Command{
	Use:   "summaries <dataset> <out.shp>",
	Short: "Export a dataset's aggregated edges",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			d, err := a.cfg.Dataset(args[0])
			if err != nil {
				return err
			}
			_, table, _ := d.Tables(args[0])
			t := store.SummaryTable{Table: table, Column: d.SummaryColumn}
			n, err := ingest.NewExporter(a.geometry, logging.Module(a.log, "export")).ExportSummaries(ctx, t, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d features to %s\n", n, args[1])
			return nil
		})
	},
}

func init() {
	importCmd.PersistentFlags().StringVar(&importTable, "table", "", "Destination table (default depends on the subcommand)")
	importCmd.PersistentFlags().StringVar(&importIDField, "id-field", "", "Attribute holding the row id (uid for sources, osmuuid for edges)")
	importCmd.AddCommand(importSourcesCmd, importEdgesCmd)
	exportCmd.AddCommand(exportQAQCCmd, exportSummariesCmd)
	rootCmd.AddCommand(importCmd, exportCmd)
}
