package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dvrpc/regional-transit-screening-platform/internal/config"
	"github.com/dvrpc/regional-transit-screening-platform/internal/database"
	"github.com/dvrpc/regional-transit-screening-platform/internal/logging"
	"github.com/dvrpc/regional-transit-screening-platform/internal/pipeline"
	"github.com/dvrpc/regional-transit-screening-platform/internal/repository"
)

var (
	configPath string
	logLevel   string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "rtsp",
	Short: "Regional transit screening platform",
	Long: `rtsp conflates transit speed and ridership segments onto a common road
network, aggregates the matched values per network edge and produces QA/QC
connector layers for review.

Configuration is read from an optional YAML file (--config) and RTSP_*
environment variables. PORT, DB_PATH and JWT_SECRET are honoured as well.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
}

// app holds the wired components a command needs
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	db       *sql.DB
	geometry *repository.GeometryStore
	runs     *repository.RunRepository
	runner   *pipeline.Runner
}

// loadConfig applies the global flags on top of the loaded configuration
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

// openApp loads config, opens the database and wires the pipeline
func openApp(ctx context.Context, out io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: out})
	if err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path}, logging.Module(log, "database"))
	if err != nil {
		return nil, err
	}

	geometry := repository.NewGeometryStore(db, logging.Module(log, "store"))
	runs := repository.NewRunRepository(db)
	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		geometry: geometry,
		runs:     runs,
		runner:   pipeline.NewRunner(cfg, geometry, runs, log),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// withApp runs fn with a wired app and closes it afterwards
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// printJSON writes v indented to the command's stdout
func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
