package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/dvrpc/regional-transit-screening-platform/internal/api"
	"github.com/dvrpc/regional-transit-screening-platform/internal/handler"
	"github.com/dvrpc/regional-transit-screening-platform/internal/logging"
	"github.com/dvrpc/regional-transit-screening-platform/internal/service"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP read API",
	Long: `Start the HTTP API serving dataset summaries and qaqc layers as GeoJSON,
the table catalog and pipeline run history. POST /api/v1/datasets/:name/run
requires a bearer token signed with server.jwt_secret (see "rtsp token").`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "Address to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		addr := a.cfg.Server.Port
		if servePort != "" {
			addr = servePort
		}
		if a.cfg.Log.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}

		log := logging.Module(a.log, "api")
		svc := service.NewPipelineService(a.cfg, a.geometry, a.geometry, a.runs, a.runner, logging.Module(a.log, "service"))
		router := api.SetupRouter(a.cfg, handler.NewPipelineHandler(svc), log)

		server := &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		serverErr := make(chan error, 1)
		go func() {
			log.WithField("addr", addr).Info("Server starting")
			serverErr <- server.ListenAndServe()
		}()

		select {
		case err := <-serverErr:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
			log.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		}
	})
}
