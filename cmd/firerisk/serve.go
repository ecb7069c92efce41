package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/fire-risk-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/fire-risk-service/internal/adapter/kafka"
	"github.com/couchcryptid/fire-risk-service/internal/adapter/postgres"
	"github.com/couchcryptid/fire-risk-service/internal/observability"
	"github.com/couchcryptid/fire-risk-service/internal/pipeline"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume inference requests from Kafka and serve the HTTP API",
	Long: `Loads the newest (or MODEL_VERSION) parameters from MODEL_STORE_PATH, then
reads {"timestamp": ...} requests from KAFKA_SOURCE_TOPIC and publishes risk
maps to KAFKA_SINK_TOPIC. When DATABASE_URL is set, maps are also upserted into
fire_risk.risk_maps. The HTTP API answers the same predictions on demand.`,
	RunE: runServe,
}

// readiness is ready when every member is.
type readiness []sharedobs.ReadinessChecker

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	rt, err := newApp(metrics)
	if err != nil {
		return err
	}
	cfg, logger := rt.cfg, rt.logger

	svc, err := rt.service(ctx)
	if err != nil {
		return err
	}

	reader := kafkaadapter.NewReader(cfg, logger)
	writer := kafkaadapter.NewWriter(cfg, logger)
	loaders := pipeline.MultiLoader{writer}

	var store *postgres.RiskMapStore
	if cfg.DatabaseURL != "" {
		store, err = postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()
		loaders = append(loaders, store)
		logger.Info("risk map archive enabled")
	}

	p := pipeline.New(reader, pipeline.NewTransformer(svc, logger), loaders, logger, metrics, cfg.BatchSize)

	ready := readiness{p}
	if store != nil {
		ready = append(ready, store)
	}
	srv := httpadapter.NewServer(cfg.HTTPAddr, ready, svc, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start inference pipeline.
	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}
	if err := writer.Close(); err != nil {
		logger.Error("kafka writer close error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
