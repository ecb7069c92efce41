package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/fire-risk-service/internal/adapter/sqlite"
	"github.com/couchcryptid/fire-risk-service/internal/archive"
	"github.com/couchcryptid/fire-risk-service/internal/config"
	"github.com/couchcryptid/fire-risk-service/internal/fusion"
	"github.com/couchcryptid/fire-risk-service/internal/inference"
	"github.com/couchcryptid/fire-risk-service/internal/interp"
	"github.com/couchcryptid/fire-risk-service/internal/model"
	"github.com/couchcryptid/fire-risk-service/internal/observability"
)

// app is what every subcommand builds from configuration: the archive,
// the interpolation engine and the fusion pipeline over the target grid.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	archive  *archive.Memory
	pipeline *fusion.Pipeline
}

func newApp(metrics *observability.Metrics) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(cfg)

	mem, err := archive.LoadFixtureFile(cfg.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("load archive %s: %w", cfg.ArchivePath, err)
	}
	engine, err := interp.NewEngine(cfg.Interp(), mem.Catalog(), metrics, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("archive loaded",
		"path", cfg.ArchivePath,
		"fields", mem.Len(),
		"labelled_days", len(mem.LabelledTimes()),
		"target_grid", cfg.TargetGrid.ID(),
	)
	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		archive:  mem,
		pipeline: fusion.New(cfg.Fusion(), cfg.TargetGrid, mem.Catalog(), engine, logger),
	}, nil
}

// loadParameters picks MODEL_VERSION if set, otherwise the newest stored
// blob, and checks it against the configured layer sizes.
func (rt *app) loadParameters(ctx context.Context, store *sqlite.ParameterStore) (*model.Parameters, error) {
	versions, err := store.Versions(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if rt.cfg.ModelVersion != "" && v.Version != rt.cfg.ModelVersion {
			continue
		}
		params, ok, err := store.Load(ctx, v.ArchID, v.Version)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		want := rt.cfg.Architecture(params.Arch.InputChannels, params.Arch.ResidualChannels)
		if err := model.CheckCompatible(params, want); err != nil {
			return nil, fmt.Errorf("parameters %s: %w", v.Version, err)
		}
		return params, nil
	}
	if rt.cfg.ModelVersion != "" {
		return nil, fmt.Errorf("model version %q not found in %s", rt.cfg.ModelVersion, rt.cfg.ModelStorePath)
	}
	return nil, errors.New("no trained parameters in " + rt.cfg.ModelStorePath)
}

// service opens the parameter store and builds the inference service.
func (rt *app) service(ctx context.Context) (*inference.Service, error) {
	store, err := sqlite.Open(ctx, rt.cfg.ModelStorePath)
	if err != nil {
		return nil, fmt.Errorf("open model store: %w", err)
	}
	defer store.Close()

	params, err := rt.loadParameters(ctx, store)
	if err != nil {
		return nil, err
	}
	m, err := model.New(params.Arch)
	if err != nil {
		return nil, err
	}
	svc, err := inference.New(rt.archive, rt.pipeline, m, params, rt.cfg.Workers, rt.metrics, rt.logger)
	if err != nil {
		return nil, err
	}
	info := svc.Info()
	rt.logger.Info("model loaded",
		"version", info.Version,
		"epoch", info.Epoch,
		"architecture", info.Architecture,
		"channels", len(info.Channels),
		"threshold", info.Threshold,
	)
	return svc, nil
}
