// Package inference serves risk maps from frozen model parameters.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/fusion"
	"github.com/couchcryptid/fire-risk-service/internal/model"
	"github.com/couchcryptid/fire-risk-service/internal/observability"
	"golang.org/x/sync/errgroup"
)

// Service runs interpolate, fuse and forward for requested timestamps.
// Parameters are never modified, so Predict is safe for concurrent use.
type Service struct {
	source   domain.FieldSource
	pipeline *fusion.Pipeline
	model    *model.Model
	params   *model.Parameters
	workers  int
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New checks params against the model and binds the pipeline to the
// feature selection recorded at training time.
func New(source domain.FieldSource, pipeline *fusion.Pipeline, m *model.Model, params *model.Parameters, workers int, metrics *observability.Metrics, logger *slog.Logger) (*Service, error) {
	if err := m.CheckCompatible(params); err != nil {
		return nil, fmt.Errorf("load parameters %s: %w", params.Version, err)
	}
	if len(params.Selection.Channels) > 0 {
		pipeline = pipeline.WithSelection(params.Selection)
	}
	metrics.ModelLoaded.Set(1)
	return &Service{
		source:   source,
		pipeline: pipeline,
		model:    m,
		params:   params.Clone(),
		workers:  max(workers, 1),
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Predict produces the risk map for the window ending at ts.
func (s *Service) Predict(ctx context.Context, ts time.Time) (domain.RiskMap, error) {
	start := time.Now()
	spec := domain.NewWindowSpec(ts, s.pipeline.Catalog().UpperAirLevels)

	fields, err := s.source.Window(ctx, spec)
	if err != nil {
		return domain.RiskMap{}, fmt.Errorf("window %s: %w", spec.Reference.Format(time.RFC3339), err)
	}
	sample, err := s.pipeline.Fuse(ctx, fields, spec)
	if err != nil {
		return domain.RiskMap{}, err
	}
	rm, _, err := s.model.Forward(s.params, sample)
	if err != nil {
		return domain.RiskMap{}, err
	}

	s.metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	s.logger.Debug("risk map produced", "timestamp", spec.Reference, "model_version", rm.ModelVersion)
	return rm, nil
}

// PredictBatch predicts every timestamp with a bounded worker pool. Results
// keep the order of timestamps. The first error cancels the remaining work;
// cancellation is checked before each sample starts.
func (s *Service) PredictBatch(ctx context.Context, timestamps []time.Time) ([]domain.RiskMap, error) {
	out := make([]domain.RiskMap, len(timestamps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, ts := range timestamps {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rm, err := s.Predict(gctx, ts)
			if err != nil {
				return err
			}
			out[i] = rm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Info describes the loaded model.
type Info struct {
	Version        string   `json:"version"`
	Epoch          int      `json:"epoch"`
	Threshold      float64  `json:"threshold"`
	Architecture   string   `json:"architecture"`
	Channels       []string `json:"channels"`
	ParameterCount int      `json:"parameter_count"`
	TargetGrid     string   `json:"target_grid"`
}

// Info returns metadata about the loaded parameters.
func (s *Service) Info() Info {
	arch := s.model.Architecture()
	return Info{
		Version:        s.params.Version,
		Epoch:          s.params.Epoch,
		Threshold:      s.params.Threshold,
		Architecture:   arch.ID(),
		Channels:       arch.InputChannels,
		ParameterCount: s.params.Count(),
		TargetGrid:     s.pipeline.Target().ID(),
	}
}
