package training

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/fusion"
	"golang.org/x/sync/errgroup"
)

// BuildDataset fuses one labelled sample per reference time, using up to
// workers goroutines. Samples are returned in the order of times.
func BuildDataset(ctx context.Context, source domain.FieldSource, pipeline *fusion.Pipeline, times []time.Time, workers int) ([]domain.FusedSample, error) {
	samples := make([]domain.FusedSample, len(times))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	levels := pipeline.Catalog().UpperAirLevels
	for i, ts := range times {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			spec := domain.NewWindowSpec(ts, levels)
			fields, err := source.Window(gctx, spec)
			if err != nil {
				return fmt.Errorf("window %s: %w", ts.UTC().Format(time.RFC3339), err)
			}
			if fields.Label == nil {
				return fmt.Errorf("window %s: no label", ts.UTC().Format(time.RFC3339))
			}
			s, err := pipeline.Fuse(gctx, fields, spec)
			if err != nil {
				return err
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return samples, nil
}

// Select screens the channels of samples against their labels and returns
// the selection together with the reduced samples.
func Select(samples []domain.FusedSample, threshold float64, protected []string) (domain.FeatureSelection, []domain.FusedSample, error) {
	sel, err := fusion.SelectFeatures(samples, threshold, protected)
	if err != nil {
		return domain.FeatureSelection{}, nil, err
	}
	out := make([]domain.FusedSample, len(samples))
	for i, s := range samples {
		if out[i], err = fusion.ApplySelection(s, sel); err != nil {
			return domain.FeatureSelection{}, nil, err
		}
	}
	return sel, out, nil
}
