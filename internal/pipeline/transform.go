package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

// Predictor produces the risk map for the window ending at ts.
type Predictor interface {
	Predict(ctx context.Context, ts time.Time) (domain.RiskMap, error)
}

// RiskTransformer implements Transformer by parsing the request and running
// the predictor.
type RiskTransformer struct {
	predictor Predictor
	logger    *slog.Logger
}

// NewTransformer creates a RiskTransformer.
func NewTransformer(predictor Predictor, logger *slog.Logger) *RiskTransformer {
	return &RiskTransformer{predictor: predictor, logger: logger}
}

func (t *RiskTransformer) Transform(ctx context.Context, raw domain.RawMessage) (domain.RiskMap, error) {
	req, err := domain.ParseRequest(raw)
	if err != nil {
		return domain.RiskMap{}, err
	}
	rm, err := t.predictor.Predict(ctx, req.Timestamp)
	if err != nil {
		return domain.RiskMap{}, fmt.Errorf("predict %s: %w", req.Timestamp.Format(time.RFC3339), err)
	}
	s := rm.Summarize()
	t.logger.Debug("risk map ready",
		"timestamp", rm.Timestamp,
		"high_risk_cells", s.HighRisk,
		"missing_cells", s.MissingCells,
	)
	return rm, nil
}

// MultiLoader writes every batch to all of its loaders in order and stops at
// the first failure.
type MultiLoader []BatchLoader

func (m MultiLoader) LoadBatch(ctx context.Context, maps []domain.RiskMap) error {
	for _, l := range m {
		if err := l.LoadBatch(ctx, maps); err != nil {
			return err
		}
	}
	return nil
}
