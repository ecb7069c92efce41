// Package postgres archives issued risk maps in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS fire_risk;
CREATE TABLE IF NOT EXISTS fire_risk.risk_maps (
    ts              TIMESTAMPTZ      NOT NULL,
    grid_id         TEXT             NOT NULL,
    model_version   TEXT             NOT NULL,
    issued_at       TIMESTAMPTZ      NOT NULL,
    threshold       DOUBLE PRECISION NOT NULL,
    valid_cells     INTEGER          NOT NULL,
    missing_cells   INTEGER          NOT NULL,
    high_risk_cells INTEGER          NOT NULL,
    mean_prob       DOUBLE PRECISION NOT NULL,
    max_prob        DOUBLE PRECISION NOT NULL,
    payload         JSONB            NOT NULL,
    PRIMARY KEY (ts, grid_id, model_version)
)`

const upsertSQL = `INSERT INTO fire_risk.risk_maps (ts, grid_id, model_version, issued_at, threshold, valid_cells, missing_cells, high_risk_cells, mean_prob, max_prob, payload)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (ts, grid_id, model_version) DO UPDATE
SET issued_at = EXCLUDED.issued_at,
    threshold = EXCLUDED.threshold,
    valid_cells = EXCLUDED.valid_cells,
    missing_cells = EXCLUDED.missing_cells,
    high_risk_cells = EXCLUDED.high_risk_cells,
    mean_prob = EXCLUDED.mean_prob,
    max_prob = EXCLUDED.max_prob,
    payload = EXCLUDED.payload`

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// RiskMapStore upserts risk maps keyed by (timestamp, grid, model version),
// so a redelivered request overwrites rather than duplicates.
type RiskMapStore struct {
	pool *pgxpool.Pool
	db   batchSender
}

// New connects and creates the schema if needed.
func New(ctx context.Context, databaseURL string) (*RiskMapStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create risk_maps schema: %w", err)
	}
	return &RiskMapStore{pool: pool, db: pool}, nil
}

// Close releases the pool resources.
func (s *RiskMapStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CheckReadiness pings the database.
func (s *RiskMapStore) CheckReadiness(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// LoadBatch upserts every map in one round trip.
func (s *RiskMapStore) LoadBatch(ctx context.Context, maps []domain.RiskMap) error {
	if len(maps) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range maps {
		args, err := rowArgs(m)
		if err != nil {
			return err
		}
		batch.Queue(upsertSQL, args...)
	}

	res := s.db.SendBatch(ctx, batch)
	defer res.Close()

	for _, m := range maps {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("upsert risk map %s: %w", m.Timestamp.UTC().Format(time.RFC3339), err)
		}
	}
	return nil
}

func rowArgs(m domain.RiskMap) ([]any, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode risk map: %w", err)
	}
	s := m.Summarize()
	return []any{
		m.Timestamp.UTC(),
		m.Grid.ID(),
		m.ModelVersion,
		m.IssuedAt.UTC(),
		m.Threshold,
		s.ValidCells,
		s.MissingCells,
		s.HighRisk,
		s.Mean,
		s.Max,
		payload,
	}, nil
}
