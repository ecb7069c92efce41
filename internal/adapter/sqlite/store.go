// Package sqlite persists model parameter blobs in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/model"

	_ "modernc.org/sqlite"
)

// ParameterStore keeps one row per (architecture, version). Saving the same
// version again overwrites it, so periodic checkpoints of a run replace each
// other.
type ParameterStore struct {
	db *sql.DB
}

// Version describes a stored blob without decoding it.
type Version struct {
	ArchID  string
	Version string
	Epoch   int
	SavedAt time.Time
}

// Open creates the file and schema if needed.
func Open(ctx context.Context, path string) (*ParameterStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; the driver serialises anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ParameterStore{db: db}, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS model_parameters (
			arch_id       TEXT    NOT NULL,
			version       TEXT    NOT NULL,
			epoch         INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload       BLOB    NOT NULL,
			created_at    INTEGER NOT NULL,
			PRIMARY KEY (arch_id, version)
		)
	`)
	if err != nil {
		return fmt.Errorf("create model_parameters: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *ParameterStore) Close() error {
	return s.db.Close()
}

// Save upserts p. Its signature matches training.Checkpoint.
func (s *ParameterStore) Save(ctx context.Context, p *model.Parameters) error {
	if p.Version == "" {
		return errors.New("save parameters: empty version")
	}
	payload, err := model.EncodeParameters(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_parameters (arch_id, version, epoch, codec_version, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(arch_id, version) DO UPDATE SET
			epoch = excluded.epoch,
			codec_version = excluded.codec_version,
			payload = excluded.payload,
			created_at = excluded.created_at
	`, p.Arch.ID(), p.Version, p.Epoch, model.CodecVersion, payload, domain.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save parameters %s: %w", p.Version, err)
	}
	return nil
}

// Load fetches one version. A missing row is (nil, false, nil).
func (s *ParameterStore) Load(ctx context.Context, archID, version string) (*model.Parameters, bool, error) {
	return s.one(ctx, `SELECT version, payload FROM model_parameters WHERE arch_id = ? AND version = ?`, archID, version)
}

// Latest fetches the most recently saved version for archID.
func (s *ParameterStore) Latest(ctx context.Context, archID string) (*model.Parameters, bool, error) {
	return s.one(ctx, `
		SELECT version, payload FROM model_parameters
		WHERE arch_id = ?
		ORDER BY created_at DESC, epoch DESC
		LIMIT 1
	`, archID)
}

func (s *ParameterStore) one(ctx context.Context, query string, args ...any) (*model.Parameters, bool, error) {
	var (
		version string
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&version, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	p, err := model.DecodeParameters(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode parameters %s: %w", version, err)
	}
	return p, true, nil
}

// Versions lists stored versions, newest first. An empty archID lists all.
func (s *ParameterStore) Versions(ctx context.Context, archID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT arch_id, version, epoch, created_at FROM model_parameters
		WHERE ? = '' OR arch_id = ?
		ORDER BY created_at DESC, epoch DESC
	`, archID, archID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var (
			v     Version
			saved int64
		)
		if err := rows.Scan(&v.ArchID, &v.Version, &v.Epoch, &saved); err != nil {
			return nil, err
		}
		v.SavedAt = time.Unix(0, saved).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}
