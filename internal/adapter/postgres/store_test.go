package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResults struct {
	failAt int
	execs  int
	closed bool
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	r.execs++
	if r.execs == r.failAt {
		return pgconn.CommandTag{}, errors.New("unique violation")
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("unexpected query") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error {
	r.closed = true
	return nil
}

type fakeSender struct {
	batch   *pgx.Batch
	results *fakeResults
}

func (f *fakeSender) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batch = b
	return f.results
}

func riskMap(ts time.Time) domain.RiskMap {
	return domain.RiskMap{
		Grid:          domain.MustGridSpec(45, 45.02, 125, 125.02, 0.01),
		Timestamp:     ts,
		IssuedAt:      ts.Add(2 * time.Hour),
		ModelVersion:  "v1",
		Threshold:     0.5,
		Probabilities: []float64{0.2, 0.8, math.NaN(), 0.6},
		Missing:       []bool{false, false, true, false},
	}
}

func TestRowArgs(t *testing.T) {
	ts := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	m := riskMap(ts)

	args, err := rowArgs(m)
	require.NoError(t, err)
	require.Len(t, args, 11)

	assert.Equal(t, ts, args[0])
	assert.Equal(t, m.Grid.ID(), args[1])
	assert.Equal(t, "v1", args[2])
	assert.Equal(t, ts.Add(2*time.Hour), args[3])
	assert.Equal(t, 3, args[5])
	assert.Equal(t, 1, args[6])
	assert.Equal(t, 2, args[7])
	assert.InDelta(t, 0.5333333, args[8], 1e-6)
	assert.InDelta(t, 0.8, args[9], 1e-12)

	var back domain.RiskMap
	require.NoError(t, json.Unmarshal(args[10].([]byte), &back))
	assert.True(t, back.Missing[2])
}

func TestLoadBatchQueuesOneUpsertPerMap(t *testing.T) {
	sender := &fakeSender{results: &fakeResults{}}
	store := &RiskMapStore{db: sender}
	ts := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	err := store.LoadBatch(context.Background(), []domain.RiskMap{riskMap(ts), riskMap(ts.Add(24 * time.Hour))})
	require.NoError(t, err)

	require.Equal(t, 2, sender.batch.Len())
	for _, q := range sender.batch.QueuedQueries {
		assert.Equal(t, upsertSQL, q.SQL)
	}
	assert.Equal(t, ts.Add(24*time.Hour), sender.batch.QueuedQueries[1].Arguments[0])
	assert.Equal(t, 2, sender.results.execs)
	assert.True(t, sender.results.closed)
}

func TestLoadBatchReportsFailingMap(t *testing.T) {
	sender := &fakeSender{results: &fakeResults{failAt: 2}}
	store := &RiskMapStore{db: sender}
	ts := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	err := store.LoadBatch(context.Background(), []domain.RiskMap{riskMap(ts), riskMap(ts.Add(24 * time.Hour))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2024-07-02T00:00:00Z")
	assert.True(t, sender.results.closed)
}

func TestLoadBatchEmpty(t *testing.T) {
	sender := &fakeSender{results: &fakeResults{}}
	store := &RiskMapStore{db: sender}

	require.NoError(t, store.LoadBatch(context.Background(), nil))
	assert.Nil(t, sender.batch)
}

func TestCheckReadinessWithoutPool(t *testing.T) {
	assert.NoError(t, (&RiskMapStore{}).CheckReadiness(context.Background()))
}
