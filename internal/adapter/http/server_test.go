package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	httpadapter "github.com/couchcryptid/fire-risk-service/internal/adapter/http"
	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockService struct {
	err  error
	seen []time.Time
}

func (m *mockService) Predict(_ context.Context, ts time.Time) (domain.RiskMap, error) {
	m.seen = append(m.seen, ts)
	if m.err != nil {
		return domain.RiskMap{}, m.err
	}
	grid := domain.MustGridSpec(45, 45.02, 125, 125.02, 0.01)
	return domain.RiskMap{
		Grid:          grid,
		Timestamp:     ts,
		IssuedAt:      ts.Add(time.Hour),
		ModelVersion:  "v-test",
		Threshold:     0.5,
		Probabilities: []float64{0.1, 0.9, math.NaN(), 0.7},
		Missing:       []bool{false, false, true, false},
	}, nil
}

func (m *mockService) Info() inference.Info {
	return inference.Info{Version: "v-test", Epoch: 3, Threshold: 0.5, Architecture: "arch-1", Channels: []string{"a", "b"}, ParameterCount: 10}
}

func newTestServer(readyErr error, svc httpadapter.RiskService) *httpadapter.Server {
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, svc, slog.Default())
}

func get(t *testing.T, srv *httpadapter.Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestHealthzReturns200(t *testing.T) {
	rec, body := get(t, newTestServer(nil, nil), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec, body := get(t, newTestServer(nil, nil), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec, body := get(t, newTestServer(fmt.Errorf("not ready yet"), nil), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "not ready yet", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRiskMapRFC3339(t *testing.T) {
	svc := &mockService{}
	rec, body := get(t, newTestServer(nil, svc), "/api/v1/riskmap/2024-07-01T00:00:00Z")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.seen, 1)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), svc.seen[0])

	data := body["data"].(map[string]any)
	assert.Equal(t, "v-test", data["model_version"])
	probs := data["probabilities"].([]any)
	require.Len(t, probs, 4)
	assert.InDelta(t, 0.9, probs[1], 1e-12)
	assert.Nil(t, probs[2])
}

func TestRiskMapDateOnlySummary(t *testing.T) {
	svc := &mockService{}
	rec, body := get(t, newTestServer(nil, svc), "/api/v1/riskmap/2024-07-02?view=summary")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2024, 7, 2, 0, 0, 0, 0, time.UTC), svc.seen[0])

	data := body["data"].(map[string]any)
	assert.NotContains(t, data, "probabilities")
	summary := data["summary"].(map[string]any)
	assert.InDelta(t, 3, summary["valid_cells"], 0)
	assert.InDelta(t, 1, summary["missing_cells"], 0)
	assert.InDelta(t, 2, summary["high_risk_cells"], 0)
}

func TestRiskMapBadTimestamp(t *testing.T) {
	svc := &mockService{}
	rec, body := get(t, newTestServer(nil, svc), "/api/v1/riskmap/yesterday")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "RFC 3339")
	assert.Empty(t, svc.seen)
}

func TestRiskMapErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"misaligned window", &domain.TemporalAlignmentError{Variable: "t2m", Reason: "missing"}, http.StatusNotFound, "temporal_alignment"},
		{"data quality", &domain.DataQualityError{Variable: "tp", MissingRatio: 0.9, Threshold: 0.5}, http.StatusUnprocessableEntity, "data_quality"},
		{"timeout", fmt.Errorf("window: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "other"},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError, "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := get(t, newTestServer(nil, &mockService{err: tt.err}), "/api/v1/riskmap/2024-07-01")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, body["kind"])
		})
	}
}

func TestModelInfo(t *testing.T) {
	rec, body := get(t, newTestServer(nil, &mockService{}), "/api/v1/model")

	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "v-test", data["version"])
	assert.InDelta(t, 10, data["parameter_count"], 0)
}

func TestAPIWithoutModel(t *testing.T) {
	for _, path := range []string{"/api/v1/model", "/api/v1/riskmap/2024-07-01"} {
		rec, body := get(t, newTestServer(nil, nil), path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Equal(t, "no model loaded", body["error"])
	}
}
