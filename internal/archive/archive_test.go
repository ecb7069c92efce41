package archive_test

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/archive"
	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallArchive(t *testing.T) (*archive.Memory, archive.SyntheticConfig) {
	t.Helper()
	cfg := archive.DefaultSyntheticConfig(domain.DefaultCatalog())
	cfg.Samples = 2
	cfg.LabelMissing = 0.1
	m, err := archive.Synthetic(cfg)
	require.NoError(t, err)
	return m, cfg
}

func TestSynthetic_ProducesCompleteWindows(t *testing.T) {
	m, cfg := smallArchive(t)

	// 7 days of 8 surface variables, 2 references of 5x2 upper-air and 2 aux.
	assert.Equal(t, 7*8+2*(10+2), m.Len())

	times := m.LabelledTimes()
	require.Len(t, times, 2)
	assert.Equal(t, cfg.Start, times[0])
	assert.Equal(t, cfg.Start.Add(24*time.Hour), times[1])

	w, err := m.Window(context.Background(), domain.NewWindowSpec(times[1], cfg.Catalog.UpperAirLevels))
	require.NoError(t, err)
	assert.Len(t, w.Surface, 6*8)
	assert.Len(t, w.UpperAir, 10)
	assert.Len(t, w.Aux, 2)
	require.NotNil(t, w.Label)
	assert.Equal(t, cfg.Target, w.Label.Grid)

	for _, f := range append(append(w.Surface, w.UpperAir...), w.Aux...) {
		spec, ok := cfg.Catalog.Lookup(f.Variable)
		require.True(t, ok)
		for i, v := range f.Values {
			require.False(t, f.Missing[i])
			require.True(t, spec.InRange(v), "%s value %g", f.Variable, v)
		}
	}

	var positives, missing int
	for i, v := range w.Label.Values {
		switch {
		case w.Label.Missing[i]:
			missing++
		case v == 1:
			positives++
		}
	}
	assert.Greater(t, positives, 0)
	assert.Greater(t, missing, 0)
}

func TestSynthetic_Deterministic(t *testing.T) {
	a, _ := smallArchive(t)
	b, _ := smallArchive(t)

	var bufA, bufB bytes.Buffer
	require.NoError(t, archive.WriteFixture(&bufA, a))
	require.NoError(t, archive.WriteFixture(&bufB, b))
	assert.Equal(t, bufA.Bytes(), bufB.Bytes())
}

func TestWindow_OmitsAbsentFields(t *testing.T) {
	m, cfg := smallArchive(t)
	// Reference one day before the first label has only five days of history.
	ref := cfg.Start.Add(-24 * time.Hour)
	w, err := m.Window(context.Background(), domain.NewWindowSpec(ref, cfg.Catalog.UpperAirLevels))
	require.NoError(t, err)
	assert.Len(t, w.Surface, 5*8)
	assert.Empty(t, w.UpperAir)
	assert.Nil(t, w.Label)
}

func TestWindow_Cancelled(t *testing.T) {
	m, cfg := smallArchive(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Window(ctx, domain.NewWindowSpec(cfg.Start, nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPut_RejectsInvalidField(t *testing.T) {
	m := archive.NewMemory(domain.DefaultCatalog())
	f := domain.NewField("skt", domain.Surface(), domain.MustGridSpec(0, 1, 0, 1, 0.5), time.Now())
	f.Missing[0] = false
	assert.Error(t, m.Put(f))
}

func TestFixture_RoundTrip(t *testing.T) {
	m, cfg := smallArchive(t)
	path := filepath.Join(t.TempDir(), "archive.json.zst")
	require.NoError(t, archive.SaveFixtureFile(path, m))

	back, err := archive.LoadFixtureFile(path)
	require.NoError(t, err)
	assert.Equal(t, m.Len(), back.Len())
	assert.Equal(t, m.LabelledTimes(), back.LabelledTimes())

	spec := domain.NewWindowSpec(cfg.Start, cfg.Catalog.UpperAirLevels)
	want, err := m.Window(context.Background(), spec)
	require.NoError(t, err)
	got, err := back.Window(context.Background(), spec)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(want, got, cmpopts.EquateNaNs()))
	assert.True(t, math.IsNaN(got.Label.Values[firstMissing(got.Label.Missing)]))
}

func firstMissing(mask []bool) int {
	for i, m := range mask {
		if m {
			return i
		}
	}
	return -1
}

func TestReadFixture_Rejects(t *testing.T) {
	_, err := archive.ReadFixture(bytes.NewReader([]byte("plain text")))
	assert.Error(t, err)

	_, err = archive.LoadFixtureFile(filepath.Join(t.TempDir(), "missing.zst"))
	assert.Error(t, err)
}
