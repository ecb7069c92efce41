package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/adapter/sqlite"
	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/model"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArch() model.Architecture {
	return model.Architecture{
		InputChannels:    []string{"t2m@d-0", "fire_density"},
		ResidualChannels: []string{"fire_density"},
		AdapterHidden:    3,
		AdapterOut:       2,
		BackboneWidths:   []int{2},
		KernelSize:       3,
		MLPHidden:        3,
	}
}

func openStore(t *testing.T) *sqlite.ParameterStore {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "params.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func params(t *testing.T, version string, epoch int, seed uint64) *model.Parameters {
	t.Helper()
	p, err := model.InitParameters(testArch(), seed)
	require.NoError(t, err)
	p.Version = version
	p.Epoch = epoch
	p.Selection = domain.FeatureSelection{Threshold: 0.1, Channels: []string{"t2m@d-0", "fire_density"}}
	return p
}

func freeze(t *testing.T) *clockwork.FakeClock {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	domain.SetClock(clk)
	t.Cleanup(func() { domain.SetClock(nil) })
	return clk
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlite.Open(context.Background(), "")
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	freeze(t)
	s := openStore(t)
	ctx := context.Background()
	p := params(t, "run-1", 4, 7)

	require.NoError(t, s.Save(ctx, p))

	got, ok, err := s.Load(ctx, p.Arch.ID(), "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissing(t *testing.T) {
	s := openStore(t)

	got, ok, err := s.Load(context.Background(), "arch-none", "run-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)

	got, ok, err = s.Latest(context.Background(), "arch-none")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestSaveOverwritesCheckpoint(t *testing.T) {
	clk := freeze(t)
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, params(t, "run-1", 1, 1)))
	clk.Advance(time.Minute)
	later := params(t, "run-1", 2, 2)
	require.NoError(t, s.Save(ctx, later))

	got, ok, err := s.Load(ctx, later.Arch.ID(), "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Epoch)
	assert.Equal(t, later.Tensors, got.Tensors)

	versions, err := s.Versions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestLatestPicksNewest(t *testing.T) {
	clk := freeze(t)
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, params(t, "run-a", 10, 1)))
	clk.Advance(time.Hour)
	require.NoError(t, s.Save(ctx, params(t, "run-b", 3, 2)))

	arch := testArch().ID()
	got, ok, err := s.Latest(ctx, arch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-b", got.Version)

	versions, err := s.Versions(ctx, arch)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "run-b", versions[0].Version)
	assert.Equal(t, "run-a", versions[1].Version)
	assert.Equal(t, time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC), versions[0].SavedAt)
}

func TestSaveRequiresVersion(t *testing.T) {
	s := openStore(t)
	require.Error(t, s.Save(context.Background(), params(t, "", 0, 1)))
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.db")
	ctx := context.Background()
	p := params(t, "run-1", 1, 3)

	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, p))
	require.NoError(t, s.Close())

	s, err = sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	_, ok, err := s.Load(ctx, p.Arch.ID(), "run-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
