package fusion_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/archive"
	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/fusion"
	"github.com/couchcryptid/fire-risk-service/internal/interp"
	"github.com/couchcryptid/fire-risk-service/internal/observability"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	pipeline *fusion.Pipeline
	archive  *archive.Memory
	cfg      archive.SyntheticConfig
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	catalog := domain.DefaultCatalog()
	cfg := archive.DefaultSyntheticConfig(catalog)
	cfg.Samples = 3
	m, err := archive.Synthetic(cfg)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := interp.NewEngine(interp.DefaultConfig(), catalog, observability.NewMetricsForTesting(), logger)
	require.NoError(t, err)

	p := fusion.New(fusion.Config{MissingThreshold: fusion.DefaultMissingThreshold, CorrelationThreshold: 0.1},
		cfg.Target, catalog, engine, logger)
	return fixture{pipeline: p, archive: m, cfg: cfg}
}

func (f fixture) window(t *testing.T, i int) (domain.WindowFields, domain.WindowSpec) {
	t.Helper()
	spec := domain.NewWindowSpec(f.cfg.Start.Add(time.Duration(i)*24*time.Hour), f.cfg.Catalog.UpperAirLevels)
	fields, err := f.archive.Window(context.Background(), spec)
	require.NoError(t, err)
	return fields, spec
}

func TestFuse_ChannelOrderAndShape(t *testing.T) {
	f := newFixture(t)
	fields, spec := f.window(t, 0)

	sample, err := f.pipeline.Fuse(context.Background(), fields, spec)
	require.NoError(t, err)

	names := sample.ChannelNames()
	require.Len(t, names, 6*8+5*2+2)
	assert.Equal(t, fusion.ChannelOrder(f.cfg.Catalog, spec), names)
	assert.Equal(t, "lai_lv@d-5", names[0])
	assert.Equal(t, "precipitation@d-5", names[7])
	assert.Equal(t, "lai_lv@d-4", names[8])
	assert.Equal(t, "precipitation@d-0", names[47])
	assert.Equal(t, "v@850hPa", names[48])
	assert.Equal(t, "v@500hPa", names[49])
	assert.Equal(t, "z@500hPa", names[57])
	assert.Equal(t, "fire_density", names[58])
	assert.Equal(t, "veg_dryness", names[59])

	assert.Equal(t, spec.Reference, sample.Timestamp)
	assert.Equal(t, f.cfg.Target, sample.Grid)
	require.NotNil(t, sample.Label)
	for _, ch := range sample.Channels {
		assert.Equal(t, f.cfg.Target, ch.Field.Grid, ch.Name)
		assert.Zero(t, ch.Field.MissingRatio(), ch.Name)
		require.NoError(t, ch.Field.Validate())
	}
}

func TestFuse_Deterministic(t *testing.T) {
	f := newFixture(t)
	fields, spec := f.window(t, 1)

	a, err := f.pipeline.Fuse(context.Background(), fields, spec)
	require.NoError(t, err)
	b, err := f.pipeline.Fuse(context.Background(), fields, spec)
	require.NoError(t, err)

	other := newFixture(t)
	c, err := other.pipeline.Fuse(context.Background(), fields, spec)
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(a, b, cmpopts.EquateNaNs()))
	assert.Empty(t, cmp.Diff(a, c, cmpopts.EquateNaNs()))
}

func TestFuse_TemporalAlignment(t *testing.T) {
	f := newFixture(t)

	cases := map[string]func(w *domain.WindowFields){
		"missing surface day": func(w *domain.WindowFields) { w.Surface = w.Surface[1:] },
		"missing upper-air":   func(w *domain.WindowFields) { w.UpperAir = w.UpperAir[:len(w.UpperAir)-1] },
		"missing aux":         func(w *domain.WindowFields) { w.Aux = nil },
		"duplicate field":     func(w *domain.WindowFields) { w.Surface = append(w.Surface, w.Surface[0]) },
		"surface off the daily step": func(w *domain.WindowFields) {
			shifted := w.Surface[0].Clone()
			shifted.Timestamp = shifted.Timestamp.Add(time.Hour)
			w.Surface[0] = shifted
		},
		"upper-air not at reference": func(w *domain.WindowFields) {
			shifted := w.UpperAir[0].Clone()
			shifted.Timestamp = shifted.Timestamp.Add(-24 * time.Hour)
			w.UpperAir[0] = shifted
		},
		"wrong level kind": func(w *domain.WindowFields) {
			moved := w.Aux[0].Clone()
			moved.Level = domain.Surface()
			w.Aux[0] = moved
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			fields, spec := f.window(t, 0)
			mutate(&fields)
			_, err := f.pipeline.Fuse(context.Background(), fields, spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrTemporalAlignment)
		})
	}
}

func TestFuse_IgnoresFieldsOutsideCatalog(t *testing.T) {
	f := newFixture(t)
	fields, spec := f.window(t, 0)
	extra := fields.Surface[0].Clone()
	extra.Variable = "snow_depth"
	fields.Surface = append(fields.Surface, extra)

	_, err := f.pipeline.Fuse(context.Background(), fields, spec)
	assert.NoError(t, err)
}

func TestFuse_DataQuality(t *testing.T) {
	f := newFixture(t)
	fields, spec := f.window(t, 0)

	degraded := fields.Aux[0].Clone()
	for i := 0; i < degraded.Grid.Cells()/10; i++ {
		degraded.Values[i], degraded.Missing[i] = math.NaN(), true
	}
	fields.Aux[0] = degraded

	_, err := f.pipeline.Fuse(context.Background(), fields, spec)
	require.Error(t, err)
	var dq *domain.DataQualityError
	require.ErrorAs(t, err, &dq)
	assert.Equal(t, "fire_density", dq.Variable)
	assert.Equal(t, domain.Aux(), dq.Level)
	assert.InDelta(t, 0.1, dq.MissingRatio, 1e-12)
	assert.InDelta(t, fusion.DefaultMissingThreshold, dq.Threshold, 1e-12)
	assert.Equal(t, spec.Reference, dq.Timestamp)
}

func TestFuse_TolerableMissingPasses(t *testing.T) {
	f := newFixture(t)
	fields, spec := f.window(t, 0)

	degraded := fields.Aux[1].Clone()
	for i := 0; i < 5; i++ {
		degraded.Values[i], degraded.Missing[i] = math.NaN(), true
	}
	fields.Aux[1] = degraded

	sample, err := f.pipeline.Fuse(context.Background(), fields, spec)
	require.NoError(t, err)
	ch, ok := sample.Channel("veg_dryness")
	require.True(t, ok)
	assert.InDelta(t, 0.05, ch.Field.MissingRatio(), 1e-12)
}

func TestFuse_PhysicalRange(t *testing.T) {
	f := newFixture(t)
	fields, spec := f.window(t, 0)

	var idx int
	for i, fl := range fields.Surface {
		if fl.Variable == "skt" {
			idx = i
			break
		}
	}
	hot := fields.Surface[idx].Clone()
	hot.Values[3] = 400
	fields.Surface[idx] = hot

	_, err := f.pipeline.Fuse(context.Background(), fields, spec)
	require.Error(t, err)
	var pr *domain.PhysicalRangeError
	require.ErrorAs(t, err, &pr)
	assert.Equal(t, "skt", pr.Variable)
	assert.Equal(t, 400.0, pr.Value)
	assert.Equal(t, 0, pr.Row)
	assert.Equal(t, 3, pr.Col)
	assert.Equal(t, 173.0, pr.Min)
	assert.Equal(t, 333.0, pr.Max)
}

func TestFuse_LabelGridMismatch(t *testing.T) {
	f := newFixture(t)
	fields, spec := f.window(t, 0)
	label, err := domain.NewLabelGrid(domain.MustGridSpec(0, 1, 0, 1, 0.5), make([]float64, 4))
	require.NoError(t, err)
	fields.Label = label

	_, err = f.pipeline.Fuse(context.Background(), fields, spec)
	assert.ErrorIs(t, err, domain.ErrGridMismatch)
}

func TestFuse_Cancelled(t *testing.T) {
	f := newFixture(t)
	fields, spec := f.window(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Fuse(ctx, fields, spec)
	assert.True(t, errors.Is(err, context.Canceled))
}

func fuseAll(t *testing.T, f fixture) []domain.FusedSample {
	t.Helper()
	var out []domain.FusedSample
	for i := 0; i < f.cfg.Samples; i++ {
		fields, spec := f.window(t, i)
		s, err := f.pipeline.Fuse(context.Background(), fields, spec)
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func TestSelectFeatures(t *testing.T) {
	f := newFixture(t)
	samples := fuseAll(t, f)
	protected := fusion.ResidualChannels(f.cfg.Catalog)
	assert.Equal(t, []string{"fire_density", "veg_dryness"}, protected)

	sel, err := fusion.SelectFeatures(samples, 0.3, protected)
	require.NoError(t, err)
	assert.Len(t, sel.Correlations, 60)
	assert.Contains(t, sel.Channels, "fire_density")
	assert.Contains(t, sel.Channels, "veg_dryness")
	for _, name := range sel.Channels {
		if name == "fire_density" || name == "veg_dryness" {
			continue
		}
		assert.GreaterOrEqual(t, math.Abs(sel.Correlations[name]), 0.3, name)
	}
	for name, r := range sel.Correlations {
		assert.False(t, math.IsNaN(r), name)
		if math.Abs(r) >= 0.3 {
			assert.True(t, sel.Keeps(name), name)
		}
	}

	strict, err := fusion.SelectFeatures(samples, 1.01, protected)
	require.NoError(t, err)
	assert.Equal(t, protected, strict.Channels)
}

func TestSelectFeatures_ConstantLabelKeepsAll(t *testing.T) {
	f := newFixture(t)
	samples := fuseAll(t, f)
	for i := range samples {
		zero, err := domain.NewLabelGrid(f.cfg.Target, make([]float64, f.cfg.Target.Cells()))
		require.NoError(t, err)
		samples[i].Label = zero
	}

	sel, err := fusion.SelectFeatures(samples, 0.9, nil)
	require.NoError(t, err)
	assert.Equal(t, samples[0].ChannelNames(), sel.Channels)
}

func TestSelectFeatures_Rejects(t *testing.T) {
	_, err := fusion.SelectFeatures(nil, 0.1, nil)
	assert.Error(t, err)

	f := newFixture(t)
	samples := fuseAll(t, f)
	samples[1].Label = nil
	_, err = fusion.SelectFeatures(samples, 0.1, nil)
	assert.Error(t, err)
}

func TestWithSelection_AppliesStoredChannels(t *testing.T) {
	f := newFixture(t)
	fields, spec := f.window(t, 0)

	sel := domain.FeatureSelection{Threshold: 0.3, Channels: []string{"veg_dryness", "skt@d-0", "t@850hPa"}}
	sample, err := f.pipeline.WithSelection(sel).Fuse(context.Background(), fields, spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"skt@d-0", "t@850hPa", "veg_dryness"}, sample.ChannelNames(), "canonical order is kept")

	full, err := f.pipeline.Fuse(context.Background(), fields, spec)
	require.NoError(t, err)
	assert.Len(t, full.Channels, 60, "the original pipeline is unchanged")

	_, err = f.pipeline.WithSelection(domain.FeatureSelection{Channels: []string{"bogus"}}).Fuse(context.Background(), fields, spec)
	assert.Error(t, err)
}
