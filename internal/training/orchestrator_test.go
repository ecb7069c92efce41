package training_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/model"
	"github.com/couchcryptid/fire-risk-service/internal/observability"
	"github.com/couchcryptid/fire-risk-service/internal/training"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var arch = model.Architecture{
	InputChannels:    []string{"skt@d-0", "t@850hPa", "fire_density"},
	ResidualChannels: []string{"fire_density"},
	AdapterHidden:    4,
	AdapterOut:       3,
	BackboneWidths:   []int{3},
	KernelSize:       3,
	MLPHidden:        3,
}

func labelled(t *testing.T, seed uint64, label func(i int) float64) domain.FusedSample {
	t.Helper()
	grid := domain.MustGridSpec(0, 0.5, 0, 0.5, 0.1)
	ts := time.Date(2024, 4, 12, 0, 0, 0, 0, time.UTC).Add(time.Duration(seed) * 24 * time.Hour)
	rng := rand.New(rand.NewPCG(seed, 2))
	s := domain.FusedSample{Timestamp: ts, Grid: grid}
	for _, name := range arch.InputChannels {
		vals := make([]float64, grid.Cells())
		for i := range vals {
			vals[i] = rng.NormFloat64()
		}
		f, err := domain.FieldFromValues(name, domain.Aux(), grid, ts, vals)
		require.NoError(t, err)
		s.Channels = append(s.Channels, domain.Channel{Name: name, Field: f})
	}
	vals := make([]float64, grid.Cells())
	for i := range vals {
		vals[i] = label(i)
	}
	l, err := domain.NewLabelGrid(grid, vals)
	require.NoError(t, err)
	s.Label = l
	return s
}

func zeros(int) float64 { return 0 }

func setup(t *testing.T, cfg training.Config) (*training.Orchestrator, *model.Parameters, *observability.Metrics) {
	t.Helper()
	m, err := model.New(arch)
	require.NoError(t, err)
	p, err := model.InitParameters(arch, 4)
	require.NoError(t, err)
	metrics := observability.NewMetricsForTesting()
	o, err := training.New(cfg, m, metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return o, p, metrics
}

func TestStep_ZeroLabelLowersLoss(t *testing.T) {
	cfg := training.DefaultConfig()
	o, p, _ := setup(t, cfg)
	state := training.NewState(cfg, p)
	batch := []domain.FusedSample{labelled(t, 1, zeros)}

	before, err := o.Step(context.Background(), p, state, batch)
	require.NoError(t, err)
	after, err := o.Step(context.Background(), p, state, batch)
	require.NoError(t, err)

	assert.False(t, before.Skipped)
	assert.Equal(t, 25, before.Cells)
	assert.Less(t, after.Loss, before.Loss)
	assert.Equal(t, 2, state.Step)
	assert.Equal(t, 2, state.Optimizer.Step)
}

func TestStep_FocalLossAlsoLearns(t *testing.T) {
	cfg := training.DefaultConfig()
	cfg.Loss = training.LossFocal
	o, p, _ := setup(t, cfg)
	state := training.NewState(cfg, p)
	batch := []domain.FusedSample{labelled(t, 1, zeros)}

	before, err := o.Step(context.Background(), p, state, batch)
	require.NoError(t, err)
	after, err := o.Step(context.Background(), p, state, batch)
	require.NoError(t, err)
	assert.Less(t, after.Loss, before.Loss)
}

func TestStep_IgnoresMissingLabelCells(t *testing.T) {
	cfg := training.DefaultConfig()
	o, p, _ := setup(t, cfg)
	state := training.NewState(cfg, p)
	sample := labelled(t, 1, func(i int) float64 {
		if i%5 == 0 {
			return math.NaN()
		}
		return 0
	})

	res, err := o.Step(context.Background(), p, state, []domain.FusedSample{sample})
	require.NoError(t, err)
	assert.Equal(t, 20, res.Cells)
}

func TestStep_SkipsNonFiniteBatchesThenAborts(t *testing.T) {
	cfg := training.DefaultConfig()
	cfg.NaNWindow = 3
	cfg.NaNMaxRate = 0.5
	o, p, metrics := setup(t, cfg)
	p.Tensors["head.bias"][0] = math.NaN()
	state := training.NewState(cfg, p)
	batch := []domain.FusedSample{labelled(t, 1, zeros)}
	conv := append([]float64(nil), p.Tensors["backbone.conv0.weight"]...)

	for i := 0; i < 2; i++ {
		res, err := o.Step(context.Background(), p, state, batch)
		require.NoError(t, err)
		assert.True(t, res.Skipped)
	}
	assert.Equal(t, conv, p.Tensors["backbone.conv0.weight"], "skipped batches must not update parameters")

	_, err := o.Step(context.Background(), p, state, batch)
	require.ErrorIs(t, err, training.ErrUnstableTraining)
	assert.Equal(t, 3, state.Skipped)
	assert.InDelta(t, 3, testutil.ToFloat64(metrics.SkippedBatches), 0)
}

func TestStep_ToleratesOccasionalSkips(t *testing.T) {
	cfg := training.DefaultConfig()
	cfg.NaNWindow = 4
	cfg.NaNMaxRate = 0.5
	o, p, _ := setup(t, cfg)
	state := training.NewState(cfg, p)
	good := []domain.FusedSample{labelled(t, 1, zeros)}

	bad := p.Clone()
	bad.Tensors["head.bias"][0] = math.NaN()
	badBatch := []domain.FusedSample{labelled(t, 2, func(int) float64 { return 1 })}

	for i := 0; i < 6; i++ {
		var err error
		if i%2 == 0 {
			_, err = o.Step(context.Background(), bad, state, badBatch)
		} else {
			_, err = o.Step(context.Background(), p, state, good)
		}
		require.NoError(t, err, "iteration %d", i)
	}
	assert.Len(t, state.Window, 4)
}

func TestStep_RequiresLabel(t *testing.T) {
	cfg := training.DefaultConfig()
	o, p, _ := setup(t, cfg)
	s := labelled(t, 1, zeros)
	s.Label = nil
	_, err := o.Step(context.Background(), p, training.NewState(cfg, p), []domain.FusedSample{s})
	require.Error(t, err)
}

func TestRunEpoch_RecalibratesThreshold(t *testing.T) {
	cfg := training.DefaultConfig()
	cfg.LRDecay = 0.5
	o, p, metrics := setup(t, cfg)
	state := training.NewState(cfg, p)

	samples := make([]domain.FusedSample, 4)
	for i := range samples {
		samples[i] = labelled(t, uint64(i+1), func(c int) float64 {
			if c < 5 {
				return 1
			}
			return 0
		})
	}
	split := []bool{false, true, false, true}

	report, err := o.RunEpoch(context.Background(), p, state, samples, split)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Epoch)
	assert.Equal(t, 1, p.Epoch)
	assert.Equal(t, 50, report.Train.Cells)
	assert.Equal(t, 50, report.Val.Cells)
	assert.Equal(t, state.Threshold, p.Threshold)
	assert.Equal(t, report.Threshold, p.Threshold)
	assert.InDelta(t, cfg.LearningRate, report.LR, 1e-15)
	assert.InDelta(t, cfg.LearningRate/2, state.LR, 1e-15)
	assert.InDelta(t, p.Threshold, testutil.ToFloat64(metrics.RiskThreshold), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.TrainingEpochs), 0)
	assert.GreaterOrEqual(t, report.Val.F1, 0.0)
	assert.LessOrEqual(t, report.Val.Accuracy, 1.0)
}

func TestRunEpoch_StopsOnCancellation(t *testing.T) {
	cfg := training.DefaultConfig()
	o, p, _ := setup(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.RunEpoch(ctx, p, training.NewState(cfg, p), []domain.FusedSample{labelled(t, 1, zeros)}, []bool{false})
	require.True(t, errors.Is(err, context.Canceled))
}

func TestRun_CheckpointsOnCadenceAndAtEnd(t *testing.T) {
	cfg := training.DefaultConfig()
	cfg.SaveEvery = 2
	o, p, _ := setup(t, cfg)
	state := training.NewState(cfg, p)
	samples := []domain.FusedSample{labelled(t, 1, zeros), labelled(t, 2, zeros)}

	var saved []int
	reports, err := o.Run(context.Background(), p, state, samples, []bool{false, true}, 5,
		func(_ context.Context, params *model.Parameters) error {
			saved = append(saved, params.Epoch)
			return nil
		})
	require.NoError(t, err)
	assert.Len(t, reports, 5)
	assert.Equal(t, []int{2, 4, 5}, saved)
}

func TestSplitMask(t *testing.T) {
	a, err := training.SplitMask(20, 0.15, 9)
	require.NoError(t, err)
	b, err := training.SplitMask(20, 0.15, 9)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	val := 0
	for _, v := range a {
		if v {
			val++
		}
	}
	assert.Equal(t, 3, val)

	_, err = training.SplitMask(5, 1.5, 1)
	require.Error(t, err)
}

func TestThreshold_MatchesPositiveRate(t *testing.T) {
	probs := []float64{0.75, 0.05, 0.65, 0.15, 0.55, 0.25, 0.45, 0.35}
	th, ok := training.Threshold(probs, 0.25)
	require.True(t, ok)
	assert.InDelta(t, 0.55, th, 1e-12)
	assert.Equal(t, 0.75, probs[0], "input must not be reordered")

	above := 0
	for _, p := range probs {
		if p > th {
			above++
		}
	}
	assert.Equal(t, 2, above)

	_, ok = training.Threshold(nil, 0.5)
	assert.False(t, ok)
}

func TestThreshold_FullPositiveRateMarksEveryCell(t *testing.T) {
	probs := []float64{0.75, 0.05, 0.65, 0.05}
	th, ok := training.Threshold(probs, 1)
	require.True(t, ok)
	assert.Less(t, th, 0.05)
	for _, p := range probs {
		assert.Greater(t, p, th)
	}

	th, ok = training.Threshold(probs, 0)
	require.True(t, ok)
	assert.Equal(t, 0.75, th, "a zero rate marks nothing")
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, training.DefaultConfig().Validate())
	bad := training.DefaultConfig()
	bad.Loss = "hinge"
	require.Error(t, bad.Validate())
	bad = training.DefaultConfig()
	bad.NaNWindow = 0
	require.Error(t, bad.Validate())
}
