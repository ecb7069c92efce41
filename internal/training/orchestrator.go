// Package training fits model parameters to labelled fused samples.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/model"
	"github.com/couchcryptid/fire-risk-service/internal/observability"
)

// ErrUnstableTraining aborts a run whose NaN/Inf batch rate exceeds the
// configured limit.
var ErrUnstableTraining = errors.New("unstable training")

// Config holds optimisation settings.
type Config struct {
	LearningRate float64
	// LRDecay multiplies the learning rate after every epoch.
	LRDecay float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	Loss       LossKind
	FocalAlpha float64
	FocalGamma float64

	BatchSize int
	// ThresholdInterval is the number of epochs between threshold
	// recalibrations. Zero keeps the threshold fixed.
	ThresholdInterval int
	NaNWindow         int
	NaNMaxRate        float64
	SaveEvery         int
}

// DefaultConfig mirrors the reference training run.
func DefaultConfig() Config {
	return Config{
		LearningRate:      1e-3,
		LRDecay:           1,
		Beta1:             0.9,
		Beta2:             0.999,
		Epsilon:           1e-8,
		Loss:              LossBCE,
		FocalAlpha:        0.25,
		FocalGamma:        2,
		BatchSize:         1,
		ThresholdInterval: 1,
		NaNWindow:         20,
		NaNMaxRate:        0.5,
		SaveEvery:         10,
	}
}

// Validate rejects settings that cannot train.
func (c Config) Validate() error {
	switch {
	case !(c.LearningRate > 0):
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	case !(c.LRDecay > 0):
		return fmt.Errorf("lr decay must be positive, got %g", c.LRDecay)
	case c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1:
		return fmt.Errorf("adam betas must lie in [0, 1)")
	case c.BatchSize < 1:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.ThresholdInterval < 0:
		return fmt.Errorf("threshold interval must not be negative")
	case c.NaNWindow < 1:
		return fmt.Errorf("nan window must be positive, got %d", c.NaNWindow)
	case c.NaNMaxRate < 0 || c.NaNMaxRate > 1:
		return fmt.Errorf("nan max rate must lie in [0, 1], got %g", c.NaNMaxRate)
	}
	_, err := ParseLossKind(string(c.Loss))
	return err
}

// TrainingState is everything that changes during a run besides the
// parameters themselves. It is passed explicitly so runs can be paused and
// resumed.
type TrainingState struct {
	Epoch     int
	Step      int
	Threshold float64
	LR        float64
	Optimizer AdamState
	// Window records whether each of the most recent batches was skipped.
	Window  []bool
	Skipped int
}

// NewState starts a run from params.
func NewState(cfg Config, params *model.Parameters) *TrainingState {
	return &TrainingState{
		Epoch:     params.Epoch,
		Threshold: params.Threshold,
		LR:        cfg.LearningRate,
		Optimizer: newAdamState(),
	}
}

// Orchestrator runs optimisation steps. It owns no mutable state.
type Orchestrator struct {
	cfg     Config
	model   *model.Model
	loss    lossFunc
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New validates cfg and returns an orchestrator for m.
func New(cfg Config, m *model.Model, metrics *observability.Metrics, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("training config: %w", err)
	}
	o := &Orchestrator{cfg: cfg, model: m, loss: bce, metrics: metrics, logger: logger}
	if cfg.Loss == LossFocal {
		o.loss = focal(cfg.FocalAlpha, cfg.FocalGamma)
	}
	return o, nil
}

// StepResult reports one optimisation step.
type StepResult struct {
	Loss    float64
	Cells   int
	Skipped bool
}

// Step runs forward and backward over batch and applies one Adam update.
// A non-finite loss or gradient skips the batch; too many skips within the
// window return ErrUnstableTraining.
func (o *Orchestrator) Step(ctx context.Context, params *model.Parameters, state *TrainingState, batch []domain.FusedSample) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	grads := model.NewGradients()
	var sum float64
	var cells int
	for _, s := range batch {
		if s.Label == nil {
			return StepResult{}, fmt.Errorf("step: sample %s has no label", s.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
		}
		rm, tr, err := o.model.Forward(params, s)
		if err != nil {
			return StepResult{}, fmt.Errorf("step: forward %s: %w", s.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), err)
		}
		l, n, dProb := maskedLoss(o.loss, rm, s.Label)
		sum += l
		cells += n
		grads.Add(o.model.Backward(params, tr, dProb))
	}
	if cells == 0 {
		return StepResult{}, nil
	}

	loss := sum / float64(cells)
	grads.Scale(1 / float64(cells))
	if math.IsNaN(loss) || math.IsInf(loss, 0) || !grads.Finite() {
		return o.skip(state, loss)
	}
	o.record(state, false)
	state.Optimizer.apply(o.cfg, state.LR, params, grads)
	state.Step++
	return StepResult{Loss: loss, Cells: cells}, nil
}

func (o *Orchestrator) skip(state *TrainingState, loss float64) (StepResult, error) {
	o.record(state, true)
	state.Skipped++
	o.metrics.SkippedBatches.Inc()
	o.logger.Warn("skipping non-finite batch", "epoch", state.Epoch, "step", state.Step, "loss", loss)

	if len(state.Window) >= o.cfg.NaNWindow {
		skipped := 0
		for _, s := range state.Window {
			if s {
				skipped++
			}
		}
		if rate := float64(skipped) / float64(len(state.Window)); rate > o.cfg.NaNMaxRate {
			return StepResult{Skipped: true}, fmt.Errorf("%w: %d of the last %d batches were non-finite (limit %.2f)",
				ErrUnstableTraining, skipped, len(state.Window), o.cfg.NaNMaxRate)
		}
	}
	return StepResult{Skipped: true}, nil
}

func (o *Orchestrator) record(state *TrainingState, skipped bool) {
	state.Window = append(state.Window, skipped)
	if over := len(state.Window) - o.cfg.NaNWindow; over > 0 {
		state.Window = append(state.Window[:0], state.Window[over:]...)
	}
}

// EpochReport summarises one epoch.
type EpochReport struct {
	Epoch     int     `json:"epoch"`
	Train     Scores  `json:"train"`
	Val       Scores  `json:"val"`
	Threshold float64 `json:"threshold"`
	LR        float64 `json:"lr"`
	Skipped   int     `json:"skipped"`
}

// RunEpoch trains on the samples whose split entry is false and evaluates
// both splits. Cancellation is checked between batches.
func (o *Orchestrator) RunEpoch(ctx context.Context, params *model.Parameters, state *TrainingState, samples []domain.FusedSample, split []bool) (EpochReport, error) {
	if len(split) != len(samples) {
		return EpochReport{}, fmt.Errorf("split mask has %d entries for %d samples", len(split), len(samples))
	}
	var train, val []domain.FusedSample
	for i, s := range samples {
		if split[i] {
			val = append(val, s)
		} else {
			train = append(train, s)
		}
	}

	skippedBefore := state.Skipped
	for start := 0; start < len(train); start += o.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return EpochReport{}, err
		}
		end := min(start+o.cfg.BatchSize, len(train))
		if _, err := o.Step(ctx, params, state, train[start:end]); err != nil {
			return EpochReport{}, err
		}
	}
	state.Epoch++
	params.Epoch = state.Epoch

	trainCells, trainLoss, err := o.collect(ctx, params, train)
	if err != nil {
		return EpochReport{}, err
	}
	valCells, valLoss, err := o.collect(ctx, params, val)
	if err != nil {
		return EpochReport{}, err
	}
	if o.cfg.ThresholdInterval > 0 && state.Epoch%o.cfg.ThresholdInterval == 0 {
		o.recalibrate(state, params, valCells)
	}

	report := EpochReport{
		Epoch:     state.Epoch,
		Train:     score(trainCells, state.Threshold, trainLoss),
		Val:       score(valCells, state.Threshold, valLoss),
		Threshold: state.Threshold,
		LR:        state.LR,
		Skipped:   state.Skipped - skippedBefore,
	}
	state.LR *= o.cfg.LRDecay

	o.metrics.TrainingEpochs.Inc()
	o.metrics.TrainingLoss.WithLabelValues("train").Set(report.Train.Loss)
	o.metrics.TrainingLoss.WithLabelValues("val").Set(report.Val.Loss)
	o.metrics.RiskThreshold.Set(state.Threshold)
	o.logger.Info("epoch complete",
		"epoch", report.Epoch,
		"train_loss", report.Train.Loss,
		"train_accuracy", report.Train.Accuracy,
		"train_f1", report.Train.F1,
		"val_loss", report.Val.Loss,
		"val_accuracy", report.Val.Accuracy,
		"val_f1", report.Val.F1,
		"threshold", report.Threshold,
		"skipped", report.Skipped,
	)
	return report, nil
}

// recalibrate sets the threshold so the share of predicted positives on the
// validation cells matches their labelled positive rate.
func (o *Orchestrator) recalibrate(state *TrainingState, params *model.Parameters, cells []cell) {
	if len(cells) == 0 {
		return
	}
	probs := make([]float64, len(cells))
	positives := 0
	for i, c := range cells {
		probs[i] = c.p
		if c.y >= 0.5 {
			positives++
		}
	}
	t, ok := Threshold(probs, float64(positives)/float64(len(cells)))
	if !ok {
		return
	}
	state.Threshold = t
	params.Threshold = t
}

// collect runs the model on samples and returns every labelled cell with
// the summed loss.
func (o *Orchestrator) collect(ctx context.Context, params *model.Parameters, samples []domain.FusedSample) ([]cell, float64, error) {
	var cells []cell
	var sum float64
	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if s.Label == nil {
			continue
		}
		rm, _, err := o.model.Forward(params, s)
		if err != nil {
			return nil, 0, fmt.Errorf("evaluate: %w", err)
		}
		for i, p := range rm.Probabilities {
			if rm.Missing[i] || s.Label.Missing[i] {
				continue
			}
			l, _ := o.loss(p, s.Label.Values[i])
			sum += l
			cells = append(cells, cell{p: p, y: s.Label.Values[i]})
		}
	}
	return cells, sum, nil
}

// Checkpoint persists parameters at an epoch boundary.
type Checkpoint func(ctx context.Context, params *model.Parameters) error

// Run trains for epochs epochs, calling save every SaveEvery epochs and
// after the last one.
func (o *Orchestrator) Run(ctx context.Context, params *model.Parameters, state *TrainingState, samples []domain.FusedSample, split []bool, epochs int, save Checkpoint) ([]EpochReport, error) {
	reports := make([]EpochReport, 0, epochs)
	for i := 0; i < epochs; i++ {
		r, err := o.RunEpoch(ctx, params, state, samples, split)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
		last := i == epochs-1
		if save != nil && (last || (o.cfg.SaveEvery > 0 && r.Epoch%o.cfg.SaveEvery == 0)) {
			if err := save(ctx, params); err != nil {
				return reports, fmt.Errorf("checkpoint epoch %d: %w", r.Epoch, err)
			}
			o.logger.Info("checkpoint saved", "epoch", r.Epoch, "version", params.Version)
		}
	}
	return reports, nil
}
