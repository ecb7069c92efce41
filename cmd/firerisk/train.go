package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/adapter/sqlite"
	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/fusion"
	"github.com/couchcryptid/fire-risk-service/internal/model"
	"github.com/couchcryptid/fire-risk-service/internal/observability"
	"github.com/couchcryptid/fire-risk-service/internal/training"
	"github.com/spf13/cobra"
)

var (
	trainEpochs  int
	trainVersion string
	trainResume  bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the model on every labelled day of the archive",
	Long: `Fuses every labelled window of ARCHIVE_PATH, screens channels by label
correlation (CORRELATION_THRESHOLD, auxiliary indices always kept), then trains
with Adam and checkpoints into MODEL_STORE_PATH every SAVE_EVERY epochs.`,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().IntVar(&trainEpochs, "epochs", 0, "epochs to run (default EPOCHS)")
	trainCmd.Flags().StringVar(&trainVersion, "version", "", "version recorded with the parameters (default MODEL_VERSION or a timestamp)")
	trainCmd.Flags().BoolVar(&trainResume, "resume", false, "continue from the stored parameters of the same version")
}

func runTrain(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newApp(observability.NewMetrics())
	if err != nil {
		return err
	}
	cfg, logger := rt.cfg, rt.logger

	epochs := cfg.Epochs
	if trainEpochs > 0 {
		epochs = trainEpochs
	}
	ver := trainVersion
	if ver == "" {
		ver = cfg.ModelVersion
	}
	if ver == "" {
		ver = "train-" + domain.Now().Format("20060102T150405Z")
	}

	start := time.Now()
	samples, err := training.BuildDataset(ctx, rt.archive, rt.pipeline, rt.archive.LabelledTimes(), cfg.Workers)
	if err != nil {
		return fmt.Errorf("build dataset: %w", err)
	}
	residual := fusion.ResidualChannels(rt.archive.Catalog())
	sel, samples, err := training.Select(samples, cfg.CorrelationThreshold, residual)
	if err != nil {
		return fmt.Errorf("feature selection: %w", err)
	}
	logger.Info("dataset ready",
		"samples", len(samples),
		"channels", len(sel.Channels),
		"correlation_threshold", sel.Threshold,
		"elapsed", time.Since(start),
	)

	arch := cfg.Architecture(sel.Channels, residual)
	m, err := model.New(arch)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(ctx, cfg.ModelStorePath)
	if err != nil {
		return fmt.Errorf("open model store: %w", err)
	}
	defer store.Close()

	var params *model.Parameters
	if trainResume {
		var ok bool
		params, ok, err = store.Load(ctx, arch.ID(), ver)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("resume: no parameters for %s version %s", arch.ID(), ver)
		}
		if err := m.CheckCompatible(params); err != nil {
			return err
		}
	} else {
		params, err = model.InitParameters(arch, cfg.Seed)
		if err != nil {
			return err
		}
		params.Version = ver
		params.Selection = sel
	}

	split, err := training.SplitMask(len(samples), cfg.ValRatio, cfg.Seed)
	if err != nil {
		return err
	}
	orch, err := training.New(cfg.Training(), m, rt.metrics, logger)
	if err != nil {
		return err
	}
	state := training.NewState(cfg.Training(), params)

	logger.Info("training started",
		"version", ver,
		"architecture", arch.ID(),
		"parameters", params.Count(),
		"epochs", epochs,
		"from_epoch", params.Epoch,
	)
	reports, err := orch.Run(ctx, params, state, samples, split, epochs, store.Save)
	if err != nil {
		return err
	}

	last := reports[len(reports)-1]
	fmt.Fprintf(cmd.OutOrStdout(), "version %s epoch %d: train loss %.4f, val loss %.4f, val F1 %.3f, threshold %.3f\n",
		ver, last.Epoch, last.Train.Loss, last.Val.Loss, last.Val.F1, last.Threshold)
	return nil
}
