package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/observability"
	"github.com/spf13/cobra"
)

var (
	predictAt      []string
	predictSummary bool
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict risk maps for reference days and print them as JSON lines",
	RunE:  runPredict,
}

func init() {
	predictCmd.Flags().StringSliceVar(&predictAt, "at", nil, "reference time, RFC 3339 or YYYY-MM-DD (repeatable)")
	predictCmd.Flags().BoolVar(&predictSummary, "summary", false, "print per-map summaries instead of full maps")
	_ = predictCmd.MarkFlagRequired("at")
}

func parseAt(values []string) ([]time.Time, error) {
	out := make([]time.Time, len(values))
	for i, v := range values {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			if ts, err = time.Parse(time.DateOnly, v); err != nil {
				return nil, fmt.Errorf("--at %q: want RFC 3339 or YYYY-MM-DD", v)
			}
		}
		out[i] = ts.UTC()
	}
	return out, nil
}

func runPredict(cmd *cobra.Command, _ []string) error {
	timestamps, err := parseAt(predictAt)
	if err != nil {
		return err
	}
	rt, err := newApp(observability.NewMetrics())
	if err != nil {
		return err
	}
	svc, err := rt.service(cmd.Context())
	if err != nil {
		return err
	}

	maps, err := svc.PredictBatch(cmd.Context(), timestamps)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, rm := range maps {
		if predictSummary {
			err = enc.Encode(struct {
				Timestamp    time.Time      `json:"timestamp"`
				ModelVersion string         `json:"model_version"`
				Threshold    float64        `json:"threshold"`
				Summary      domain.Summary `json:"summary"`
			}{rm.Timestamp, rm.ModelVersion, rm.Threshold, rm.Summarize()})
		} else {
			err = enc.Encode(rm)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
