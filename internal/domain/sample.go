package domain

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultSurfaceDays is the length of the daily surface history window.
	DefaultSurfaceDays = 6
	// DefaultStep is the spacing of surface timestamps.
	DefaultStep = 24 * time.Hour
)

// WindowSpec describes the temporal window of one sample. Surface fields cover
// Reference-(SurfaceDays-1)*Step through Reference; upper-air and auxiliary
// fields are snapshots at Reference.
type WindowSpec struct {
	Reference      time.Time     `json:"reference"`
	SurfaceDays    int           `json:"surface_days"`
	Step           time.Duration `json:"step"`
	UpperAirLevels []int         `json:"upper_air_levels"`
}

// NewWindowSpec returns the default 6-day / 850+500 hPa window ending at ref.
func NewWindowSpec(ref time.Time, levels []int) WindowSpec {
	return WindowSpec{
		Reference:      ref.UTC(),
		SurfaceDays:    DefaultSurfaceDays,
		Step:           DefaultStep,
		UpperAirLevels: append([]int(nil), levels...),
	}
}

// SurfaceTimes lists the surface timestamps oldest first.
func (w WindowSpec) SurfaceTimes() []time.Time {
	out := make([]time.Time, w.SurfaceDays)
	for i := range out {
		out[i] = w.Reference.Add(-time.Duration(w.SurfaceDays-1-i) * w.Step)
	}
	return out
}

// Validate rejects degenerate windows.
func (w WindowSpec) Validate() error {
	if w.Reference.IsZero() {
		return fmt.Errorf("window: zero reference time")
	}
	if w.SurfaceDays < 1 {
		return fmt.Errorf("window: surface days must be positive, got %d", w.SurfaceDays)
	}
	if w.Step <= 0 {
		return fmt.Errorf("window: step must be positive, got %s", w.Step)
	}
	return nil
}

// LabelGrid is the binary fire-occurrence ground truth on the target grid.
// Missing cells are excluded from the loss.
type LabelGrid struct {
	Grid    GridSpec
	Values  []float64
	Missing []bool
}

// NewLabelGrid wraps values; NaN entries become missing.
func NewLabelGrid(grid GridSpec, values []float64) (*LabelGrid, error) {
	if len(values) != grid.Cells() {
		return nil, fmt.Errorf("label: %d values for %dx%d grid", len(values), grid.Rows, grid.Cols)
	}
	l := &LabelGrid{Grid: grid, Values: append([]float64(nil), values...), Missing: make([]bool, len(values))}
	for i, v := range values {
		if math.IsNaN(v) {
			l.Missing[i] = true
		}
	}
	return l, nil
}

// WindowFields is what a FieldSource returns for one window, before resampling.
type WindowFields struct {
	Surface  []MeteorologicalField
	UpperAir []MeteorologicalField
	Aux      []MeteorologicalField
	Label    *LabelGrid
}

// FieldSource supplies raw fields for a window. Implementations live outside
// the core (archives, acquisition layers).
type FieldSource interface {
	Window(ctx context.Context, spec WindowSpec) (WindowFields, error)
}

// Channel is one named plane of a fused sample.
type Channel struct {
	Name  string
	Field MeteorologicalField
}

// FusedSample is the aligned multi-channel input of the model. All channels
// share Grid; the order is fixed by the fusion pipeline.
type FusedSample struct {
	Timestamp time.Time
	Window    WindowSpec
	Grid      GridSpec
	Channels  []Channel
	Label     *LabelGrid
}

// ChannelNames lists channel names in order.
func (s FusedSample) ChannelNames() []string {
	out := make([]string, len(s.Channels))
	for i, c := range s.Channels {
		out[i] = c.Name
	}
	return out
}

// Channel returns the named channel.
func (s FusedSample) Channel(name string) (Channel, bool) {
	for _, c := range s.Channels {
		if c.Name == name {
			return c, true
		}
	}
	return Channel{}, false
}

// FeatureSelection records which channels survived correlation screening at
// training time, so inference can rebuild the identical channel set.
type FeatureSelection struct {
	Threshold    float64            `json:"threshold"`
	Channels     []string           `json:"channels"`
	Correlations map[string]float64 `json:"correlations,omitempty"`
}

// Keeps reports whether the named channel is part of the selection.
func (s FeatureSelection) Keeps(name string) bool {
	for _, c := range s.Channels {
		if c == name {
			return true
		}
	}
	return false
}
