package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is. Each typed error below matches exactly one of them.
var (
	ErrCoverage                 = errors.New("coverage error")
	ErrInsufficientSamples      = errors.New("insufficient samples")
	ErrDataQuality              = errors.New("data quality error")
	ErrPhysicalRange            = errors.New("physical range error")
	ErrTemporalAlignment        = errors.New("temporal alignment error")
	ErrIncompatibleArchitecture = errors.New("incompatible architecture")
)

func stamp(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format(time.RFC3339)
}

// CoverageError reports a target grid that lies entirely outside the source grid.
type CoverageError struct {
	Variable  string
	Timestamp time.Time
	Source    GridSpec
	Target    GridSpec
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("coverage error: variable %s at %s: target %s outside source %s",
		e.Variable, stamp(e.Timestamp), e.Target.ID(), e.Source.ID())
}

func (e *CoverageError) Is(target error) bool { return target == ErrCoverage }

// InsufficientSamplesError reports a kriging target cell with too few source
// samples inside the search radius.
type InsufficientSamplesError struct {
	Variable  string
	Timestamp time.Time
	Target    GridSpec
	Row, Col  int
	Found     int
	Required  int
	Radius    float64
}

func (e *InsufficientSamplesError) Error() string {
	lat, lon := e.Target.CellCenter(e.Row, e.Col)
	return fmt.Sprintf("insufficient samples: variable %s at %s: cell (%d,%d) [%.4f,%.4f] of %s has %d source samples within %g deg, need %d",
		e.Variable, stamp(e.Timestamp), e.Row, e.Col, lat, lon, e.Target.ID(), e.Found, e.Radius, e.Required)
}

func (e *InsufficientSamplesError) Is(target error) bool { return target == ErrInsufficientSamples }

// DataQualityError reports a field whose missing ratio exceeds the threshold.
type DataQualityError struct {
	Variable     string
	Level        Level
	Timestamp    time.Time
	Grid         GridSpec
	MissingRatio float64
	Threshold    float64
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality error: variable %s/%s at %s on %s: missing ratio %.4f exceeds %.4f",
		e.Variable, e.Level, stamp(e.Timestamp), e.Grid.ID(), e.MissingRatio, e.Threshold)
}

func (e *DataQualityError) Is(target error) bool { return target == ErrDataQuality }

// PhysicalRangeError reports a value outside the variable's plausible range.
type PhysicalRangeError struct {
	Variable  string
	Level     Level
	Timestamp time.Time
	Grid      GridSpec
	Row, Col  int
	Value     float64
	Min, Max  float64
}

func (e *PhysicalRangeError) Error() string {
	return fmt.Sprintf("physical range error: variable %s/%s at %s on %s: cell (%d,%d) value %g outside [%g, %g]",
		e.Variable, e.Level, stamp(e.Timestamp), e.Grid.ID(), e.Row, e.Col, e.Value, e.Min, e.Max)
}

func (e *PhysicalRangeError) Is(target error) bool { return target == ErrPhysicalRange }

// TemporalAlignmentError reports fields that do not line up with the window.
type TemporalAlignmentError struct {
	Variable  string
	Level     Level
	Timestamp time.Time
	Expected  time.Time
	Reason    string
}

func (e *TemporalAlignmentError) Error() string {
	return fmt.Sprintf("temporal alignment error: variable %s/%s at %s (expected %s): %s",
		e.Variable, e.Level, stamp(e.Timestamp), stamp(e.Expected), e.Reason)
}

func (e *TemporalAlignmentError) Is(target error) bool { return target == ErrTemporalAlignment }

// IncompatibleArchitectureError reports a parameter blob recorded for a
// different channel/kernel configuration than the running model.
type IncompatibleArchitectureError struct {
	Expected string
	Found    string
	Reason   string
}

func (e *IncompatibleArchitectureError) Error() string {
	return fmt.Sprintf("incompatible architecture: blob %s, model %s: %s", e.Found, e.Expected, e.Reason)
}

func (e *IncompatibleArchitectureError) Is(target error) bool {
	return target == ErrIncompatibleArchitecture
}
