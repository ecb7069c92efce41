package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Risk levels reported by Classify.
const (
	RiskMissing int8 = -1
	RiskLow     int8 = 0
	RiskHigh    int8 = 1
)

// RiskMap is the model output for one timestamp. Probabilities lie in [0, 1];
// missing cells hold NaN and are flagged in Missing.
type RiskMap struct {
	Grid          GridSpec
	Timestamp     time.Time
	IssuedAt      time.Time
	ModelVersion  string
	Threshold     float64
	Probabilities []float64
	Missing       []bool
}

// Classify converts probabilities to discrete risk levels with the map's threshold.
func (m RiskMap) Classify() []int8 {
	out := make([]int8, len(m.Probabilities))
	for i, p := range m.Probabilities {
		switch {
		case m.Missing[i]:
			out[i] = RiskMissing
		case p > m.Threshold:
			out[i] = RiskHigh
		default:
			out[i] = RiskLow
		}
	}
	return out
}

// Summary holds aggregate statistics over the valid cells.
type Summary struct {
	ValidCells   int     `json:"valid_cells"`
	MissingCells int     `json:"missing_cells"`
	HighRisk     int     `json:"high_risk_cells"`
	Mean         float64 `json:"mean"`
	Max          float64 `json:"max"`
}

// Summarize computes a Summary.
func (m RiskMap) Summarize() Summary {
	var s Summary
	sum := 0.0
	for i, p := range m.Probabilities {
		if m.Missing[i] {
			s.MissingCells++
			continue
		}
		s.ValidCells++
		sum += p
		if p > s.Max {
			s.Max = p
		}
		if p > m.Threshold {
			s.HighRisk++
		}
	}
	if s.ValidCells > 0 {
		s.Mean = sum / float64(s.ValidCells)
	}
	return s
}

type riskMapWire struct {
	Grid          GridSpec   `json:"grid"`
	Timestamp     time.Time  `json:"timestamp"`
	IssuedAt      time.Time  `json:"issued_at"`
	ModelVersion  string     `json:"model_version"`
	Threshold     float64    `json:"threshold"`
	Summary       Summary    `json:"summary"`
	Probabilities []*float64 `json:"probabilities"`
}

// MarshalJSON writes missing cells as null.
func (m RiskMap) MarshalJSON() ([]byte, error) {
	w := riskMapWire{
		Grid:          m.Grid,
		Timestamp:     m.Timestamp.UTC(),
		IssuedAt:      m.IssuedAt.UTC(),
		ModelVersion:  m.ModelVersion,
		Threshold:     m.Threshold,
		Summary:       m.Summarize(),
		Probabilities: make([]*float64, len(m.Probabilities)),
	}
	for i := range m.Probabilities {
		if !m.Missing[i] {
			w.Probabilities[i] = &m.Probabilities[i]
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores NaN for null cells.
func (m *RiskMap) UnmarshalJSON(data []byte) error {
	var w riskMapWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Probabilities) != w.Grid.Cells() {
		return fmt.Errorf("risk map: %d probabilities for grid %s", len(w.Probabilities), w.Grid.ID())
	}
	m.Grid = w.Grid
	m.Timestamp = w.Timestamp
	m.IssuedAt = w.IssuedAt
	m.ModelVersion = w.ModelVersion
	m.Threshold = w.Threshold
	m.Probabilities = make([]float64, len(w.Probabilities))
	m.Missing = make([]bool, len(w.Probabilities))
	for i, p := range w.Probabilities {
		if p == nil {
			m.Probabilities[i] = math.NaN()
			m.Missing[i] = true
			continue
		}
		m.Probabilities[i] = *p
	}
	return nil
}
