package archive

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

// SyntheticConfig describes a generated archive. Surface and upper-air fields
// are produced on their own coarse grids; auxiliary indices and labels on
// the target grid.
type SyntheticConfig struct {
	Catalog  domain.Catalog
	Target   domain.GridSpec
	Surface  domain.GridSpec
	UpperAir domain.GridSpec
	// Start is the first labelled reference time; surface history begins
	// SurfaceDays-1 days earlier.
	Start       time.Time
	Samples     int
	SurfaceDays int
	Seed        uint64
	// LabelMissing is the fraction of label cells left unlabelled.
	LabelMissing float64
}

// DefaultSyntheticConfig is a small region around the Lesser Khingan target
// box that keeps tests fast: 0.25 degree reanalysis over a 0.05 degree target.
func DefaultSyntheticConfig(catalog domain.Catalog) SyntheticConfig {
	return SyntheticConfig{
		Catalog:     catalog,
		Target:      domain.MustGridSpec(45.0, 45.5, 126.0, 126.5, 0.05),
		Surface:     domain.MustGridSpec(44.5, 46.0, 125.5, 127.0, 0.25),
		UpperAir:    domain.MustGridSpec(44.5, 46.0, 125.5, 127.0, 0.25),
		Start:       time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC),
		Samples:     4,
		SurfaceDays: domain.DefaultSurfaceDays,
		Seed:        7,
	}
}

// wave is a smooth deterministic pattern in [-1, 1].
type wave struct {
	a, b, phase, drift float64
}

func (w wave) at(lat, lon float64, day int) float64 {
	return math.Sin(w.a*lat+w.b*lon+w.phase+w.drift*float64(day))*0.7 +
		math.Cos(w.b*lat-w.a*lon+w.phase)*0.3
}

// Synthetic builds an archive with smooth, in-range fields for every catalog
// variable and labels that follow vegetation dryness and fire history.
func Synthetic(cfg SyntheticConfig) (*Memory, error) {
	if cfg.Samples < 1 || cfg.SurfaceDays < 1 {
		return nil, fmt.Errorf("synthetic archive: samples and surface days must be positive")
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	waves := make(map[string]wave, len(cfg.Catalog.Variables))
	for _, v := range cfg.Catalog.Variables {
		waves[v.Name] = wave{
			a:     2 + 6*rng.Float64(),
			b:     2 + 6*rng.Float64(),
			phase: 2 * math.Pi * rng.Float64(),
			drift: 0.2 + 0.6*rng.Float64(),
		}
	}

	m := NewMemory(cfg.Catalog)
	first := cfg.Start.UTC().Add(-time.Duration(cfg.SurfaceDays-1) * domain.DefaultStep)
	days := cfg.SurfaceDays - 1 + cfg.Samples

	for d := 0; d < days; d++ {
		ts := first.Add(time.Duration(d) * domain.DefaultStep)
		for _, v := range cfg.Catalog.ByKind(domain.LevelSurface) {
			if err := m.Put(generate(v, domain.Surface(), cfg.Surface, ts, d, waves[v.Name])); err != nil {
				return nil, err
			}
		}
		if d < cfg.SurfaceDays-1 {
			continue
		}
		for _, v := range cfg.Catalog.ByKind(domain.LevelPressure) {
			for _, hpa := range cfg.Catalog.UpperAirLevels {
				w := waves[v.Name]
				w.phase += float64(hpa) / 1000
				if err := m.Put(generate(v, domain.Pressure(hpa), cfg.UpperAir, ts, d, w)); err != nil {
					return nil, err
				}
			}
		}
		var aux []domain.MeteorologicalField
		for _, v := range cfg.Catalog.ByKind(domain.LevelAux) {
			f := generate(v, domain.Aux(), cfg.Target, ts, d, waves[v.Name])
			aux = append(aux, f)
			if err := m.Put(f); err != nil {
				return nil, err
			}
		}
		m.PutLabel(ts, syntheticLabel(cfg, aux, rng))
	}
	return m, nil
}

func generate(v domain.VariableSpec, level domain.Level, g domain.GridSpec, ts time.Time, day int, w wave) domain.MeteorologicalField {
	f := domain.NewField(v.Name, level, g, ts)
	span := v.Max - v.Min
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			lat, lon := g.CellCenter(r, c)
			f.Set(r, c, v.Min+span*(0.5+0.3*w.at(lat, lon, day)))
		}
	}
	return f
}

// syntheticLabel marks the quarter of cells whose normalised auxiliary
// indices are jointly highest as burned.
func syntheticLabel(cfg SyntheticConfig, aux []domain.MeteorologicalField, rng *rand.Rand) *domain.LabelGrid {
	scores := make([]float64, cfg.Target.Cells())
	for i := range scores {
		for _, f := range aux {
			spec, _ := cfg.Catalog.Lookup(f.Variable)
			scores[i] += (f.Values[i] - spec.Min) / (spec.Max - spec.Min)
		}
	}
	sorted := slices.Clone(scores)
	slices.Sort(sorted)
	cut := sorted[len(sorted)*3/4]

	values := make([]float64, len(scores))
	for i, score := range scores {
		switch {
		case cfg.LabelMissing > 0 && rng.Float64() < cfg.LabelMissing:
			values[i] = math.NaN()
		case score >= cut:
			values[i] = 1
		}
	}
	label, _ := domain.NewLabelGrid(cfg.Target, values)
	return label
}
