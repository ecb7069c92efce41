// Package interp resamples meteorological fields from their native grids onto
// a common target grid.
//
// Smooth fields (temperature, humidity, wind, pressure) use bilinear
// interpolation between the four enclosing source cell centres. Spatially
// autocorrelated fields (precipitation) use ordinary kriging with a fitted
// semivariogram. Kriging plans are memoized per (source, target, variable):
// the variogram is fitted once per plan and weights are reused for every time
// step with the same missing mask, so repeated calls only pay for the final
// weighted sums.
package interp

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/observability"
)

// Config controls method selection and kriging behaviour.
type Config struct {
	// MinNeighbors is the minimum number of source cell centres inside the
	// search radius of every target cell. Fewer is an InsufficientSamplesError.
	MinNeighbors int
	// MaxNeighbors caps the kriging system size; the nearest are used.
	MaxNeighbors int
	// SearchRadius in degrees. Zero means three source cells.
	SearchRadius float64
	Variogram    VariogramModel
	Lags         int
	CacheSize    int
	// Overrides forces a method for individual variables.
	Overrides map[string]domain.InterpolationMethod
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinNeighbors: 3,
		MaxNeighbors: 12,
		Variogram:    Spherical,
		Lags:         20,
		CacheSize:    16,
	}
}

// Validate rejects configurations that cannot produce a kriging system.
func (c Config) Validate() error {
	if c.MinNeighbors < 1 {
		return fmt.Errorf("kriging min neighbors must be at least 1, got %d", c.MinNeighbors)
	}
	if c.MaxNeighbors < c.MinNeighbors {
		return fmt.Errorf("kriging max neighbors %d below min neighbors %d", c.MaxNeighbors, c.MinNeighbors)
	}
	if c.SearchRadius < 0 || math.IsNaN(c.SearchRadius) {
		return fmt.Errorf("kriging search radius must be non-negative, got %g", c.SearchRadius)
	}
	if _, err := ParseVariogramModel(string(c.Variogram)); err != nil {
		return err
	}
	if c.Lags < 1 {
		return fmt.Errorf("kriging lags must be positive, got %d", c.Lags)
	}
	for name, m := range c.Overrides {
		if _, err := domain.ParseMethod(string(m)); err != nil {
			return fmt.Errorf("override for %s: %w", name, err)
		}
	}
	return nil
}

func (c Config) radiusFor(source domain.GridSpec) float64 {
	if c.SearchRadius > 0 {
		return c.SearchRadius
	}
	return 3 * source.Resolution
}

// Result is a resampled field plus the per-cell estimation variance. Variance
// is zero for bilinear output and NaN at missing cells.
type Result struct {
	Field    domain.MeteorologicalField
	Variance []float64
}

// Engine resamples fields. It is safe for concurrent use; the only shared
// state is the kriging plan cache.
type Engine struct {
	cfg     Config
	catalog domain.Catalog
	plans   *planCache
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewEngine creates an Engine. The catalog supplies per-variable default methods.
func NewEngine(cfg Config, catalog domain.Catalog, metrics *observability.Metrics, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("interp config: %w", err)
	}
	return &Engine{
		cfg:     cfg,
		catalog: catalog,
		plans:   newPlanCache(cfg.CacheSize, metrics),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// MethodFor resolves the interpolation method for a variable: configured
// override first, then the catalog class default, then bilinear.
func (e *Engine) MethodFor(variable string) domain.InterpolationMethod {
	if m, ok := e.cfg.Overrides[variable]; ok {
		return m
	}
	if spec, ok := e.catalog.Lookup(variable); ok {
		return spec.DefaultMethod()
	}
	return domain.MethodBilinear
}

// Resample maps field onto target with the given method.
func (e *Engine) Resample(field domain.MeteorologicalField, target domain.GridSpec, method domain.InterpolationMethod) (domain.MeteorologicalField, error) {
	res, err := e.resample(field, target, method)
	if err != nil {
		return domain.MeteorologicalField{}, err
	}
	return res.Field, nil
}

// Krige resamples with ordinary kriging and also returns the estimation variance.
func (e *Engine) Krige(field domain.MeteorologicalField, target domain.GridSpec) (Result, error) {
	return e.resample(field, target, domain.MethodKriging)
}

func (e *Engine) resample(field domain.MeteorologicalField, target domain.GridSpec, method domain.InterpolationMethod) (Result, error) {
	if err := field.Validate(); err != nil {
		return Result{}, fmt.Errorf("resample: %w", err)
	}
	if err := target.Validate(); err != nil {
		return Result{}, fmt.Errorf("resample %s: target: %w", field.Key(), err)
	}
	source := field.Grid
	if source.Projection != target.Projection {
		return Result{}, fmt.Errorf("resample %s: projection %s does not match target %s: %w",
			field.Key(), source.Projection, target.Projection, domain.ErrGridMismatch)
	}
	if !source.Intersects(target) {
		return Result{}, &domain.CoverageError{
			Variable:  field.Variable,
			Timestamp: field.Timestamp,
			Source:    source,
			Target:    target,
		}
	}

	start := time.Now()
	label := string(method)
	var (
		res Result
		err error
	)
	switch {
	case source.SameGeometry(target):
		label = "identity"
		res = identity(field)
	case method == domain.MethodBilinear:
		res = bilinear(field, target)
	case method == domain.MethodKriging:
		res, err = e.krige(field, target)
	default:
		err = fmt.Errorf("resample %s: unknown method %q", field.Key(), method)
	}
	if err != nil {
		return Result{}, err
	}

	e.metrics.InterpDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	e.logger.Debug("field resampled",
		"variable", field.Variable,
		"level", field.Level.String(),
		"timestamp", field.Timestamp,
		"method", label,
		"missing_ratio", res.Field.MissingRatio(),
	)
	return res, nil
}

func (e *Engine) krige(field domain.MeteorologicalField, target domain.GridSpec) (Result, error) {
	key := planKey{source: field.Grid.Fingerprint(), target: target.Fingerprint(), variable: field.Variable}
	p, err := e.plans.getOrBuild(key, func() (*plan, error) {
		return buildPlan(field.Variable, field.Grid, target, e.cfg)
	})
	if err != nil {
		var ise *domain.InsufficientSamplesError
		if errors.As(err, &ise) {
			stamped := *ise
			stamped.Timestamp = field.Timestamp
			return Result{}, &stamped
		}
		return Result{}, fmt.Errorf("kriging plan for %s: %w", field.Key(), err)
	}

	res, fallbacks := p.apply(field, e.cfg)
	if fallbacks > 0 {
		e.metrics.KrigingFallbacks.Add(float64(fallbacks))
		e.logger.Warn("singular kriging systems solved by inverse distance",
			"variable", field.Variable, "timestamp", field.Timestamp, "cells", fallbacks)
	}
	return res, nil
}

func identity(field domain.MeteorologicalField) Result {
	out := field.Clone()
	variance := make([]float64, len(out.Values))
	for i, m := range out.Missing {
		if m {
			variance[i] = math.NaN()
		}
	}
	return Result{Field: out, Variance: variance}
}
