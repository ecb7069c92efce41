package interp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// VariogramModel names a semivariogram model family.
type VariogramModel string

const (
	Spherical   VariogramModel = "spherical"
	Exponential VariogramModel = "exponential"
	Gaussian    VariogramModel = "gaussian"
)

// ParseVariogramModel validates a model name from configuration.
func ParseVariogramModel(s string) (VariogramModel, error) {
	switch VariogramModel(s) {
	case Spherical, Exponential, Gaussian:
		return VariogramModel(s), nil
	default:
		return "", fmt.Errorf("unknown variogram model %q", s)
	}
}

// Variogram is a fitted semivariogram. Sill is the partial sill, so the
// total sill is Nugget+Sill. Range is the practical range in degrees.
type Variogram struct {
	Model  VariogramModel
	Nugget float64
	Sill   float64
	Range  float64
}

// Gamma evaluates the semivariance at lag h. Gamma(0) is 0 by definition.
func (v Variogram) Gamma(h float64) float64 {
	if h <= 0 {
		return 0
	}
	return v.Nugget + v.Sill*v.shape(h)
}

func (v Variogram) shape(h float64) float64 {
	if v.Range <= 0 {
		return 1
	}
	x := h / v.Range
	switch v.Model {
	case Exponential:
		return 1 - math.Exp(-3*x)
	case Gaussian:
		return 1 - math.Exp(-3*x*x)
	default:
		if x >= 1 {
			return 1
		}
		return 1.5*x - 0.5*x*x*x
	}
}

// Degenerate reports a variogram with no spatial variance to model.
func (v Variogram) Degenerate() bool {
	return v.Nugget+v.Sill <= 1e-12
}

// Lag is one bin of the empirical semivariogram.
type Lag struct {
	Distance     float64
	Semivariance float64
	Pairs        int
}

// maxVariogramPoints bounds the O(n^2) pair loop; larger inputs are
// subsampled with a fixed stride.
const maxVariogramPoints = 1500

// EmpiricalVariogram bins half squared differences of all sample pairs by
// separation. Bins without pairs are omitted.
func EmpiricalVariogram(lat, lon, val []float64, lags int) []Lag {
	n := len(val)
	if n < 2 || lags < 1 {
		return nil
	}
	stride := 1
	if n > maxVariogramPoints {
		stride = (n + maxVariogramPoints - 1) / maxVariogramPoints
	}

	latMin, latMax := math.Inf(1), math.Inf(-1)
	lonMin, lonMax := math.Inf(1), math.Inf(-1)
	for i := 0; i < n; i += stride {
		latMin, latMax = math.Min(latMin, lat[i]), math.Max(latMax, lat[i])
		lonMin, lonMax = math.Min(lonMin, lon[i]), math.Max(lonMax, lon[i])
	}
	maxD := math.Hypot(latMax-latMin, lonMax-lonMin)
	if maxD == 0 {
		return nil
	}

	dist := make([]float64, lags)
	semi := make([]float64, lags)
	pairs := make([]int, lags)
	for i := 0; i < n; i += stride {
		for j := i + stride; j < n; j += stride {
			d := math.Hypot(lat[i]-lat[j], lon[i]-lon[j])
			b := int(d / maxD * float64(lags))
			if b >= lags {
				b = lags - 1
			}
			diff := val[i] - val[j]
			dist[b] += d
			semi[b] += 0.5 * diff * diff
			pairs[b]++
		}
	}

	out := make([]Lag, 0, lags)
	for b := range pairs {
		if pairs[b] == 0 {
			continue
		}
		k := float64(pairs[b])
		out = append(out, Lag{Distance: dist[b] / k, Semivariance: semi[b] / k, Pairs: pairs[b]})
	}
	return out
}

// FitVariogram fits the model to the empirical lags by pair-weighted least
// squares with Nelder-Mead. Parameters are kept non-negative by optimising
// their absolute values and are bounded to Nugget <= max semivariance,
// Sill <= 10 * max semivariance and Range <= the largest lag distance.
func FitVariogram(model VariogramModel, lags []Lag) Variogram {
	if len(lags) == 0 {
		return Variogram{Model: model}
	}
	minG, maxG, maxH := math.Inf(1), 0.0, 0.0
	for _, l := range lags {
		minG = math.Min(minG, l.Semivariance)
		maxG = math.Max(maxG, l.Semivariance)
		maxH = math.Max(maxH, l.Distance)
	}
	initial := Variogram{Model: model, Nugget: minG, Sill: maxG - minG, Range: 0.25 * maxH}
	if maxG <= 1e-12 {
		return Variogram{Model: model, Range: initial.Range}
	}

	var totalPairs float64
	for _, l := range lags {
		totalPairs += float64(l.Pairs)
	}
	decode := func(x []float64) Variogram {
		return Variogram{
			Model:  model,
			Nugget: math.Min(math.Abs(x[0]), maxG),
			Sill:   math.Min(math.Abs(x[1]), 10*maxG),
			Range:  math.Min(math.Abs(x[2]), maxH) + 1e-9,
		}
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			v := decode(x)
			var sse float64
			for _, l := range lags {
				d := v.Gamma(l.Distance) - l.Semivariance
				sse += float64(l.Pairs) * d * d
			}
			return sse / totalPairs
		},
	}
	settings := &optimize.Settings{
		Converger:       &optimize.FunctionConverge{Absolute: 1e-14, Relative: 1e-10, Iterations: 100},
		FuncEvaluations: 4000,
		Concurrent:      1,
	}
	res, err := optimize.Minimize(problem, []float64{initial.Nugget, initial.Sill, initial.Range}, settings, &optimize.NelderMead{})
	if res == nil || (err != nil && !res.Status.Early()) {
		return initial
	}
	fit := decode(res.X)
	if math.IsNaN(fit.Nugget) || math.IsNaN(fit.Sill) || math.IsNaN(fit.Range) {
		return initial
	}
	return fit
}
