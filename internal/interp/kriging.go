package interp

import (
	"cmp"
	"math"
	"slices"
	"sync"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"gonum.org/v1/gonum/mat"
)

// neighbour is a source cell inside a target cell's search radius.
type neighbour struct {
	idx  int32
	dist float64
}

// plan holds everything about a kriging run that is reused across time steps:
// source cell coordinates, per target cell the nearest source cells, the
// variogram fitted on the first non-constant field, and weight sets for
// recently seen missing masks.
type plan struct {
	source  domain.GridSpec
	target  domain.GridSpec
	srcLat  []float64
	srcLon  []float64
	offsets []int32 // CSR offsets into nbrs, len target.Cells()+1
	nbrs    []neighbour

	mu      sync.Mutex
	vg      Variogram
	fitted  bool
	weights []*weightSet
}

// maxWeightSets bounds the per-plan weight memo.
const maxWeightSets = 4

// weightSet is the solved kriging system of every target cell for one
// missing mask. Cells with no valid neighbour have an empty range.
type weightSet struct {
	mask      uint64
	offsets   []int32
	idx       []int32
	w         []float64
	variance  []float64
	fallbacks int
}

func buildPlan(variable string, source, target domain.GridSpec, cfg Config) (*plan, error) {
	radius := cfg.radiusFor(source)
	p := &plan{
		source:  source,
		target:  target,
		srcLat:  make([]float64, source.Cells()),
		srcLon:  make([]float64, source.Cells()),
		offsets: make([]int32, 0, target.Cells()+1),
	}
	for r := 0; r < source.Rows; r++ {
		for c := 0; c < source.Cols; c++ {
			p.srcLat[r*source.Cols+c], p.srcLon[r*source.Cols+c] = source.CellCenter(r, c)
		}
	}

	span := int(math.Ceil(radius/source.Resolution)) + 1
	var cand []neighbour
	p.offsets = append(p.offsets, 0)
	for r := 0; r < target.Rows; r++ {
		for c := 0; c < target.Cols; c++ {
			lat, lon := target.CellCenter(r, c)
			fr, fc := source.FractionalIndex(lat, lon)
			r0, r1 := windowBounds(fr, span, source.Rows)
			c0, c1 := windowBounds(fc, span, source.Cols)

			cand = cand[:0]
			for sr := r0; sr <= r1; sr++ {
				for sc := c0; sc <= c1; sc++ {
					i := sr*source.Cols + sc
					d := math.Hypot(lat-p.srcLat[i], lon-p.srcLon[i])
					if d <= radius {
						cand = append(cand, neighbour{idx: int32(i), dist: d})
					}
				}
			}
			if len(cand) < cfg.MinNeighbors {
				return nil, &domain.InsufficientSamplesError{
					Variable: variable,
					Target:   target,
					Row:      r,
					Col:      c,
					Found:    len(cand),
					Required: cfg.MinNeighbors,
					Radius:   radius,
				}
			}
			slices.SortFunc(cand, func(a, b neighbour) int {
				if n := cmp.Compare(a.dist, b.dist); n != 0 {
					return n
				}
				return cmp.Compare(a.idx, b.idx)
			})
			if len(cand) > cfg.MaxNeighbors {
				cand = cand[:cfg.MaxNeighbors]
			}
			p.nbrs = append(p.nbrs, cand...)
			p.offsets = append(p.offsets, int32(len(p.nbrs)))
		}
	}
	return p, nil
}

// windowBounds returns the inclusive source index range that can hold cells
// within span of the fractional index f. An empty range has lo > hi.
func windowBounds(f float64, span, n int) (lo, hi int) {
	lof := math.Floor(f) - float64(span)
	hif := math.Ceil(f) + float64(span)
	if hif < 0 || lof > float64(n-1) {
		return 1, 0
	}
	return int(math.Max(lof, 0)), int(math.Min(hif, float64(n-1)))
}

// apply kriges field with this plan and returns the result and the number of
// cells that fell back to inverse-distance weights.
func (p *plan) apply(field domain.MeteorologicalField, cfg Config) (Result, int) {
	out := domain.NewField(field.Variable, field.Level, p.target, field.Timestamp)
	variance := make([]float64, p.target.Cells())

	var lat, lon, val []float64
	for i, m := range field.Missing {
		if m {
			continue
		}
		lat = append(lat, p.srcLat[i])
		lon = append(lon, p.srcLon[i])
		val = append(val, field.Values[i])
	}

	if constant, ok := constantValue(val); ok {
		for t := 0; t < p.target.Cells(); t++ {
			if p.hasValidNeighbour(t, field.Missing) {
				out.Values[t], out.Missing[t] = constant, false
			} else {
				variance[t] = math.NaN()
			}
		}
		return Result{Field: out, Variance: variance}, 0
	}

	vg := p.variogram(lat, lon, val, cfg)
	ws, fresh := p.weightsFor(domain.MaskFingerprint(field.Missing), vg, field.Missing)

	for t := 0; t < p.target.Cells(); t++ {
		lo, hi := ws.offsets[t], ws.offsets[t+1]
		if lo == hi {
			variance[t] = math.NaN()
			continue
		}
		var v float64
		for k := lo; k < hi; k++ {
			v += ws.w[k] * field.Values[ws.idx[k]]
		}
		out.Values[t], out.Missing[t] = v, false
		variance[t] = ws.variance[t]
	}
	if !fresh {
		return Result{Field: out, Variance: variance}, 0
	}
	return Result{Field: out, Variance: variance}, ws.fallbacks
}

func constantValue(val []float64) (float64, bool) {
	if len(val) == 0 {
		return 0, false
	}
	for _, v := range val[1:] {
		if v != val[0] {
			return 0, false
		}
	}
	return val[0], true
}

func (p *plan) hasValidNeighbour(t int, missing []bool) bool {
	for _, n := range p.nbrs[p.offsets[t]:p.offsets[t+1]] {
		if !missing[n.idx] {
			return true
		}
	}
	return false
}

// variogram returns the plan's fitted variogram, fitting it from the given
// samples on first use. Samples too sparse to bin are fitted but not kept.
func (p *plan) variogram(lat, lon, val []float64, cfg Config) Variogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fitted {
		return p.vg
	}
	lags := EmpiricalVariogram(lat, lon, val, cfg.Lags)
	vg := FitVariogram(cfg.Variogram, lags)
	if len(lags) > 0 {
		p.vg, p.fitted = vg, true
	}
	return vg
}

// weightsFor returns the memoized weight set for mask, solving it if needed.
// The bool reports whether this call computed it.
func (p *plan) weightsFor(mask uint64, vg Variogram, missing []bool) (*weightSet, bool) {
	p.mu.Lock()
	for _, ws := range p.weights {
		if ws.mask == mask {
			p.mu.Unlock()
			return ws, false
		}
	}
	p.mu.Unlock()

	ws := p.solve(mask, vg, missing)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.weights {
		if existing.mask == mask {
			return existing, false
		}
	}
	p.weights = append(p.weights, ws)
	if len(p.weights) > maxWeightSets {
		p.weights = p.weights[1:]
	}
	return ws, true
}

func (p *plan) solve(mask uint64, vg Variogram, missing []bool) *weightSet {
	cells := p.target.Cells()
	ws := &weightSet{
		mask:     mask,
		offsets:  make([]int32, 1, cells+1),
		variance: make([]float64, cells),
	}
	var valid []neighbour
	for t := 0; t < cells; t++ {
		valid = valid[:0]
		for _, n := range p.nbrs[p.offsets[t]:p.offsets[t+1]] {
			if !missing[n.idx] {
				valid = append(valid, n)
			}
		}
		if len(valid) == 0 {
			ws.variance[t] = math.NaN()
			ws.offsets = append(ws.offsets, int32(len(ws.idx)))
			continue
		}

		w, variance, ok := p.krigingWeights(valid, vg)
		if !ok {
			w, variance = inverseDistance(valid, vg)
			ws.fallbacks++
		}
		for k, n := range valid {
			ws.idx = append(ws.idx, n.idx)
			ws.w = append(ws.w, w[k])
		}
		ws.variance[t] = variance
		ws.offsets = append(ws.offsets, int32(len(ws.idx)))
	}
	return ws
}

// krigingWeights solves the ordinary kriging system
//
//	[ Γ  1 ] [ λ ]   [ γ0 ]
//	[ 1ᵀ 0 ] [ μ ] = [ 1  ]
//
// and returns λ and the estimation variance λ·γ0 + μ.
func (p *plan) krigingWeights(valid []neighbour, vg Variogram) ([]float64, float64, bool) {
	if vg.Degenerate() {
		return nil, 0, false
	}
	n := len(valid)
	a := mat.NewDense(n+1, n+1, nil)
	b := mat.NewVecDense(n+1, nil)
	for i, ni := range valid {
		for j := i + 1; j < n; j++ {
			nj := valid[j]
			g := vg.Gamma(math.Hypot(p.srcLat[ni.idx]-p.srcLat[nj.idx], p.srcLon[ni.idx]-p.srcLon[nj.idx]))
			a.Set(i, j, g)
			a.Set(j, i, g)
		}
		a.Set(i, n, 1)
		a.Set(n, i, 1)
		b.SetVec(i, vg.Gamma(ni.dist))
	}
	b.SetVec(n, 1)

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return nil, 0, false
	}
	w := make([]float64, n)
	variance := x.AtVec(n)
	for i := range w {
		w[i] = x.AtVec(i)
		if math.IsNaN(w[i]) || math.IsInf(w[i], 0) {
			return nil, 0, false
		}
		variance += w[i] * b.AtVec(i)
	}
	return w, math.Max(variance, 0), true
}

// inverseDistance weights valid neighbours by 1/d². A neighbour at distance
// zero takes all the weight.
func inverseDistance(valid []neighbour, vg Variogram) ([]float64, float64) {
	w := make([]float64, len(valid))
	if valid[0].dist == 0 {
		w[0] = 1
		return w, 0
	}
	var total float64
	for i, n := range valid {
		w[i] = 1 / (n.dist * n.dist)
		total += w[i]
	}
	var variance float64
	for i, n := range valid {
		w[i] /= total
		variance += w[i] * vg.Gamma(n.dist)
	}
	return w, variance
}
