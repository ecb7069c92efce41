package interp

import (
	"math"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

// snapTolerance absorbs floating-point noise in fractional indices so target
// cells that sit on a source centre read it exactly.
const snapTolerance = 1e-9

func bilinear(field domain.MeteorologicalField, target domain.GridSpec) Result {
	source := field.Grid
	out := domain.NewField(field.Variable, field.Level, target, field.Timestamp)
	variance := make([]float64, target.Cells())

	for r := 0; r < target.Rows; r++ {
		for c := 0; c < target.Cols; c++ {
			i := r*target.Cols + c
			lat, lon := target.CellCenter(r, c)
			if !source.Contains(lat, lon) {
				variance[i] = math.NaN()
				continue
			}
			fr, fc := source.FractionalIndex(lat, lon)
			v, ok := sampleBilinear(field, clampIndex(fr, source.Rows), clampIndex(fc, source.Cols))
			if !ok {
				variance[i] = math.NaN()
				continue
			}
			out.Set(r, c, v)
		}
	}
	return Result{Field: out, Variance: variance}
}

// clampIndex limits a fractional index to the source centre hull, which
// degrades to nearest-neighbour along the domain edges.
func clampIndex(f float64, n int) float64 {
	if f < 0 {
		f = 0
	}
	if limit := float64(n - 1); f > limit {
		f = limit
	}
	if rf := math.Round(f); math.Abs(f-rf) < snapTolerance {
		f = rf
	}
	return f
}

func sampleBilinear(field domain.MeteorologicalField, fr, fc float64) (float64, bool) {
	rows, cols := field.Grid.Rows, field.Grid.Cols
	r0, c0 := int(math.Floor(fr)), int(math.Floor(fc))
	r1, c1 := min(r0+1, rows-1), min(c0+1, cols-1)
	dr, dc := fr-float64(r0), fc-float64(c0)

	v00, ok00 := field.At(r0, c0)
	v01, ok01 := field.At(r0, c1)
	v10, ok10 := field.At(r1, c0)
	v11, ok11 := field.At(r1, c1)

	if ok00 && ok01 && ok10 && ok11 {
		top := v00 + (v01-v00)*dc
		bottom := v10 + (v11-v10)*dc
		return top + (bottom-top)*dr, true
	}

	// Renormalise over the present corners that carry weight.
	corners := [4]struct {
		v  float64
		ok bool
		w  float64
	}{
		{v00, ok00, (1 - dr) * (1 - dc)},
		{v01, ok01, (1 - dr) * dc},
		{v10, ok10, dr * (1 - dc)},
		{v11, ok11, dr * dc},
	}
	var sum, weight float64
	for _, k := range corners {
		if !k.ok || k.w <= 0 {
			continue
		}
		sum += k.w * k.v
		weight += k.w
	}
	if weight == 0 {
		return math.NaN(), false
	}
	return sum / weight, true
}
