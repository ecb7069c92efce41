package training

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// SplitMask marks int(n*valRatio) randomly chosen samples as validation
// (true). The same seed always yields the same mask.
func SplitMask(n int, valRatio float64, seed uint64) ([]bool, error) {
	if valRatio < 0 || valRatio > 1 {
		return nil, fmt.Errorf("validation ratio must be within [0, 1], got %g", valRatio)
	}
	mask := make([]bool, n)
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	for _, i := range rng.Perm(n)[:int(float64(n)*valRatio)] {
		mask[i] = true
	}
	return mask, nil
}

// Threshold returns the probability cut that marks the top positiveRate
// share of probs as high risk, where a cell is high risk when p > cut. The
// input is not modified. A rate of 1 returns a cut just below the minimum so
// every cell is high risk.
func Threshold(probs []float64, positiveRate float64) (float64, bool) {
	if len(probs) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), probs...)
	sort.Float64s(sorted)
	q := min(max(1-positiveRate, 0), 1)
	t := stat.Quantile(q, stat.Empirical, sorted, nil)
	if math.IsNaN(t) {
		return 0, false
	}
	if q == 0 {
		t = math.Nextafter(t, math.Inf(-1))
	}
	return t, true
}

// Scores are pixel classification metrics over labelled cells.
type Scores struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	F1       float64 `json:"f1"`
	Cells    int     `json:"cells"`
}

type cell struct{ p, y float64 }

func score(cells []cell, threshold, lossSum float64) Scores {
	s := Scores{Cells: len(cells)}
	if len(cells) == 0 {
		return s
	}
	var correct, tp, fp, fn int
	for _, c := range cells {
		pred := c.p > threshold
		truth := c.y >= 0.5
		switch {
		case pred && truth:
			tp++
		case pred && !truth:
			fp++
		case !pred && truth:
			fn++
		}
		if pred == truth {
			correct++
		}
	}
	s.Loss = lossSum / float64(len(cells))
	s.Accuracy = float64(correct) / float64(len(cells))
	if d := 2*tp + fp + fn; d > 0 {
		s.F1 = float64(2*tp) / float64(d)
	}
	return s
}
