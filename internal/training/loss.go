package training

import (
	"fmt"
	"math"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

// LossKind selects the per-cell training objective.
type LossKind string

const (
	LossBCE   LossKind = "bce"
	LossFocal LossKind = "focal"
)

// ParseLossKind maps a configuration string to a LossKind.
func ParseLossKind(s string) (LossKind, error) {
	switch LossKind(s) {
	case LossBCE, LossFocal:
		return LossKind(s), nil
	default:
		return "", fmt.Errorf("unknown loss %q (want bce or focal)", s)
	}
}

// probEps keeps log terms finite.
const probEps = 1e-7

type lossFunc func(p, y float64) (loss, grad float64)

func bce(p, y float64) (float64, float64) {
	p = math.Min(math.Max(p, probEps), 1-probEps)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p)), -y/p + (1-y)/(1-p)
}

func focal(alpha, gamma float64) lossFunc {
	return func(p, y float64) (float64, float64) {
		p = math.Min(math.Max(p, probEps), 1-probEps)
		q := 1 - p
		lp, lq := math.Log(p), math.Log(q)
		loss := -alpha*y*math.Pow(q, gamma)*lp - (1-alpha)*(1-y)*math.Pow(p, gamma)*lq
		grad := alpha*y*(gamma*math.Pow(q, gamma-1)*lp-math.Pow(q, gamma)/p) +
			(1-alpha)*(1-y)*(-gamma*math.Pow(p, gamma-1)*lq+math.Pow(p, gamma)/q)
		return loss, grad
	}
}

// maskedLoss sums the loss over cells valid in both the prediction and the
// label and returns dLoss/dProbability per cell (zero where masked).
func maskedLoss(fn lossFunc, rm domain.RiskMap, label *domain.LabelGrid) (sum float64, n int, grad []float64) {
	grad = make([]float64, len(rm.Probabilities))
	for i, p := range rm.Probabilities {
		if rm.Missing[i] || label.Missing[i] {
			continue
		}
		l, g := fn(p, label.Values[i])
		sum += l
		grad[i] = g
		n++
	}
	return sum, n, grad
}
