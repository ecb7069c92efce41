package training

import (
	"math"

	"github.com/couchcryptid/fire-risk-service/internal/model"
)

// AdamState is the optimizer's moment estimates.
type AdamState struct {
	Step int
	M    map[string][]float64
	V    map[string][]float64
}

func newAdamState() AdamState {
	return AdamState{M: make(map[string][]float64), V: make(map[string][]float64)}
}

// apply performs one bias-corrected Adam update of p in place.
func (a *AdamState) apply(cfg Config, lr float64, p *model.Parameters, g *model.Gradients) {
	if a.M == nil {
		*a = newAdamState()
	}
	a.Step++
	c1 := 1 - math.Pow(cfg.Beta1, float64(a.Step))
	c2 := 1 - math.Pow(cfg.Beta2, float64(a.Step))
	for name, w := range p.Tensors {
		grad, ok := g.Tensors[name]
		if !ok {
			continue
		}
		m, v := a.M[name], a.V[name]
		if m == nil {
			m, v = make([]float64, len(w)), make([]float64, len(w))
			a.M[name], a.V[name] = m, v
		}
		for i, gi := range grad {
			m[i] = cfg.Beta1*m[i] + (1-cfg.Beta1)*gi
			v[i] = cfg.Beta2*v[i] + (1-cfg.Beta2)*gi*gi
			w[i] -= lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + cfg.Epsilon)
		}
	}
}
