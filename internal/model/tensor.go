package model

import (
	"maps"
	"math"
	"slices"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

// Tensor is a C×H×W activation stored channel-major. Missing is the spatial
// mask shared by every channel; masked cells hold zero.
type Tensor struct {
	C, H, W int
	Data    []float64
	Missing []bool
}

// NewTensor allocates a zero tensor.
func NewTensor(c, h, w int, missing []bool) Tensor {
	return Tensor{C: c, H: h, W: w, Data: make([]float64, c*h*w), Missing: missing}
}

// Plane returns channel c as a slice aliasing Data.
func (t Tensor) Plane(c int) []float64 {
	n := t.H * t.W
	return t.Data[c*n : (c+1)*n]
}

func (t Tensor) zeroMasked() {
	if t.Missing == nil {
		return
	}
	n := t.H * t.W
	for c := 0; c < t.C; c++ {
		plane := t.Data[c*n : (c+1)*n]
		for i, m := range t.Missing {
			if m {
				plane[i] = 0
			}
		}
	}
}

// Parameters is the complete learnable state of a model plus the metadata
// needed to reproduce inference: the feature selection applied at fusion
// time and the classification threshold.
type Parameters struct {
	Arch      Architecture
	Version   string
	Epoch     int
	Threshold float64
	Selection domain.FeatureSelection
	Tensors   map[string][]float64
}

// Names returns tensor names in sorted order.
func (p *Parameters) Names() []string {
	names := make([]string, 0, len(p.Tensors))
	for n := range p.Tensors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Count returns the total number of scalar parameters.
func (p *Parameters) Count() int {
	n := 0
	for _, t := range p.Tensors {
		n += len(t)
	}
	return n
}

// Clone returns a deep copy.
func (p *Parameters) Clone() *Parameters {
	cp := *p
	cp.Arch = p.Arch.clone()
	cp.Selection = domain.FeatureSelection{
		Threshold:    p.Selection.Threshold,
		Channels:     slices.Clone(p.Selection.Channels),
		Correlations: maps.Clone(p.Selection.Correlations),
	}
	cp.Tensors = make(map[string][]float64, len(p.Tensors))
	for n, t := range p.Tensors {
		cp.Tensors[n] = slices.Clone(t)
	}
	return &cp
}

// Gradients accumulates dLoss/dParameter by tensor name.
type Gradients struct {
	Tensors map[string][]float64
}

// NewGradients returns an empty accumulator.
func NewGradients() *Gradients {
	return &Gradients{Tensors: make(map[string][]float64)}
}

func (g *Gradients) slot(name string, size int) []float64 {
	t, ok := g.Tensors[name]
	if !ok {
		t = make([]float64, size)
		g.Tensors[name] = t
	}
	return t
}

// Add accumulates other into g.
func (g *Gradients) Add(other *Gradients) {
	for n, t := range other.Tensors {
		dst := g.slot(n, len(t))
		for i, v := range t {
			dst[i] += v
		}
	}
}

// Scale multiplies every gradient by a.
func (g *Gradients) Scale(a float64) {
	for _, t := range g.Tensors {
		for i := range t {
			t[i] *= a
		}
	}
}

// Finite reports whether every gradient is a finite number.
func (g *Gradients) Finite() bool {
	for _, t := range g.Tensors {
		for _, v := range t {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
