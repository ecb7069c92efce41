package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ParamSpec declares one parameter tensor of a layer.
type ParamSpec struct {
	Name  string
	Size  int
	FanIn int
	Bias  bool
}

// Layer is a stateless differentiable stage. Parameters are read from and
// gradients written to the caller's containers by name; Forward returns an
// opaque cache that Backward consumes. Backward may modify grad in place.
type Layer interface {
	Name() string
	// OutChannels checks the input channel contract and returns the output width.
	OutChannels(in int) (int, error)
	Params(in int) []ParamSpec
	Forward(p *Parameters, x Tensor) (Tensor, any)
	Backward(p *Parameters, cache any, grad Tensor, g *Gradients) Tensor
}

// Conv2D is a k×k convolution with zero "same" padding. Masked output cells
// are forced to zero so missing data behaves like padding.
type Conv2D struct {
	name    string
	in, out int
	k       int
}

// NewConv2D declares a convolution from in to out channels. k must be odd.
func NewConv2D(name string, in, out, k int) *Conv2D {
	return &Conv2D{name: name, in: in, out: out, k: k}
}

func (l *Conv2D) Name() string { return l.name }

func (l *Conv2D) OutChannels(in int) (int, error) {
	if in != l.in {
		return 0, fmt.Errorf("%s: expects %d input channels, got %d", l.name, l.in, in)
	}
	if l.k < 1 || l.k%2 == 0 {
		return 0, fmt.Errorf("%s: kernel size must be odd, got %d", l.name, l.k)
	}
	return l.out, nil
}

func (l *Conv2D) Params(int) []ParamSpec {
	return []ParamSpec{
		{Name: l.name + ".weight", Size: l.out * l.in * l.k * l.k, FanIn: l.in * l.k * l.k},
		{Name: l.name + ".bias", Size: l.out, FanIn: l.in * l.k * l.k, Bias: true},
	}
}

// span returns the [lo, hi) range of output positions whose tap at offset d
// stays inside [0, n).
func span(d, n int) (lo, hi int) {
	return max(0, -d), min(n, n-d)
}

func (l *Conv2D) Forward(p *Parameters, x Tensor) (Tensor, any) {
	w, b := p.Tensors[l.name+".weight"], p.Tensors[l.name+".bias"]
	y := NewTensor(l.out, x.H, x.W, x.Missing)
	pad := l.k / 2
	for o := 0; o < l.out; o++ {
		yo := y.Plane(o)
		for i := range yo {
			yo[i] = b[o]
		}
		for i := 0; i < l.in; i++ {
			xi := x.Plane(i)
			for ky := 0; ky < l.k; ky++ {
				dy := ky - pad
				r0, r1 := span(dy, x.H)
				for kx := 0; kx < l.k; kx++ {
					dx := kx - pad
					c0, c1 := span(dx, x.W)
					wv := w[((o*l.in+i)*l.k+ky)*l.k+kx]
					if wv == 0 || c1 <= c0 {
						continue
					}
					for r := r0; r < r1; r++ {
						src := (r+dy)*x.W + dx
						floats.AddScaled(yo[r*x.W+c0:r*x.W+c1], wv, xi[src+c0:src+c1])
					}
				}
			}
		}
	}
	y.zeroMasked()
	return y, x
}

func (l *Conv2D) Backward(p *Parameters, cache any, grad Tensor, g *Gradients) Tensor {
	x := cache.(Tensor)
	grad.zeroMasked()
	w := p.Tensors[l.name+".weight"]
	dw := g.slot(l.name+".weight", len(w))
	db := g.slot(l.name+".bias", l.out)
	dx := NewTensor(l.in, x.H, x.W, x.Missing)
	pad := l.k / 2

	for o := 0; o < l.out; o++ {
		gout := grad.Plane(o)
		db[o] += floats.Sum(gout)
		for i := 0; i < l.in; i++ {
			xi, dxi := x.Plane(i), dx.Plane(i)
			for ky := 0; ky < l.k; ky++ {
				dy := ky - pad
				r0, r1 := span(dy, x.H)
				for kx := 0; kx < l.k; kx++ {
					dxo := kx - pad
					c0, c1 := span(dxo, x.W)
					if c1 <= c0 {
						continue
					}
					idx := ((o*l.in+i)*l.k+ky)*l.k + kx
					wv := w[idx]
					for r := r0; r < r1; r++ {
						gs := gout[r*x.W+c0 : r*x.W+c1]
						src := (r+dy)*x.W + dxo
						dw[idx] += floats.Dot(gs, xi[src+c0:src+c1])
						if wv != 0 {
							floats.AddScaled(dxi[src+c0:src+c1], wv, gs)
						}
					}
				}
			}
		}
	}
	dx.zeroMasked()
	return dx
}

// GELU is the exact (erf) Gaussian error linear unit.
type GELU struct{ name string }

// NewGELU returns a GELU activation.
func NewGELU(name string) *GELU { return &GELU{name: name} }

func (l *GELU) Name() string                    { return l.name }
func (l *GELU) OutChannels(in int) (int, error) { return in, nil }
func (l *GELU) Params(int) []ParamSpec          { return nil }

func (l *GELU) Forward(_ *Parameters, x Tensor) (Tensor, any) {
	y := NewTensor(x.C, x.H, x.W, x.Missing)
	for i, v := range x.Data {
		y.Data[i] = v * normCDF(v)
	}
	return y, x
}

func (l *GELU) Backward(_ *Parameters, cache any, grad Tensor, _ *Gradients) Tensor {
	x := cache.(Tensor)
	dx := NewTensor(x.C, x.H, x.W, x.Missing)
	for i, v := range x.Data {
		dx.Data[i] = grad.Data[i] * (normCDF(v) + v*normPDF(v))
	}
	return dx
}

func normCDF(x float64) float64 { return 0.5 * (1 + math.Erf(x/math.Sqrt2)) }

func normPDF(x float64) float64 { return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi) }

// normEps keeps the channel norm differentiable on constant planes.
const normEps = 1e-5

// ChannelNorm standardises every channel over its valid cells. It has no
// learnable parameters.
type ChannelNorm struct{ name string }

// NewChannelNorm returns a channel normalisation layer.
func NewChannelNorm(name string) *ChannelNorm { return &ChannelNorm{name: name} }

func (l *ChannelNorm) Name() string                    { return l.name }
func (l *ChannelNorm) OutChannels(in int) (int, error) { return in, nil }
func (l *ChannelNorm) Params(int) []ParamSpec          { return nil }

type normCache struct {
	xhat   Tensor
	invStd []float64
	valid  int
}

func (l *ChannelNorm) Forward(_ *Parameters, x Tensor) (Tensor, any) {
	y := NewTensor(x.C, x.H, x.W, x.Missing)
	c := normCache{xhat: y, invStd: make([]float64, x.C)}
	for i := range x.H * x.W {
		if x.Missing == nil || !x.Missing[i] {
			c.valid++
		}
	}
	if c.valid == 0 {
		return y, c
	}
	n := float64(c.valid)
	for ch := 0; ch < x.C; ch++ {
		xp, yp := x.Plane(ch), y.Plane(ch)
		var mean float64
		for i, v := range xp {
			if x.Missing == nil || !x.Missing[i] {
				mean += v
			}
		}
		mean /= n
		var variance float64
		for i, v := range xp {
			if x.Missing == nil || !x.Missing[i] {
				variance += (v - mean) * (v - mean)
			}
		}
		variance /= n
		inv := 1 / math.Sqrt(variance+normEps)
		c.invStd[ch] = inv
		for i, v := range xp {
			if x.Missing == nil || !x.Missing[i] {
				yp[i] = (v - mean) * inv
			}
		}
	}
	return y, c
}

func (l *ChannelNorm) Backward(_ *Parameters, cache any, grad Tensor, _ *Gradients) Tensor {
	c := cache.(normCache)
	x := c.xhat
	dx := NewTensor(x.C, x.H, x.W, x.Missing)
	if c.valid == 0 {
		return dx
	}
	n := float64(c.valid)
	for ch := 0; ch < x.C; ch++ {
		gp, xp, dp := grad.Plane(ch), x.Plane(ch), dx.Plane(ch)
		var mg, mgx float64
		for i := range gp {
			if x.Missing == nil || !x.Missing[i] {
				mg += gp[i]
				mgx += gp[i] * xp[i]
			}
		}
		mg /= n
		mgx /= n
		for i := range gp {
			if x.Missing == nil || !x.Missing[i] {
				dp[i] = c.invStd[ch] * (gp[i] - mg - xp[i]*mgx)
			}
		}
	}
	return dx
}

// Sigmoid maps logits to probabilities.
type Sigmoid struct{ name string }

// NewSigmoid returns a logistic activation.
func NewSigmoid(name string) *Sigmoid { return &Sigmoid{name: name} }

func (l *Sigmoid) Name() string                    { return l.name }
func (l *Sigmoid) OutChannels(in int) (int, error) { return in, nil }
func (l *Sigmoid) Params(int) []ParamSpec          { return nil }

func (l *Sigmoid) Forward(_ *Parameters, x Tensor) (Tensor, any) {
	y := NewTensor(x.C, x.H, x.W, x.Missing)
	for i, v := range x.Data {
		y.Data[i] = sigmoid(v)
	}
	return y, y
}

func (l *Sigmoid) Backward(_ *Parameters, cache any, grad Tensor, _ *Gradients) Tensor {
	y := cache.(Tensor)
	dx := NewTensor(y.C, y.H, y.W, y.Missing)
	for i, v := range y.Data {
		dx.Data[i] = grad.Data[i] * v * (1 - v)
	}
	return dx
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Sequential chains layers.
type Sequential struct {
	name   string
	layers []Layer
}

// NewSequential composes layers in order.
func NewSequential(name string, layers ...Layer) *Sequential {
	return &Sequential{name: name, layers: layers}
}

// NewChannelMLP is the per-cell two-layer perceptron: 1×1 conv, GELU, 1×1 conv.
func NewChannelMLP(name string, in, hidden, out int) *Sequential {
	return NewSequential(name,
		NewConv2D(name+".fc1", in, hidden, 1),
		NewGELU(name+".act"),
		NewConv2D(name+".fc2", hidden, out, 1),
	)
}

func (s *Sequential) Name() string { return s.name }

func (s *Sequential) OutChannels(in int) (int, error) {
	c := in
	for _, l := range s.layers {
		var err error
		if c, err = l.OutChannels(c); err != nil {
			return 0, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return c, nil
}

func (s *Sequential) Params(in int) []ParamSpec {
	var out []ParamSpec
	c := in
	for _, l := range s.layers {
		out = append(out, l.Params(c)...)
		c, _ = l.OutChannels(c)
	}
	return out
}

func (s *Sequential) Forward(p *Parameters, x Tensor) (Tensor, any) {
	caches := make([]any, len(s.layers))
	for i, l := range s.layers {
		x, caches[i] = l.Forward(p, x)
	}
	return x, caches
}

func (s *Sequential) Backward(p *Parameters, cache any, grad Tensor, g *Gradients) Tensor {
	caches := cache.([]any)
	for i := len(s.layers) - 1; i >= 0; i-- {
		grad = s.layers[i].Backward(p, caches[i], grad, g)
	}
	return grad
}
