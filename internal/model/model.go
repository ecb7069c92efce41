package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

// DefaultThreshold is the classification cut before training calibrates one.
const DefaultThreshold = 0.5

// Model is the dual-drive network: a learned adapter and convolutional
// backbone whose output is added to the normalised raw residual channels,
// followed by a 1×1 head and a sigmoid. It holds no parameters and is safe
// for concurrent use.
type Model struct {
	arch     Architecture
	inNorm   Layer
	adapter  Layer
	backbone Layer
	resNorm  Layer
	head     Layer
	out      Layer
	resIdx   []int
	specs    []ParamSpec
}

// New builds the layer graph and checks every shape contract.
func New(arch Architecture) (*Model, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	c := len(arch.InputChannels)
	residual := arch.residual()
	m := &Model{
		arch:    arch.clone(),
		inNorm:  NewChannelNorm("input.norm"),
		resNorm: NewChannelNorm("residual.norm"),
		out:     NewSigmoid("output"),
	}
	for _, name := range residual {
		m.resIdx = append(m.resIdx, slices.Index(arch.InputChannels, name))
	}
	r := len(residual)

	m.adapter = NewChannelMLP("adapter", c, arch.AdapterHidden, arch.AdapterOut)
	var stages []Layer
	in := arch.AdapterOut
	for i, w := range arch.BackboneWidths {
		stages = append(stages,
			NewConv2D(fmt.Sprintf("backbone.conv%d", i), in, w, arch.KernelSize),
			NewChannelNorm(fmt.Sprintf("backbone.norm%d", i)),
			NewGELU(fmt.Sprintf("backbone.act%d", i)),
		)
		in = w
	}
	stages = append(stages, NewChannelMLP("backbone.mlp", in, arch.MLPHidden, r))
	m.backbone = NewSequential("backbone", stages...)
	m.head = NewConv2D("head", r, 1, 1)

	steps := []struct {
		layer Layer
		in    int
		want  int
	}{
		{m.adapter, c, arch.AdapterOut},
		{m.backbone, arch.AdapterOut, r},
		{m.head, r, 1},
	}
	for _, s := range steps {
		got, err := s.layer.OutChannels(s.in)
		if err != nil {
			return nil, fmt.Errorf("model: %w", err)
		}
		if got != s.want {
			return nil, fmt.Errorf("model: %s produces %d channels, want %d", s.layer.Name(), got, s.want)
		}
		m.specs = append(m.specs, s.layer.Params(s.in)...)
	}
	return m, nil
}

// Architecture returns the model's architecture.
func (m *Model) Architecture() Architecture { return m.arch.clone() }

// Specs lists every parameter tensor the model reads.
func (m *Model) Specs() []ParamSpec { return slices.Clone(m.specs) }

// InitParameters draws deterministic initial weights from seed. Weights are
// uniform in ±1/sqrt(fan-in); biases start at zero.
func InitParameters(arch Architecture, seed uint64) (*Parameters, error) {
	m, err := New(arch)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	p := &Parameters{
		Arch:      m.Architecture(),
		Threshold: DefaultThreshold,
		Tensors:   make(map[string][]float64, len(m.specs)),
	}
	for _, s := range m.specs {
		t := make([]float64, s.Size)
		if !s.Bias {
			bound := 1 / math.Sqrt(float64(s.FanIn))
			for i := range t {
				t[i] = (2*rng.Float64() - 1) * bound
			}
		}
		p.Tensors[s.Name] = t
	}
	return p, nil
}

// CheckCompatible verifies that p was produced for this model's architecture
// and carries every tensor at the right size.
func (m *Model) CheckCompatible(p *Parameters) error {
	if err := CheckCompatible(p, m.arch); err != nil {
		return err
	}
	for _, s := range m.specs {
		t, ok := p.Tensors[s.Name]
		if !ok {
			return &domain.IncompatibleArchitectureError{
				Expected: m.arch.ID(), Found: p.Arch.ID(), Reason: "missing tensor " + s.Name,
			}
		}
		if len(t) != s.Size {
			return &domain.IncompatibleArchitectureError{
				Expected: m.arch.ID(), Found: p.Arch.ID(),
				Reason: fmt.Sprintf("tensor %s has %d values, want %d", s.Name, len(t), s.Size),
			}
		}
	}
	return nil
}

// CheckCompatible compares the architecture recorded in p with arch.
func CheckCompatible(p *Parameters, arch Architecture) error {
	want, got := arch.ID(), p.Arch.ID()
	if want == got {
		return nil
	}
	return &domain.IncompatibleArchitectureError{Expected: want, Found: got, Reason: arch.diff(p.Arch)}
}

// Trace carries the intermediate activations of one forward pass.
type Trace struct {
	H, W     int
	Missing  []bool
	adapter  any
	backbone any
	head     any
	out      any
}

// Input converts a fused sample into a tensor in architecture channel order.
// Cells missing in any channel are masked and zero-filled.
func (m *Model) Input(sample domain.FusedSample) (Tensor, error) {
	names := sample.ChannelNames()
	if !slices.Equal(names, m.arch.InputChannels) {
		return Tensor{}, &domain.IncompatibleArchitectureError{
			Expected: m.arch.ID(),
			Found:    fmt.Sprintf("sample with %d channels", len(names)),
			Reason:   "sample channels do not match model inputs",
		}
	}
	g := sample.Grid
	missing := make([]bool, g.Cells())
	for _, ch := range sample.Channels {
		if ch.Field.Grid.Rows != g.Rows || ch.Field.Grid.Cols != g.Cols {
			return Tensor{}, fmt.Errorf("model: channel %s is %dx%d, sample grid is %dx%d: %w",
				ch.Name, ch.Field.Grid.Rows, ch.Field.Grid.Cols, g.Rows, g.Cols, domain.ErrGridMismatch)
		}
		for i, v := range ch.Field.Values {
			if ch.Field.Missing[i] || math.IsNaN(v) {
				missing[i] = true
			}
		}
	}
	x := NewTensor(len(names), g.Rows, g.Cols, missing)
	for c, ch := range sample.Channels {
		copy(x.Plane(c), ch.Field.Values)
	}
	x.zeroMasked()
	return x, nil
}

// Forward runs the network on one sample.
func (m *Model) Forward(p *Parameters, sample domain.FusedSample) (domain.RiskMap, *Trace, error) {
	if err := m.CheckCompatible(p); err != nil {
		return domain.RiskMap{}, nil, err
	}
	x, err := m.Input(sample)
	if err != nil {
		return domain.RiskMap{}, nil, err
	}
	y, tr := m.forward(p, x)

	rm := domain.RiskMap{
		Grid:          sample.Grid,
		Timestamp:     sample.Timestamp,
		IssuedAt:      domain.Now(),
		ModelVersion:  p.Version,
		Threshold:     p.Threshold,
		Probabilities: make([]float64, len(y.Data)),
		Missing:       slices.Clone(x.Missing),
	}
	for i, v := range y.Data {
		if rm.Missing[i] {
			rm.Probabilities[i] = math.NaN()
			continue
		}
		rm.Probabilities[i] = v
	}
	return rm, tr, nil
}

func (m *Model) forward(p *Parameters, x Tensor) (Tensor, *Trace) {
	tr := &Trace{H: x.H, W: x.W, Missing: x.Missing}
	// Channels arrive in physical units spanning many orders of magnitude.
	xn, _ := m.inNorm.Forward(p, x)
	a, ac := m.adapter.Forward(p, xn)
	b, bc := m.backbone.Forward(p, a)
	tr.adapter, tr.backbone = ac, bc

	res := NewTensor(len(m.resIdx), x.H, x.W, x.Missing)
	for i, c := range m.resIdx {
		copy(res.Plane(i), xn.Plane(c))
	}
	r, _ := m.resNorm.Forward(p, res)
	for i := range b.Data {
		b.Data[i] += r.Data[i]
	}

	h, hc := m.head.Forward(p, b)
	y, oc := m.out.Forward(p, h)
	tr.head, tr.out = hc, oc
	return y, tr
}

// Backward propagates dLoss/dProbability through the graph and returns the
// parameter gradients. Masked and NaN entries of dProb are ignored. The
// residual path carries no parameters and is not differentiated.
func (m *Model) Backward(p *Parameters, tr *Trace, dProb []float64) *Gradients {
	g := NewGradients()
	grad := NewTensor(1, tr.H, tr.W, tr.Missing)
	for i, v := range dProb {
		if (tr.Missing != nil && tr.Missing[i]) || math.IsNaN(v) {
			continue
		}
		grad.Data[i] = v
	}
	grad = m.out.Backward(p, tr.out, grad, g)
	grad = m.head.Backward(p, tr.head, grad, g)
	grad = m.backbone.Backward(p, tr.backbone, grad, g)
	m.adapter.Backward(p, tr.adapter, grad, g)
	return g
}
