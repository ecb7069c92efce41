package model

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/spaolacci/murmur3"
)

// Architecture fixes the channel contract and layer widths of a model.
// Parameters are only interchangeable between equal architectures.
type Architecture struct {
	InputChannels []string `json:"input_channels"`
	// ResidualChannels are normalised and added to the backbone output. Empty
	// means every input channel.
	ResidualChannels []string `json:"residual_channels,omitempty"`
	AdapterHidden    int      `json:"adapter_hidden"`
	AdapterOut       int      `json:"adapter_out"`
	BackboneWidths   []int    `json:"backbone_widths"`
	KernelSize       int      `json:"kernel_size"`
	MLPHidden        int      `json:"mlp_hidden"`
}

// DefaultArchitecture returns the production layer sizes for the given channels.
func DefaultArchitecture(inputs, residual []string) Architecture {
	return Architecture{
		InputChannels:    slices.Clone(inputs),
		ResidualChannels: slices.Clone(residual),
		AdapterHidden:    64,
		AdapterOut:       25,
		BackboneWidths:   []int{36, 48},
		KernelSize:       5,
		MLPHidden:        64,
	}
}

// Validate checks the declared sizes.
func (a Architecture) Validate() error {
	if len(a.InputChannels) == 0 {
		return fmt.Errorf("architecture: no input channels")
	}
	seen := make(map[string]bool, len(a.InputChannels))
	for _, c := range a.InputChannels {
		if seen[c] {
			return fmt.Errorf("architecture: duplicate input channel %q", c)
		}
		seen[c] = true
	}
	for _, c := range a.ResidualChannels {
		if !seen[c] {
			return fmt.Errorf("architecture: residual channel %q is not an input", c)
		}
	}
	if a.AdapterHidden < 1 || a.AdapterOut < 1 || a.MLPHidden < 1 {
		return fmt.Errorf("architecture: adapter and mlp widths must be positive")
	}
	if len(a.BackboneWidths) == 0 {
		return fmt.Errorf("architecture: backbone needs at least one convolution")
	}
	for _, w := range a.BackboneWidths {
		if w < 1 {
			return fmt.Errorf("architecture: backbone width %d", w)
		}
	}
	if a.KernelSize < 1 || a.KernelSize%2 == 0 {
		return fmt.Errorf("architecture: kernel size must be odd, got %d", a.KernelSize)
	}
	return nil
}

// residual resolves the residual channel list.
func (a Architecture) residual() []string {
	if len(a.ResidualChannels) == 0 {
		return a.InputChannels
	}
	return a.ResidualChannels
}

// ID is a stable fingerprint of the architecture.
func (a Architecture) ID() string {
	b, _ := json.Marshal(a)
	h1, h2 := murmur3.Sum128(b)
	sum := make([]byte, 0, 8)
	for i := 0; i < 4; i++ {
		sum = append(sum, byte(h1>>(8*i)), byte(h2>>(8*i)))
	}
	return "arch-" + hex.EncodeToString(sum)
}

func (a Architecture) clone() Architecture {
	a.InputChannels = slices.Clone(a.InputChannels)
	a.ResidualChannels = slices.Clone(a.ResidualChannels)
	a.BackboneWidths = slices.Clone(a.BackboneWidths)
	return a
}

// diff names the first difference between two architectures.
func (a Architecture) diff(b Architecture) string {
	switch {
	case !slices.Equal(a.InputChannels, b.InputChannels):
		return fmt.Sprintf("input channels differ (%d vs %d)", len(a.InputChannels), len(b.InputChannels))
	case !slices.Equal(a.residual(), b.residual()):
		return "residual channels differ"
	case a.KernelSize != b.KernelSize:
		return fmt.Sprintf("kernel size %d vs %d", a.KernelSize, b.KernelSize)
	case !slices.Equal(a.BackboneWidths, b.BackboneWidths):
		return fmt.Sprintf("backbone widths %v vs %v", a.BackboneWidths, b.BackboneWidths)
	default:
		return "layer widths differ"
	}
}
