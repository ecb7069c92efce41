// Package fusion turns the raw fields of one temporal window into a FusedSample:
// every field resampled onto the target grid, checked, and stacked in a fixed
// channel order.
package fusion

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

// DefaultMissingThreshold is the largest tolerated missing ratio after resampling.
const DefaultMissingThreshold = 0.05

// Resampler maps a field onto a target grid.
type Resampler interface {
	Resample(field domain.MeteorologicalField, target domain.GridSpec, method domain.InterpolationMethod) (domain.MeteorologicalField, error)
	MethodFor(variable string) domain.InterpolationMethod
}

// Config holds the fusion thresholds.
type Config struct {
	MissingThreshold     float64
	CorrelationThreshold float64
}

// Pipeline fuses windows onto one target grid. It holds no mutable state;
// WithSelection returns a new Pipeline.
type Pipeline struct {
	cfg       Config
	target    domain.GridSpec
	catalog   domain.Catalog
	resampler Resampler
	selection *domain.FeatureSelection
	logger    *slog.Logger
}

// New creates a Pipeline for the target grid.
func New(cfg Config, target domain.GridSpec, catalog domain.Catalog, resampler Resampler, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		target:    target,
		catalog:   catalog,
		resampler: resampler,
		logger:    logger,
	}
}

// WithSelection returns a copy of the pipeline that emits only the selected channels.
func (p *Pipeline) WithSelection(sel domain.FeatureSelection) *Pipeline {
	cp := *p
	cp.selection = &sel
	return &cp
}

// Target returns the target grid.
func (p *Pipeline) Target() domain.GridSpec { return p.target }

// Catalog returns the variable catalog.
func (p *Pipeline) Catalog() domain.Catalog { return p.catalog }

// channelSpec is one output channel and the input field it comes from.
type channelSpec struct {
	name string
	key  domain.FieldKey
	spec domain.VariableSpec
}

// ChannelOrder lists channel names in output order: surface variables
// day-major (oldest day first, catalog order inside a day), then upper-air
// variables in catalog order with levels in window order, then auxiliary
// indices in catalog order.
func ChannelOrder(catalog domain.Catalog, window domain.WindowSpec) []string {
	specs := channelSpecs(catalog, window)
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.name
	}
	return out
}

// ResidualChannels lists the channels that feed the residual path.
func ResidualChannels(catalog domain.Catalog) []string {
	var out []string
	for _, v := range catalog.ByKind(domain.LevelAux) {
		if v.Residual {
			out = append(out, v.Name)
		}
	}
	return out
}

func channelSpecs(catalog domain.Catalog, window domain.WindowSpec) []channelSpec {
	var out []channelSpec
	ref := window.Reference.UTC()
	times := window.SurfaceTimes()
	surface := catalog.ByKind(domain.LevelSurface)
	for i, ts := range times {
		for _, v := range surface {
			out = append(out, channelSpec{
				name: fmt.Sprintf("%s@d-%d", v.Name, len(times)-1-i),
				key:  domain.FieldKey{Variable: v.Name, Level: domain.Surface(), Timestamp: ts.UTC()},
				spec: v,
			})
		}
	}
	for _, v := range catalog.ByKind(domain.LevelPressure) {
		for _, hpa := range window.UpperAirLevels {
			lvl := domain.Pressure(hpa)
			out = append(out, channelSpec{
				name: fmt.Sprintf("%s@%s", v.Name, lvl),
				key:  domain.FieldKey{Variable: v.Name, Level: lvl, Timestamp: ref},
				spec: v,
			})
		}
	}
	for _, v := range catalog.ByKind(domain.LevelAux) {
		out = append(out, channelSpec{
			name: v.Name,
			key:  domain.FieldKey{Variable: v.Name, Level: domain.Aux(), Timestamp: ref},
			spec: v,
		})
	}
	return out
}

// Fuse aligns, resamples, and checks the window's fields and returns the
// fused sample. Checks run in order: temporal alignment of the inputs,
// physical range of the raw values, then the missing ratio after resampling.
func (p *Pipeline) Fuse(ctx context.Context, fields domain.WindowFields, window domain.WindowSpec) (domain.FusedSample, error) {
	if err := window.Validate(); err != nil {
		return domain.FusedSample{}, err
	}
	byKey, err := p.align(fields, window)
	if err != nil {
		return domain.FusedSample{}, err
	}

	specs := channelSpecs(p.catalog, window)
	if p.selection != nil {
		specs, err = p.selected(specs)
		if err != nil {
			return domain.FusedSample{}, err
		}
	}

	sample := domain.FusedSample{
		Timestamp: window.Reference,
		Window:    window,
		Grid:      p.target,
		Channels:  make([]domain.Channel, 0, len(specs)),
	}
	for _, cs := range specs {
		if err := ctx.Err(); err != nil {
			return domain.FusedSample{}, err
		}
		field := byKey[cs.key]
		if err := checkRange(field, cs.spec); err != nil {
			return domain.FusedSample{}, err
		}
		out, err := p.resampler.Resample(field, p.target, p.resampler.MethodFor(field.Variable))
		if err != nil {
			return domain.FusedSample{}, fmt.Errorf("channel %s: %w", cs.name, err)
		}
		if ratio := out.MissingRatio(); ratio > p.cfg.MissingThreshold {
			return domain.FusedSample{}, &domain.DataQualityError{
				Variable:     field.Variable,
				Level:        field.Level,
				Timestamp:    field.Timestamp,
				Grid:         p.target,
				MissingRatio: ratio,
				Threshold:    p.cfg.MissingThreshold,
			}
		}
		clampToRange(out, cs.spec)
		sample.Channels = append(sample.Channels, domain.Channel{Name: cs.name, Field: out})
	}

	if fields.Label != nil {
		if !fields.Label.Grid.SameGeometry(p.target) {
			return domain.FusedSample{}, fmt.Errorf("label grid %s does not match target %s: %w",
				fields.Label.Grid.ID(), p.target.ID(), domain.ErrGridMismatch)
		}
		sample.Label = fields.Label
	}

	p.logger.Debug("window fused",
		"timestamp", window.Reference,
		"channels", len(sample.Channels),
		"labelled", sample.Label != nil,
	)
	return sample, nil
}

func (p *Pipeline) selected(specs []channelSpec) ([]channelSpec, error) {
	out := make([]channelSpec, 0, len(p.selection.Channels))
	for _, cs := range specs {
		if p.selection.Keeps(cs.name) {
			out = append(out, cs)
		}
	}
	if len(out) != len(p.selection.Channels) {
		return nil, fmt.Errorf("feature selection names %d channels, window provides %d of them",
			len(p.selection.Channels), len(out))
	}
	return out, nil
}

// checkRange rejects raw observations outside the variable's physical range.
func checkRange(field domain.MeteorologicalField, spec domain.VariableSpec) error {
	for i, v := range field.Values {
		if field.Missing[i] || spec.InRange(v) {
			continue
		}
		return &domain.PhysicalRangeError{
			Variable:  field.Variable,
			Level:     field.Level,
			Timestamp: field.Timestamp,
			Grid:      field.Grid,
			Row:       i / field.Grid.Cols,
			Col:       i % field.Grid.Cols,
			Value:     v,
			Min:       spec.Min,
			Max:       spec.Max,
		}
	}
	return nil
}

// clampToRange removes interpolation overshoot, e.g. negative precipitation
// from kriging weights below zero.
func clampToRange(field domain.MeteorologicalField, spec domain.VariableSpec) {
	for i, v := range field.Values {
		if field.Missing[i] {
			continue
		}
		field.Values[i] = math.Min(math.Max(v, spec.Min), spec.Max)
	}
}
