package fusion

import (
	"slices"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

// align indexes the window's fields by key and verifies that exactly one
// field exists for every expected (variable, level, timestamp).
func (p *Pipeline) align(fields domain.WindowFields, window domain.WindowSpec) (map[domain.FieldKey]domain.MeteorologicalField, error) {
	surfaceTimes := window.SurfaceTimes()
	byKey := make(map[domain.FieldKey]domain.MeteorologicalField,
		len(fields.Surface)+len(fields.UpperAir)+len(fields.Aux))

	add := func(f domain.MeteorologicalField, kind domain.LevelKind) error {
		spec, ok := p.catalog.Lookup(f.Variable)
		if !ok || spec.Kind != kind {
			p.logger.Debug("ignoring field outside catalog", "variable", f.Variable, "level", f.Level.String())
			return nil
		}
		if f.Level.Kind != kind {
			return &domain.TemporalAlignmentError{
				Variable: f.Variable, Level: f.Level, Timestamp: f.Timestamp,
				Expected: window.Reference,
				Reason:   "field delivered with " + string(f.Level.Kind) + " level in the " + string(kind) + " group",
			}
		}
		switch kind {
		case domain.LevelSurface:
			if !slices.ContainsFunc(surfaceTimes, f.Timestamp.Equal) {
				return &domain.TemporalAlignmentError{
					Variable: f.Variable, Level: f.Level, Timestamp: f.Timestamp,
					Expected: window.Reference,
					Reason:   "timestamp is not a surface day of the window",
				}
			}
		case domain.LevelPressure:
			if !slices.Contains(window.UpperAirLevels, f.Level.HPa) {
				p.logger.Debug("ignoring pressure level outside window", "variable", f.Variable, "level", f.Level.String())
				return nil
			}
			fallthrough
		default:
			if !f.Timestamp.Equal(window.Reference) {
				return &domain.TemporalAlignmentError{
					Variable: f.Variable, Level: f.Level, Timestamp: f.Timestamp,
					Expected: window.Reference,
					Reason:   "snapshot field is not at the window reference time",
				}
			}
		}
		key := f.Key()
		if _, dup := byKey[key]; dup {
			return &domain.TemporalAlignmentError{
				Variable: f.Variable, Level: f.Level, Timestamp: f.Timestamp,
				Expected: f.Timestamp,
				Reason:   "duplicate field",
			}
		}
		byKey[key] = f
		return nil
	}

	groups := []struct {
		fields []domain.MeteorologicalField
		kind   domain.LevelKind
	}{
		{fields.Surface, domain.LevelSurface},
		{fields.UpperAir, domain.LevelPressure},
		{fields.Aux, domain.LevelAux},
	}
	for _, g := range groups {
		for _, f := range g.fields {
			if err := add(f, g.kind); err != nil {
				return nil, err
			}
		}
	}

	for _, cs := range channelSpecs(p.catalog, window) {
		if _, ok := byKey[cs.key]; !ok {
			return nil, &domain.TemporalAlignmentError{
				Variable: cs.key.Variable, Level: cs.key.Level,
				Expected: cs.key.Timestamp,
				Reason:   "missing field",
			}
		}
	}
	return byKey, nil
}
