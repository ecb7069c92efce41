package domain

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// VariableClass groups variables by spatial behaviour, which selects the
// default interpolation method.
type VariableClass string

const (
	// ClassAutocorrelated fields (precipitation) are kriged.
	ClassAutocorrelated VariableClass = "autocorrelated"
	// ClassSmooth fields (temperature, humidity, wind, pressure) are bilinear.
	ClassSmooth VariableClass = "smooth"
	// ClassIndex fields are vegetation and fire-history indices already on a fine grid.
	ClassIndex VariableClass = "index"
)

// InterpolationMethod names a resampling method.
type InterpolationMethod string

const (
	MethodBilinear InterpolationMethod = "bilinear"
	MethodKriging  InterpolationMethod = "kriging"
)

// ParseMethod validates a method name from configuration.
func ParseMethod(s string) (InterpolationMethod, error) {
	switch InterpolationMethod(s) {
	case MethodBilinear, MethodKriging:
		return InterpolationMethod(s), nil
	default:
		return "", fmt.Errorf("unknown interpolation method %q", s)
	}
}

// VariableSpec documents one input variable: where it lives, how it is
// resampled, and its plausible physical range.
type VariableSpec struct {
	Name     string              `yaml:"name"`
	Kind     LevelKind           `yaml:"kind"`
	Class    VariableClass       `yaml:"class"`
	Method   InterpolationMethod `yaml:"method,omitempty"`
	Unit     string              `yaml:"unit"`
	Min      float64             `yaml:"min"`
	Max      float64             `yaml:"max"`
	Residual bool                `yaml:"residual,omitempty"`
}

// DefaultMethod returns the explicit method or the class default.
func (v VariableSpec) DefaultMethod() InterpolationMethod {
	if v.Method != "" {
		return v.Method
	}
	if v.Class == ClassAutocorrelated {
		return MethodKriging
	}
	return MethodBilinear
}

// InRange reports whether value is inside [Min, Max].
func (v VariableSpec) InRange(value float64) bool {
	return value >= v.Min && value <= v.Max
}

// Catalog is the ordered variable list. Order inside each kind is the channel
// order used by fusion.
type Catalog struct {
	Variables      []VariableSpec `yaml:"variables"`
	UpperAirLevels []int          `yaml:"upper_air_levels"`
}

// DefaultCatalog mirrors the ERA5-Land, ERA5 pressure-level, and index inputs
// of the regional fire-risk model.
func DefaultCatalog() Catalog {
	return Catalog{
		UpperAirLevels: []int{850, 500},
		Variables: []VariableSpec{
			{Name: "lai_lv", Kind: LevelSurface, Class: ClassSmooth, Unit: "m2 m-2", Min: 0, Max: 10},
			{Name: "lai_hv", Kind: LevelSurface, Class: ClassSmooth, Unit: "m2 m-2", Min: 0, Max: 10},
			{Name: "sp", Kind: LevelSurface, Class: ClassSmooth, Unit: "Pa", Min: 50000, Max: 110000},
			{Name: "v10", Kind: LevelSurface, Class: ClassSmooth, Unit: "m s-1", Min: -75, Max: 75},
			{Name: "u10", Kind: LevelSurface, Class: ClassSmooth, Unit: "m s-1", Min: -75, Max: 75},
			{Name: "skt", Kind: LevelSurface, Class: ClassSmooth, Unit: "K", Min: 173, Max: 333},
			{Name: "d2m", Kind: LevelSurface, Class: ClassSmooth, Unit: "K", Min: 173, Max: 323},
			{Name: "precipitation", Kind: LevelSurface, Class: ClassAutocorrelated, Unit: "m", Min: 0, Max: 1},

			{Name: "v", Kind: LevelPressure, Class: ClassSmooth, Unit: "m s-1", Min: -150, Max: 150},
			{Name: "u", Kind: LevelPressure, Class: ClassSmooth, Unit: "m s-1", Min: -150, Max: 150},
			{Name: "t", Kind: LevelPressure, Class: ClassSmooth, Unit: "K", Min: 173, Max: 333},
			{Name: "q", Kind: LevelPressure, Class: ClassSmooth, Unit: "kg kg-1", Min: 0, Max: 0.05},
			{Name: "z", Kind: LevelPressure, Class: ClassSmooth, Unit: "m2 s-2", Min: 0, Max: 70000},

			{Name: "fire_density", Kind: LevelAux, Class: ClassIndex, Unit: "detections km-2", Min: 0, Max: 1000, Residual: true},
			{Name: "veg_dryness", Kind: LevelAux, Class: ClassIndex, Unit: "1", Min: 0, Max: 1, Residual: true},
		},
	}
}

// LoadCatalog reads a YAML catalog. An empty path returns DefaultCatalog.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Validate checks names, kinds, ranges, and methods.
func (c Catalog) Validate() error {
	if len(c.Variables) == 0 {
		return errors.New("no variables")
	}
	seen := make(map[string]bool, len(c.Variables))
	for _, v := range c.Variables {
		if v.Name == "" {
			return errors.New("variable without name")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate variable %q", v.Name)
		}
		seen[v.Name] = true
		switch v.Kind {
		case LevelSurface, LevelPressure, LevelAux:
		default:
			return fmt.Errorf("variable %q: unknown kind %q", v.Name, v.Kind)
		}
		if v.Method != "" {
			if _, err := ParseMethod(string(v.Method)); err != nil {
				return fmt.Errorf("variable %q: %w", v.Name, err)
			}
		}
		if !(v.Max > v.Min) {
			return fmt.Errorf("variable %q: empty range [%g, %g]", v.Name, v.Min, v.Max)
		}
		if v.Kind == LevelPressure && len(c.UpperAirLevels) == 0 {
			return fmt.Errorf("variable %q: pressure variable without upper_air_levels", v.Name)
		}
	}
	return nil
}

// Lookup finds a variable by name.
func (c Catalog) Lookup(name string) (VariableSpec, bool) {
	for _, v := range c.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return VariableSpec{}, false
}

// ByKind returns the variables of one kind in catalog order.
func (c Catalog) ByKind(kind LevelKind) []VariableSpec {
	var out []VariableSpec
	for _, v := range c.Variables {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}
