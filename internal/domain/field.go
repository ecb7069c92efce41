package domain

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/spaolacci/murmur3"
)

// LevelKind distinguishes surface, pressure-level, and auxiliary index fields.
type LevelKind string

const (
	LevelSurface  LevelKind = "surface"
	LevelPressure LevelKind = "pressure"
	LevelAux      LevelKind = "aux"
)

// Level locates a field vertically. HPa is set only for pressure levels.
type Level struct {
	Kind LevelKind `json:"kind" yaml:"kind"`
	HPa  int       `json:"hpa,omitempty" yaml:"hpa,omitempty"`
}

// Surface is the single-level surface (or near-surface) level.
func Surface() Level { return Level{Kind: LevelSurface} }

// Pressure is an isobaric level in hectopascals.
func Pressure(hpa int) Level { return Level{Kind: LevelPressure, HPa: hpa} }

// Aux marks vegetation and fire-history indices.
func Aux() Level { return Level{Kind: LevelAux} }

func (l Level) String() string {
	if l.Kind == LevelPressure {
		return fmt.Sprintf("%dhPa", l.HPa)
	}
	return string(l.Kind)
}

// MeteorologicalField is one variable at one level and timestamp on one grid.
// Values are row-major; Missing marks cells without data, and those cells hold NaN.
type MeteorologicalField struct {
	Variable  string    `json:"variable"`
	Level     Level     `json:"level"`
	Grid      GridSpec  `json:"grid"`
	Timestamp time.Time `json:"timestamp"`
	Values    []float64 `json:"-"`
	Missing   []bool    `json:"-"`
}

// NewField allocates a field whose cells are all missing.
func NewField(variable string, level Level, grid GridSpec, ts time.Time) MeteorologicalField {
	f := MeteorologicalField{
		Variable:  variable,
		Level:     level,
		Grid:      grid,
		Timestamp: ts,
		Values:    make([]float64, grid.Cells()),
		Missing:   make([]bool, grid.Cells()),
	}
	for i := range f.Values {
		f.Values[i] = math.NaN()
		f.Missing[i] = true
	}
	return f
}

// FieldFromValues builds a field from row-major values. NaN entries become missing cells.
func FieldFromValues(variable string, level Level, grid GridSpec, ts time.Time, values []float64) (MeteorologicalField, error) {
	if len(values) != grid.Cells() {
		return MeteorologicalField{}, fmt.Errorf("field %s/%s: %d values for %dx%d grid",
			variable, level, len(values), grid.Rows, grid.Cols)
	}
	f := MeteorologicalField{
		Variable:  variable,
		Level:     level,
		Grid:      grid,
		Timestamp: ts,
		Values:    append([]float64(nil), values...),
		Missing:   make([]bool, len(values)),
	}
	for i, v := range values {
		if math.IsNaN(v) {
			f.Missing[i] = true
		}
	}
	return f, nil
}

// Key identifies the field in an archive.
func (f MeteorologicalField) Key() FieldKey {
	return FieldKey{Variable: f.Variable, Level: f.Level, Timestamp: f.Timestamp.UTC()}
}

// At returns the value at (r, c) and whether it is present.
func (f MeteorologicalField) At(r, c int) (float64, bool) {
	i := r*f.Grid.Cols + c
	if f.Missing[i] {
		return math.NaN(), false
	}
	return f.Values[i], true
}

// Set stores a present value at (r, c).
func (f MeteorologicalField) Set(r, c int, v float64) {
	i := r*f.Grid.Cols + c
	f.Values[i] = v
	f.Missing[i] = false
}

// MissingRatio is the fraction of cells marked missing.
func (f MeteorologicalField) MissingRatio() float64 {
	if len(f.Missing) == 0 {
		return 0
	}
	n := 0
	for _, m := range f.Missing {
		if m {
			n++
		}
	}
	return float64(n) / float64(len(f.Missing))
}

// Clone returns a deep copy.
func (f MeteorologicalField) Clone() MeteorologicalField {
	f.Values = append([]float64(nil), f.Values...)
	f.Missing = append([]bool(nil), f.Missing...)
	return f
}

// Validate checks the shape invariant and that NaN appears only in missing cells.
func (f MeteorologicalField) Validate() error {
	if len(f.Values) != f.Grid.Cells() || len(f.Missing) != f.Grid.Cells() {
		return fmt.Errorf("field %s/%s at %s: shape %d/%d does not match grid %s",
			f.Variable, f.Level, f.Timestamp.Format(time.RFC3339), len(f.Values), len(f.Missing), f.Grid.ID())
	}
	for i, v := range f.Values {
		if f.Missing[i] {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("field %s/%s at %s: non-finite value at cell (%d,%d) outside missing mask",
				f.Variable, f.Level, f.Timestamp.Format(time.RFC3339), i/f.Grid.Cols, i%f.Grid.Cols)
		}
	}
	return nil
}

// MaskFingerprint hashes the missing mask so cached interpolation weights can
// be reused only for fields with an identical mask.
func MaskFingerprint(missing []bool) uint64 {
	h := murmur3.New64()
	var word uint64
	var buf [8]byte
	for i, m := range missing {
		if m {
			word |= 1 << (uint(i) % 64)
		}
		if i%64 == 63 {
			binary.LittleEndian.PutUint64(buf[:], word)
			_, _ = h.Write(buf[:])
			word = 0
		}
	}
	binary.LittleEndian.PutUint64(buf[:], word)
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(len(missing)))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// FieldKey is the (variable, level, timestamp) tuple of the input contract.
type FieldKey struct {
	Variable  string
	Level     Level
	Timestamp time.Time
}

func (k FieldKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Variable, k.Level, k.Timestamp.Format(time.RFC3339))
}
