package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/compress"
	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

// FixtureVersion is bumped when the fixture layout changes.
const FixtureVersion = 1

type fixture struct {
	Version int            `json:"version"`
	Catalog domain.Catalog `json:"catalog"`
	Fields  []fixtureField `json:"fields"`
	Labels  []fixtureLabel `json:"labels"`
}

type fixtureField struct {
	Variable  string          `json:"variable"`
	Level     domain.Level    `json:"level"`
	Grid      domain.GridSpec `json:"grid"`
	Timestamp time.Time       `json:"timestamp"`
	Values    []*float64      `json:"values"`
}

type fixtureLabel struct {
	Timestamp time.Time       `json:"timestamp"`
	Grid      domain.GridSpec `json:"grid"`
	Values    []*float64      `json:"values"`
}

func toNullable(values []float64, missing []bool) []*float64 {
	out := make([]*float64, len(values))
	for i := range values {
		if !missing[i] {
			v := values[i]
			out[i] = &v
		}
	}
	return out
}

func fromNullable(in []*float64) []float64 {
	out := make([]float64, len(in))
	for i, p := range in {
		if p == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *p
	}
	return out
}

// WriteFixture serialises the archive as zstd-compressed JSON.
func WriteFixture(w io.Writer, m *Memory) error {
	m.mu.RLock()
	fx := fixture{Version: FixtureVersion, Catalog: m.catalog}
	for _, f := range m.fields {
		fx.Fields = append(fx.Fields, fixtureField{
			Variable:  f.Variable,
			Level:     f.Level,
			Grid:      f.Grid,
			Timestamp: f.Timestamp.UTC(),
			Values:    toNullable(f.Values, f.Missing),
		})
	}
	for unix, l := range m.labels {
		fx.Labels = append(fx.Labels, fixtureLabel{
			Timestamp: time.Unix(unix, 0).UTC(),
			Grid:      l.Grid,
			Values:    toNullable(l.Values, l.Missing),
		})
	}
	m.mu.RUnlock()
	sortFixture(&fx)

	data, err := json.Marshal(fx)
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	packed, err := compress.Encode(data)
	if err != nil {
		return err
	}
	_, err = w.Write(packed)
	return err
}

// ReadFixture loads an archive written by WriteFixture.
func ReadFixture(r io.Reader) (*Memory, error) {
	packed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	data, err := compress.Decode(packed)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var fx fixture
	if err := json.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	if fx.Version != FixtureVersion {
		return nil, fmt.Errorf("fixture version %d, want %d", fx.Version, FixtureVersion)
	}
	if err := fx.Catalog.Validate(); err != nil {
		return nil, fmt.Errorf("fixture catalog: %w", err)
	}

	m := NewMemory(fx.Catalog)
	for _, ff := range fx.Fields {
		if err := ff.Grid.Validate(); err != nil {
			return nil, fmt.Errorf("fixture field %s: %w", ff.Variable, err)
		}
		f, err := domain.FieldFromValues(ff.Variable, ff.Level, ff.Grid, ff.Timestamp.UTC(), fromNullable(ff.Values))
		if err != nil {
			return nil, err
		}
		if err := m.Put(f); err != nil {
			return nil, err
		}
	}
	for _, fl := range fx.Labels {
		label, err := domain.NewLabelGrid(fl.Grid, fromNullable(fl.Values))
		if err != nil {
			return nil, fmt.Errorf("fixture label %s: %w", fl.Timestamp, err)
		}
		m.PutLabel(fl.Timestamp, label)
	}
	return m, nil
}

// LoadFixtureFile is ReadFixture for a path.
func LoadFixtureFile(path string) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadFixture(f)
}

// SaveFixtureFile is WriteFixture for a path.
func SaveFixtureFile(path string, m *Memory) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteFixture(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
