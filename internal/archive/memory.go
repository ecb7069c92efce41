// Package archive holds meteorological fields and fire labels in memory and
// serves them as windows. It is the FieldSource used by the CLI, the
// service, and tests; acquisition of real reanalysis products happens
// upstream and lands here through fixtures.
package archive

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

// Memory is a FieldSource keyed by (variable, level, timestamp). It is safe
// for concurrent readers and writers.
type Memory struct {
	catalog domain.Catalog

	mu     sync.RWMutex
	fields map[domain.FieldKey]domain.MeteorologicalField
	labels map[int64]*domain.LabelGrid
}

// NewMemory creates an empty archive for the catalog's variables.
func NewMemory(catalog domain.Catalog) *Memory {
	return &Memory{
		catalog: catalog,
		fields:  make(map[domain.FieldKey]domain.MeteorologicalField),
		labels:  make(map[int64]*domain.LabelGrid),
	}
}

// Put stores a field, replacing any field with the same key.
func (m *Memory) Put(f domain.MeteorologicalField) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("archive put: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[f.Key()] = f
	return nil
}

// PutLabel stores the fire label for a reference time.
func (m *Memory) PutLabel(ts time.Time, label *domain.LabelGrid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[ts.UTC().Unix()] = label
}

// Len returns the number of stored fields.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fields)
}

// Catalog returns the catalog the archive was built for.
func (m *Memory) Catalog() domain.Catalog { return m.catalog }

// Window collects the fields of one window. Absent fields are simply left
// out; the fusion pipeline reports them as misaligned.
func (m *Memory) Window(ctx context.Context, spec domain.WindowSpec) (domain.WindowFields, error) {
	if err := ctx.Err(); err != nil {
		return domain.WindowFields{}, err
	}
	if err := spec.Validate(); err != nil {
		return domain.WindowFields{}, err
	}
	ref := spec.Reference.UTC()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out domain.WindowFields
	for _, ts := range spec.SurfaceTimes() {
		for _, v := range m.catalog.ByKind(domain.LevelSurface) {
			if f, ok := m.fields[domain.FieldKey{Variable: v.Name, Level: domain.Surface(), Timestamp: ts.UTC()}]; ok {
				out.Surface = append(out.Surface, f)
			}
		}
	}
	for _, v := range m.catalog.ByKind(domain.LevelPressure) {
		for _, hpa := range spec.UpperAirLevels {
			if f, ok := m.fields[domain.FieldKey{Variable: v.Name, Level: domain.Pressure(hpa), Timestamp: ref}]; ok {
				out.UpperAir = append(out.UpperAir, f)
			}
		}
	}
	for _, v := range m.catalog.ByKind(domain.LevelAux) {
		if f, ok := m.fields[domain.FieldKey{Variable: v.Name, Level: domain.Aux(), Timestamp: ref}]; ok {
			out.Aux = append(out.Aux, f)
		}
	}
	out.Label = m.labels[ref.Unix()]
	return out, nil
}

// LabelledTimes lists the reference times that carry a label, oldest first.
func (m *Memory) LabelledTimes() []time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]time.Time, 0, len(m.labels))
	for unix := range m.labels {
		out = append(out, time.Unix(unix, 0).UTC())
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}
