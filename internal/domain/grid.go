package domain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

// DefaultProjection is the plate carrée lat/lon projection used by ERA5 and FIRMS products.
const DefaultProjection = "EPSG:4326"

// GridSpec describes a rectangular lat/lon grid. Row 0 is the northern edge and
// column 0 the western edge; cell (r, c) is centred at
// (LatMax-(r+0.5)*Resolution, LonMin+(c+0.5)*Resolution).
//
// A GridSpec is a value: construct it with NewGridSpec and never mutate the fields.
type GridSpec struct {
	LatMin     float64 `json:"lat_min"`
	LatMax     float64 `json:"lat_max"`
	LonMin     float64 `json:"lon_min"`
	LonMax     float64 `json:"lon_max"`
	Resolution float64 `json:"resolution_deg"`
	Projection string  `json:"projection"`
	Rows       int     `json:"n_rows"`
	Cols       int     `json:"n_cols"`
}

// NewGridSpec validates the bounds and derives the row and column counts.
func NewGridSpec(latMin, latMax, lonMin, lonMax, resolution float64, projection string) (GridSpec, error) {
	if !(resolution > 0) || math.IsInf(resolution, 0) {
		return GridSpec{}, fmt.Errorf("grid resolution must be strictly positive, got %g", resolution)
	}
	if !(latMax > latMin) {
		return GridSpec{}, fmt.Errorf("grid latitude bounds out of order: [%g, %g]", latMin, latMax)
	}
	if !(lonMax > lonMin) {
		return GridSpec{}, fmt.Errorf("grid longitude bounds out of order: [%g, %g]", lonMin, lonMax)
	}
	if projection == "" {
		projection = DefaultProjection
	}

	rows := int(math.Round((latMax - latMin) / resolution))
	cols := int(math.Round((lonMax - lonMin) / resolution))
	if rows < 1 || cols < 1 {
		return GridSpec{}, fmt.Errorf("grid resolution %g too coarse for bounds", resolution)
	}

	return GridSpec{
		LatMin:     latMin,
		LatMax:     latMax,
		LonMin:     lonMin,
		LonMax:     lonMax,
		Resolution: resolution,
		Projection: projection,
		Rows:       rows,
		Cols:       cols,
	}, nil
}

// MustGridSpec is NewGridSpec for package-level defaults and tests.
func MustGridSpec(latMin, latMax, lonMin, lonMax, resolution float64) GridSpec {
	g, err := NewGridSpec(latMin, latMax, lonMin, lonMax, resolution, DefaultProjection)
	if err != nil {
		panic(err)
	}
	return g
}

// Validate re-checks the row/column invariant for grids decoded from the wire.
func (g GridSpec) Validate() error {
	want, err := NewGridSpec(g.LatMin, g.LatMax, g.LonMin, g.LonMax, g.Resolution, g.Projection)
	if err != nil {
		return err
	}
	if want.Rows != g.Rows || want.Cols != g.Cols {
		return fmt.Errorf("grid %s: shape %dx%d does not match bounds (want %dx%d)",
			g.ID(), g.Rows, g.Cols, want.Rows, want.Cols)
	}
	return nil
}

// Cells returns Rows*Cols.
func (g GridSpec) Cells() int { return g.Rows * g.Cols }

// CellCenter returns the latitude and longitude of the centre of cell (r, c).
func (g GridSpec) CellCenter(r, c int) (lat, lon float64) {
	return g.LatMax - (float64(r)+0.5)*g.Resolution, g.LonMin + (float64(c)+0.5)*g.Resolution
}

// FractionalIndex maps a coordinate to fractional (row, col) indices in this
// grid's cell-centre space. Integral values land exactly on cell centres.
func (g GridSpec) FractionalIndex(lat, lon float64) (row, col float64) {
	return (g.LatMax-lat)/g.Resolution - 0.5, (lon-g.LonMin)/g.Resolution - 0.5
}

// Contains reports whether the coordinate lies inside the grid's bounding box.
func (g GridSpec) Contains(lat, lon float64) bool {
	return lat >= g.LatMin && lat <= g.LatMax && lon >= g.LonMin && lon <= g.LonMax
}

// Intersects reports whether the two bounding boxes overlap with positive area.
func (g GridSpec) Intersects(other GridSpec) bool {
	return g.LatMin < other.LatMax && other.LatMin < g.LatMax &&
		g.LonMin < other.LonMax && other.LonMin < g.LonMax
}

// SameGeometry reports whether both grids describe exactly the same cells.
func (g GridSpec) SameGeometry(other GridSpec) bool {
	return g == other
}

// ID is a human-readable identifier used in error messages and storage keys.
func (g GridSpec) ID() string {
	return fmt.Sprintf("%s[%.4f,%.4f]x[%.4f,%.4f]@%g(%dx%d)",
		g.Projection, g.LatMin, g.LatMax, g.LonMin, g.LonMax, g.Resolution, g.Rows, g.Cols)
}

// Fingerprint hashes the exact geometry. Grids differing in any bit of any
// bound produce different fingerprints, which is what cache invalidation needs.
func (g GridSpec) Fingerprint() uint64 {
	h := murmur3.New64()
	var buf [8]byte
	for _, v := range []float64{g.LatMin, g.LatMax, g.LonMin, g.LonMax, g.Resolution} {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(g.Rows)<<32|uint64(uint32(g.Cols)))
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(g.Projection))
	return h.Sum64()
}

// ErrGridMismatch is returned when two grids must be identical but are not.
var ErrGridMismatch = errors.New("grid mismatch")
