// Package domain models the gridded inputs and outputs of the fire-risk service.
//
// # Data Sources
//
// Surface fields come from ERA5-Land daily aggregates (leaf area index, surface
// pressure, 10 m wind, skin temperature, 2 m dewpoint, precipitation) at 0.1° to
// 0.25°. Upper-air fields come from ERA5 pressure levels (u, v, t, q, z) at 850
// and 500 hPa. Auxiliary indices (fire-detection density from FIRMS, vegetation
// dryness) are delivered on the fine target grid.
//
// # Grid Conventions
//
// Grids are regular lat/lon (EPSG:4326). Rows run north to south, columns west
// to east, matching the ERA5 latitude-descending layout:
//
//	row 0    -> LatMax edge
//	col 0    -> LonMin edge
//	centre   -> (LatMax-(r+0.5)*res, LonMin+(c+0.5)*res)
//
// Rows = round((LatMax-LatMin)/res); the default target region is
// 43.00–47.40 N, 124.00–128.08 E at 0.01°, i.e. 440 × 408 cells.
//
// # Missing Data
//
// Every field carries a Missing mask. Missing cells hold NaN in Values and are
// never treated as zero: interpolation excludes them, fusion counts them, the
// model propagates them to the risk map, and the wire format writes null.
//
// # Windows
//
// A sample is anchored at a reference day. It uses six daily surface fields
// ending on that day plus a single upper-air snapshot at the same timestamp:
//
//	surface:   ref-5d, ref-4d, ... ref
//	upper-air: ref @ 850 hPa, ref @ 500 hPa
//	aux:       ref
//
// # Errors
//
// Interpolation and fusion failures are typed (CoverageError,
// InsufficientSamplesError, DataQualityError, PhysicalRangeError,
// TemporalAlignmentError) and carry the variable, level, timestamp, and grid
// needed to reproduce them. Each matches a sentinel via errors.Is.
package domain
