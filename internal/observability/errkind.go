package observability

import (
	"errors"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

// ErrorKind maps a pipeline error to the label used by TransformErrors.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrCoverage):
		return "coverage"
	case errors.Is(err, domain.ErrInsufficientSamples):
		return "insufficient_samples"
	case errors.Is(err, domain.ErrDataQuality):
		return "data_quality"
	case errors.Is(err, domain.ErrPhysicalRange):
		return "physical_range"
	case errors.Is(err, domain.ErrTemporalAlignment):
		return "temporal_alignment"
	case errors.Is(err, domain.ErrIncompatibleArchitecture):
		return "incompatible_architecture"
	default:
		return "other"
	}
}
