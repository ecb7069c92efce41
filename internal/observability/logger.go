package observability

import (
	"log/slog"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

// LogSettings is the subset of configuration the logger needs.
type LogSettings interface {
	LogSettings() (level, format string)
}

// NewLogger builds the service logger from LOG_LEVEL and LOG_FORMAT and
// installs it as the slog default.
func NewLogger(cfg LogSettings) *slog.Logger {
	level, format := cfg.LogSettings()
	logger := sharedobs.NewLogger(level, format).With("service", "fire-risk-service")
	slog.SetDefault(logger)
	return logger
}
