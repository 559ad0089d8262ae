package sentinel

import (
	"time"

	"github.com/oarkflow/log"
)

// NewLogger builds the process-wide structured logger. Level accepts the
// usual names (debug, info, warn, error); anything else means info.
func NewLogger(level string) *log.Logger {
	parsed := log.InfoLevel
	switch level {
	case "trace":
		parsed = log.TraceLevel
	case "debug":
		parsed = log.DebugLevel
	case "warn", "warning":
		parsed = log.WarnLevel
	case "error":
		parsed = log.ErrorLevel
	}
	return &log.Logger{
		Level:      parsed,
		TimeFormat: time.RFC3339,
		Writer:     &log.ConsoleWriter{},
	}
}
