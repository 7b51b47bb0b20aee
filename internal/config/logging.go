package config

import (
	"os"
	"strings"

	"github.com/pion/logging"
)

// LoggerFactory builds the leveled logger factory shared by every
// component and by pion itself. Logs go to stderr.
func LoggerFactory(level string) logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.Writer = os.Stderr
	f.DefaultLogLevel = parseLevel(level)
	return f
}

func parseLevel(level string) logging.LogLevel {
	switch strings.ToLower(level) {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "warn", "warning":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	case "disabled", "off":
		return logging.LogLevelDisabled
	default:
		return logging.LogLevelInfo
	}
}
