// Package observability provides the process-wide CLI logger.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by command handlers.
//
// It is a no-op logger until InitCLILogger is called so that packages and
// tests can log without nil checks.
var CLILogger = zap.NewNop()

// Profile selects the encoder used by the CLI logger.
type Profile string

const (
	// ProfileConsole emits human-readable lines on stderr.
	ProfileConsole Profile = "console"

	// ProfileStructured emits JSON lines on stderr.
	ProfileStructured Profile = "structured"
)

// InitCLILogger configures CLILogger for the named binary.
//
// verbose lowers the level to debug. Output always goes to stderr so that
// stdout stays reserved for command results.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = NewLogger(name, level, ProfileConsole)
}

// InitCLILoggerWithLevel configures CLILogger from config values.
//
// Unknown levels fall back to info; unknown profiles fall back to console.
func InitCLILoggerWithLevel(name, level, profile string) {
	CLILogger = NewLogger(name, ParseLevel(level), Profile(strings.ToLower(strings.TrimSpace(profile))))
}

// NewLogger builds a logger writing to stderr.
func NewLogger(name string, level zapcore.Level, profile Profile) *zap.Logger {
	var encoder zapcore.Encoder
	switch profile {
	case ProfileStructured:
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.TimeKey = ""
		encCfg.CallerKey = ""
		encCfg.NameKey = ""
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	logger := zap.New(core)
	if name != "" {
		logger = logger.Named(name)
	}
	return logger
}

// ParseLevel maps a config string to a zap level.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
