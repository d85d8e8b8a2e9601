package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels used with logger.V.
const (
	DEFAULT = 0
	DEBUG   = 1
	TRACE   = 2
)

// New builds a zap-backed logr.Logger. Level is one of error, info, debug or
// trace; debug enables V(1) and trace enables V(2).
func New(level string, development bool) (logr.Logger, func(), error) {
	zl, err := parseLevel(level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zl)

	base, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("build logger: %w", err)
	}
	return zapr.NewLogger(base), func() { _ = base.Sync() }, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "debug":
		return zapcore.Level(-DEBUG), nil
	case "trace":
		return zapcore.Level(-TRACE), nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewTestLogger creates a development logger for tests.
func NewTestLogger() logr.Logger {
	base, err := zap.NewDevelopment()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(base)
}

// Fatal calls logger.Error followed by os.Exit(1).
func Fatal(logger logr.Logger, err error, msg string, keysAndValues ...interface{}) {
	logger.Error(err, msg, keysAndValues...)
	os.Exit(1)
}
