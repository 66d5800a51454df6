package callkit

import (
	"github.com/edaniels/golog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is used various parts of the package for informational/debugging purposes.
var Logger = golog.Global()

// Debug is helpful to turn on when the library isn't working quite right.
// It also enables pion's own log output.
var Debug = false

// NewLeveledLogger returns a development style logger whose level can be changed
// while the process runs through the returned level.
func NewLeveledLogger(name string, debug bool) (golog.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	SetLoggerDebug(level, debug)

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, level, err
	}
	return logger.Sugar().Named(name), level, nil
}

// SetLoggerDebug switches the level between debug and info.
func SetLoggerDebug(level zap.AtomicLevel, debug bool) {
	if debug {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}
