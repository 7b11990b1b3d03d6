package monitoring

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base = zap.NewNop().Sugar()

// Logf is the package-level diagnostic logger. It logs at info level through
// the zap logger configured by Init, but may be replaced by SetLogger. Tests
// or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	base.Infof(format, v...)
}

// Warnf logs at warn level.
var Warnf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	base.Warnf(format, v...)
}

// Debugf logs at debug level. Only emitted when Init was called with verbose.
var Debugf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	base.Debugf(format, v...)
}

// Init builds the zap logger backing Logf, Warnf and Debugf.
// format is "console" or "json"; verbose lowers the level to debug.
func Init(verbose bool, format string) error {
	cfg := zap.NewDevelopmentConfig()
	switch format {
	case "", "console":
		cfg.Encoding = "console"
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	base = l.Sugar()
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	_ = base.Sync()
}

// SetLogger replaces Logf, Warnf and Debugf with f. Passing nil sets a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
	Warnf = f
	Debugf = f
}
