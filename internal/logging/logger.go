// Package logging wraps zap for the supervisor, per-archetype child
// processes, and client orchestrator. A safe no-op logger is installed at
// package load so nothing panics if Initialize hasn't run yet (useful in
// tests that import this package transitively).
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Logger = zap.NewNop().Sugar()

// Initialize sets up the global logger. jsonOutput selects machine-
// readable structured logs (for the supervisor's own log aggregation);
// otherwise a calm human-readable console format is used, matching what
// an operator watching `bufferbloat-server serve` expects to see.
func Initialize(jsonOutput bool, debug bool) error {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		zapLogger, err = cfg.Build()
	} else {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.TimeKey = "ts"
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.AddSync(os.Stdout),
			level,
		)
		zapLogger = zap.New(core)
	}
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Named returns a child logger tagged with a component field, the way
// each subsystem (scheduler, childproc, ratelimit, ...) identifies its
// log lines without repeating the field at every call site.
func Named(component string) *zap.SugaredLogger {
	return Logger.With(FieldComponent, component)
}
