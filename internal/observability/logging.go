// Package observability holds the process-wide loggers. Commands log
// through CLILogger (console encoder, human-oriented); the daemon and
// the status API log through ServerLogger (JSON).
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// CLILogger is the logger for command-line output. Safe to use
	// before Init; it starts as a no-op.
	CLILogger = zap.NewNop()

	// ServerLogger is the structured logger for daemon components.
	ServerLogger = zap.NewNop()
)

// InitCLILogger configures CLILogger for console output. The name is
// attached to every record; verbose lowers the level to debug.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	CLILogger = zap.New(core).Named(name)
}

// InitServerLogger configures ServerLogger with a JSON encoder at the
// given level. Unknown levels fall back to info.
func InitServerLogger(name, level string) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		lvl,
	)
	ServerLogger = zap.New(core).Named(name)
}

// Sync flushes both loggers. Best effort; stderr sync errors are
// ignored.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
