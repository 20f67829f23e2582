package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("test", false)
	assert.NotNil(t, CLILogger)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, CLILogger.Core().Enabled(zapcore.InfoLevel))

	InitCLILogger("test", true)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}

func TestInitServerLogger(t *testing.T) {
	orig := ServerLogger
	defer func() { ServerLogger = orig }()

	InitServerLogger("demjobs", "warn")
	assert.False(t, ServerLogger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, ServerLogger.Core().Enabled(zapcore.WarnLevel))

	t.Run("unknown level falls back to info", func(t *testing.T) {
		InitServerLogger("demjobs", "nonsense")
		assert.True(t, ServerLogger.Core().Enabled(zapcore.InfoLevel))
		assert.False(t, ServerLogger.Core().Enabled(zapcore.DebugLevel))
	})
}

func TestSyncDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, Sync)
}
