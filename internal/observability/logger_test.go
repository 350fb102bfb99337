package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LoggerConfig
		level   zapcore.Level
		wantErr bool
	}{
		{"defaults", LoggerConfig{}, zapcore.InfoLevel, false},
		{"debug console", LoggerConfig{Level: "debug", Profile: "console"}, zapcore.DebugLevel, false},
		{"upper case", LoggerConfig{Level: "WARN", Profile: "STRUCTURED"}, zapcore.WarnLevel, false},
		{"bad level", LoggerConfig{Level: "loud"}, 0, true},
		{"bad profile", LoggerConfig{Profile: "xml"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.level))
			if tt.level > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.level-1))
			}
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("docflow", true)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	InitCLILogger("docflow", false)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	require.Error(t, InitLogger(LoggerConfig{Level: "nope"}))
	require.NoError(t, InitLogger(LoggerConfig{Level: "error"}))
	assert.False(t, CLILogger.Core().Enabled(zapcore.WarnLevel))
}
