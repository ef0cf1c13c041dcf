package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-echo-probe/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.LogConfig
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: &config.LogConfig{
				Level:      "info",
				OutputPath: "stdout",
				Encoding:   "json",
			},
			wantErr: false,
		},
		{
			name: "console encoding",
			cfg: &config.LogConfig{
				Level:      "warn",
				OutputPath: "stderr",
				Encoding:   "console",
			},
			wantErr: false,
		},
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: true,
		},
		{
			name: "invalid level",
			cfg: &config.LogConfig{
				Level:      "invalid",
				OutputPath: "stdout",
				Encoding:   "json",
			},
			wantErr: false, // defaults to info level
		},
		{
			name: "invalid encoding",
			cfg: &config.LogConfig{
				Level:      "info",
				OutputPath: "stdout",
				Encoding:   "xml",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestLoggerMethods(t *testing.T) {
	cfg := &config.LogConfig{
		Level:      "debug",
		OutputPath: "stdout",
		Encoding:   "json",
	}

	logger, err := NewLogger(cfg)
	assert.NoError(t, err)
	assert.NotNil(t, logger)

	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")
	logger.With("component", "test").Info("child message")
}

func TestLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.log")
	logger, err := NewLogger(&config.LogConfig{
		Level:      "info",
		OutputPath: path,
		Encoding:   "json",
	})
	require.NoError(t, err)

	logger.Debug("filtered out")
	logger.Info("connected", "endpoint", "broker.local")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"connected"`)
	assert.Contains(t, string(data), `"endpoint":"broker.local"`)
	assert.NotContains(t, string(data), "filtered out")
}

func TestNop(t *testing.T) {
	logger := NewNop()
	logger.Info("discarded", "key", 1)
	assert.NotNil(t, logger.With("k", "v"))
}
