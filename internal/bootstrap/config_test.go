package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequired 设置必需的环境变量，清空其他可能影响结果的变量
func setRequired(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "SERVER_PORT", "LOG_LEVEL", "DB_DRIVER", "DB_PORT", "REDIS_DB",
		"RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW_SECONDS", "PROPAGATION_MAX_RETRY",
		"SESSION_HISTORY_CAP", "RECONCILE_SCHEDULE", "REDIS_KEY_PREFIX",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Equal(t, "3306", cfg.DBPort)
	assert.Equal(t, "sr:", cfg.KeyPrefix)
	assert.Equal(t, 100, cfg.RateLimitMax)
	assert.Equal(t, time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 8, cfg.PropagationMaxRetry)
	assert.Equal(t, 50, cfg.SessionHistoryCap)
	assert.Equal(t, "@every 10m", cfg.ReconcileSchedule)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "60")
	t.Setenv("LOG_LEVEL", "verbose")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "5432", cfg.DBPort)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, "info", cfg.LogLevel, "invalid level falls back to info")
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"missing redis", "REDIS_ADDR", ""},
		{"missing secret", "JWT_SECRET", ""},
		{"unknown driver", "DB_DRIVER", "sqlite"},
		{"bad integer", "RATE_LIMIT_MAX", "many"},
		{"zero history cap", "SESSION_HISTORY_CAP", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
