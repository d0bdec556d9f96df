package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("SOS_RATE_WINDOW", "")
	t.Setenv("SOS_RATE_MAX", "")
	t.Setenv("MODE", "")
	t.Setenv("JWT_SECRET", "")

	cfg := FromEnv()
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, int64(1), cfg.RateLimit.Max)
	assert.Equal(t, time.Minute, cfg.RateLimit.CleanupInterval)
	assert.Equal(t, "memory", cfg.RateLimit.Store)
	assert.Equal(t, "/api", cfg.APIPrefix)
	assert.True(t, cfg.UsesDevSecret())
	assert.False(t, cfg.DisableAdminAuth)
	require.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SOS_RATE_WINDOW", "30")
	t.Setenv("SOS_RATE_MAX", "3")
	t.Setenv("SOS_RATE_CLEANUP", "2m")
	t.Setenv("DISABLE_ADMIN_AUTH", "true")
	t.Setenv("INTEGRATION_KEY", "k")

	cfg := FromEnv()
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, int64(3), cfg.RateLimit.Max)
	assert.Equal(t, 2*time.Minute, cfg.RateLimit.CleanupInterval)
	assert.True(t, cfg.DisableAdminAuth)
	assert.Equal(t, "k", cfg.IntegrationKey)
}

func TestValidate(t *testing.T) {
	t.Setenv("MODE", "release")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DISABLE_ADMIN_AUTH", "")

	cfg := FromEnv()
	assert.Error(t, cfg.Validate())

	cfg.JWTSecret = "s3cret"
	assert.NoError(t, cfg.Validate())

	cfg.RateLimit.Store = "etcd"
	assert.Error(t, cfg.Validate())
	cfg.RateLimit.Store = "redis"

	cfg.AdminEmail = "ops@example.com"
	assert.Error(t, cfg.Validate())
}
