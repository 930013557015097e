package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnv_Defaults(t *testing.T) {
	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8888", cfg.Port)
	assert.Equal(t, "9090", cfg.OpsPort)
	assert.Equal(t, "exam.db", cfg.DBPath)
	assert.Equal(t, "server.log", cfg.LogFile)
	assert.Equal(t, 2*time.Second, cfg.SweepInterval)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
	assert.Equal(t, 100, cfg.MaxClients)
	assert.False(t, cfg.DevelopmentMode)
}

func TestValidateEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("OPS_PORT", "7778")
	t.Setenv("DB_PATH", "/tmp/test.db")
	t.Setenv("DEVELOPMENT_MODE", "true")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "5")
	t.Setenv("SESSION_IDLE_MINUTES", "120")
	t.Setenv("MAX_CLIENTS", "10")

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "7777", cfg.Port)
	assert.Equal(t, "7778", cfg.OpsPort)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.True(t, cfg.DevelopmentMode)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 120*time.Minute, cfg.SessionIdleTimeout)
	assert.Equal(t, 10, cfg.MaxClients)
}

func TestValidateEnv_CollectsAllErrors(t *testing.T) {
	t.Setenv("PORT", "notaport")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "0")
	t.Setenv("MAX_CLIENTS", "-1")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "SWEEP_INTERVAL_SECONDS")
	assert.Contains(t, err.Error(), "MAX_CLIENTS")
}

func TestValidateEnv_SamePorts(t *testing.T) {
	t.Setenv("PORT", "8888")
	t.Setenv("OPS_PORT", "8888")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPS_PORT must differ")
}
