package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLiteConfig(t *testing.T) {
	cfg := DefaultLiteConfig()

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, "criteria.json", cfg.CriteriaFile)
	assert.Equal(t, 256, cfg.CacheMaxItems)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.TurnTimeout)
	assert.True(t, cfg.ReviewEnabled)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.False(t, cfg.NLEnabled())
}

func TestLoadLiteConfig_Defaults(t *testing.T) {
	clearEnvVars(t)

	cfg := LoadLiteConfig()

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 256, cfg.CacheMaxItems)
	assert.Equal(t, "gpt-4o-mini", cfg.NLModel)
}

func TestLoadLiteConfig_EnvironmentOverrides(t *testing.T) {
	clearEnvVars(t)

	os.Setenv("PRESCREEN_DATA_DIR", "/tmp/test-prescreen")
	os.Setenv("PRESCREEN_CRITERIA_FILE", "/tmp/trial.json")
	os.Setenv("PRESCREEN_CACHE_MAX_ITEMS", "500")
	os.Setenv("PRESCREEN_CACHE_TTL", "12h")
	os.Setenv("PRESCREEN_TURN_TIMEOUT", "5s")
	os.Setenv("PRESCREEN_REVIEW_ENABLED", "false")
	os.Setenv("PRESCREEN_LOG_LEVEL", "debug")
	os.Setenv("OPENAI_API_KEY", "test-key")

	defer clearEnvVars(t)

	cfg := LoadLiteConfig()

	assert.Equal(t, "/tmp/test-prescreen", cfg.DataDir)
	assert.Equal(t, "/tmp/trial.json", cfg.CriteriaFile)
	assert.Equal(t, 500, cfg.CacheMaxItems)
	assert.Equal(t, 12*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 5*time.Second, cfg.TurnTimeout)
	assert.False(t, cfg.ReviewEnabled)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.NLEnabled())
}

func TestLoadLiteConfig_InvalidValuesIgnored(t *testing.T) {
	clearEnvVars(t)

	os.Setenv("PRESCREEN_CACHE_MAX_ITEMS", "-3")
	os.Setenv("PRESCREEN_TURN_TIMEOUT", "soon")
	defer clearEnvVars(t)

	cfg := LoadLiteConfig()

	assert.Equal(t, 256, cfg.CacheMaxItems)
	assert.Equal(t, 30*time.Second, cfg.TurnTimeout)
}

func TestLiteConfig_SessionDBPath(t *testing.T) {
	cfg := &LiteConfig{DataDir: "/home/user/.trial-prescreen"}

	assert.Equal(t, "/home/user/.trial-prescreen/sessions.db", cfg.SessionDBPath())
}

func TestLiteConfig_CriteriaPath(t *testing.T) {
	cfg := &LiteConfig{DataDir: "/data", CriteriaFile: "criteria.json"}
	assert.Equal(t, "/data/criteria.json", cfg.CriteriaPath())

	cfg.CriteriaFile = "/etc/prescreen/trials.json"
	assert.Equal(t, "/etc/prescreen/trials.json", cfg.CriteriaPath())
}

func TestLiteConfig_Prescreening(t *testing.T) {
	cfg := &LiteConfig{TurnTimeout: 10 * time.Second, ReviewEnabled: false}

	p := cfg.Prescreening()

	assert.Equal(t, 10*time.Second, p.TurnTimeout)
	assert.False(t, p.ReviewEnabled)
	assert.False(t, p.AIExtractionEnabled)
	assert.Equal(t, 24*time.Hour, p.DuplicateWindow)
	assert.Equal(t, time.Hour, p.ResumeWindow)
}

func TestLiteConfig_EnsureDataDir(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "config-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	cfg := &LiteConfig{DataDir: filepath.Join(tmpDir, "prescreen")}

	err = cfg.EnsureDataDir()
	require.NoError(t, err)

	_, err = os.Stat(cfg.DataDir)
	assert.NoError(t, err)
}

func clearEnvVars(t *testing.T) {
	t.Helper()
	vars := []string{
		"PRESCREEN_DATA_DIR",
		"PRESCREEN_CRITERIA_FILE",
		"PRESCREEN_CACHE_MAX_ITEMS",
		"PRESCREEN_CACHE_TTL",
		"PRESCREEN_NL_MODEL",
		"PRESCREEN_TURN_TIMEOUT",
		"PRESCREEN_REVIEW_ENABLED",
		"PRESCREEN_LOG_LEVEL",
		"PRESCREEN_LOG_FORMAT",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}
