// Package config provides configuration management for the prescreening server.
// This file contains the lightweight configuration for the standalone console binary.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/trial-prescreen-server/internal/domain"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external databases and uses sensible defaults.
type LiteConfig struct {
	// Data storage
	DataDir      string // Base directory for data files
	CriteriaFile string // JSON file with the trial's criteria

	// Cache settings
	CacheMaxItems int           // Maximum items in memory cache
	CacheTTL      time.Duration // Default cache TTL

	// Natural-language service (optional)
	NLAPIKey  string
	NLModel   string
	NLBaseURL string

	// Conversation policy
	TurnTimeout   time.Duration
	ReviewEnabled bool

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".trial-prescreen")

	return &LiteConfig{
		DataDir:       dataDir,
		CriteriaFile:  "criteria.json",
		CacheMaxItems: 256,
		CacheTTL:      time.Hour,
		NLModel:       "gpt-4o-mini",
		TurnTimeout:   30 * time.Second,
		ReviewEnabled: true,
		LogLevel:      "warn",
		LogFormat:     "text",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("PRESCREEN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PRESCREEN_CRITERIA_FILE"); v != "" {
		cfg.CriteriaFile = v
	}

	if v := os.Getenv("PRESCREEN_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("PRESCREEN_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}

	cfg.NLAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.NLBaseURL = os.Getenv("OPENAI_BASE_URL")
	if v := os.Getenv("PRESCREEN_NL_MODEL"); v != "" {
		cfg.NLModel = v
	}

	if v := os.Getenv("PRESCREEN_TURN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TurnTimeout = d
		}
	}
	if v := os.Getenv("PRESCREEN_REVIEW_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ReviewEnabled = b
		}
	}

	if v := os.Getenv("PRESCREEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PRESCREEN_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// SessionDBPath returns the path to the session SQLite database.
func (c *LiteConfig) SessionDBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// CriteriaPath resolves CriteriaFile; relative names live in DataDir.
func (c *LiteConfig) CriteriaPath() string {
	if filepath.IsAbs(c.CriteriaFile) {
		return c.CriteriaFile
	}
	return filepath.Join(c.DataDir, c.CriteriaFile)
}

// NLEnabled reports whether an API key was supplied.
func (c *LiteConfig) NLEnabled() bool {
	return c.NLAPIKey != ""
}

// Prescreening returns the conversation policy for the lite binary.
func (c *LiteConfig) Prescreening() domain.PrescreeningConfig {
	p := domain.DefaultPrescreeningConfig()
	p.TurnTimeout = c.TurnTimeout
	p.ReviewEnabled = c.ReviewEnabled
	p.AIExtractionEnabled = c.NLEnabled()
	return p
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}
