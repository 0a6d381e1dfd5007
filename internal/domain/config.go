package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	SQLite       SQLiteConfig       `mapstructure:"sqlite"`
	Cache        CacheConfig        `mapstructure:"cache"`
	NLService    NLServiceConfig    `mapstructure:"nl_service"`
	Prescreening PrescreeningConfig `mapstructure:"prescreening"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// AllowedOrigins limits CORS and websocket origins; empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SQLiteConfig configures the embedded session store
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig represents Redis cache configuration
type CacheConfig struct {
	RedisURL        string        `mapstructure:"redis_url"`
	StateTTL        time.Duration `mapstructure:"state_ttl"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	MaxRetries      int           `mapstructure:"max_retries"`
	PoolSize        int           `mapstructure:"pool_size"`
	PoolTimeout     time.Duration `mapstructure:"pool_timeout"`
	CriteriaSize    int           `mapstructure:"criteria_size"`
	CriteriaTTL     time.Duration `mapstructure:"criteria_ttl"`
	QuestionSetSize int           `mapstructure:"question_set_size"`
}

// NLServiceConfig configures the natural-language service adapter
type NLServiceConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	ChatTimeout     time.Duration `mapstructure:"chat_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	BreakerRequests uint32        `mapstructure:"breaker_requests"`
	BreakerInterval time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// PrescreeningConfig holds the conversation policy knobs
type PrescreeningConfig struct {
	DuplicateWindow     time.Duration `mapstructure:"duplicate_window"`
	ResumeWindow        time.Duration `mapstructure:"resume_window"`
	StrongMatchRatio    float64       `mapstructure:"strong_match_ratio"`
	PotentialRatio      float64       `mapstructure:"potential_ratio"`
	TurnTimeout         time.Duration `mapstructure:"turn_timeout"`
	ReviewEnabled       bool          `mapstructure:"review_enabled"`
	AIExtractionEnabled bool          `mapstructure:"ai_extraction_enabled"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// DefaultPrescreeningConfig returns the policy defaults.
func DefaultPrescreeningConfig() PrescreeningConfig {
	return PrescreeningConfig{
		DuplicateWindow:     24 * time.Hour,
		ResumeWindow:        time.Hour,
		StrongMatchRatio:    0.6,
		PotentialRatio:      0.75,
		TurnTimeout:         30 * time.Second,
		ReviewEnabled:       true,
		AIExtractionEnabled: true,
	}
}
