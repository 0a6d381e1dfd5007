package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/trial-prescreen-server/internal/domain"
)

// Manager loads the server configuration using Viper
type Manager struct {
	v      *viper.Viper
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{v: viper.New()}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from the config file, environment and defaults
func (m *Manager) loadConfig() error {
	v := m.v
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/trial-prescreen/")

	v.SetEnvPrefix("PRESCREEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m.setDefaults()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	v := m.v

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "trial_prescreen")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "./migrations")

	v.SetDefault("sqlite.path", "./data/prescreen.db")

	v.SetDefault("cache.redis_url", "redis://localhost:6379")
	v.SetDefault("cache.state_ttl", "72h")
	v.SetDefault("cache.lock_ttl", "45s")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")
	v.SetDefault("cache.criteria_size", 512)
	v.SetDefault("cache.criteria_ttl", "10m")
	v.SetDefault("cache.question_set_size", 256)

	v.SetDefault("nl_service.enabled", true)
	v.SetDefault("nl_service.base_url", "")
	v.SetDefault("nl_service.api_key", "")
	v.SetDefault("nl_service.model", "gpt-4o-mini")
	v.SetDefault("nl_service.chat_timeout", "15s")
	v.SetDefault("nl_service.max_retries", 3)
	v.SetDefault("nl_service.initial_backoff", "500ms")
	v.SetDefault("nl_service.rate_limit", 5.0)
	v.SetDefault("nl_service.burst", 10)
	v.SetDefault("nl_service.breaker_requests", 3)
	v.SetDefault("nl_service.breaker_interval", "30s")
	v.SetDefault("nl_service.breaker_timeout", "60s")

	defaults := domain.DefaultPrescreeningConfig()
	v.SetDefault("prescreening.duplicate_window", defaults.DuplicateWindow.String())
	v.SetDefault("prescreening.resume_window", defaults.ResumeWindow.String())
	v.SetDefault("prescreening.strong_match_ratio", defaults.StrongMatchRatio)
	v.SetDefault("prescreening.potential_ratio", defaults.PotentialRatio)
	v.SetDefault("prescreening.turn_timeout", defaults.TurnTimeout.String())
	v.SetDefault("prescreening.review_enabled", defaults.ReviewEnabled)
	v.SetDefault("prescreening.ai_extraction_enabled", defaults.AIExtractionEnabled)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetPrescreeningConfig returns the conversation policy configuration
func (m *Manager) GetPrescreeningConfig() *domain.PrescreeningConfig {
	return &m.config.Prescreening
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if config.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if config.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}

	if config.Cache.RedisURL == "" {
		return fmt.Errorf("Redis URL is required")
	}

	if config.NLService.Enabled && config.NLService.APIKey == "" {
		return fmt.Errorf("nl_service.api_key is required when the NL service is enabled")
	}
	if config.NLService.ChatTimeout <= 0 {
		return fmt.Errorf("invalid NL service chat timeout: %s", config.NLService.ChatTimeout)
	}

	p := config.Prescreening
	if p.StrongMatchRatio <= 0 || p.StrongMatchRatio > 1 {
		return fmt.Errorf("invalid strong match ratio: %v", p.StrongMatchRatio)
	}
	if p.PotentialRatio <= 0 || p.PotentialRatio > 1 {
		return fmt.Errorf("invalid potential eligibility ratio: %v", p.PotentialRatio)
	}
	if p.TurnTimeout < time.Second {
		return fmt.Errorf("turn timeout must be at least 1s, got %s", p.TurnTimeout)
	}

	if _, err := logrus.ParseLevel(config.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a libpq key/value connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns a postgres:// URL, as required by golang-migrate
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.v.GetString("environment")) == "production"
}

// NewLogger builds a logger from the logging section
func NewLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if strings.ToLower(cfg.Format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if strings.ToLower(cfg.Output) == "stdout" {
		logger.SetOutput(os.Stdout)
	}
	return logger
}
