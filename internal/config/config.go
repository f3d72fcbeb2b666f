package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"CALOO_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"CALOO_DB_MAX_CONNS" default:"8"`

	// Default timezone for sources that do not declare one.
	DefaultTimezone string `envconfig:"CALOO_DEFAULT_TIMEZONE" default:"Europe/Zurich"`

	// Canonicalization engine knobs. The scoring thresholds themselves are
	// compile-time constants; only batch shaping is configurable.
	MergeBatchSize int `envconfig:"CALOO_MERGE_BATCH_SIZE" default:"200"`

	// Crawl layer.
	CrawlWorkers      int `envconfig:"CALOO_CRAWL_WORKERS" default:"4"`
	CrawlTimeoutSecs  int `envconfig:"CALOO_CRAWL_TIMEOUT_SECONDS" default:"20"`
	CrawlMaxItems     int `envconfig:"CALOO_CRAWL_MAX_ITEMS" default:"100"`
	CrawlFetchDetails bool `envconfig:"CALOO_CRAWL_FETCH_DETAILS" default:"true"`

	// HTTP API server.
	HTTPHost string `envconfig:"CALOO_HTTP_HOST" default:"0.0.0.0"`
	HTTPPort int    `envconfig:"CALOO_HTTP_PORT" default:"8080"`

	// Admin credential for review resolution endpoints. The hash is a bcrypt
	// hash; when empty, the review write endpoints are disabled.
	AdminUser         string `envconfig:"CALOO_ADMIN_USER" default:"admin"`
	AdminPasswordHash string `envconfig:"CALOO_ADMIN_PASSWORD_HASH" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("CALOO_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("CALOO_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("CALOO_DB_MIN_CONNS (%d) cannot exceed CALOO_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if strings.TrimSpace(c.DefaultTimezone) == "" {
		return fmt.Errorf("CALOO_DEFAULT_TIMEZONE is required")
	}
	if c.MergeBatchSize < 1 {
		return fmt.Errorf("CALOO_MERGE_BATCH_SIZE must be >= 1")
	}
	if c.CrawlWorkers < 1 {
		return fmt.Errorf("CALOO_CRAWL_WORKERS must be >= 1")
	}
	if c.CrawlTimeoutSecs < 1 {
		return fmt.Errorf("CALOO_CRAWL_TIMEOUT_SECONDS must be >= 1")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("CALOO_HTTP_PORT must be a valid port")
	}
	return nil
}
