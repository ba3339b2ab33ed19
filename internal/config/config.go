package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config captures all runtime configuration derived from environment variables.
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	AuthToken string `env:"AUTH_TOKEN"`
	DBURL     string `env:"DB_URL"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	CatalogURL            string  `env:"CATALOG_URL"`
	CatalogAPIKey         string  `env:"CATALOG_API_KEY"`
	CatalogTimeoutSecs    int     `env:"CATALOG_TIMEOUT_SECS" envDefault:"5"`
	CatalogRatePerSec     float64 `env:"CATALOG_RATE_PER_SEC" envDefault:"4"`
	CatalogBurst          int     `env:"CATALOG_BURST" envDefault:"5"`
	CatalogBreakerTimeout int     `env:"CATALOG_BREAKER_TIMEOUT_SECS" envDefault:"60"`

	BatchConcurrentRequests    int `env:"BATCH_CONCURRENT_REQUESTS" envDefault:"5"`
	BatchConcurrentGroups      int `env:"BATCH_CONCURRENT_GROUPS" envDefault:"1"`
	BatchDelayMs               int `env:"BATCH_DELAY_MS" envDefault:"1000"`
	BatchMaxConcurrentRequests int `env:"BATCH_MAX_CONCURRENT_REQUESTS" envDefault:"20"`
	BatchMaxIDs                int `env:"BATCH_MAX_IDS" envDefault:"2000"`
	BatchRateLimitPerMin       int `env:"BATCH_RATE_LIMIT_PER_MIN" envDefault:"30"`
	// BatchDeadlineSecs bounds one bulk acquisition, pacing included. The batch
	// route's write deadline is extended to match it.
	BatchDeadlineSecs int `env:"BATCH_DEADLINE_SECS" envDefault:"600"`
	// BatchFetchMode is per-title (one catalog call per id) or grouped (batchGet per group).
	BatchFetchMode string `env:"BATCH_FETCH_MODE" envDefault:"per-title"`

	MetadataTTLHours     int  `env:"METADATA_TTL_HOURS" envDefault:"0"`
	MetadataSingleFlight bool `env:"METADATA_SINGLE_FLIGHT" envDefault:"false"`

	WSAllowedOrigins []string `env:"WS_ALLOWED_ORIGINS" envSeparator:","`

	ReadTimeoutSecs   int `env:"SERVER_READ_TIMEOUT" envDefault:"15"`
	WriteTimeoutSecs  int `env:"SERVER_WRITE_TIMEOUT" envDefault:"120"`
	IdleTimeoutSecs   int `env:"SERVER_IDLE_TIMEOUT" envDefault:"60"`
	DBMaxConns        int `env:"DB_MAX_CONNS" envDefault:"20"`
	DBMinConns        int `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxIdleSecs     int `env:"DB_MAX_CONN_IDLE_SECS" envDefault:"300"`
	DBMaxLifeSecs     int `env:"DB_MAX_CONN_LIFETIME_SECS" envDefault:"3600"`
	DBConnTimeoutSecs int `env:"DB_CONN_TIMEOUT_SECS" envDefault:"10"`
	DBStatementCache  int `env:"DB_STATEMENT_CACHE_CAPACITY" envDefault:"256"`
}

// Load reads configuration from environment variables, applying defaults and validation.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (cfg Config) Validate() error {
	if cfg.DBURL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if cfg.CatalogURL == "" {
		return fmt.Errorf("CATALOG_URL is required")
	}
	if cfg.CatalogTimeoutSecs <= 0 {
		return fmt.Errorf("CATALOG_TIMEOUT_SECS must be positive")
	}
	if cfg.CatalogRatePerSec < 0 {
		return fmt.Errorf("CATALOG_RATE_PER_SEC must be non-negative")
	}
	if cfg.CatalogRatePerSec > 0 && cfg.CatalogBurst <= 0 {
		return fmt.Errorf("CATALOG_BURST must be positive when CATALOG_RATE_PER_SEC is set")
	}
	if cfg.CatalogBreakerTimeout <= 0 {
		return fmt.Errorf("CATALOG_BREAKER_TIMEOUT_SECS must be positive")
	}
	if cfg.BatchConcurrentRequests <= 0 {
		return fmt.Errorf("BATCH_CONCURRENT_REQUESTS must be positive")
	}
	if cfg.BatchConcurrentGroups <= 0 {
		return fmt.Errorf("BATCH_CONCURRENT_GROUPS must be positive")
	}
	if cfg.BatchDelayMs < 0 {
		return fmt.Errorf("BATCH_DELAY_MS must be non-negative")
	}
	if cfg.BatchMaxConcurrentRequests < cfg.BatchConcurrentRequests {
		return fmt.Errorf("BATCH_MAX_CONCURRENT_REQUESTS cannot be below BATCH_CONCURRENT_REQUESTS")
	}
	if cfg.BatchMaxIDs < 0 {
		return fmt.Errorf("BATCH_MAX_IDS must be non-negative")
	}
	if cfg.BatchRateLimitPerMin < 0 {
		return fmt.Errorf("BATCH_RATE_LIMIT_PER_MIN must be non-negative")
	}
	if cfg.BatchDeadlineSecs <= 0 {
		return fmt.Errorf("BATCH_DEADLINE_SECS must be positive")
	}
	if pacing := cfg.worstCasePacingMs(); pacing >= int64(cfg.BatchDeadlineSecs)*1000 {
		return fmt.Errorf("BATCH_DEADLINE_SECS (%ds) is shorter than the %dms of inter-wave delay a full batch of BATCH_MAX_IDS needs", cfg.BatchDeadlineSecs, pacing)
	}
	switch cfg.BatchFetchMode {
	case "per-title", "grouped":
	default:
		return fmt.Errorf("BATCH_FETCH_MODE must be per-title or grouped")
	}
	if cfg.MetadataTTLHours < 0 {
		return fmt.Errorf("METADATA_TTL_HOURS must be non-negative")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	if cfg.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive")
	}
	if cfg.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be non-negative")
	}
	if cfg.DBMaxConns > 0 && cfg.DBMinConns > cfg.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS cannot exceed DB_MAX_CONNS")
	}
	if cfg.DBStatementCache < 0 {
		return fmt.Errorf("DB_STATEMENT_CACHE_CAPACITY must be non-negative")
	}
	return nil
}

// worstCasePacingMs is the inter-wave delay a batch of BatchMaxIDs accumulates
// under the default plan.
func (cfg Config) worstCasePacingMs() int64 {
	if cfg.BatchMaxIDs == 0 {
		return 0
	}
	groups := (cfg.BatchMaxIDs + cfg.BatchConcurrentRequests - 1) / cfg.BatchConcurrentRequests
	waves := (groups + cfg.BatchConcurrentGroups - 1) / cfg.BatchConcurrentGroups
	return int64(waves-1) * int64(cfg.BatchDelayMs)
}
