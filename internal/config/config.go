package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the themifyd application.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	// CronSecret authenticates POST /run. When empty the trigger
	// endpoint rejects everything.
	CronSecret string `json:"-"`

	// CadenceMode: "timer" (internal cron cadence) or "http" (cycles run
	// only when POST /run fires).
	CadenceMode        string `json:"cadence_mode"`
	CadenceExpression  string `json:"cadence_expression"`
	CadenceTimezone    string `json:"cadence_timezone"`

	PlanScheduleLimit int `json:"plan_schedule_limit"`
	MaxAttempts       int `json:"max_attempts"`

	JobTimeout    time.Duration `json:"-"`
	JobTimeoutStr string        `json:"job_timeout"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	AuditBufferSize       int           `json:"audit_buffer_size"`
	AuditRetention        time.Duration `json:"-"`
	AuditRetentionStr     string        `json:"audit_retention"`
	AuditPruneInterval    time.Duration `json:"-"`
	AuditPruneIntervalStr string        `json:"audit_prune_interval"`

	ShopifyAPIVersion string `json:"shopify_api_version"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	LeaderElectionEnabled bool `json:"leader_election_enabled"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		CronSecret:                 os.Getenv("CRON_SECRET"),
		CadenceMode:                os.Getenv("CADENCE_MODE"),
		CadenceExpression:          os.Getenv("CADENCE_EXPRESSION"),
		CadenceTimezone:            os.Getenv("CADENCE_TIMEZONE"),
		JobTimeoutStr:              os.Getenv("JOB_TIMEOUT"),
		DBOpTimeoutStr:             os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:       os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:       os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                os.Getenv("METRICS_PATH"),
		MetricsPort:                os.Getenv("METRICS_PORT"),
		AuditRetentionStr:          os.Getenv("AUDIT_RETENTION"),
		AuditPruneIntervalStr:      os.Getenv("AUDIT_PRUNE_INTERVAL"),
		ShopifyAPIVersion:          os.Getenv("SHOPIFY_API_VERSION"),
		CircuitBreakerCooldownStr:  os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		LeaderElectionEnabled:      os.Getenv("LEADER_ELECTION_ENABLED") == "true",
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
	}

	if limitStr := os.Getenv("PLAN_SCHEDULE_LIMIT"); limitStr != "" {
		if n, err := parseInt(limitStr); err == nil {
			cfg.PlanScheduleLimit = n
		} else {
			log.Printf("config: invalid PLAN_SCHEDULE_LIMIT %q (must be a non-negative integer), using default 5", limitStr)
			cfg.PlanScheduleLimit = 5
		}
	} else {
		cfg.PlanScheduleLimit = 5
	}

	if attemptsStr := os.Getenv("MAX_ATTEMPTS"); attemptsStr != "" {
		if n, err := parseInt(attemptsStr); err == nil {
			cfg.MaxAttempts = n
		} else {
			log.Printf("config: invalid MAX_ATTEMPTS %q (must be a non-negative integer), using default 0", attemptsStr)
		}
	}

	if bufStr := os.Getenv("AUDIT_BUFFER_SIZE"); bufStr != "" {
		if n, err := parseInt(bufStr); err == nil && n > 0 {
			cfg.AuditBufferSize = n
		} else {
			log.Printf("config: invalid AUDIT_BUFFER_SIZE %q (must be a positive integer), using default 100", bufStr)
		}
	}
	if cfg.AuditBufferSize == 0 {
		cfg.AuditBufferSize = 100
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	}
	if cfg.CircuitBreakerThreshold == 0 && os.Getenv("CIRCUIT_BREAKER_THRESHOLD") == "" {
		cfg.CircuitBreakerThreshold = 5
	}

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 917354", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 917354
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.CadenceMode == "" {
		cfg.CadenceMode = "timer"
	}
	if cfg.CadenceExpression == "" {
		cfg.CadenceExpression = "*/5 * * * *"
	}
	if cfg.CadenceTimezone == "" {
		cfg.CadenceTimezone = "UTC"
	}
	if cfg.JobTimeoutStr == "" {
		cfg.JobTimeoutStr = "30s"
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.AuditRetentionStr == "" {
		cfg.AuditRetentionStr = "720h"
	}
	if cfg.AuditPruneIntervalStr == "" {
		cfg.AuditPruneIntervalStr = "1h"
	}
	if cfg.ShopifyAPIVersion == "" {
		cfg.ShopifyAPIVersion = "2024-10"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "2s"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.JobTimeoutStr); err == nil {
		cfg.JobTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxIdleTimeStr); err == nil {
		cfg.DBConnMaxIdleTime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.AuditRetentionStr); err == nil {
		cfg.AuditRetention = d
	}
	if d, err := time.ParseDuration(cfg.AuditPruneIntervalStr); err == nil {
		cfg.AuditPruneInterval = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}

	return cfg
}

// parseInt parses a string as a non-negative integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL             string `json:"database_url"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		HTTPAddr                string `json:"http_addr"`
		CronSecret              string `json:"cron_secret"`
		CadenceMode             string `json:"cadence_mode"`
		CadenceExpression       string `json:"cadence_expression"`
		CadenceTimezone         string `json:"cadence_timezone"`
		PlanScheduleLimit       int    `json:"plan_schedule_limit"`
		MaxAttempts             int    `json:"max_attempts"`
		JobTimeout              string `json:"job_timeout"`
		DBOpTimeout             string `json:"db_op_timeout"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		MetricsPort             string `json:"metrics_port"`
		AuditBufferSize         int    `json:"audit_buffer_size"`
		AuditRetention          string `json:"audit_retention"`
		AuditPruneInterval      string `json:"audit_prune_interval"`
		ShopifyAPIVersion       string `json:"shopify_api_version"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		LeaderElectionEnabled   bool   `json:"leader_election_enabled"`
		LeaderLockKey           int64  `json:"leader_lock_key"`
		LeaderRetryInterval     string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string `json:"leader_heartbeat_interval"`
	}{
		DatabaseURL:             maskSecret(c.DatabaseURL),
		RedisAddr:               c.RedisAddr,
		HTTPAddr:                c.HTTPAddr,
		CronSecret:              maskSecret(c.CronSecret),
		CadenceMode:             c.CadenceMode,
		CadenceExpression:       c.CadenceExpression,
		CadenceTimezone:         c.CadenceTimezone,
		PlanScheduleLimit:       c.PlanScheduleLimit,
		MaxAttempts:             c.MaxAttempts,
		JobTimeout:              c.JobTimeoutStr,
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:       c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		MetricsPort:             c.MetricsPort,
		AuditBufferSize:         c.AuditBufferSize,
		AuditRetention:          c.AuditRetentionStr,
		AuditPruneInterval:      c.AuditPruneIntervalStr,
		ShopifyAPIVersion:       c.ShopifyAPIVersion,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		LeaderElectionEnabled:   c.LeaderElectionEnabled,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
