package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s=%q: %s", e.Field, e.Value, e.Message)
}

// ValidationErrors aggregates all configuration problems so operators
// see every mistake in one pass instead of fixing them one at a time.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d configuration error(s):\n  - %s", len(e), strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration for errors. Returns nil when valid.
func (c Config) Validate() error {
	var errs ValidationErrors

	if c.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	} else if !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Value:   maskSecret(c.DatabaseURL),
			Message: "must start with postgres:// or postgresql://",
		})
	}

	switch c.CadenceMode {
	case "timer", "http":
	default:
		errs = append(errs, ValidationError{
			Field:   "CADENCE_MODE",
			Value:   c.CadenceMode,
			Message: `must be "timer" or "http"`,
		})
	}

	if c.CadenceMode == "http" && c.CronSecret == "" {
		errs = append(errs, ValidationError{
			Field:   "CRON_SECRET",
			Message: "required when CADENCE_MODE=http, otherwise no cycle can ever run",
		})
	}

	if c.CadenceMode == "timer" {
		if err := validateCronExpression(c.CadenceExpression); err != nil {
			errs = append(errs, ValidationError{
				Field:   "CADENCE_EXPRESSION",
				Value:   c.CadenceExpression,
				Message: err.Error(),
			})
		}
		if _, err := time.LoadLocation(c.CadenceTimezone); err != nil {
			errs = append(errs, ValidationError{
				Field:   "CADENCE_TIMEZONE",
				Value:   c.CadenceTimezone,
				Message: "unknown timezone",
			})
		}
	}

	durations := []struct {
		field string
		value string
		min   time.Duration
	}{
		{"JOB_TIMEOUT", c.JobTimeoutStr, time.Second},
		{"DB_OP_TIMEOUT", c.DBOpTimeoutStr, 100 * time.Millisecond},
		{"DB_CONN_MAX_LIFETIME", c.DBConnMaxLifetimeStr, time.Minute},
		{"DB_CONN_MAX_IDLE_TIME", c.DBConnMaxIdleTimeStr, time.Second},
		{"HTTP_SHUTDOWN_TIMEOUT", c.HTTPShutdownTimeoutStr, time.Second},
		{"AUDIT_RETENTION", c.AuditRetentionStr, time.Hour},
		{"AUDIT_PRUNE_INTERVAL", c.AuditPruneIntervalStr, time.Minute},
		{"CIRCUIT_BREAKER_COOLDOWN", c.CircuitBreakerCooldownStr, time.Second},
		{"LEADER_RETRY_INTERVAL", c.LeaderRetryIntervalStr, time.Second},
		{"LEADER_HEARTBEAT_INTERVAL", c.LeaderHeartbeatIntervalStr, time.Second},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Value:   d.value,
				Message: "invalid duration (examples: 30s, 5m, 1h)",
			})
			continue
		}
		if parsed < d.min {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Value:   d.value,
				Message: fmt.Sprintf("must be at least %s", d.min),
			})
		}
	}

	if c.DBMaxIdleConns > c.DBMaxOpenConns {
		errs = append(errs, ValidationError{
			Field:   "DB_MAX_IDLE_CONNS",
			Value:   fmt.Sprintf("%d", c.DBMaxIdleConns),
			Message: fmt.Sprintf("cannot exceed DB_MAX_OPEN_CONNS (%d)", c.DBMaxOpenConns),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// validateCronExpression minimally checks a standard 5-field cron expression.
// Full parsing is left to the cadence package; this rejects the obvious
// operator mistakes (6-field Quartz strings, missing fields).
func validateCronExpression(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("expected 5 fields (minute hour day month weekday), got %d", len(fields))
	}
	return nil
}
