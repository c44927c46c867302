package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	if c.NATS.URL == "" {
		errs = append(errs, "NATS_URL is required")
	}

	// Quota
	if c.Quota.RequestLimit < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_REQUEST_LIMIT must be positive, got %d", c.Quota.RequestLimit))
	}
	if c.Quota.TokenLimit < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_TOKEN_LIMIT must be positive, got %d", c.Quota.TokenLimit))
	}
	if c.Quota.FailMode != FailOpen && c.Quota.FailMode != FailClosed {
		errs = append(errs, fmt.Sprintf("QUOTA_FAIL_MODE must be %q or %q, got %q", FailOpen, FailClosed, c.Quota.FailMode))
	}

	if c.Admission.DownstreamTimeout <= 0 {
		errs = append(errs, "ADMISSION_DOWNSTREAM_TIMEOUT must be positive")
	}

	// Reconciler
	if _, err := cron.ParseStandard(c.Reconciler.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("RECONCILER_SCHEDULE is invalid: %v", err))
	}
	if c.Reconciler.StaleAfter < c.Admission.DownstreamTimeout {
		errs = append(errs, "RECONCILER_STALE_AFTER must not be shorter than ADMISSION_DOWNSTREAM_TIMEOUT")
	}
	// The request stream drops messages after 24h.
	if c.Reconciler.RedispatchAfter <= c.Reconciler.StaleAfter || c.Reconciler.RedispatchAfter >= 24*time.Hour {
		errs = append(errs, fmt.Sprintf("RECONCILER_REDISPATCH_AFTER must be between RECONCILER_STALE_AFTER and 24h, got %s", c.Reconciler.RedispatchAfter))
	}
	if c.Reconciler.StuckAfter <= c.Worker.Timeout {
		errs = append(errs, fmt.Sprintf("RECONCILER_STUCK_AFTER must exceed WORKER_TIMEOUT, got %s", c.Reconciler.StuckAfter))
	}

	if c.Quota.FailMode == FailOpen {
		slog.Warn("QUOTA_FAIL_MODE is open; requests are admitted without quota accounting while Redis is unreachable")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
