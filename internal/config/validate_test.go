package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "postgres",
			Password: "secret", Name: "mlservice", SSLMode: "disable", MaxConns: 20,
		},
		Redis:      RedisConfig{Host: "localhost", Port: 6379},
		NATS:       NATSConfig{URL: "nats://localhost:4222"},
		Quota:      QuotaConfig{RequestLimit: 100, TokenLimit: 10000, FailMode: FailOpen},
		Admission:  AdmissionConfig{DefaultModel: "gpt-3.5-turbo", DownstreamTimeout: 3 * time.Second},
		Reconciler: ReconcilerConfig{
			Schedule: "@every 1m", StaleAfter: 2 * time.Minute,
			RedispatchAfter: 23 * time.Hour, StuckAfter: 30 * time.Minute, BatchSize: 100,
		},
		Worker: WorkerConfig{Timeout: 120 * time.Second},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_FailClosedAccepted(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.FailMode = FailClosed
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_UnknownFailMode(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.FailMode = "sometimes"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "QUOTA_FAIL_MODE") {
		t.Fatalf("expected QUOTA_FAIL_MODE error, got: %v", err)
	}
}

func TestValidate_NonPositiveLimits(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.RequestLimit = 0
	cfg.Quota.TokenLimit = -5
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected limit validation errors")
	}
	if !strings.Contains(err.Error(), "QUOTA_REQUEST_LIMIT") {
		t.Errorf("expected QUOTA_REQUEST_LIMIT error in: %v", err)
	}
	if !strings.Contains(err.Error(), "QUOTA_TOKEN_LIMIT") {
		t.Errorf("expected QUOTA_TOKEN_LIMIT error in: %v", err)
	}
}

func TestValidate_InvalidSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.Reconciler.Schedule = "every now and then"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "RECONCILER_SCHEDULE") {
		t.Fatalf("expected RECONCILER_SCHEDULE error, got: %v", err)
	}
}

func TestValidate_StaleAfterShorterThanTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Reconciler.StaleAfter = time.Second
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "RECONCILER_STALE_AFTER") {
		t.Fatalf("expected RECONCILER_STALE_AFTER error, got: %v", err)
	}
}

func TestValidate_RedispatchAfterOutlivesStream(t *testing.T) {
	cfg := validConfig()
	cfg.Reconciler.RedispatchAfter = 25 * time.Hour
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "RECONCILER_REDISPATCH_AFTER") {
		t.Fatalf("expected RECONCILER_REDISPATCH_AFTER error, got: %v", err)
	}
}

func TestValidate_StuckAfterShorterThanWorkerTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Reconciler.StuckAfter = time.Minute
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "RECONCILER_STUCK_AFTER") {
		t.Fatalf("expected RECONCILER_STUCK_AFTER error, got: %v", err)
	}
}

func TestValidate_DBPasswordRequired(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Fatalf("expected DB_PASSWORD error, got: %v", err)
	}
}

func TestValidate_InvalidPorts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.DB.Port = 99999
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected port validation errors")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("expected SERVER_PORT error in: %v", err)
	}
	if !strings.Contains(err.Error(), "DB_PORT") {
		t.Errorf("expected DB_PORT error in: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server:     ServerConfig{Port: 0},
		DB:         DBConfig{Port: 5432},
		Redis:      RedisConfig{Port: 6379},
		Reconciler: ReconcilerConfig{Schedule: "@every 1m"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	errStr := err.Error()
	for _, substr := range []string{"DB_PASSWORD", "SERVER_PORT", "NATS_URL", "QUOTA_FAIL_MODE", "ADMISSION_DOWNSTREAM_TIMEOUT"} {
		if !strings.Contains(errStr, substr) {
			t.Errorf("expected %q in error: %s", substr, errStr)
		}
	}
}
