package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Quota      QuotaConfig
	Admission  AdmissionConfig
	Reconciler ReconcilerConfig
	RateLimit  RateLimitConfig
	CORS       CORSConfig
	Worker     WorkerConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host        string
	Port        int
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout time.Duration
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL string
}

// Quota fail modes.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

type QuotaConfig struct {
	RequestLimit int64
	TokenLimit   int64
	FailMode     string
}

type AdmissionConfig struct {
	DefaultModel      string
	DownstreamTimeout time.Duration
}

type ReconcilerConfig struct {
	Schedule        string
	StaleAfter      time.Duration
	RedispatchAfter time.Duration
	StuckAfter      time.Duration
	BatchSize       int
}

type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type WorkerConfig struct {
	InferenceURL string
	Concurrency  int
	MaxLength    int
	Timeout      time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
			PoolSize: k.Int("redis.pool.size"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Quota: QuotaConfig{
			RequestLimit: k.Int64("quota.request.limit"),
			TokenLimit:   k.Int64("quota.token.limit"),
			FailMode:     strings.ToLower(k.String("quota.fail.mode")),
		},
		Admission: AdmissionConfig{
			DefaultModel: k.String("admission.default.model"),
		},
		Reconciler: ReconcilerConfig{
			Schedule:  k.String("reconciler.schedule"),
			BatchSize: k.Int("reconciler.batch.size"),
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   k.Int("ratelimit.max.requests"),
			WindowSeconds: k.Int("ratelimit.window.seconds"),
		},
		Worker: WorkerConfig{
			InferenceURL: k.String("worker.inference.url"),
			Concurrency:  k.Int("worker.concurrency"),
			MaxLength:    k.Int("worker.max.length"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	if origins := k.String("cors.allowed.origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
			}
		}
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "postgres"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "inferq"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 20
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Quota.RequestLimit == 0 {
		cfg.Quota.RequestLimit = 100
	}
	if cfg.Quota.TokenLimit == 0 {
		cfg.Quota.TokenLimit = 10000
	}
	if cfg.Quota.FailMode == "" {
		cfg.Quota.FailMode = FailOpen
	}
	if cfg.Admission.DefaultModel == "" {
		cfg.Admission.DefaultModel = "gpt-3.5-turbo"
	}
	if cfg.Reconciler.Schedule == "" {
		cfg.Reconciler.Schedule = "@every 1m"
	}
	if cfg.Reconciler.BatchSize == 0 {
		cfg.Reconciler.BatchSize = 100
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 100
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 900
	}
	if cfg.Worker.InferenceURL == "" {
		cfg.Worker.InferenceURL = "http://localhost:8000"
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.MaxLength == 0 {
		cfg.Worker.MaxLength = 100
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	// Parse durations
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"redis.pool.timeout", "2s", &cfg.Redis.PoolTimeout},
		{"admission.downstream.timeout", "3s", &cfg.Admission.DownstreamTimeout},
		{"reconciler.stale.after", "2m", &cfg.Reconciler.StaleAfter},
		{"reconciler.redispatch.after", "23h", &cfg.Reconciler.RedispatchAfter},
		{"reconciler.stuck.after", "30m", &cfg.Reconciler.StuckAfter},
		{"worker.timeout", "120s", &cfg.Worker.Timeout},
	}
	for _, d := range durations {
		raw := k.String(d.key)
		if raw == "" {
			raw = d.def
		}
		*d.dest, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}
