package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service. It is loaded once at boot
// and never mutated afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Worker    WorkerConfig    `yaml:"worker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	LogLevel  string          `yaml:"log_level"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int    `yaml:"port"`
	Host           string `yaml:"host"`
	FrontendOrigin string `yaml:"frontend_origin"`
}

// GetHost returns the listen host. SERVER_HOST overrides the config value,
// e.g. 0.0.0.0 inside a container.
func (c ServerConfig) GetHost() string {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the rate-counter backend settings.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// AuthConfig holds Google OAuth and session token configuration.
type AuthConfig struct {
	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`
	OAuthCallbackURL   string `yaml:"oauth_callback_url"`
	JWTSecret          string `yaml:"jwt_secret"`
	JWTExpiryHours     int    `yaml:"jwt_expiry_hours"`
	CookieName         string `yaml:"cookie_name"`
}

// JWTExpiry returns the configured token lifetime as a duration.
func (c AuthConfig) JWTExpiry() time.Duration {
	return time.Duration(c.JWTExpiryHours) * time.Hour
}

// WorkerConfig holds send-worker pool configuration.
type WorkerConfig struct {
	Concurrency         int `yaml:"concurrency"`
	MaxRetries          int `yaml:"max_retries"`
	InitialRetryDelayMs int `yaml:"initial_retry_delay_ms"`
	ShutdownGraceSec    int `yaml:"shutdown_grace_sec"`
}

// InitialRetryDelay returns the first backoff step as a duration.
func (c WorkerConfig) InitialRetryDelay() time.Duration {
	return time.Duration(c.InitialRetryDelayMs) * time.Millisecond
}

// ShutdownGrace returns the in-flight drain window on shutdown.
func (c WorkerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSec) * time.Second
}

// RateLimitConfig holds the global and per-sender hourly ceilings.
type RateLimitConfig struct {
	GlobalHourly    int `yaml:"global_hourly"`
	PerSenderHourly int `yaml:"per_sender_hourly"`
}

// ScheduleConfig holds batch-planner defaults.
type ScheduleConfig struct {
	DefaultDelayMs int    `yaml:"default_delay_ms"`
	// PlannerTimezone names the location whose clock hours bound the planner's
	// hourly buckets. Rate-limit windows are always UTC.
	PlannerTimezone string `yaml:"planner_timezone"`
}

// PlannerLocation resolves the planner hour-bucket timezone.
// Unset or invalid names fall back to UTC.
func (c ScheduleConfig) PlannerLocation() *time.Location {
	if c.PlannerTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.PlannerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SMTPConfig holds the default outbound transport used when a sender carries
// no private transport configuration.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Secure   bool   `yaml:"secure"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Load reads and parses the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.FrontendOrigin == "" {
		cfg.Server.FrontendOrigin = "http://localhost:3000"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Auth.JWTExpiryHours == 0 {
		cfg.Auth.JWTExpiryHours = 24
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "mailsched_session"
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 5
	}
	if cfg.Worker.MaxRetries == 0 {
		cfg.Worker.MaxRetries = 3
	}
	if cfg.Worker.InitialRetryDelayMs == 0 {
		cfg.Worker.InitialRetryDelayMs = 5000
	}
	if cfg.Worker.ShutdownGraceSec == 0 {
		cfg.Worker.ShutdownGraceSec = 30
	}
	if cfg.RateLimit.GlobalHourly == 0 {
		cfg.RateLimit.GlobalHourly = 500
	}
	if cfg.RateLimit.PerSenderHourly == 0 {
		cfg.RateLimit.PerSenderHourly = 100
	}
	if cfg.Schedule.DefaultDelayMs == 0 {
		cfg.Schedule.DefaultDelayMs = 30000
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
// A missing config file is not an error; defaults plus env vars apply.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = &Config{}
		cfg.applyDefaults()
	} else if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("FRONTEND_ORIGIN"); v != "" {
		cfg.Server.FrontendOrigin = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Auth.GoogleClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Auth.GoogleClientSecret = v
	}
	if v := os.Getenv("OAUTH_CALLBACK_URL"); v != "" {
		cfg.Auth.OAuthCallbackURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_EXPIRY_HOURS"); v != "" {
		if h, err := strconv.Atoi(v); err == nil {
			cfg.Auth.JWTExpiryHours = h
		}
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxRetries = n
		}
	}
	if v := os.Getenv("INITIAL_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.InitialRetryDelayMs = n
		}
	}
	if v := os.Getenv("GLOBAL_HOURLY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.GlobalHourly = n
		}
	}
	if v := os.Getenv("SENDER_HOURLY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.PerSenderHourly = n
		}
	}
	if v := os.Getenv("DEFAULT_EMAIL_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Schedule.DefaultDelayMs = n
		}
	}
	if v := os.Getenv("PLANNER_TIMEZONE"); v != "" {
		cfg.Schedule.PlannerTimezone = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = p
		}
	}
	if v := os.Getenv("SMTP_SECURE"); v != "" {
		cfg.SMTP.Secure = v == "true" || v == "1"
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.SMTP.User = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
