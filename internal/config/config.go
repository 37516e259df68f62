// Package config loads and validates tracker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Schedules SchedulesConfig `mapstructure:"schedules"`
	Digest    DigestConfig    `mapstructure:"digest"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles for admin endpoints.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifeMins int    `mapstructure:"max_conn_life_minutes"`
}

// ScraperConfig governs fetch behavior shared by all scrapers.
type ScraperConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	PetitionsBaseURL string `mapstructure:"petitions_base_url"`
	BillsBaseURL     string `mapstructure:"bills_base_url"`
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	UnitDelayMs      int    `mapstructure:"unit_delay_ms"`
}

// HeadlessConfig configures the browser-automation fallback.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// JobsConfig controls the durable queue dispatcher.
type JobsConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	Concurrency         int `mapstructure:"concurrency"`
	MaxAttempts         int `mapstructure:"max_attempts"`
	RetryBackoffMinutes int `mapstructure:"retry_backoff_minutes"`
}

// SchedulesConfig holds the recurring civil-time schedules per task,
// in "HH MM" form. The digest schedule additionally carries a weekday.
type SchedulesConfig struct {
	Timezone      string `mapstructure:"timezone"`
	Members       string `mapstructure:"members"`
	Votes         string `mapstructure:"votes"`
	Bills         string `mapstructure:"bills"`
	Expenses      string `mapstructure:"expenses"`
	Petitions     string `mapstructure:"petitions"`
	Committees    string `mapstructure:"committees"`
	Scores        string `mapstructure:"scores"`
	Digest        string `mapstructure:"digest"`
	DigestWeekday int    `mapstructure:"digest_weekday"`
}

// DigestConfig controls weekly digest delivery.
type DigestConfig struct {
	BatchSize    int    `mapstructure:"batch_size"`
	BatchDelayMs int    `mapstructure:"batch_delay_ms"`
	FromName     string `mapstructure:"from_name"`
	BaseURL      string `mapstructure:"base_url"`
}

// SMTPConfig configures the outgoing mail server.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
}

// LoggingConfig toggles zap development features and the minimum
// level ("debug", "info", "warn", "error"; empty keeps zap's default).
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_life_minutes", 30)
	v.SetDefault("scraper.base_url", "https://www.ourcommons.ca")
	v.SetDefault("scraper.petitions_base_url", "https://petitions.ourcommons.ca")
	v.SetDefault("scraper.bills_base_url", "https://www.parl.ca/legisinfo")
	v.SetDefault("scraper.user_agent", "commons-tracker/0.1")
	v.SetDefault("scraper.timeout_seconds", 30)
	v.SetDefault("scraper.max_retries", 3)
	v.SetDefault("scraper.backoff_initial_ms", 1000)
	v.SetDefault("scraper.backoff_max_ms", 60000)
	v.SetDefault("scraper.unit_delay_ms", 500)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("jobs.poll_interval_seconds", 5)
	v.SetDefault("jobs.concurrency", 3)
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.retry_backoff_minutes", 5)
	v.SetDefault("schedules.timezone", "Canada/Eastern")
	v.SetDefault("schedules.members", "02 00")
	v.SetDefault("schedules.votes", "03 00")
	v.SetDefault("schedules.bills", "03 30")
	v.SetDefault("schedules.expenses", "04 00")
	v.SetDefault("schedules.petitions", "04 30")
	v.SetDefault("schedules.committees", "05 00")
	v.SetDefault("schedules.scores", "06 00")
	v.SetDefault("schedules.digest", "09 00")
	v.SetDefault("schedules.digest_weekday", int(time.Friday))
	v.SetDefault("digest.batch_size", 25)
	v.SetDefault("digest.batch_delay_ms", 1000)
	v.SetDefault("digest.from_name", "Commons Tracker")
	v.SetDefault("digest.base_url", "https://commonstracker.ca")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("jobs.concurrency must be > 0")
	}
	if c.Jobs.PollIntervalSeconds <= 0 {
		return fmt.Errorf("jobs.poll_interval_seconds must be > 0")
	}
	if c.Scraper.TimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.timeout_seconds must be > 0")
	}
	if c.Scraper.MaxRetries < 0 {
		return fmt.Errorf("scraper.max_retries must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Schedules.DigestWeekday < 0 || c.Schedules.DigestWeekday > 6 {
		return fmt.Errorf("schedules.digest_weekday must be in [0,6]")
	}
	if c.Digest.BatchSize <= 0 {
		return fmt.Errorf("digest.batch_size must be > 0")
	}
	return nil
}

// FetchTimeout returns the external fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Scraper.TimeoutSeconds) * time.Second
}

// UnitDelay returns the courtesy delay between per-unit external calls.
func (c Config) UnitDelay() time.Duration {
	return time.Duration(c.Scraper.UnitDelayMs) * time.Millisecond
}
