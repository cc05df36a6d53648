package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage modes.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Timers configures the countdown scheduler.
type Timers struct {
	Warning             time.Duration `yaml:"warning"`
	Critical            time.Duration `yaml:"critical"`
	Tick                time.Duration `yaml:"tick"`
	DefaultTimerMinutes int           `yaml:"default_timer_minutes"`
}

// Notify configures the alert webhook channel.
type Notify struct {
	WebhookURL   string        `yaml:"webhook_url"`
	Secret       string        `yaml:"secret"`
	Retries      int           `yaml:"retries"`
	Template     string        `yaml:"template"`
	Cooldown     time.Duration `yaml:"cooldown"`
	DedupeWindow time.Duration `yaml:"dedupe_window"`
	EscalateAt   time.Duration `yaml:"escalate_after"`
	Timeout      time.Duration `yaml:"timeout"`
	OrderBaseURL string        `yaml:"order_base_url"`
}

// HTTP configures the API surface shared by all handlers.
type HTTP struct {
	CORSOrigins   []string `yaml:"cors_origins"`
	RatePerMinute float64  `yaml:"rate_per_minute"`
	RateBurst     int      `yaml:"rate_burst"`
}

// Log configures process logging. An empty File logs to stdout.
type Log struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config is the service configuration.
type Config struct {
	DatabaseURL      string        `yaml:"database_url"`
	Storage          string        `yaml:"storage"`
	HTTPAddr         string        `yaml:"http_addr"`
	DeskID           string        `yaml:"desk_id"`
	JWTSecret        string        `yaml:"jwt_secret"`
	FundedAsset      string        `yaml:"funded_asset"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	// SeedAccounts are bank account ids opened with a zero balance when
	// running on memory storage.
	SeedAccounts []string `yaml:"seed_accounts"`
	Timers       Timers   `yaml:"timers"`
	Notify       Notify   `yaml:"notify"`
	HTTP         HTTP     `yaml:"http"`
	Log          Log      `yaml:"log"`
}

// Load reads configuration from the environment and then applies the YAML
// file named by TRADEDESK_CONFIG on top.
func Load() (Config, error) {
	cfg := fromEnv()
	if path := os.Getenv("TRADEDESK_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	cfg.FundedAsset = strings.ToUpper(strings.TrimSpace(cfg.FundedAsset))
	return cfg, cfg.Validate()
}

// Validate checks required settings.
func (c Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL or PG_DSN is required for postgres storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("config: unknown storage %q", c.Storage)
	}
	if c.JWTSecret == "" {
		return errors.New("config: AUTH_JWT_SECRET is required")
	}
	if c.DeskID == "" {
		return errors.New("config: desk id is required")
	}
	if c.Timers.Critical <= 0 || c.Timers.Warning <= c.Timers.Critical {
		return errors.New("config: timer thresholds must satisfy 0 < critical < warning")
	}
	if c.Timers.Tick <= 0 {
		return errors.New("config: timer tick must be positive")
	}
	if c.HTTP.RatePerMinute < 0 {
		return errors.New("config: rate limit must not be negative")
	}
	if c.Timers.DefaultTimerMinutes < 0 || c.Timers.DefaultTimerMinutes > 1440 {
		return errors.New("config: default timer minutes must be within 0..1440")
	}
	return nil
}

func fromEnv() Config {
	return Config{
		DatabaseURL:      getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		Storage:          getenvDefault("STORAGE", StoragePostgres),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		DeskID:           getenvDefault("DESK_ID", "desk-main"),
		JWTSecret:        getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		FundedAsset:      getenvDefault("FUNDED_ASSET", "USDT"),
		DispatchInterval: getenvDuration("OUTBOX_DISPATCH_INTERVAL", 2*time.Second),
		SeedAccounts:     getenvList("SEED_BANK_ACCOUNTS"),
		Timers: Timers{
			Warning:             getenvDuration("TIMER_WARNING", 5*time.Minute),
			Critical:            getenvDuration("TIMER_CRITICAL", 2*time.Minute),
			Tick:                getenvDuration("TIMER_TICK", time.Second),
			DefaultTimerMinutes: getenvIntDefault("DEFAULT_TIMER_MINUTES", 30),
		},
		Notify: Notify{
			WebhookURL:   getenvDefault("ALERT_WEBHOOK_URL", ""),
			Secret:       getenvDefault("ALERT_WEBHOOK_SECRET", ""),
			Retries:      getenvIntDefault("ALERT_WEBHOOK_RETRIES", 3),
			Template:     getenvDefault("ALERT_NOTIFY_TEMPLATE", ""),
			Cooldown:     getenvDuration("ALERT_NOTIFY_COOLDOWN", 0),
			DedupeWindow: getenvDuration("ALERT_NOTIFY_DEDUP_WINDOW", 0),
			EscalateAt:   getenvDuration("ALERT_ESCALATION_AFTER", 0),
			Timeout:      getenvDuration("ALERT_NOTIFY_TIMEOUT", 5*time.Second),
			OrderBaseURL: getenvDefault("ORDER_BASE_URL", ""),
		},
		HTTP: HTTP{
			CORSOrigins:   getenvList("CORS_ALLOWED_ORIGINS"),
			RatePerMinute: getenvFloat("RATE_LIMIT_PER_MINUTE", 120),
			RateBurst:     getenvIntDefault("RATE_LIMIT_BURST", 20),
		},
		Log: Log{
			File:       getenvDefault("LOG_FILE", ""),
			MaxSizeMB:  getenvIntDefault("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getenvIntDefault("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getenvIntDefault("LOG_MAX_AGE_DAYS", 30),
			Compress:   getenvBool("LOG_COMPRESS", true),
		},
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
