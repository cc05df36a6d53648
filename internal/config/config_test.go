package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_EnvDefaults(t *testing.T) {
	t.Setenv("TRADEDESK_CONFIG", "")
	t.Setenv("STORAGE", "memory")
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("TIMER_WARNING", "10m")
	t.Setenv("DEFAULT_TIMER_MINUTES", "45")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:5173, https://desk.example.in")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage != StorageMemory || cfg.HTTPAddr != ":8080" || cfg.FundedAsset != "USDT" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Timers.Warning != 10*time.Minute || cfg.Timers.Critical != 2*time.Minute || cfg.Timers.DefaultTimerMinutes != 45 {
		t.Fatalf("unexpected timers: %+v", cfg.Timers)
	}
	if len(cfg.HTTP.CORSOrigins) != 2 || cfg.HTTP.CORSOrigins[1] != "https://desk.example.in" || cfg.HTTP.RatePerMinute != 120 {
		t.Fatalf("unexpected http config: %+v", cfg.HTTP)
	}
}

func TestLoad_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradedesk.yaml")
	content := `
storage: memory
desk_id: desk-mumbai
funded_asset: usdc
timers:
  warning: 3m
  critical: 1m
notify:
  webhook_url: http://hooks.local/alerts
  cooldown: 30s
http:
  rate_per_minute: 30
  rate_burst: 5
log:
  file: /var/log/tradedesk.log
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TRADEDESK_CONFIG", path)
	t.Setenv("AUTH_JWT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DeskID != "desk-mumbai" || cfg.FundedAsset != "USDC" {
		t.Fatalf("overlay not applied: %+v", cfg)
	}
	if cfg.Timers.Warning != 3*time.Minute || cfg.Timers.Critical != time.Minute || cfg.Timers.Tick != time.Second {
		t.Fatalf("unexpected timers: %+v", cfg.Timers)
	}
	if cfg.Notify.Cooldown != 30*time.Second || cfg.Notify.WebhookURL == "" || cfg.Notify.Timeout != 5*time.Second {
		t.Fatalf("unexpected notify: %+v", cfg.Notify)
	}
	if cfg.HTTP.RatePerMinute != 30 || cfg.HTTP.RateBurst != 5 {
		t.Fatalf("unexpected http config: %+v", cfg.HTTP)
	}
	if cfg.Log.File != "/var/log/tradedesk.log" || cfg.Log.MaxBackups != 5 {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres needs dsn", map[string]string{"STORAGE": "postgres", "AUTH_JWT_SECRET": "s"}, "DATABASE_URL"},
		{"secret required", map[string]string{"STORAGE": "memory"}, "AUTH_JWT_SECRET"},
		{"unknown storage", map[string]string{"STORAGE": "redis", "AUTH_JWT_SECRET": "s"}, "unknown storage"},
		{"thresholds", map[string]string{"STORAGE": "memory", "AUTH_JWT_SECRET": "s", "TIMER_CRITICAL": "6m"}, "thresholds"},
		{"rate limit", map[string]string{"STORAGE": "memory", "AUTH_JWT_SECRET": "s", "RATE_LIMIT_PER_MINUTE": "-1"}, "rate limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, key := range []string{"TRADEDESK_CONFIG", "DATABASE_URL", "PG_DSN", "JWT_SECRET", "AUTH_JWT_SECRET"} {
				t.Setenv(key, "")
			}
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
