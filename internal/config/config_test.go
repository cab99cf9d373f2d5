package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func validConfig() Config {
	return Config{
		API: APIConfig{
			CLOBBaseURL:       "https://clob.example",
			GammaBaseURL:      "https://gamma.example",
			WSMarketURL:       "wss://ws.example/ws/market",
			ApiKey:            "k",
			Secret:            "s",
			Passphrase:        "p",
			RequestsPerSecond: 5,
		},
		Stream: StreamConfig{
			PingInterval:    10 * time.Second,
			ReadTimeout:     25 * time.Second,
			WriteTimeout:    10 * time.Second,
			BackoffFloor:    time.Second,
			BackoffCeiling:  30 * time.Second,
			CredentialPoll:  time.Second,
			SnapshotTimeout: 10 * time.Second,
			StaleAfter:      time.Minute,
		},
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
watch:
  market_slug: "will-it-rain"
stream:
  backoff_ceiling: 45s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Watch.MarketSlug != "will-it-rain" {
		t.Errorf("market_slug = %q, want will-it-rain", cfg.Watch.MarketSlug)
	}
	if cfg.Stream.BackoffCeiling != 45*time.Second {
		t.Errorf("backoff_ceiling = %v, want 45s", cfg.Stream.BackoffCeiling)
	}
	if cfg.Stream.PingInterval != 10*time.Second {
		t.Errorf("ping_interval = %v, want 10s default", cfg.Stream.PingInterval)
	}
	if cfg.Stream.ReadTimeout != 25*time.Second {
		t.Errorf("read_timeout = %v, want 25s default", cfg.Stream.ReadTimeout)
	}
	if cfg.Stream.BackoffFloor != time.Second {
		t.Errorf("backoff_floor = %v, want 1s default", cfg.Stream.BackoffFloor)
	}
	if cfg.Watch.StateDir != "data" {
		t.Errorf("state_dir = %q, want data default", cfg.Watch.StateDir)
	}
	if !strings.HasPrefix(cfg.API.WSMarketURL, "wss://") {
		t.Errorf("ws_market_url = %q, want wss default", cfg.API.WSMarketURL)
	}
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("POLY_API_KEY", "env-key")
	t.Setenv("POLY_API_SECRET", "env-secret")
	t.Setenv("POLY_PASSPHRASE", "env-pass")
	t.Setenv("POLY_MARKET_SLUG", "env-slug")

	cfg, err := Load(writeConfig(t, "api:\n  api_key: file-key\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.ApiKey != "env-key" || cfg.API.Secret != "env-secret" || cfg.API.Passphrase != "env-pass" {
		t.Errorf("credentials = %q/%q/%q, want env values", cfg.API.ApiKey, cfg.API.Secret, cfg.API.Passphrase)
	}
	if cfg.Watch.MarketSlug != "env-slug" {
		t.Errorf("market_slug = %q, want env-slug", cfg.Watch.MarketSlug)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load missing file: err = nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"wallet instead of credentials", func(c *Config) {
			c.API.ApiKey = ""
			c.Wallet.PrivateKey = "0xabc"
			c.Wallet.ChainID = 137
		}, ""},
		{"no credentials", func(c *Config) { c.API.Passphrase = "" }, "private_key"},
		{"wallet without chain", func(c *Config) {
			c.API.ApiKey = ""
			c.Wallet.PrivateKey = "0xabc"
		}, "chain_id"},
		{"no ws url", func(c *Config) { c.API.WSMarketURL = "" }, "ws_market_url"},
		{"read timeout under ping", func(c *Config) { c.Stream.ReadTimeout = 5 * time.Second }, "read_timeout"},
		{"zero write timeout", func(c *Config) { c.Stream.WriteTimeout = 0 }, "write_timeout"},
		{"negative write timeout", func(c *Config) { c.Stream.WriteTimeout = -time.Second }, "write_timeout"},
		{"zero stale after", func(c *Config) { c.Stream.StaleAfter = 0 }, "stale_after"},
		{"ceiling under floor", func(c *Config) { c.Stream.BackoffCeiling = 500 * time.Millisecond }, "backoff_ceiling"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true }, "redis.addr"},
		{"dashboard bad port", func(c *Config) {
			c.Dashboard.Enabled = true
			c.Dashboard.Port = 0
		}, "dashboard.port"},
	}

	for _, tt := range tests {

		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
