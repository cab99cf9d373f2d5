// Package config defines all configuration for the book watcher.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used to derive L2 API keys via L1
// (EIP-712) auth. Only needed when API credentials are not configured directly.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	ChainID    int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, they are derived in the background
// from the wallet key and the stream waits until they are available.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`

	// RequestsPerSecond caps REST calls (snapshots, metadata) per client.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// HasCredentials reports whether all three L2 credential fields are set.
func (a APIConfig) HasCredentials() bool {
	return a.ApiKey != "" && a.Secret != "" && a.Passphrase != ""
}

// StreamConfig tunes the market channel session and its reconnect supervisor.
//
//   - PingInterval: how often the literal PING keepalive is sent.
//   - ReadTimeout: the session is torn down if no frame arrives within this window.
//   - BackoffFloor / BackoffCeiling: reconnect delay bounds; the delay doubles per failure.
//   - CredentialPoll: how often to re-check for credentials while they are missing.
//   - SnapshotTimeout: per-request timeout for REST book snapshots.
//   - StaleAfter: the book is reported stale if no update arrived within this window.
type StreamConfig struct {
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	BackoffFloor    time.Duration `mapstructure:"backoff_floor"`
	BackoffCeiling  time.Duration `mapstructure:"backoff_ceiling"`
	CredentialPoll  time.Duration `mapstructure:"credential_poll"`
	SnapshotTimeout time.Duration `mapstructure:"snapshot_timeout"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
}

// WatchConfig selects the market watched at startup. Empty means wait for a
// watch request on the dashboard API.
type WatchConfig struct {
	MarketSlug string `mapstructure:"market_slug"`
	// StateDir holds the last watched slug so a restart resumes it when
	// MarketSlug is empty. Empty disables persistence.
	StateDir string `mapstructure:"state_dir"`
}

// RedisConfig enables the optional top-of-book mirror.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig selects level, handler format, and an optional rotated log file.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("api.requests_per_second", 5.0)
	v.SetDefault("wallet.chain_id", 137)

	v.SetDefault("stream.ping_interval", 10*time.Second)
	v.SetDefault("stream.read_timeout", 25*time.Second)
	v.SetDefault("stream.write_timeout", 10*time.Second)
	v.SetDefault("stream.backoff_floor", time.Second)
	v.SetDefault("stream.backoff_ceiling", 30*time.Second)
	v.SetDefault("stream.credential_poll", time.Second)
	v.SetDefault("stream.snapshot_timeout", 10*time.Second)
	v.SetDefault("stream.stale_after", time.Minute)

	v.SetDefault("watch.state_dir", "data")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.port", 8080)
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if slug := os.Getenv("POLY_MARKET_SLUG"); slug != "" {
		cfg.Watch.MarketSlug = slug
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.API.HasCredentials() && c.Wallet.PrivateKey == "" {
		return fmt.Errorf("either api.api_key/secret/passphrase or wallet.private_key is required (set POLY_API_KEY or POLY_PRIVATE_KEY)")
	}
	if c.Wallet.PrivateKey != "" && c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.WSMarketURL == "" {
		return fmt.Errorf("api.ws_market_url is required")
	}
	if c.API.RequestsPerSecond <= 0 {
		return fmt.Errorf("api.requests_per_second must be > 0")
	}
	if c.Stream.PingInterval <= 0 {
		return fmt.Errorf("stream.ping_interval must be > 0")
	}
	if c.Stream.ReadTimeout <= c.Stream.PingInterval {
		return fmt.Errorf("stream.read_timeout must be greater than stream.ping_interval")
	}
	if c.Stream.WriteTimeout <= 0 {
		return fmt.Errorf("stream.write_timeout must be > 0")
	}
	if c.Stream.BackoffFloor <= 0 {
		return fmt.Errorf("stream.backoff_floor must be > 0")
	}
	if c.Stream.BackoffCeiling < c.Stream.BackoffFloor {
		return fmt.Errorf("stream.backoff_ceiling must be >= stream.backoff_floor")
	}
	if c.Stream.CredentialPoll <= 0 {
		return fmt.Errorf("stream.credential_poll must be > 0")
	}
	if c.Stream.SnapshotTimeout <= 0 {
		return fmt.Errorf("stream.snapshot_timeout must be > 0")
	}
	if c.Stream.StaleAfter <= 0 {
		return fmt.Errorf("stream.stale_after must be > 0")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis.enabled is true")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}
	return nil
}
