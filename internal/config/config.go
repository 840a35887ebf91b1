// Package config defines the top-level configuration for basketbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BASKETBOT_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Wallet   WalletConfig   `toml:"wallet"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Venues   VenuesConfig   `toml:"venues"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Archive  ArchiveConfig  `toml:"archive"`
	Baskets  []BasketSeed   `toml:"baskets"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds rebalance engine parameters.
type EngineConfig struct {
	DefaultFeeBps int `toml:"default_fee_bps"`
	// PersistBuffer is the queue length of the asynchronous state writer.
	PersistBuffer int `toml:"persist_buffer"`
}

// WalletConfig holds the keeper's signing key.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// Namespace prefixes every key; deployments sharing a Redis need
	// distinct namespaces.
	Namespace string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// VenuesConfig lists the execution venues registered with the router.
type VenuesConfig struct {
	Oracle OracleVenueConfig `toml:"oracle"`
	RFQ    []RFQVenueConfig  `toml:"rfq"`
}

// OracleVenueConfig configures the venue that fills at cached prices.
type OracleVenueConfig struct {
	Enabled       bool     `toml:"enabled"`
	Name          string   `toml:"name"`
	SpreadBps     int      `toml:"spread_bps"`
	MaxPriceAge   duration `toml:"max_price_age"`
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
}

// RFQVenueConfig configures one request-for-quote maker.
type RFQVenueConfig struct {
	Name          string   `toml:"name"`
	BaseURL       string   `toml:"base_url"`
	APIKey        string   `toml:"api_key"`
	APISecret     string   `toml:"api_secret"`
	Timeout       duration `toml:"timeout"`
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
}

// KeeperConfig holds parameters of the trade keeper loop.
type KeeperConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	LockTTL  duration `toml:"lock_ttl"`
	// SlippageBps is the tolerated shortfall against the cached price when
	// computing MinReceived.
	SlippageBps int      `toml:"slippage_bps"`
	MaxPriceAge duration `toml:"max_price_age"`
	Backoff     duration `toml:"backoff"`
	// EngineURL is the API the keeper trades through in keeper mode. Full
	// mode drives the in-process engine directly.
	EngineURL    string   `toml:"engine_url"`
	Concurrency  int      `toml:"concurrency"`
	Baskets      []string `toml:"baskets"`
	RaiseTargets bool     `toml:"raise_targets"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// AdminAPIKey guards the operator routes (registration, shares,
	// multiplier, fee).
	AdminAPIKey        string   `toml:"admin_api_key"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
	SignatureMaxSkew   duration `toml:"signature_max_skew"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ArchiveConfig controls how fills and audit rows move to S3.
type ArchiveConfig struct {
	// Enabled runs the archiver on Interval inside serve and full modes.
	// The archive command works regardless.
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	Prefix        string   `toml:"prefix"`
}

// BasketSeed registers a basket at startup unless it was already restored
// from the database. Positions map asset to unit.
type BasketSeed struct {
	ID          string            `toml:"id"`
	QuoteAsset  string            `toml:"quote_asset"`
	Manager     string            `toml:"manager"`
	TotalShares string            `toml:"total_shares"`
	Multiplier  string            `toml:"position_multiplier"`
	Positions   map[string]string `toml:"positions"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			DefaultFeeBps: 0,
			PersistBuffer: 1024,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "basketbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "basketbot",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "basketbot-data",
			ForcePathStyle: true,
		},
		Venues: VenuesConfig{
			Oracle: OracleVenueConfig{
				Enabled:       true,
				Name:          "oracle",
				SpreadBps:     30,
				MaxPriceAge:   duration{time.Minute},
				RatePerSecond: 10,
				Burst:         5,
			},
		},
		Keeper: KeeperConfig{
			Enabled:      true,
			Interval:     duration{15 * time.Second},
			LockTTL:      duration{30 * time.Second},
			SlippageBps:  100,
			MaxPriceAge:  duration{time.Minute},
			Backoff:      duration{time.Minute},
			EngineURL:    "http://127.0.0.1:8000",
			Concurrency:  4,
			RaiseTargets: false,
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMinute: 120,
			SignatureMaxSkew:   duration{5 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"fill_executed", "rebalance_started", "rebalance_raised", "error"},
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
			Prefix:        "archive",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":  true,
	"keeper": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsKeeper reports whether the configured mode runs the keeper loop.
func (c *Config) NeedsKeeper() bool {
	m := strings.ToLower(c.Mode)
	return m == "keeper" || (m == "full" && c.Keeper.Enabled)
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, keeper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.DefaultFeeBps < 0 || c.Engine.DefaultFeeBps > 10000 {
		errs = append(errs, fmt.Sprintf("engine: default_fee_bps must be 0-10000, got %d", c.Engine.DefaultFeeBps))
	}
	if c.Engine.PersistBuffer < 1 {
		errs = append(errs, "engine: persist_buffer must be >= 1")
	}

	// Wallet: the keeper signs every call it makes.
	if c.NeedsKeeper() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set when the keeper runs")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	errs = append(errs, c.validateVenues()...)

	// Keeper
	if c.NeedsKeeper() {
		if c.Keeper.Interval.Duration <= 0 {
			errs = append(errs, "keeper: interval must be > 0")
		}
		if c.Keeper.LockTTL.Duration <= 0 {
			errs = append(errs, "keeper: lock_ttl must be > 0")
		}
		if c.Keeper.Concurrency <= 0 {
			errs = append(errs, "keeper: concurrency must be > 0")
		}
		if strings.EqualFold(c.Mode, "keeper") && c.Keeper.EngineURL == "" {
			errs = append(errs, "keeper: engine_url is required in keeper mode")
		}
	}
	if c.Keeper.SlippageBps < 0 || c.Keeper.SlippageBps > 10000 {
		errs = append(errs, fmt.Sprintf("keeper: slippage_bps must be 0-10000, got %d", c.Keeper.SlippageBps))
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.SignatureMaxSkew.Duration <= 0 {
			errs = append(errs, "server: signature_max_skew must be > 0")
		}
	}

	// Archive
	if c.Archive.RetentionDays < 1 {
		errs = append(errs, "archive: retention_days must be >= 1")
	}
	if c.Archive.Enabled && c.Archive.Interval.Duration <= 0 {
		errs = append(errs, "archive: interval must be > 0 when enabled")
	}

	errs = append(errs, c.validateBaskets()...)

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateVenues() []string {
	var errs []string
	names := map[string]bool{}
	o := c.Venues.Oracle
	if o.Enabled {
		if o.Name == "" {
			errs = append(errs, "venues.oracle: name must not be empty")
		}
		if o.SpreadBps < 0 || o.SpreadBps >= 10000 {
			errs = append(errs, fmt.Sprintf("venues.oracle: spread_bps must be 0-9999, got %d", o.SpreadBps))
		}
		if o.MaxPriceAge.Duration <= 0 {
			errs = append(errs, "venues.oracle: max_price_age must be > 0")
		}
		names[o.Name] = true
	}
	for i, r := range c.Venues.RFQ {
		if r.Name == "" || r.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("venues.rfq[%d]: name and base_url must be set", i))
		}
		if r.APIKey == "" || r.APISecret == "" {
			errs = append(errs, fmt.Sprintf("venues.rfq[%d]: api_key and api_secret must be set", i))
		}
		if names[r.Name] {
			errs = append(errs, fmt.Sprintf("venues.rfq[%d]: duplicate venue name %q", i, r.Name))
		}
		names[r.Name] = true
	}
	if len(names) == 0 {
		errs = append(errs, "venues: at least one venue must be configured")
	}
	return errs
}

func (c *Config) validateBaskets() []string {
	var errs []string
	seen := map[string]bool{}
	for i, b := range c.Baskets {
		if b.ID == "" || b.QuoteAsset == "" {
			errs = append(errs, fmt.Sprintf("baskets[%d]: id and quote_asset must be set", i))
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Sprintf("baskets[%d]: duplicate id %q", i, b.ID))
		}
		seen[b.ID] = true
		if _, err := decimal.NewFromString(b.TotalShares); err != nil {
			errs = append(errs, fmt.Sprintf("baskets[%d]: total_shares %q: %v", i, b.TotalShares, err))
		}
		if b.Multiplier != "" {
			if _, err := decimal.NewFromString(b.Multiplier); err != nil {
				errs = append(errs, fmt.Sprintf("baskets[%d]: position_multiplier %q: %v", i, b.Multiplier, err))
			}
		}
		for asset, unit := range b.Positions {
			if _, err := decimal.NewFromString(unit); err != nil {
				errs = append(errs, fmt.Sprintf("baskets[%d]: position %s=%q: %v", i, asset, unit, err))
			}
		}
	}
	return errs
}
