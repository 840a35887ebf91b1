package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BASKETBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BASKETBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setInt(&cfg.Engine.DefaultFeeBps, "BASKETBOT_ENGINE_DEFAULT_FEE_BPS")
	setInt(&cfg.Engine.PersistBuffer, "BASKETBOT_ENGINE_PERSIST_BUFFER")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "BASKETBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "BASKETBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "BASKETBOT_WALLET_KEY_PASSWORD")

	// ── Database ──
	setStr(&cfg.Database.DSN, "BASKETBOT_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Database.Host, "BASKETBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "BASKETBOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "BASKETBOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "BASKETBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "BASKETBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "BASKETBOT_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "BASKETBOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "BASKETBOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "BASKETBOT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BASKETBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BASKETBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BASKETBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BASKETBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BASKETBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BASKETBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "BASKETBOT_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BASKETBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BASKETBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "BASKETBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BASKETBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BASKETBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BASKETBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BASKETBOT_S3_FORCE_PATH_STYLE")

	// ── Venues ──
	setBool(&cfg.Venues.Oracle.Enabled, "BASKETBOT_VENUES_ORACLE_ENABLED")
	setInt(&cfg.Venues.Oracle.SpreadBps, "BASKETBOT_VENUES_ORACLE_SPREAD_BPS")
	setDuration(&cfg.Venues.Oracle.MaxPriceAge, "BASKETBOT_VENUES_ORACLE_MAX_PRICE_AGE")
	for i := range cfg.Venues.RFQ {
		// Secrets of RFQ makers are keyed by venue name, e.g.
		// BASKETBOT_RFQ_ACME_API_SECRET.
		prefix := "BASKETBOT_RFQ_" + envName(cfg.Venues.RFQ[i].Name)
		setStr(&cfg.Venues.RFQ[i].APIKey, prefix+"_API_KEY")
		setStr(&cfg.Venues.RFQ[i].APISecret, prefix+"_API_SECRET")
	}

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "BASKETBOT_KEEPER_ENABLED")
	setDuration(&cfg.Keeper.Interval, "BASKETBOT_KEEPER_INTERVAL")
	setDuration(&cfg.Keeper.LockTTL, "BASKETBOT_KEEPER_LOCK_TTL")
	setInt(&cfg.Keeper.SlippageBps, "BASKETBOT_KEEPER_SLIPPAGE_BPS")
	setDuration(&cfg.Keeper.Backoff, "BASKETBOT_KEEPER_BACKOFF")
	setDuration(&cfg.Keeper.MaxPriceAge, "BASKETBOT_KEEPER_MAX_PRICE_AGE")
	setStr(&cfg.Keeper.EngineURL, "BASKETBOT_KEEPER_ENGINE_URL")
	setInt(&cfg.Keeper.Concurrency, "BASKETBOT_KEEPER_CONCURRENCY")
	setStringSlice(&cfg.Keeper.Baskets, "BASKETBOT_KEEPER_BASKETS")
	setBool(&cfg.Keeper.RaiseTargets, "BASKETBOT_KEEPER_RAISE_TARGETS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BASKETBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BASKETBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BASKETBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminAPIKey, "BASKETBOT_SERVER_ADMIN_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "BASKETBOT_SERVER_RATE_LIMIT_PER_MINUTE")
	setDuration(&cfg.Server.SignatureMaxSkew, "BASKETBOT_SERVER_SIGNATURE_MAX_SKEW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BASKETBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BASKETBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BASKETBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BASKETBOT_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BASKETBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "BASKETBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "BASKETBOT_ARCHIVE_INTERVAL")
	setStr(&cfg.Archive.Prefix, "BASKETBOT_ARCHIVE_PREFIX")

	// ── Top-level ──
	setStr(&cfg.Mode, "BASKETBOT_MODE")
	setStr(&cfg.LogLevel, "BASKETBOT_LOG_LEVEL")
}

// envName upper-cases s and replaces every non-alphanumeric rune with '_'.
func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, s)
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
