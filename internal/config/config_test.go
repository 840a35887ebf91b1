package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "full"
log_level = "debug"

[engine]
default_fee_bps = 25

[wallet]
private_key = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

[database]
dsn = "postgres://u:p@db:5432/basketbot"

[venues.oracle]
enabled = true
name = "oracle"
spread_bps = 40
max_price_age = "30s"

[[venues.rfq]]
name = "acme"
base_url = "https://rfq.acme.test"
api_key = "k"
api_secret = "s"
timeout = "3s"

[keeper]
interval = "5s"
baskets = ["idx"]

[[baskets]]
id = "idx"
quote_asset = "WETH"
manager = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
total_shares = "100"
positions = { AAA = "10", BBB = "2.5" }
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 25, cfg.Engine.DefaultFeeBps)
	assert.Equal(t, 1024, cfg.Engine.PersistBuffer)
	assert.Equal(t, 30*time.Second, cfg.Venues.Oracle.MaxPriceAge.Duration)
	assert.Equal(t, 3*time.Second, cfg.Venues.RFQ[0].Timeout.Duration)
	assert.Equal(t, 5*time.Second, cfg.Keeper.Interval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Keeper.LockTTL.Duration)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Len(t, cfg.Baskets, 1)
	assert.Equal(t, "2.5", cfg.Baskets[0].Positions["BBB"])
	assert.True(t, cfg.NeedsKeeper())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BASKETBOT_MODE", "serve")
	t.Setenv("BASKETBOT_KEEPER_INTERVAL", "1m")
	t.Setenv("BASKETBOT_SERVER_CORS_ORIGINS", "https://a.test, https://b.test")
	t.Setenv("BASKETBOT_RFQ_ACME_API_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "serve", cfg.Mode)
	assert.False(t, cfg.NeedsKeeper())
	assert.Equal(t, time.Minute, cfg.Keeper.Interval.Duration)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "from-env", cfg.Venues.RFQ[0].APISecret)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	cfg.Engine.DefaultFeeBps = 20000
	cfg.Redis.Addr = ""
	cfg.Venues.Oracle.Enabled = false
	cfg.Baskets = []BasketSeed{{ID: "idx", TotalShares: "many"}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "backtest"`,
		"default_fee_bps",
		"redis: addr",
		"at least one venue",
		"id and quote_asset",
		"total_shares",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateKeeperNeedsWallet(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet")

	cfg.Keeper.Enabled = false
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	cfg.Server.AdminAPIKey = "admin"

	out := RedactedConfig(cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Database.DSN)
	assert.Equal(t, "***", out.Server.AdminAPIKey)
	assert.Equal(t, "***", out.Venues.RFQ[0].APISecret)
	assert.Equal(t, "", out.Wallet.KeyPassword)

	out.Baskets[0].Positions["AAA"] = "0"
	assert.Equal(t, "s", cfg.Venues.RFQ[0].APISecret)
	assert.Equal(t, "10", cfg.Baskets[0].Positions["AAA"])
}
