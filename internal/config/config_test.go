package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidateInDemoMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "demo"
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.NeedsInfra())
}

func TestDefaultsNeedWalletOutsideDemo(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet: either private_key or encrypted_key_path")

	cfg.Wallet.PrivateKey = "0xabc"
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "sideways"
	cfg.LogLevel = "loud"
	cfg.Devnet.Debt.Symbol = "WBTC"
	cfg.Devnet.Collateral.CollateralFactor = "0.95"
	cfg.Devnet.PairDebt = "lots"
	cfg.Engine.DefaultSlippageBps = 900

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "sideways"`,
		`unknown log_level "loud"`,
		"collateral and debt must be different assets",
		"devnet.collateral.collateral_factor must be <= 0.9",
		`devnet.pair_debt: "lots" is not a decimal`,
		"engine: default_slippage_bps",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateAdminCredentialsTogether(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "demo"
	cfg.Server.AdminKey = "ops"
	require.ErrorContains(t, cfg.Validate(), "admin_key and admin_secret")

	cfg.Server.AdminSecret = "s3cret"
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fusemargin.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"

[devnet]
swap_fee_bps = 30

[devnet.collateral]
symbol = "WETH"
decimals = 18
price_usd = "3000"

[engine]
lock_ttl = "3s"

[server]
port = 9100
`), 0o600))

	t.Setenv("FUSEMARGIN_SERVER_PORT", "9200")
	t.Setenv("FUSEMARGIN_NOTIFY_EVENTS", "position_opened, ,tx_reverted")
	t.Setenv("FUSEMARGIN_ARCHIVE_CRON", "30 2 * * 0")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, 30, cfg.Devnet.SwapFeeBps)
	assert.Equal(t, "WETH", cfg.Devnet.Collateral.Symbol)
	assert.Equal(t, 18, cfg.Devnet.Collateral.Decimals)
	// untouched keys keep their defaults
	assert.Equal(t, "0.75", cfg.Devnet.Collateral.CollateralFactor)
	assert.Equal(t, "DAI", cfg.Devnet.Debt.Symbol)
	assert.Equal(t, 3*time.Second, cfg.Engine.LockTTL.Duration)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, []string{"position_opened", "tx_reverted"}, cfg.Notify.Events)
	assert.Equal(t, "30 2 * * 0", cfg.Archive.Cron)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0xdeadbeef"
	cfg.S3.SecretKey = "minio"
	cfg.Server.AdminSecret = "shh"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Server.AdminSecret)
	assert.Empty(t, out.Redis.Password)
	assert.Equal(t, "0xdeadbeef", cfg.Wallet.PrivateKey)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "position_opened", cfg.Notify.Events[0])
}

func TestValidateArchiveCron(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "demo"
	cfg.Archive.Enabled = true

	for _, expr := range []string{"0 3 * * *", "5/10 * * * *", "@daily"} {
		cfg.Archive.Cron = expr
		assert.NoError(t, cfg.Validate(), expr)
	}
	for _, expr := range []string{"0 3 * *", "61 * * * *", "*/0 * * * *"} {
		cfg.Archive.Cron = expr
		assert.ErrorContains(t, cfg.Validate(), "archive: cron", expr)
	}
}
