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
// built-in defaults, applies FUSEMARGIN_* environment variable overrides,
// and returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FUSEMARGIN_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are usually injected this way.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "FUSEMARGIN_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "FUSEMARGIN_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "FUSEMARGIN_WALLET_KEY_PASSWORD")
	setInt(&cfg.Wallet.ChainID, "FUSEMARGIN_WALLET_CHAIN_ID")

	// ── Devnet ──
	setStr(&cfg.Devnet.Collateral.PriceUSD, "FUSEMARGIN_DEVNET_COLLATERAL_PRICE_USD")
	setStr(&cfg.Devnet.Debt.PriceUSD, "FUSEMARGIN_DEVNET_DEBT_PRICE_USD")
	setStr(&cfg.Devnet.BorrowRatePerBlock, "FUSEMARGIN_DEVNET_BORROW_RATE_PER_BLOCK")
	setStr(&cfg.Devnet.LendingLiquidity, "FUSEMARGIN_DEVNET_LENDING_LIQUIDITY")
	setInt(&cfg.Devnet.SwapFeeBps, "FUSEMARGIN_DEVNET_SWAP_FEE_BPS")
	setBool(&cfg.Devnet.FaucetEnabled, "FUSEMARGIN_DEVNET_FAUCET_ENABLED")

	// ── Engine ──
	setDuration(&cfg.Engine.LockTTL, "FUSEMARGIN_ENGINE_LOCK_TTL")
	setInt(&cfg.Engine.DefaultSlippageBps, "FUSEMARGIN_ENGINE_DEFAULT_SLIPPAGE_BPS")
	setInt(&cfg.Engine.MaxSlippageBps, "FUSEMARGIN_ENGINE_MAX_SLIPPAGE_BPS")
	setDuration(&cfg.Engine.RequestMaxAge, "FUSEMARGIN_ENGINE_REQUEST_MAX_AGE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FUSEMARGIN_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FUSEMARGIN_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FUSEMARGIN_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FUSEMARGIN_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FUSEMARGIN_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FUSEMARGIN_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FUSEMARGIN_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FUSEMARGIN_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FUSEMARGIN_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FUSEMARGIN_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FUSEMARGIN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUSEMARGIN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUSEMARGIN_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUSEMARGIN_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FUSEMARGIN_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FUSEMARGIN_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "FUSEMARGIN_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FUSEMARGIN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FUSEMARGIN_S3_REGION")
	setStr(&cfg.S3.Bucket, "FUSEMARGIN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FUSEMARGIN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FUSEMARGIN_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FUSEMARGIN_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FUSEMARGIN_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "FUSEMARGIN_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "FUSEMARGIN_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "FUSEMARGIN_ARCHIVE_CRON")
	setInt(&cfg.Archive.BatchSize, "FUSEMARGIN_ARCHIVE_BATCH_SIZE")
	setStr(&cfg.Archive.Prefix, "FUSEMARGIN_ARCHIVE_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FUSEMARGIN_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FUSEMARGIN_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FUSEMARGIN_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FUSEMARGIN_SERVER_API_KEY")
	setStr(&cfg.Server.AdminKey, "FUSEMARGIN_SERVER_ADMIN_KEY")
	setStr(&cfg.Server.AdminSecret, "FUSEMARGIN_SERVER_ADMIN_SECRET")
	setInt(&cfg.Server.RateLimit, "FUSEMARGIN_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "FUSEMARGIN_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FUSEMARGIN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FUSEMARGIN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FUSEMARGIN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FUSEMARGIN_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FUSEMARGIN_MODE")
	setStr(&cfg.LogLevel, "FUSEMARGIN_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.

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
