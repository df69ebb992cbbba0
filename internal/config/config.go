// Package config defines the top-level configuration for the margin engine
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FUSEMARGIN_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Devnet   DevnetConfig   `toml:"devnet"`
	Engine   EngineConfig   `toml:"engine"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// WalletConfig holds the operator key. The operator deploys the devnet,
// mints faucet funds and attests receipts.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	ChainID          int    `toml:"chain_id"`
}

// AssetConfig describes one devnet token and its lending market. Decimal
// quantities are strings so they survive TOML without float rounding.
type AssetConfig struct {
	Name             string `toml:"name"`
	Symbol           string `toml:"symbol"`
	Decimals         int    `toml:"decimals"`
	PriceUSD         string `toml:"price_usd"`
	CollateralFactor string `toml:"collateral_factor"`
}

// DevnetConfig sizes the environment deployed at startup.
type DevnetConfig struct {
	Collateral         AssetConfig `toml:"collateral"`
	Debt               AssetConfig `toml:"debt"`
	BorrowRatePerBlock string      `toml:"borrow_rate_per_block"`
	ReserveFactor      string      `toml:"reserve_factor"`
	LendingLiquidity   string      `toml:"lending_liquidity"`
	PairCollateral     string      `toml:"pair_collateral"`
	PairDebt           string      `toml:"pair_debt"`
	SwapFeeBps         int         `toml:"swap_fee_bps"`
	SwapCollateral     string      `toml:"swap_collateral"`
	SwapDebt           string      `toml:"swap_debt"`
	RegistryName       string      `toml:"registry_name"`
	RegistrySymbol     string      `toml:"registry_symbol"`
	FaucetEnabled      bool        `toml:"faucet_enabled"`
	FaucetCollateral   string      `toml:"faucet_collateral"`
	FaucetDebt         string      `toml:"faucet_debt"`
}

// EngineConfig tunes how requests are settled.
type EngineConfig struct {
	LockTTL            duration `toml:"lock_ttl"`
	DefaultSlippageBps int      `toml:"default_slippage_bps"`
	MaxSlippageBps     int      `toml:"max_slippage_bps"`
	RequestMaxAge      duration `toml:"request_max_age"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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
	KeyPrefix  string `toml:"key_prefix"`
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

// ArchiveConfig controls how settled receipts leave the database.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"` // 5-field, UTC
	BatchSize     int    `toml:"batch_size"`
	Prefix        string `toml:"prefix"`
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
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	AdminKey        string   `toml:"admin_key"`
	AdminSecret     string   `toml:"admin_secret"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values: a
// WBTC/DAI devnet and local infrastructure.
func Defaults() Config {
	return Config{
		Wallet: WalletConfig{
			ChainID: 31337,
		},
		Devnet: DevnetConfig{
			Collateral: AssetConfig{
				Name:             "Wrapped BTC",
				Symbol:           "WBTC",
				Decimals:         8,
				PriceUSD:         "60000",
				CollateralFactor: "0.75",
			},
			Debt: AssetConfig{
				Name:             "Dai Stablecoin",
				Symbol:           "DAI",
				Decimals:         18,
				PriceUSD:         "1",
				CollateralFactor: "0.75",
			},
			BorrowRatePerBlock: "0",
			ReserveFactor:      "0",
			LendingLiquidity:   "1000000",
			PairCollateral:     "100",
			PairDebt:           "6000000",
			SwapFeeBps:         0,
			SwapCollateral:     "100",
			SwapDebt:           "6000000",
			RegistryName:       "Fuse Margin Position",
			RegistrySymbol:     "FMP",
			FaucetEnabled:      true,
			FaucetCollateral:   "1",
			FaucetDebt:         "10000",
		},
		Engine: EngineConfig{
			LockTTL:            duration{10 * time.Second},
			DefaultSlippageBps: 50,
			MaxSlippageBps:     500,
			RequestMaxAge:      duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "fusemargin",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			KeyPrefix:  "fusemargin",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "fusemargin-receipts",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       true,
			RetentionDays: 30,
			Cron:          "0 3 * * *",
			BatchSize:     5000,
			Prefix:        "archive/receipts",
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "tx_reverted"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"archive": true,
	"demo":    true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsInfra reports whether mode talks to postgres, redis and S3. The demo
// mode runs entirely in memory.
func (c *Config) NeedsInfra() bool {
	return strings.ToLower(c.Mode) != "demo"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, archive, demo, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: without a key the operator is derived from a throwaway key,
	// which is only acceptable for the demo.
	if c.NeedsInfra() && c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}
	if c.Wallet.ChainID <= 0 {
		errs = append(errs, "wallet: chain_id must be positive")
	}

	errs = append(errs, c.Devnet.validate()...)

	if c.Engine.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be > 0")
	}
	if c.Engine.DefaultSlippageBps < 0 || c.Engine.DefaultSlippageBps > c.Engine.MaxSlippageBps {
		errs = append(errs, "engine: default_slippage_bps must be between 0 and max_slippage_bps")
	}
	if c.Engine.MaxSlippageBps >= 10_000 {
		errs = append(errs, "engine: max_slippage_bps must be < 10000")
	}
	if c.Engine.RequestMaxAge.Duration <= 0 {
		errs = append(errs, "engine: request_max_age must be > 0")
	}

	if c.NeedsInfra() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}

		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}

		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	if c.Archive.Enabled {
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if _, err := cron.ParseStandard(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: cron %q: %v", c.Archive.Cron, err))
		}
		if c.Archive.BatchSize < 1 {
			errs = append(errs, "archive: batch_size must be >= 1")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if (c.Server.AdminKey == "") != (c.Server.AdminSecret == "") {
			errs = append(errs, "server: admin_key and admin_secret must be set together")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (d DevnetConfig) validate() []string {
	var errs []string
	for _, a := range []struct {
		role  string
		asset AssetConfig
	}{{"collateral", d.Collateral}, {"debt", d.Debt}} {
		if a.asset.Symbol == "" {
			errs = append(errs, "devnet."+a.role+": symbol must not be empty")
		}
		if a.asset.Decimals < 0 || a.asset.Decimals > 36 {
			errs = append(errs, fmt.Sprintf("devnet.%s: decimals must be 0-36, got %d", a.role, a.asset.Decimals))
		}
		errs = appendDecimal(errs, "devnet."+a.role+".price_usd", a.asset.PriceUSD, true)
		errs = appendDecimal(errs, "devnet."+a.role+".collateral_factor", a.asset.CollateralFactor, false)
		if cf, err := decimal.NewFromString(a.asset.CollateralFactor); err == nil && cf.GreaterThan(decimal.NewFromFloat(0.9)) {
			errs = append(errs, "devnet."+a.role+".collateral_factor must be <= 0.9")
		}
	}
	if d.Collateral.Symbol != "" && strings.EqualFold(d.Collateral.Symbol, d.Debt.Symbol) {
		errs = append(errs, "devnet: collateral and debt must be different assets")
	}
	errs = appendDecimal(errs, "devnet.borrow_rate_per_block", d.BorrowRatePerBlock, false)
	errs = appendDecimal(errs, "devnet.reserve_factor", d.ReserveFactor, false)
	errs = appendDecimal(errs, "devnet.lending_liquidity", d.LendingLiquidity, false)
	errs = appendDecimal(errs, "devnet.pair_collateral", d.PairCollateral, true)
	errs = appendDecimal(errs, "devnet.pair_debt", d.PairDebt, true)
	errs = appendDecimal(errs, "devnet.swap_collateral", d.SwapCollateral, false)
	errs = appendDecimal(errs, "devnet.swap_debt", d.SwapDebt, false)
	if d.SwapFeeBps < 0 || d.SwapFeeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("devnet: swap_fee_bps must be 0-9999, got %d", d.SwapFeeBps))
	}
	if d.FaucetEnabled {
		errs = appendDecimal(errs, "devnet.faucet_collateral", d.FaucetCollateral, false)
		errs = appendDecimal(errs, "devnet.faucet_debt", d.FaucetDebt, false)
	}
	return errs
}

// appendDecimal checks that s is a non-negative decimal, strictly positive
// when positive is set.
func appendDecimal(errs []string, field, s string, positive bool) []string {
	d, err := decimal.NewFromString(s)
	switch {
	case err != nil:
		return append(errs, fmt.Sprintf("%s: %q is not a decimal", field, s))
	case d.IsNegative():
		return append(errs, field+" must not be negative")
	case positive && d.IsZero():
		return append(errs, field+" must be > 0")
	}
	return errs
}
