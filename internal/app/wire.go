package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/fusemargin/internal/blob/s3"
	cachemem "github.com/alanyoungcy/fusemargin/internal/cache/memory"
	"github.com/alanyoungcy/fusemargin/internal/cache/redis"
	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/config"
	"github.com/alanyoungcy/fusemargin/internal/crypto"
	"github.com/alanyoungcy/fusemargin/internal/devnet"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/metrics"
	"github.com/alanyoungcy/fusemargin/internal/notify"
	"github.com/alanyoungcy/fusemargin/internal/server/handler"
	"github.com/alanyoungcy/fusemargin/internal/service"
	storemem "github.com/alanyoungcy/fusemargin/internal/store/memory"
	"github.com/alanyoungcy/fusemargin/internal/store/postgres"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Dependencies bundles everything the modes run on. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	ReceiptStore  domain.ReceiptStore
	AuditStore    domain.AuditStore

	// Caches
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Archiver is nil without object storage.
	Archiver domain.Archiver

	Signer   *crypto.Signer
	Env      *devnet.Env
	Margin   *service.MarginService
	Metrics  *metrics.Recorder
	Notifier *notify.Notifier

	// Health pings the external services in use.
	Health map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. The demo mode runs on the
// in-memory stores and caches; every other mode needs postgres, redis and S3.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Health:  make(map[string]handler.Pinger),
	}

	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	}, cfg.Wallet.ChainID, !cfg.NeedsInfra())
	if err != nil {
		return fail(fmt.Errorf("wire: operator key: %w", err))
	}
	deps.Signer = signer

	if cfg.NeedsInfra() {
		if err := wireInfra(ctx, cfg, deps, &closers); err != nil {
			return fail(err)
		}
	} else {
		deps.PositionStore = storemem.NewPositionStore()
		deps.ReceiptStore = storemem.NewReceiptStore()
		deps.AuditStore = storemem.NewAuditStore()
		deps.RateLimiter = cachemem.NewRateLimiter()
		deps.LockManager = cachemem.NewLockManager()
		deps.EventBus = cachemem.NewEventBus()
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Settlement chain ---
	dcfg, err := devnetConfig(cfg.Devnet, signer.Address())
	if err != nil {
		return fail(fmt.Errorf("wire: devnet config: %w", err))
	}
	env, err := devnet.Deploy(ctx, chain.New(logger), dcfg, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Env = env

	deps.Margin = service.NewMarginService(env,
		deps.PositionStore, deps.ReceiptStore, deps.AuditStore,
		deps.LockManager, deps.EventBus,
		service.Options{
			ChainID:            cfg.Wallet.ChainID,
			LockTTL:            cfg.Engine.LockTTL.Duration,
			DefaultSlippageBps: uint64(cfg.Engine.DefaultSlippageBps),
			MaxSlippageBps:     uint64(cfg.Engine.MaxSlippageBps),
			RequestMaxAge:      cfg.Engine.RequestMaxAge.Duration,
		},
		logger,
	).
		WithSigner(signer).
		WithNotifier(deps.Notifier).
		WithMetrics(deps.Metrics)

	return deps, cleanup, nil
}

func wireInfra(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func()) error {
	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fmt.Errorf("wire: postgres: %w", err)
	}
	*closers = append(*closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.ReceiptStore = postgres.NewReceiptStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.Health["postgres"] = pgClient.Ping

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fmt.Errorf("wire: redis: %w", err)
	}
	*closers = append(*closers, func() { _ = redisClient.Close() })

	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)
	deps.Health["redis"] = redisClient.Ping

	// --- S3 blob storage ---
	s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return fmt.Errorf("wire: s3: %w", err)
	}
	deps.Health["s3"] = s3Client.Health

	deps.Archiver = s3blob.NewArchiver(
		s3blob.NewWriter(s3Client),
		s3blob.NewReader(s3Client),
		deps.ReceiptStore,
		deps.AuditStore,
		strings.TrimSuffix(cfg.Archive.Prefix, "/"),
		cfg.Archive.BatchSize,
	)
	return nil
}

// devnetConfig turns the decimal strings of the config file into a deploy
// configuration.
func devnetConfig(c config.DevnetConfig, operator common.Address) (devnet.Config, error) {
	var errs []string
	dec := func(field, s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not a decimal", field, s))
		}
		return d
	}
	asset := func(role string, a config.AssetConfig) devnet.Asset {
		return devnet.Asset{
			Name:             a.Name,
			Symbol:           a.Symbol,
			Decimals:         uint8(a.Decimals),
			PriceUSD:         dec(role+".price_usd", a.PriceUSD),
			CollateralFactor: dec(role+".collateral_factor", a.CollateralFactor),
		}
	}

	out := devnet.Config{
		Operator:           operator,
		Collateral:         asset("collateral", c.Collateral),
		Debt:               asset("debt", c.Debt),
		BorrowRatePerBlock: dec("borrow_rate_per_block", c.BorrowRatePerBlock),
		ReserveFactor:      dec("reserve_factor", c.ReserveFactor),
		LendingLiquidity:   dec("lending_liquidity", c.LendingLiquidity),
		PairCollateral:     dec("pair_collateral", c.PairCollateral),
		PairDebt:           dec("pair_debt", c.PairDebt),
		SwapFeeBps:         uint64(c.SwapFeeBps),
		SwapCollateral:     dec("swap_collateral", c.SwapCollateral),
		SwapDebt:           dec("swap_debt", c.SwapDebt),
		RegistryName:       c.RegistryName,
		RegistrySymbol:     c.RegistrySymbol,
	}
	if len(errs) > 0 {
		return devnet.Config{}, fmt.Errorf("%s: %w", strings.Join(errs, "; "), domain.ErrInvalidParams)
	}
	return out, nil
}
