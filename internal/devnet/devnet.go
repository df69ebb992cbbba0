// Package devnet deploys a complete margin environment onto a settlement
// chain: two tokens, a lending pool with a market for each, an exchange
// pair, a swap venue, the position registry and the engine.
package devnet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/engine"
	"github.com/alanyoungcy/fusemargin/internal/exchange"
	"github.com/alanyoungcy/fusemargin/internal/lending"
	"github.com/alanyoungcy/fusemargin/internal/registry"
	"github.com/alanyoungcy/fusemargin/internal/swap"
	"github.com/alanyoungcy/fusemargin/internal/token"
	"github.com/alanyoungcy/fusemargin/internal/units"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Asset describes one token and its lending market.
type Asset struct {
	Name             string
	Symbol           string
	Decimals         uint8
	PriceUSD         decimal.Decimal
	CollateralFactor decimal.Decimal
}

// Config is everything Deploy needs. Liquidity amounts are whole-token
// decimals.
type Config struct {
	Operator   common.Address
	Collateral Asset
	Debt       Asset

	BorrowRatePerBlock decimal.Decimal
	ReserveFactor      decimal.Decimal

	LendingLiquidity decimal.Decimal
	PairCollateral   decimal.Decimal
	PairDebt         decimal.Decimal
	SwapFeeBps       uint64
	SwapCollateral   decimal.Decimal
	SwapDebt         decimal.Decimal
	RegistryName     string
	RegistrySymbol   string
}

// DefaultConfig is a WBTC/DAI environment.
func DefaultConfig(operator common.Address) Config {
	return Config{
		Operator: operator,
		Collateral: Asset{
			Name: "Wrapped BTC", Symbol: "WBTC", Decimals: 8,
			PriceUSD: decimal.NewFromInt(60_000), CollateralFactor: decimal.RequireFromString("0.75"),
		},
		Debt: Asset{
			Name: "Dai Stablecoin", Symbol: "DAI", Decimals: 18,
			PriceUSD: decimal.NewFromInt(1), CollateralFactor: decimal.RequireFromString("0.75"),
		},
		BorrowRatePerBlock: decimal.Zero,
		ReserveFactor:      decimal.Zero,
		LendingLiquidity:   decimal.NewFromInt(1_000_000),
		PairCollateral:     decimal.NewFromInt(100),
		PairDebt:           decimal.NewFromInt(6_000_000),
		SwapFeeBps:         0,
		SwapCollateral:     decimal.NewFromInt(100),
		SwapDebt:           decimal.NewFromInt(6_000_000),
		RegistryName:       "Fuse Margin Position",
		RegistrySymbol:     "FMP",
	}
}

// Env is a deployed environment.
type Env struct {
	Chain    *chain.Chain
	Operator common.Address

	Collateral       *token.Token
	Debt             *token.Token
	Comptroller      *lending.Comptroller
	CollateralMarket *lending.Market
	DebtMarket       *lending.Market
	Pair             *exchange.Pair
	Aggregator       *swap.Aggregator
	Registry         *registry.Registry
	Engine           *engine.Engine
}

// Deploy builds cfg on c in a single transaction sent by cfg.Operator.
func Deploy(ctx context.Context, c *chain.Chain, cfg Config, logger *slog.Logger) (*Env, error) {
	env := &Env{Chain: c, Operator: cfg.Operator}
	receipt, err := c.Transact(ctx, cfg.Operator, func(tx *chain.Tx) error {
		return env.deploy(tx, cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("devnet: deploy: %w", err)
	}
	logger.InfoContext(ctx, "devnet deployed",
		slog.String("component", "devnet"),
		slog.String("tx_id", receipt.TxID),
		slog.String("engine", env.Engine.Address().Hex()),
		slog.String("registry", env.Registry.Address().Hex()),
		slog.String("pair", env.Pair.Address().Hex()),
		slog.String("aggregator", env.Aggregator.Address().Hex()),
		slog.String("comptroller", env.Comptroller.Address().Hex()),
	)
	return env, nil
}

func (env *Env) deploy(tx *chain.Tx, cfg Config) error {
	var err error
	if env.Collateral, err = token.Deploy(tx, cfg.Collateral.Name, cfg.Collateral.Symbol, cfg.Collateral.Decimals); err != nil {
		return err
	}
	if env.Debt, err = token.Deploy(tx, cfg.Debt.Name, cfg.Debt.Symbol, cfg.Debt.Decimals); err != nil {
		return err
	}

	if env.Comptroller, err = lending.DeployComptroller(tx); err != nil {
		return err
	}
	mcfg := lending.Config{
		InitialExchangeRate: lending.Mantissa(decimal.NewFromInt(1)),
		BorrowRatePerBlock:  lending.Mantissa(cfg.BorrowRatePerBlock),
		ReserveFactor:       lending.Mantissa(cfg.ReserveFactor),
	}
	if env.CollateralMarket, err = lending.DeployMarket(tx, env.Comptroller, env.Collateral.Address(), "f"+cfg.Collateral.Symbol, mcfg); err != nil {
		return err
	}
	if env.DebtMarket, err = lending.DeployMarket(tx, env.Comptroller, env.Debt.Address(), "f"+cfg.Debt.Symbol, mcfg); err != nil {
		return err
	}
	for _, m := range []struct {
		market *lending.Market
		asset  Asset
	}{{env.CollateralMarket, cfg.Collateral}, {env.DebtMarket, cfg.Debt}} {
		if err := env.Comptroller.SupportMarket(tx, m.market, lending.Mantissa(m.asset.CollateralFactor)); err != nil {
			return err
		}
		if err := env.Comptroller.SetPrice(tx, m.market.Address(), lending.PriceMantissa(m.asset.PriceUSD, m.asset.Decimals)); err != nil {
			return err
		}
	}
	lendingLiquidity, err := units.ToBase(cfg.LendingLiquidity, cfg.Debt.Decimals)
	if err != nil {
		return err
	}
	if err := env.mintAndApprove(tx, env.Debt, env.DebtMarket.Address(), lendingLiquidity); err != nil {
		return err
	}
	code, err := env.DebtMarket.Mint(tx, lendingLiquidity)
	if err != nil {
		return err
	}
	if err := lending.Check("mint", env.DebtMarket.Address(), code); err != nil {
		return err
	}

	if env.Pair, err = exchange.Deploy(tx, env.Collateral.Address(), env.Debt.Address()); err != nil {
		return err
	}
	pairColl, err := units.ToBase(cfg.PairCollateral, cfg.Collateral.Decimals)
	if err != nil {
		return err
	}
	pairDebt, err := units.ToBase(cfg.PairDebt, cfg.Debt.Decimals)
	if err != nil {
		return err
	}
	if err := env.mintAndApprove(tx, env.Collateral, env.Pair.Address(), pairColl); err != nil {
		return err
	}
	if err := env.mintAndApprove(tx, env.Debt, env.Pair.Address(), pairDebt); err != nil {
		return err
	}
	amount0, amount1 := pairColl, pairDebt
	if env.Pair.Token0() == env.Debt.Address() {
		amount0, amount1 = pairDebt, pairColl
	}
	if err := env.Pair.AddLiquidity(tx, amount0, amount1); err != nil {
		return err
	}

	if env.Aggregator, err = swap.Deploy(tx, cfg.SwapFeeBps); err != nil {
		return err
	}
	coll, debt := cfg.Collateral, cfg.Debt
	if err := env.Aggregator.SetRate(tx, env.Debt.Address(), env.Collateral.Address(),
		swap.RateFromPrices(debt.PriceUSD, coll.PriceUSD, debt.Decimals, coll.Decimals)); err != nil {
		return err
	}
	if err := env.Aggregator.SetRate(tx, env.Collateral.Address(), env.Debt.Address(),
		swap.RateFromPrices(coll.PriceUSD, debt.PriceUSD, coll.Decimals, debt.Decimals)); err != nil {
		return err
	}
	swapColl, err := units.ToBase(cfg.SwapCollateral, coll.Decimals)
	if err != nil {
		return err
	}
	swapDebt, err := units.ToBase(cfg.SwapDebt, debt.Decimals)
	if err != nil {
		return err
	}
	if err := env.Collateral.Mint(tx, env.Aggregator.Address(), swapColl); err != nil {
		return err
	}
	if err := env.Debt.Mint(tx, env.Aggregator.Address(), swapDebt); err != nil {
		return err
	}

	if env.Registry, err = registry.Deploy(tx, cfg.RegistryName, cfg.RegistrySymbol); err != nil {
		return err
	}
	if env.Engine, err = engine.Deploy(tx, env.Registry); err != nil {
		return err
	}
	return env.Registry.AddController(tx, env.Engine.Address())
}

func (env *Env) mintAndApprove(tx *chain.Tx, tok *token.Token, spender common.Address, amount *big.Int) error {
	if err := tok.Mint(tx, env.Operator, amount); err != nil {
		return err
	}
	return tok.Approve(tx, spender, amount)
}

// Faucet mints test funds to to.
func (env *Env) Faucet(ctx context.Context, to common.Address, collateral, debt *big.Int) (*domain.Receipt, error) {
	receipt, err := env.Chain.Transact(ctx, env.Operator, func(tx *chain.Tx) error {
		return env.MintTo(tx, to, collateral, debt)
	})
	if err != nil {
		return receipt, fmt.Errorf("devnet: faucet: %w", err)
	}
	return receipt, nil
}

// MintTo mints collateral and debt tokens to to inside tx, which must be
// sent by the operator. Nil or zero amounts are skipped.
func (env *Env) MintTo(tx *chain.Tx, to common.Address, collateral, debt *big.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("devnet: mint to zero address: %w", domain.ErrInvalidParams)
	}
	if collateral != nil && collateral.Sign() > 0 {
		if err := env.Collateral.Mint(tx, to, collateral); err != nil {
			return err
		}
	}
	if debt != nil && debt.Sign() > 0 {
		return env.Debt.Mint(tx, to, debt)
	}
	return nil
}

// Markets returns the market references positions in this environment use.
func (env *Env) Markets() engine.MarketRefs {
	return engine.MarketRefs{
		Comptroller:      env.Comptroller.Address(),
		CollateralMarket: env.CollateralMarket.Address(),
		DebtMarket:       env.DebtMarket.Address(),
	}
}

// Tokens lists the environment's tokens, collateral first.
func (env *Env) Tokens() []*token.Token {
	return []*token.Token{env.Collateral, env.Debt}
}
