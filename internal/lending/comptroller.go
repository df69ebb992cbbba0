// Package lending is a Compound-style lending pool: a comptroller that
// tracks market membership, collateral factors and its own price table, and
// markets that take deposits and extend borrows against them.
package lending

import (
	"fmt"
	"math/big"
	"slices"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// maxCollateralFactor is 0.9.
var maxCollateralFactor = new(big.Int).Div(new(big.Int).Mul(expScale, big.NewInt(9)), big.NewInt(10))

type marketConfig struct {
	market           *Market
	collateralFactor *big.Int
}

// Comptroller is the risk engine of the pool.
type Comptroller struct {
	addr    common.Address
	admin   common.Address
	markets map[common.Address]marketConfig
	listed  []common.Address
	prices  map[common.Address]*big.Int
	assets  map[common.Address][]common.Address
}

var _ chain.Invoker = (*Comptroller)(nil)

// DeployComptroller creates a comptroller administered by the deployer.
func DeployComptroller(tx *chain.Tx) (*Comptroller, error) {
	admin := tx.Self()
	c, err := chain.Deploy(tx, func(addr common.Address) *Comptroller {
		return &Comptroller{
			addr:    addr,
			admin:   admin,
			markets: make(map[common.Address]marketConfig),
			prices:  make(map[common.Address]*big.Int),
			assets:  make(map[common.Address][]common.Address),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("lending: deploy comptroller: %w", err)
	}
	return c, nil
}

func (c *Comptroller) Address() common.Address { return c.addr }
func (c *Comptroller) Admin() common.Address   { return c.admin }

// Markets lists every supported market in listing order.
func (c *Comptroller) Markets() []common.Address { return slices.Clone(c.listed) }

// Market returns a listed market.
func (c *Comptroller) Market(addr common.Address) (*Market, bool) {
	cfg, ok := c.markets[addr]
	return cfg.market, ok
}

// SupportMarket lists m with the given collateral factor.
func (c *Comptroller) SupportMarket(tx *chain.Tx, m *Market, collateralFactor *big.Int) error {
	defer tx.Enter(c.addr)()
	if tx.Sender() != c.admin {
		return fmt.Errorf("lending: support market: %w", domain.ErrAccessDenied)
	}
	if _, ok := c.markets[m.addr]; ok {
		return fmt.Errorf("lending: support market %s: %w", m.addr.Hex(), domain.ErrAlreadyExists)
	}
	if m.comptroller != c {
		return fmt.Errorf("lending: market %s belongs to another comptroller: %w", m.addr.Hex(), domain.ErrInvalidParams)
	}
	if collateralFactor.Sign() < 0 || collateralFactor.Cmp(maxCollateralFactor) > 0 {
		return fmt.Errorf("lending: collateral factor %s: %w", collateralFactor, domain.ErrInvalidParams)
	}
	chain.Set(tx, c.markets, m.addr, marketConfig{market: m, collateralFactor: new(big.Int).Set(collateralFactor)})
	chain.Assign(tx, &c.listed, append(slices.Clone(c.listed), m.addr))
	tx.Emit(MarketListed{Market: m.addr, CollateralFactor: new(big.Int).Set(collateralFactor)})
	return nil
}

// SetPrice records the pool's price for a market's underlying, as a
// per-base-unit mantissa (see PriceMantissa).
func (c *Comptroller) SetPrice(tx *chain.Tx, market common.Address, price *big.Int) error {
	defer tx.Enter(c.addr)()
	if tx.Sender() != c.admin {
		return fmt.Errorf("lending: set price: %w", domain.ErrAccessDenied)
	}
	if _, ok := c.markets[market]; !ok {
		return fmt.Errorf("lending: set price for %s: %w", market.Hex(), domain.ErrNotFound)
	}
	chain.Set(tx, c.prices, market, new(big.Int).Set(price))
	tx.Emit(PriceUpdated{Market: market, Price: new(big.Int).Set(price)})
	return nil
}

// Price returns the pool's price for market, zero when unset.
func (c *Comptroller) Price(market common.Address) *big.Int {
	if p, ok := c.prices[market]; ok {
		return new(big.Int).Set(p)
	}
	return new(big.Int)
}

// EnterMarkets makes the caller's deposits in markets count as collateral.
// One code is returned per market.
func (c *Comptroller) EnterMarkets(tx *chain.Tx, markets []common.Address) []ErrorCode {
	defer tx.Enter(c.addr)()
	account := tx.Sender()
	codes := make([]ErrorCode, len(markets))
	for i, market := range markets {
		if _, ok := c.markets[market]; !ok {
			codes[i] = MarketNotListed
			continue
		}
		c.addToMarket(tx, market, account)
	}
	return codes
}

// ExitMarket removes market from the caller's collateral set. Leaving a
// market the caller never entered succeeds without effect. Leaving an
// entered market requires no outstanding borrow in it and no shortfall once
// its deposits stop counting.
func (c *Comptroller) ExitMarket(tx *chain.Tx, market common.Address) ErrorCode {
	defer tx.Enter(c.addr)()
	account := tx.Sender()
	if !c.CheckMembership(account, market) {
		return NoError
	}
	m := c.markets[market].market
	if m.BorrowBalanceStored(account).Sign() != 0 {
		return NonzeroBorrowBalance
	}
	if code := c.redeemAllowed(market, account, m.BalanceOf(account)); code != NoError {
		return code
	}
	entered := c.assets[account]
	remaining := make([]common.Address, 0, len(entered)-1)
	for _, a := range entered {
		if a != market {
			remaining = append(remaining, a)
		}
	}
	chain.Set(tx, c.assets, account, remaining)
	tx.Emit(MarketExited{Market: market, Account: account})
	return NoError
}

// AssetsIn lists the markets account has entered.
func (c *Comptroller) AssetsIn(account common.Address) []common.Address {
	return slices.Clone(c.assets[account])
}

// CheckMembership reports whether account has entered market.
func (c *Comptroller) CheckMembership(account, market common.Address) bool {
	return slices.Contains(c.assets[account], market)
}

// AccountLiquidity returns the collateral surplus or shortfall of account in
// 1e18-scaled value. At most one of the two is non-zero.
func (c *Comptroller) AccountLiquidity(account common.Address) (liquidity, shortfall *big.Int, code ErrorCode) {
	return c.hypotheticalLiquidity(account, common.Address{}, new(big.Int), new(big.Int))
}

func (c *Comptroller) addToMarket(tx *chain.Tx, market, account common.Address) {
	if c.CheckMembership(account, market) {
		return
	}
	chain.Set(tx, c.assets, account, append(slices.Clone(c.assets[account]), market))
	tx.Emit(MarketEntered{Market: market, Account: account})
}

func (c *Comptroller) mintAllowed(market common.Address) ErrorCode {
	if _, ok := c.markets[market]; !ok {
		return MarketNotListed
	}
	return NoError
}

func (c *Comptroller) repayAllowed(market common.Address) ErrorCode {
	return c.mintAllowed(market)
}

func (c *Comptroller) redeemAllowed(market, redeemer common.Address, tokens *big.Int) ErrorCode {
	if _, ok := c.markets[market]; !ok {
		return MarketNotListed
	}
	if !c.CheckMembership(redeemer, market) {
		return NoError
	}
	_, shortfall, code := c.hypotheticalLiquidity(redeemer, market, tokens, new(big.Int))
	if code != NoError {
		return code
	}
	if shortfall.Sign() > 0 {
		return InsufficientLiquidity
	}
	return NoError
}

// borrowAllowed enters the borrower into market if needed; the membership
// is rolled back when the borrow is refused.
func (c *Comptroller) borrowAllowed(tx *chain.Tx, market, borrower common.Address, amount *big.Int) ErrorCode {
	if _, ok := c.markets[market]; !ok {
		return MarketNotListed
	}
	if c.Price(market).Sign() == 0 {
		return PriceError
	}
	snap := tx.Snapshot()
	c.addToMarket(tx, market, borrower)
	_, shortfall, code := c.hypotheticalLiquidity(borrower, market, new(big.Int), amount)
	if code == NoError && shortfall.Sign() > 0 {
		code = InsufficientLiquidity
	}
	if code != NoError {
		tx.RevertToSnapshot(snap)
	}
	return code
}

func (c *Comptroller) hypotheticalLiquidity(account, modify common.Address, redeemTokens, borrowAmount *big.Int) (*big.Int, *big.Int, ErrorCode) {
	collateral := new(big.Int)
	owed := new(big.Int)
	for _, asset := range c.assets[account] {
		cfg := c.markets[asset]
		price := c.Price(asset)
		if price.Sign() == 0 {
			return nil, nil, PriceError
		}
		m := cfg.market
		perToken := mulExp(mulExp(cfg.collateralFactor, m.ExchangeRateStored()), price)
		collateral.Add(collateral, mulExp(perToken, m.BalanceOf(account)))
		owed.Add(owed, mulExp(price, m.BorrowBalanceStored(account)))
		if asset == modify {
			owed.Add(owed, mulExp(perToken, redeemTokens))
			owed.Add(owed, mulExp(price, borrowAmount))
		}
	}
	if collateral.Cmp(owed) > 0 {
		return new(big.Int).Sub(collateral, owed), new(big.Int), NoError
	}
	return new(big.Int), new(big.Int).Sub(owed, collateral), NoError
}
