// Package engine is the margin engine. It opens, grows, shrinks and unwinds
// leveraged lending positions in one atomic transaction, borrowing the
// missing liquidity from an exchange pair for the length of the call.
package engine

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/account"
	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/exchange"
	"github.com/alanyoungcy/fusemargin/internal/lending"
	"github.com/alanyoungcy/fusemargin/internal/registry"
	"github.com/alanyoungcy/fusemargin/internal/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MarketRefs names the lending pool and the two markets of a position.
type MarketRefs struct {
	Comptroller      common.Address
	CollateralMarket common.Address
	DebtMarket       common.Address
}

// SwapPayload is opaque calldata for a swap venue. A zero Target skips the
// swap.
type SwapPayload struct {
	Target common.Address
	Data   []byte
}

// OpenParams opens a position. Amount0Out and Amount1Out are the pair legs
// to flash-borrow; exactly one of them, the debt asset's, is non-zero.
type OpenParams struct {
	ProvidedAmount   *big.Int
	Amount0Out       *big.Int
	Amount1Out       *big.Int
	Pool             common.Address
	Markets          MarketRefs
	Swap             SwapPayload
	MinCollateralOut *big.Int
}

// FlashLeg describes the leverage added by AddToPosition's flash path.
type FlashLeg struct {
	Pool             common.Address
	Amount0Out       *big.Int
	Amount1Out       *big.Int
	DebtMarket       common.Address
	Swap             SwapPayload
	MinCollateralOut *big.Int
}

// AddParams adds collateral to position ID. Amount comes from the caller's
// wallet and may be zero on the flash path.
type AddParams struct {
	ID             uint64
	Amount         *big.Int
	ViaFlashBorrow bool
	Asset          common.Address
	Market         common.Address
	Comptroller    common.Address
	MarketsToEnter []common.Address
	Flash          FlashLeg
}

// WithdrawParams redeems Amount of Asset from Market to the caller.
type WithdrawParams struct {
	ID     uint64
	Amount *big.Int
	Asset  common.Address
	Market common.Address
}

// CloseParams unwinds position ID. Zero legs size the flash borrow to the
// live debt.
type CloseParams struct {
	ID         uint64
	Amount0Out *big.Int
	Amount1Out *big.Int
	Pool       common.Address
	Markets    MarketRefs
	Swap       SwapPayload
	MinDebtOut *big.Int
}

// flashOutcome is what a callback reports back to the operation that armed
// it.
type flashOutcome struct {
	swapped  *big.Int
	borrowed *big.Int
	repaid   *big.Int
}

// flashGuard is idle until an operation arms it right before asking a pool
// for funds. The callback checks the caller and context against it and
// consumes it, so a pool gets one callback per request.
type flashGuard struct {
	armed    bool
	consumed bool
	pool     common.Address
	digest   common.Hash
	outcome  flashOutcome
}

func (g *flashGuard) arm(pool common.Address, data []byte) {
	*g = flashGuard{armed: true, pool: pool, digest: crypto.Keccak256Hash(data)}
}

func (g *flashGuard) release() { *g = flashGuard{} }

// Engine is the MarginEngine. It must be an approved controller of its
// registry.
type Engine struct {
	addr     common.Address
	registry *registry.Registry
	guard    flashGuard

	// lendingPools maps a live position to the comptroller it was opened
	// against.
	lendingPools map[uint64]common.Address
}

var _ exchange.FlashReceiver = (*Engine)(nil)

// Deploy creates an engine minting positions in reg.
func Deploy(tx *chain.Tx, reg *registry.Registry) (*Engine, error) {
	e, err := chain.Deploy(tx, func(addr common.Address) *Engine {
		return &Engine{addr: addr, registry: reg, lendingPools: make(map[uint64]common.Address)}
	})
	if err != nil {
		return nil, fmt.Errorf("engine: deploy: %w", err)
	}
	return e, nil
}

func (e *Engine) Address() common.Address      { return e.addr }
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Armed reports whether a flash borrow is in flight.
func (e *Engine) Armed() bool { return e.guard.armed }

// owned returns the account of id if caller owns it.
func (e *Engine) owned(tx *chain.Tx, id uint64, caller common.Address) (*account.Account, error) {
	owner, err := e.registry.OwnerOf(id)
	if err != nil {
		return nil, fmt.Errorf("engine: position %d: %w", id, err)
	}
	if owner != caller {
		return nil, fmt.Errorf("engine: position %d owned by %s, not %s: %w", id, owner.Hex(), caller.Hex(), domain.ErrAccessDenied)
	}
	addr, err := e.registry.AccountOf(id)
	if err != nil {
		return nil, fmt.Errorf("engine: position %d: %w", id, err)
	}
	acct, err := chain.At[*account.Account](tx, addr)
	if err != nil {
		return nil, fmt.Errorf("engine: position %d account: %w", id, err)
	}
	return acct, nil
}

// LendingPool returns the comptroller position id was opened against.
func (e *Engine) LendingPool(id uint64) (common.Address, bool) {
	c, ok := e.lendingPools[id]
	return c, ok
}

// requirePool fails unless comptroller is the one position id lends
// through.
func (e *Engine) requirePool(id uint64, comptroller common.Address) error {
	want, ok := e.lendingPools[id]
	if !ok {
		return fmt.Errorf("engine: position %d has no lending pool: %w", id, domain.ErrNotFound)
	}
	if comptroller != want {
		return fmt.Errorf("engine: position %d lends through %s, not %s: %w", id, want.Hex(), comptroller.Hex(), domain.ErrInvalidParams)
	}
	return nil
}

// requireSettled fails if account still owes or supplies anything in any
// market of comptroller.
func requireSettled(tx *chain.Tx, id uint64, comptroller, account common.Address) error {
	c, err := chain.At[*lending.Comptroller](tx, comptroller)
	if err != nil {
		return fmt.Errorf("engine: position %d comptroller: %w", id, err)
	}
	for _, addr := range c.Markets() {
		m, ok := c.Market(addr)
		if !ok {
			continue
		}
		if owed := m.BorrowBalanceStored(account); owed.Sign() != 0 {
			return fmt.Errorf("engine: close %d: account still owes %s in %s: %w", id, owed, m.Symbol(), domain.ErrInvalidParams)
		}
		if tokens := m.BalanceOf(account); tokens.Sign() != 0 {
			return fmt.Errorf("engine: close %d: account still holds %s %s: %w", id, tokens, m.Symbol(), domain.ErrInvalidParams)
		}
	}
	return nil
}

// flash arms the guard with c, asks pool for the legs and releases the
// guard however the request ends.
func (e *Engine) flash(tx *chain.Tx, pool *exchange.Pair, amount0, amount1 *big.Int, c domain.CallbackContext) (flashOutcome, error) {
	data, err := encodeContext(c)
	if err != nil {
		return flashOutcome{}, err
	}
	e.guard.arm(pool.Address(), data)
	defer e.guard.release()

	if err := pool.Request(tx, orZero(amount0), orZero(amount1), e.addr, data); err != nil {
		return flashOutcome{}, fmt.Errorf("engine: %s flash borrow: %w", c.Kind, err)
	}
	if !e.guard.consumed {
		return flashOutcome{}, fmt.Errorf("engine: %s flash borrow: pool never called back: %w", c.Kind, domain.ErrExternalCallFailed)
	}
	return e.guard.outcome, nil
}

// flashAsset works out which pair token the legs borrow. Exactly one leg
// must be positive.
func flashAsset(pool *exchange.Pair, amount0, amount1 *big.Int) (common.Address, *big.Int, error) {
	a0, a1 := orZero(amount0), orZero(amount1)
	switch {
	case a0.Sign() > 0 && a1.Sign() == 0:
		return pool.Token0(), new(big.Int).Set(a0), nil
	case a1.Sign() > 0 && a0.Sign() == 0:
		return pool.Token1(), new(big.Int).Set(a1), nil
	}
	return common.Address{}, nil, fmt.Errorf("engine: flash legs %s/%s: exactly one must be positive: %w", a0, a1, domain.ErrInvalidParams)
}

// swap runs payload with the engine as trader, letting it spend up to
// budget of sell, and returns how much of buy came back.
func (e *Engine) swap(tx *chain.Tx, payload SwapPayload, sell, buy *token.Token, budget, minOut *big.Int) (*big.Int, error) {
	if payload.Target == (common.Address{}) {
		return new(big.Int), nil
	}
	before := buy.BalanceOf(e.addr)
	if err := sell.Approve(tx, payload.Target, budget); err != nil {
		return nil, fmt.Errorf("engine: approve swap: %w", err)
	}
	if _, err := tx.Call(payload.Target, payload.Data); err != nil {
		return nil, fmt.Errorf("engine: swap: %w", err)
	}
	if err := sell.Approve(tx, payload.Target, new(big.Int)); err != nil {
		return nil, fmt.Errorf("engine: reset swap approval: %w", err)
	}
	got := new(big.Int).Sub(buy.BalanceOf(e.addr), before)
	if got.Cmp(orZero(minOut)) < 0 {
		return nil, fmt.Errorf("engine: swap returned %s %s, want %s: %w", got, buy.Symbol(), orZero(minOut), domain.ErrSlippage)
	}
	return got, nil
}

// repay sends the pool exactly what it quotes for amount of asset.
func (e *Engine) repay(tx *chain.Tx, pool *exchange.Pair, asset *token.Token, amount *big.Int) (*big.Int, error) {
	owed, err := pool.RepaymentFor(asset.Address(), amount)
	if err != nil {
		return nil, err
	}
	if held := asset.BalanceOf(e.addr); held.Cmp(owed) < 0 {
		return nil, fmt.Errorf("engine: hold %s %s, owe %s: %w", held, asset.Symbol(), owed, domain.ErrInsufficientRepayment)
	}
	if err := asset.Transfer(tx, pool.Address(), owed); err != nil {
		return nil, fmt.Errorf("engine: repay pool: %w", err)
	}
	tx.Emit(domain.FlashSettled{Pool: pool.Address(), Asset: asset.Address(), Amount: new(big.Int).Set(amount), Repayment: new(big.Int).Set(owed)})
	return owed, nil
}

// borrowRepayment has the account borrow exactly what the pool wants back
// and hand it to the engine.
func (e *Engine) borrowRepayment(tx *chain.Tx, pool *exchange.Pair, acct *account.Account, debt *token.Token, debtMarket common.Address, flashAmount *big.Int) (*big.Int, error) {
	owed, err := pool.RepaymentFor(debt.Address(), flashAmount)
	if err != nil {
		return nil, err
	}
	if err := acct.Borrow(tx, debt.Address(), debtMarket, e.addr, owed); err != nil {
		return nil, fmt.Errorf("engine: borrow %s %s to repay pool: %w: %w", owed, debt.Symbol(), domain.ErrInsufficientRepayment, err)
	}
	return owed, nil
}

type marketPair struct {
	collateral      *lending.Market
	debt            *lending.Market
	collateralAsset *token.Token
	debtAsset       *token.Token
}

func resolveMarkets(tx *chain.Tx, refs MarketRefs) (marketPair, error) {
	var mp marketPair
	var err error
	if mp.collateral, err = chain.At[*lending.Market](tx, refs.CollateralMarket); err != nil {
		return mp, fmt.Errorf("engine: collateral market: %w", err)
	}
	if mp.debt, err = chain.At[*lending.Market](tx, refs.DebtMarket); err != nil {
		return mp, fmt.Errorf("engine: debt market: %w", err)
	}
	if mp.collateral.Comptroller() != refs.Comptroller || mp.debt.Comptroller() != refs.Comptroller {
		return mp, fmt.Errorf("engine: markets not governed by %s: %w", refs.Comptroller.Hex(), domain.ErrInvalidParams)
	}
	if mp.collateralAsset, err = chain.At[*token.Token](tx, mp.collateral.Underlying()); err != nil {
		return mp, fmt.Errorf("engine: collateral asset: %w", err)
	}
	if mp.debtAsset, err = chain.At[*token.Token](tx, mp.debt.Underlying()); err != nil {
		return mp, fmt.Errorf("engine: debt asset: %w", err)
	}
	return mp, nil
}

func resolvePool(tx *chain.Tx, addr common.Address) (*exchange.Pair, error) {
	pool, err := chain.At[*exchange.Pair](tx, addr)
	if err != nil {
		return nil, fmt.Errorf("engine: pool %s: %w", addr.Hex(), err)
	}
	return pool, nil
}
