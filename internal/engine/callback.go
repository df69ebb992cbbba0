package engine

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/account"
	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/exchange"
	"github.com/alanyoungcy/fusemargin/internal/lending"
	"github.com/alanyoungcy/fusemargin/internal/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// FlashCallback is called by a pair while it has lent the engine funds.
// Only the pair the engine armed itself for, during the engine's own
// request and with the exact context the engine sent, gets through.
func (e *Engine) FlashCallback(tx *chain.Tx, sender common.Address, amount0, amount1 *big.Int, data []byte) error {
	defer tx.Enter(e.addr)()
	caller := tx.Sender()

	if e.guard.armed && caller != e.guard.pool {
		return fmt.Errorf("engine: callback from %s, armed for %s: %w", caller.Hex(), e.guard.pool.Hex(), domain.ErrUnexpectedCaller)
	}
	if !e.guard.armed {
		if _, err := chain.At[*exchange.Pair](tx, caller); err != nil {
			return fmt.Errorf("engine: callback from %s: %w", caller.Hex(), domain.ErrUnexpectedCaller)
		}
	}
	if !e.guard.armed || e.guard.consumed {
		return fmt.Errorf("engine: callback from %s: %w", caller.Hex(), domain.ErrNoActiveOperation)
	}
	if sender != e.addr {
		return fmt.Errorf("engine: flash borrow initiated by %s: %w", sender.Hex(), domain.ErrUnexpectedCaller)
	}
	if crypto.Keccak256Hash(data) != e.guard.digest {
		return fmt.Errorf("engine: callback context does not match the armed operation: %w", domain.ErrUnexpectedCaller)
	}
	e.guard.consumed = true

	c, err := decodeContext(data)
	if err != nil {
		return err
	}
	pool, err := resolvePool(tx, c.Pool)
	if err != nil {
		return err
	}
	asset, amount, err := flashAsset(pool, amount0, amount1)
	if err != nil {
		return err
	}
	if asset != c.DebtAsset || amount.Cmp(c.FlashAmount) != 0 {
		return fmt.Errorf("engine: received %s of %s, expected %s of %s: %w", amount, asset.Hex(), c.FlashAmount, c.DebtAsset.Hex(), domain.ErrUnexpectedCaller)
	}

	l, err := resolveLegs(tx, c)
	if err != nil {
		return err
	}
	switch c.Kind {
	case domain.OperationOpen:
		if err := l.acct.EnterMarkets(tx, c.Comptroller, []common.Address{c.CollateralMarket}); err != nil {
			return fmt.Errorf("engine: open: %w", err)
		}
		e.guard.outcome, err = e.leverUp(tx, pool, l, c)
	case domain.OperationAdd:
		e.guard.outcome, err = e.leverUp(tx, pool, l, c)
	case domain.OperationClose:
		e.guard.outcome, err = e.unwind(tx, pool, l, c)
	default:
		err = fmt.Errorf("engine: callback for operation %d: %w", c.Kind, domain.ErrInvalidParams)
	}
	return err
}

type legs struct {
	acct       *account.Account
	collateral *token.Token
	debt       *token.Token
}

func resolveLegs(tx *chain.Tx, c domain.CallbackContext) (legs, error) {
	var l legs
	var err error
	if l.acct, err = chain.At[*account.Account](tx, c.Account); err != nil {
		return l, fmt.Errorf("engine: callback account: %w", err)
	}
	if l.collateral, err = chain.At[*token.Token](tx, c.CollateralAsset); err != nil {
		return l, fmt.Errorf("engine: callback collateral: %w", err)
	}
	if l.debt, err = chain.At[*token.Token](tx, c.DebtAsset); err != nil {
		return l, fmt.Errorf("engine: callback debt: %w", err)
	}
	return l, nil
}

// leverUp swaps the flash-borrowed debt asset into collateral, supplies it
// together with the caller's own collateral, and borrows the pool's
// repayment against it.
func (e *Engine) leverUp(tx *chain.Tx, pool *exchange.Pair, l legs, c domain.CallbackContext) (flashOutcome, error) {
	swapped, err := e.swap(tx, SwapPayload{Target: c.SwapTarget, Data: c.SwapData}, l.debt, l.collateral, c.FlashAmount, c.MinOut)
	if err != nil {
		return flashOutcome{}, fmt.Errorf("engine: %s: %w", c.Kind, err)
	}
	supply := new(big.Int).Add(c.Amount, swapped)
	if supply.Sign() > 0 {
		if err := l.collateral.Transfer(tx, l.acct.Address(), supply); err != nil {
			return flashOutcome{}, fmt.Errorf("engine: %s: fund account: %w", c.Kind, err)
		}
		if err := l.acct.Supply(tx, c.CollateralAsset, c.CollateralMarket, supply); err != nil {
			return flashOutcome{}, fmt.Errorf("engine: %s: %w", c.Kind, err)
		}
	}
	borrowed, err := e.borrowRepayment(tx, pool, l.acct, l.debt, c.DebtMarket, c.FlashAmount)
	if err != nil {
		return flashOutcome{}, err
	}
	repaid, err := e.repay(tx, pool, l.debt, c.FlashAmount)
	if err != nil {
		return flashOutcome{}, err
	}
	return flashOutcome{swapped: swapped, borrowed: borrowed, repaid: repaid}, nil
}

// unwind repays the account's debt with the flash-borrowed funds, redeems
// all of its collateral to the engine and sells enough of it to repay the
// pool.
func (e *Engine) unwind(tx *chain.Tx, pool *exchange.Pair, l legs, c domain.CallbackContext) (flashOutcome, error) {
	if err := l.debt.Transfer(tx, l.acct.Address(), c.FlashAmount); err != nil {
		return flashOutcome{}, fmt.Errorf("engine: close: fund account: %w", err)
	}
	repay := new(big.Int).Set(c.FlashAmount)
	if repay.Cmp(c.Amount) >= 0 {
		repay = new(big.Int).Set(token.MaxUint256)
	}
	if err := l.acct.RepayBorrow(tx, c.DebtAsset, c.DebtMarket, repay); err != nil {
		return flashOutcome{}, fmt.Errorf("engine: close: %w", err)
	}
	market, err := chain.At[*lending.Market](tx, c.CollateralMarket)
	if err != nil {
		return flashOutcome{}, fmt.Errorf("engine: close: collateral market: %w", err)
	}
	redeemed := new(big.Int)
	if tokens := market.BalanceOf(l.acct.Address()); tokens.Sign() > 0 {
		if redeemed, err = l.acct.Redeem(tx, c.CollateralAsset, c.CollateralMarket, e.addr, tokens); err != nil {
			return flashOutcome{}, fmt.Errorf("engine: close: %w", err)
		}
	}
	swapped, err := e.swap(tx, SwapPayload{Target: c.SwapTarget, Data: c.SwapData}, l.collateral, l.debt, redeemed, c.MinOut)
	if err != nil {
		return flashOutcome{}, fmt.Errorf("engine: close: %w", err)
	}
	if _, err := e.repay(tx, pool, l.debt, c.FlashAmount); err != nil {
		return flashOutcome{}, err
	}
	paid := c.Amount
	if repay.Cmp(token.MaxUint256) != 0 {
		paid = repay
	}
	return flashOutcome{swapped: swapped, borrowed: new(big.Int), repaid: new(big.Int).Set(paid)}, nil
}
