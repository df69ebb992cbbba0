package engine

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/account"
	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/lending"
	"github.com/alanyoungcy/fusemargin/internal/token"
	"github.com/ethereum/go-ethereum/common"
)

// OpenPosition creates a position for the caller. The caller's
// ProvidedAmount of collateral, plus whatever the flash-borrowed debt asset
// swaps into, is supplied through a fresh account, which then borrows
// exactly the pool's repayment. It returns the new position id.
func (e *Engine) OpenPosition(tx *chain.Tx, p OpenParams) (uint64, error) {
	defer tx.Enter(e.addr)()
	owner := tx.Sender()

	if p.ProvidedAmount == nil || p.ProvidedAmount.Sign() <= 0 {
		return 0, fmt.Errorf("engine: open: provided amount: %w", domain.ErrInvalidParams)
	}
	mp, err := resolveMarkets(tx, p.Markets)
	if err != nil {
		return 0, err
	}
	pool, err := resolvePool(tx, p.Pool)
	if err != nil {
		return 0, err
	}
	asset, flashAmount, err := flashAsset(pool, p.Amount0Out, p.Amount1Out)
	if err != nil {
		return 0, err
	}
	if asset != mp.debtAsset.Address() {
		return 0, fmt.Errorf("engine: open: flash leg borrows %s, debt asset is %s: %w", asset.Hex(), mp.debtAsset.Symbol(), domain.ErrInvalidParams)
	}

	acct, err := account.Deploy(tx)
	if err != nil {
		return 0, err
	}
	if err := acct.Initialize(tx, e.addr); err != nil {
		return 0, err
	}
	id, err := e.registry.NewPosition(tx, owner, acct.Address())
	if err != nil {
		return 0, fmt.Errorf("engine: open: %w", err)
	}
	chain.Set(tx, e.lendingPools, id, p.Markets.Comptroller)

	held := e.holdings(mp.collateralAsset, mp.debtAsset)
	if err := mp.collateralAsset.TransferFrom(tx, owner, e.addr, p.ProvidedAmount); err != nil {
		return 0, fmt.Errorf("engine: open: collect collateral: %w", err)
	}
	out, err := e.flash(tx, pool, p.Amount0Out, p.Amount1Out, domain.CallbackContext{
		Kind:             domain.OperationOpen,
		PositionID:       id,
		Owner:            owner,
		Account:          acct.Address(),
		Pool:             pool.Address(),
		Comptroller:      p.Markets.Comptroller,
		CollateralAsset:  mp.collateralAsset.Address(),
		CollateralMarket: mp.collateral.Address(),
		DebtAsset:        mp.debtAsset.Address(),
		DebtMarket:       mp.debt.Address(),
		Amount:           p.ProvidedAmount,
		FlashAmount:      flashAmount,
		MinOut:           p.MinCollateralOut,
		SwapTarget:       p.Swap.Target,
		SwapData:         p.Swap.Data,
	})
	if err != nil {
		return 0, err
	}
	if _, err := e.sweep(tx, owner, held); err != nil {
		return 0, err
	}

	tx.Emit(domain.PositionOpened{
		ID:               id,
		Owner:            owner,
		Account:          acct.Address(),
		CollateralMarket: mp.collateral.Address(),
		DebtMarket:       mp.debt.Address(),
		Provided:         new(big.Int).Set(p.ProvidedAmount),
		Flash:            flashAmount,
		Swapped:          out.swapped,
		Borrowed:         out.borrowed,
	})
	return id, nil
}

// AddToPosition supplies more collateral to a position the caller owns.
// The direct path supplies Amount from the caller's wallet. The flash path
// also borrows the debt asset from a pool, swaps it into collateral and
// borrows the repayment against the grown position.
func (e *Engine) AddToPosition(tx *chain.Tx, p AddParams) error {
	defer tx.Enter(e.addr)()
	caller := tx.Sender()

	acct, err := e.owned(tx, p.ID, caller)
	if err != nil {
		return err
	}
	amount := orZero(p.Amount)
	if amount.Sign() < 0 || (!p.ViaFlashBorrow && amount.Sign() == 0) {
		return fmt.Errorf("engine: add to %d: amount %s: %w", p.ID, amount, domain.ErrInvalidParams)
	}
	collateral, err := chain.At[*token.Token](tx, p.Asset)
	if err != nil {
		return fmt.Errorf("engine: add to %d: asset: %w", p.ID, err)
	}
	market, err := chain.At[*lending.Market](tx, p.Market)
	if err != nil {
		return fmt.Errorf("engine: add to %d: market: %w", p.ID, err)
	}
	if err := e.requirePool(p.ID, market.Comptroller()); err != nil {
		return err
	}
	if len(p.MarketsToEnter) > 0 {
		if err := e.requirePool(p.ID, p.Comptroller); err != nil {
			return err
		}
		if err := acct.EnterMarkets(tx, p.Comptroller, p.MarketsToEnter); err != nil {
			return fmt.Errorf("engine: add to %d: %w", p.ID, err)
		}
	}

	if !p.ViaFlashBorrow {
		if err := collateral.TransferFrom(tx, caller, acct.Address(), amount); err != nil {
			return fmt.Errorf("engine: add to %d: collect: %w", p.ID, err)
		}
		if err := acct.Supply(tx, p.Asset, p.Market, amount); err != nil {
			return fmt.Errorf("engine: add to %d: %w", p.ID, err)
		}
		tx.Emit(domain.PositionIncreased{ID: p.ID, Market: p.Market, Amount: new(big.Int).Set(amount), Swapped: new(big.Int), Borrowed: new(big.Int)})
		return nil
	}

	pool, err := resolvePool(tx, p.Flash.Pool)
	if err != nil {
		return err
	}
	debtMarket, err := chain.At[*lending.Market](tx, p.Flash.DebtMarket)
	if err != nil {
		return fmt.Errorf("engine: add to %d: debt market: %w", p.ID, err)
	}
	if err := e.requirePool(p.ID, debtMarket.Comptroller()); err != nil {
		return err
	}
	debt, err := chain.At[*token.Token](tx, debtMarket.Underlying())
	if err != nil {
		return fmt.Errorf("engine: add to %d: debt asset: %w", p.ID, err)
	}
	asset, flashAmount, err := flashAsset(pool, p.Flash.Amount0Out, p.Flash.Amount1Out)
	if err != nil {
		return err
	}
	if asset != debt.Address() {
		return fmt.Errorf("engine: add to %d: flash leg borrows %s, debt asset is %s: %w", p.ID, asset.Hex(), debt.Symbol(), domain.ErrInvalidParams)
	}

	held := e.holdings(collateral, debt)
	if amount.Sign() > 0 {
		if err := collateral.TransferFrom(tx, caller, e.addr, amount); err != nil {
			return fmt.Errorf("engine: add to %d: collect: %w", p.ID, err)
		}
	}
	out, err := e.flash(tx, pool, p.Flash.Amount0Out, p.Flash.Amount1Out, domain.CallbackContext{
		Kind:             domain.OperationAdd,
		PositionID:       p.ID,
		Owner:            caller,
		Account:          acct.Address(),
		Pool:             pool.Address(),
		Comptroller:      p.Comptroller,
		CollateralAsset:  p.Asset,
		CollateralMarket: p.Market,
		DebtAsset:        debt.Address(),
		DebtMarket:       debtMarket.Address(),
		Amount:           amount,
		FlashAmount:      flashAmount,
		MinOut:           p.Flash.MinCollateralOut,
		SwapTarget:       p.Flash.Swap.Target,
		SwapData:         p.Flash.Swap.Data,
	})
	if err != nil {
		return err
	}
	if _, err := e.sweep(tx, caller, held); err != nil {
		return err
	}
	tx.Emit(domain.PositionIncreased{
		ID:       p.ID,
		Market:   p.Market,
		Amount:   new(big.Int).Add(amount, out.swapped),
		ViaFlash: true,
		Swapped:  out.swapped,
		Borrowed: out.borrowed,
	})
	return nil
}

// WithdrawFromPosition redeems Amount of Asset straight to the caller.
// Lending failures, such as a withdrawal that would leave the position
// short of collateral, come back unchanged.
func (e *Engine) WithdrawFromPosition(tx *chain.Tx, p WithdrawParams) error {
	defer tx.Enter(e.addr)()
	caller := tx.Sender()

	acct, err := e.owned(tx, p.ID, caller)
	if err != nil {
		return err
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return fmt.Errorf("engine: withdraw from %d: amount: %w", p.ID, domain.ErrInvalidParams)
	}
	if err := acct.RedeemUnderlying(tx, p.Asset, p.Market, caller, p.Amount); err != nil {
		return fmt.Errorf("engine: withdraw from %d: %w", p.ID, err)
	}
	tx.Emit(domain.PositionWithdrawn{ID: p.ID, Market: p.Market, Amount: new(big.Int).Set(p.Amount), To: caller})
	return nil
}

// ClosePosition unwinds a position the caller owns. It flash-borrows the
// debt asset to repay the account's debt, redeems all collateral, sells
// enough of it to repay the pool, hands every remainder to the caller and
// burns the registry entry.
func (e *Engine) ClosePosition(tx *chain.Tx, p CloseParams) error {
	defer tx.Enter(e.addr)()
	caller := tx.Sender()

	acct, err := e.owned(tx, p.ID, caller)
	if err != nil {
		return err
	}
	if err := e.requirePool(p.ID, p.Markets.Comptroller); err != nil {
		return err
	}
	mp, err := resolveMarkets(tx, p.Markets)
	if err != nil {
		return err
	}
	held := e.holdings(mp.collateralAsset, mp.debtAsset)
	debt := mp.debt.BorrowBalanceCurrent(tx, acct.Address())
	repaid := new(big.Int)

	if debt.Sign() > 0 {
		pool, err := resolvePool(tx, p.Pool)
		if err != nil {
			return err
		}
		a0, a1 := orZero(p.Amount0Out), orZero(p.Amount1Out)
		if a0.Sign() == 0 && a1.Sign() == 0 {
			switch mp.debtAsset.Address() {
			case pool.Token0():
				a0 = debt
			case pool.Token1():
				a1 = debt
			}
		}
		asset, flashAmount, err := flashAsset(pool, a0, a1)
		if err != nil {
			return err
		}
		if asset != mp.debtAsset.Address() {
			return fmt.Errorf("engine: close %d: flash leg borrows %s, debt asset is %s: %w", p.ID, asset.Hex(), mp.debtAsset.Symbol(), domain.ErrInvalidParams)
		}
		out, err := e.flash(tx, pool, a0, a1, domain.CallbackContext{
			Kind:             domain.OperationClose,
			PositionID:       p.ID,
			Owner:            caller,
			Account:          acct.Address(),
			Pool:             pool.Address(),
			Comptroller:      p.Markets.Comptroller,
			CollateralAsset:  mp.collateralAsset.Address(),
			CollateralMarket: mp.collateral.Address(),
			DebtAsset:        mp.debtAsset.Address(),
			DebtMarket:       mp.debt.Address(),
			Amount:           debt,
			FlashAmount:      flashAmount,
			MinOut:           p.MinDebtOut,
			SwapTarget:       p.Swap.Target,
			SwapData:         p.Swap.Data,
		})
		if err != nil {
			return err
		}
		repaid = out.repaid
	} else if tokens := mp.collateral.BalanceOf(acct.Address()); tokens.Sign() > 0 {
		if _, err := acct.Redeem(tx, mp.collateralAsset.Address(), mp.collateral.Address(), e.addr, tokens); err != nil {
			return fmt.Errorf("engine: close %d: %w", p.ID, err)
		}
	}

	for _, tok := range []*token.Token{mp.collateralAsset, mp.debtAsset} {
		if left := tok.BalanceOf(acct.Address()); left.Sign() > 0 {
			if err := acct.TransferToken(tx, tok.Address(), e.addr, left); err != nil {
				return fmt.Errorf("engine: close %d: sweep account: %w", p.ID, err)
			}
		}
	}
	if err := requireSettled(tx, p.ID, p.Markets.Comptroller, acct.Address()); err != nil {
		return err
	}
	returned, err := e.sweep(tx, caller, held)
	if err != nil {
		return err
	}
	if err := e.registry.ClosePosition(tx, p.ID); err != nil {
		return fmt.Errorf("engine: close %d: %w", p.ID, err)
	}
	chain.Delete(tx, e.lendingPools, p.ID)
	tx.Emit(domain.PositionUnwound{
		ID:                 p.ID,
		Owner:              caller,
		Repaid:             repaid,
		CollateralReturned: returned[0],
		DebtReturned:       returned[1],
	})
	return nil
}

type holding struct {
	tok    *token.Token
	before *big.Int
}

// holdings snapshots the engine's balance of each token.
func (e *Engine) holdings(toks ...*token.Token) []holding {
	out := make([]holding, len(toks))
	for i, tok := range toks {
		out[i] = holding{tok: tok, before: tok.BalanceOf(e.addr)}
	}
	return out
}

// sweep pays to whatever the engine gained since the snapshot and reports
// the amounts in snapshot order.
func (e *Engine) sweep(tx *chain.Tx, to common.Address, held []holding) ([]*big.Int, error) {
	sent := make([]*big.Int, len(held))
	for i, h := range held {
		gained := new(big.Int).Sub(h.tok.BalanceOf(e.addr), h.before)
		sent[i] = new(big.Int)
		if gained.Sign() <= 0 {
			continue
		}
		if err := h.tok.Transfer(tx, to, gained); err != nil {
			return nil, fmt.Errorf("engine: return %s: %w", h.tok.Symbol(), err)
		}
		sent[i] = gained
	}
	return sent, nil
}
