package devnet

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/engine"
	"github.com/alanyoungcy/fusemargin/internal/swap"
	"github.com/alanyoungcy/fusemargin/internal/units"
)

// The Plan helpers quote the swap venue and the pair and build engine
// parameters from the quotes. They read contract state, so call them from
// inside a transaction or Chain.View.

// PlanOpen builds parameters that supply provided collateral and lever it
// up with flash debt borrowed from the pair. slippageBps discounts the
// quoted swap output to get the minimum accepted.
func (env *Env) PlanOpen(provided, flash *big.Int, slippageBps uint64) (engine.OpenParams, error) {
	payload, minOut, err := env.leverSwap(flash, slippageBps)
	if err != nil {
		return engine.OpenParams{}, err
	}
	a0, a1 := env.debtLegs(flash)
	return engine.OpenParams{
		ProvidedAmount:   provided,
		Amount0Out:       a0,
		Amount1Out:       a1,
		Pool:             env.Pair.Address(),
		Markets:          env.Markets(),
		Swap:             payload,
		MinCollateralOut: minOut,
	}, nil
}

// PlanAdd builds parameters for AddToPosition. A nil or zero flash adds
// amount directly from the caller's wallet.
func (env *Env) PlanAdd(id uint64, amount, flash *big.Int, slippageBps uint64) (engine.AddParams, error) {
	p := engine.AddParams{
		ID:          id,
		Amount:      amount,
		Asset:       env.Collateral.Address(),
		Market:      env.CollateralMarket.Address(),
		Comptroller: env.Comptroller.Address(),
	}
	if flash == nil || flash.Sign() == 0 {
		return p, nil
	}
	payload, minOut, err := env.leverSwap(flash, slippageBps)
	if err != nil {
		return engine.AddParams{}, err
	}
	a0, a1 := env.debtLegs(flash)
	p.ViaFlashBorrow = true
	p.Flash = engine.FlashLeg{
		Pool:             env.Pair.Address(),
		Amount0Out:       a0,
		Amount1Out:       a1,
		DebtMarket:       env.DebtMarket.Address(),
		Swap:             payload,
		MinCollateralOut: minOut,
	}
	return p, nil
}

// PlanWithdraw builds parameters that redeem amount of collateral.
func (env *Env) PlanWithdraw(id uint64, amount *big.Int) engine.WithdrawParams {
	return engine.WithdrawParams{
		ID:     id,
		Amount: amount,
		Asset:  env.Collateral.Address(),
		Market: env.CollateralMarket.Address(),
	}
}

// PlanClose builds parameters that unwind id. The pair legs are left at
// zero so the engine sizes the flash borrow to the live debt; the swap
// sells just enough collateral to cover the pair's repayment on that debt.
// It needs tx because reading the live debt accrues interest.
func (env *Env) PlanClose(tx *chain.Tx, id uint64) (engine.CloseParams, error) {
	acct, err := env.Registry.AccountOf(id)
	if err != nil {
		return engine.CloseParams{}, fmt.Errorf("devnet: plan close: %w", err)
	}
	p := engine.CloseParams{
		ID:         id,
		Pool:       env.Pair.Address(),
		Markets:    env.Markets(),
		MinDebtOut: new(big.Int),
	}
	debt := env.DebtMarket.BorrowBalanceCurrent(tx, acct)
	if debt.Sign() == 0 {
		return p, nil
	}
	owed, err := env.Pair.RepaymentFor(env.Debt.Address(), debt)
	if err != nil {
		return engine.CloseParams{}, fmt.Errorf("devnet: plan close: %w", err)
	}
	sell, err := env.Aggregator.QuoteIn(env.Collateral.Address(), env.Debt.Address(), owed)
	if err != nil {
		return engine.CloseParams{}, fmt.Errorf("devnet: plan close: %w", err)
	}
	if held := env.CollateralMarket.BalanceOfUnderlying(acct); held.Cmp(sell) < 0 {
		return engine.CloseParams{}, fmt.Errorf("devnet: plan close: collateral %s cannot cover %s: %w", held, sell, domain.ErrInsufficientBalance)
	}
	data, err := swap.EncodeSwap(swap.Order{Sell: env.Collateral.Address(), Buy: env.Debt.Address(), SellAmount: sell, MinBuy: owed})
	if err != nil {
		return engine.CloseParams{}, fmt.Errorf("devnet: plan close: %w", err)
	}
	p.Swap = engine.SwapPayload{Target: env.Aggregator.Address(), Data: data}
	p.MinDebtOut = owed
	return p, nil
}

func (env *Env) leverSwap(flash *big.Int, slippageBps uint64) (engine.SwapPayload, *big.Int, error) {
	quoted, err := env.Aggregator.Quote(env.Debt.Address(), env.Collateral.Address(), flash)
	if err != nil {
		return engine.SwapPayload{}, nil, fmt.Errorf("devnet: quote: %w", err)
	}
	minOut := units.ApplyBps(quoted, slippageBps)
	data, err := swap.EncodeSwap(swap.Order{Sell: env.Debt.Address(), Buy: env.Collateral.Address(), SellAmount: flash, MinBuy: minOut})
	if err != nil {
		return engine.SwapPayload{}, nil, fmt.Errorf("devnet: encode swap: %w", err)
	}
	return engine.SwapPayload{Target: env.Aggregator.Address(), Data: data}, minOut, nil
}

// debtLegs places amount on the pair leg of the debt asset.
func (env *Env) debtLegs(amount *big.Int) (*big.Int, *big.Int) {
	if env.Pair.Token0() == env.Debt.Address() {
		return amount, new(big.Int)
	}
	return new(big.Int), amount
}
