package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/devnet"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/engine"
	"github.com/alanyoungcy/fusemargin/internal/exchange"
	"github.com/alanyoungcy/fusemargin/internal/lending"
	"github.com/alanyoungcy/fusemargin/internal/token"
	"github.com/alanyoungcy/fusemargin/internal/units"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	operator = common.HexToAddress("0x09e7a70")
	alice    = common.HexToAddress("0xa11ce")
	mallory  = common.HexToAddress("0x3a11")

	provided = big.NewInt(50_000_000)
	flashDAI = units.MustToBase("3000", 18)
)

type fixture struct {
	env *devnet.Env
	ctx context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	env, err := devnet.Deploy(ctx, chain.New(logger), devnet.DefaultConfig(operator), logger)
	require.NoError(t, err)
	f := &fixture{env: env, ctx: ctx}
	f.fund(t, alice, provided)
	return f
}

func (f *fixture) fund(t *testing.T, to common.Address, collateral *big.Int) {
	t.Helper()
	_, err := f.env.Faucet(f.ctx, to, collateral, nil)
	require.NoError(t, err)
	f.do(t, to, func(tx *chain.Tx) error {
		return f.env.Collateral.Approve(tx, f.env.Engine.Address(), token.MaxUint256)
	})
}

func (f *fixture) try(from common.Address, fn func(tx *chain.Tx) error) (*domain.Receipt, error) {
	return f.env.Chain.Transact(f.ctx, from, fn)
}

func (f *fixture) do(t *testing.T, from common.Address, fn func(tx *chain.Tx) error) *domain.Receipt {
	t.Helper()
	r, err := f.try(from, fn)
	require.NoError(t, err)
	return r
}

func (f *fixture) view(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.env.Chain.View(func() error {
		fn()
		return nil
	}))
}

func (f *fixture) open(t *testing.T, from common.Address, collateral, flash *big.Int) uint64 {
	t.Helper()
	var id uint64
	f.do(t, from, func(tx *chain.Tx) error {
		p, err := f.env.PlanOpen(collateral, flash, 50)
		if err != nil {
			return err
		}
		id, err = f.env.Engine.OpenPosition(tx, p)
		return err
	})
	return id
}

func (f *fixture) accountOf(t *testing.T, id uint64) common.Address {
	t.Helper()
	var acct common.Address
	f.view(t, func() {
		var err error
		acct, err = f.env.Registry.AccountOf(id)
		require.NoError(t, err)
	})
	return acct
}

// pairRepayment is what the pair wants back for amount of debt.
func pairRepayment(amount *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(1000))
	out.Quo(out, big.NewInt(997))
	return out.Add(out, big.NewInt(1))
}

func TestOpenPosition(t *testing.T) {
	f := newFixture(t)
	env := f.env

	id := f.open(t, alice, provided, flashDAI)
	assert.Equal(t, uint64(1), id)
	acct := f.accountOf(t, id)

	f.view(t, func() {
		owner, err := env.Registry.OwnerOf(id)
		require.NoError(t, err)
		assert.Equal(t, alice, owner)

		collateral := env.CollateralMarket.BalanceOfUnderlying(acct)
		debt := env.DebtMarket.BorrowBalanceStored(acct)
		assert.Equal(t, 1, collateral.Cmp(provided), "collateral %s", collateral)
		assert.Equal(t, 1, debt.Cmp(flashDAI), "debt %s", debt)
		assert.Equal(t, big.NewInt(55_000_000), collateral)
		assert.Equal(t, pairRepayment(flashDAI), debt)

		assert.Zero(t, env.Collateral.BalanceOf(alice).Sign())
		assert.Zero(t, env.Collateral.BalanceOf(env.Engine.Address()).Sign())
		assert.Zero(t, env.Debt.BalanceOf(env.Engine.Address()).Sign())
		assert.True(t, env.Comptroller.CheckMembership(acct, env.CollateralMarket.Address()))

		ids, accounts := env.Registry.IDsAndAccountsOfOwner(alice)
		assert.Equal(t, []uint64{id}, ids)
		assert.Equal(t, []common.Address{acct}, accounts)
	})
	assert.False(t, env.Engine.Armed())
}

func TestOpenPositionEvents(t *testing.T) {
	f := newFixture(t)
	r := f.do(t, alice, func(tx *chain.Tx) error {
		p, err := f.env.PlanOpen(provided, flashDAI, 50)
		if err != nil {
			return err
		}
		_, err = f.env.Engine.OpenPosition(tx, p)
		return err
	})

	var names []string
	for _, l := range r.Logs {
		names = append(names, l.Event.EventName())
	}
	assert.Contains(t, names, "PositionCreated")
	assert.Contains(t, names, "FlashSettled")
	assert.Equal(t, "PositionOpened", names[len(names)-1])

	opened := r.Logs[len(r.Logs)-1].Event.(domain.PositionOpened)
	assert.Equal(t, alice, opened.Owner)
	assert.Equal(t, big.NewInt(5_000_000), opened.Swapped)
	assert.Equal(t, pairRepayment(flashDAI), opened.Borrowed)
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)
	env := f.env
	id := f.open(t, alice, provided, flashDAI)
	acct := f.accountOf(t, id)

	var sold *big.Int
	f.view(t, func() {
		debt := env.DebtMarket.BorrowBalanceStored(acct)
		var err error
		sold, err = env.Aggregator.QuoteIn(env.Collateral.Address(), env.Debt.Address(), pairRepayment(debt))
		require.NoError(t, err)
	})

	r := f.do(t, alice, func(tx *chain.Tx) error {
		p, err := env.PlanClose(tx, id)
		if err != nil {
			return err
		}
		return env.Engine.ClosePosition(tx, p)
	})
	unwound := r.Logs[len(r.Logs)-1].Event.(domain.PositionUnwound)
	assert.Equal(t, pairRepayment(flashDAI), unwound.Repaid)

	f.view(t, func() {
		_, err := env.Registry.OwnerOf(id)
		require.ErrorIs(t, err, domain.ErrNotFound)
		still, err := env.Registry.AccountOf(id)
		require.NoError(t, err)
		assert.Equal(t, acct, still)
		assert.Zero(t, env.Registry.BalanceOf(alice))

		assert.Zero(t, env.CollateralMarket.BalanceOf(acct).Sign())
		assert.Zero(t, env.DebtMarket.BorrowBalanceStored(acct).Sign())
		assert.Zero(t, env.Collateral.BalanceOf(acct).Sign())
		assert.Zero(t, env.Debt.BalanceOf(acct).Sign())
		assert.Zero(t, env.Collateral.BalanceOf(env.Engine.Address()).Sign())
		assert.Zero(t, env.Debt.BalanceOf(env.Engine.Address()).Sign())

		want := new(big.Int).Sub(big.NewInt(55_000_000), sold)
		got := env.Collateral.BalanceOf(alice)
		assert.Equal(t, want, got)
		assert.Equal(t, want, unwound.CollateralReturned)
		// Two pair fees on ~3000 DAI stay well under 40,000 sats.
		assert.Equal(t, 1, got.Cmp(big.NewInt(50_000_000-40_000)), "returned %s", got)
	})
	assert.False(t, env.Engine.Armed())
}

func TestFlashCallbackForgery(t *testing.T) {
	f := newFixture(t)
	env := f.env

	t.Run("DirectCall", func(t *testing.T) {
		_, err := f.try(mallory, func(tx *chain.Tx) error {
			return env.Engine.FlashCallback(tx, mallory, flashDAI, new(big.Int), []byte{1})
		})
		require.ErrorIs(t, err, domain.ErrUnexpectedCaller)
	})

	t.Run("RogueEnginePayload", func(t *testing.T) {
		_, err := f.try(mallory, func(tx *chain.Tx) error {
			return env.Engine.FlashCallback(tx, env.Engine.Address(), flashDAI, new(big.Int), []byte{1})
		})
		require.ErrorIs(t, err, domain.ErrUnexpectedCaller)
	})

	t.Run("AttackerPairWhileIdle", func(t *testing.T) {
		coll, debt := units.MustToBase("1", 8), units.MustToBase("60000", 18)
		_, err := env.Faucet(f.ctx, mallory, coll, debt)
		require.NoError(t, err)

		_, err = f.try(mallory, func(tx *chain.Tx) error {
			pair, err := exchange.Deploy(tx, env.Collateral.Address(), env.Debt.Address())
			if err != nil {
				return err
			}
			if err := env.Collateral.Approve(tx, pair.Address(), coll); err != nil {
				return err
			}
			if err := env.Debt.Approve(tx, pair.Address(), debt); err != nil {
				return err
			}
			a0, a1 := coll, debt
			if pair.Token0() == env.Debt.Address() {
				a0, a1 = debt, coll
			}
			if err := pair.AddLiquidity(tx, a0, a1); err != nil {
				return err
			}
			return pair.Request(tx, big.NewInt(1), new(big.Int), env.Engine.Address(), []byte("steal"))
		})
		require.ErrorIs(t, err, domain.ErrNoActiveOperation)
	})

	assert.False(t, env.Engine.Armed())
	id := f.open(t, alice, provided, flashDAI)
	assert.Equal(t, uint64(1), id)
}

func TestOpenRevertsCleanly(t *testing.T) {
	f := newFixture(t)
	env := f.env

	t.Run("InsufficientRepayment", func(t *testing.T) {
		_, err := f.try(alice, func(tx *chain.Tx) error {
			p, err := env.PlanOpen(provided, units.MustToBase("100000", 18), 50)
			if err != nil {
				return err
			}
			_, err = env.Engine.OpenPosition(tx, p)
			return err
		})
		require.ErrorIs(t, err, domain.ErrInsufficientRepayment)
		var ce *lending.CodeError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, lending.InsufficientLiquidity, ce.Code)
	})

	t.Run("Slippage", func(t *testing.T) {
		_, err := f.try(alice, func(tx *chain.Tx) error {
			p, err := env.PlanOpen(provided, flashDAI, 0)
			if err != nil {
				return err
			}
			p.MinCollateralOut = big.NewInt(5_000_001)
			_, err = env.Engine.OpenPosition(tx, p)
			return err
		})
		require.ErrorIs(t, err, domain.ErrSlippage)
	})

	t.Run("WrongFlashAsset", func(t *testing.T) {
		_, err := f.try(alice, func(tx *chain.Tx) error {
			p, err := env.PlanOpen(provided, flashDAI, 50)
			if err != nil {
				return err
			}
			p.Amount0Out, p.Amount1Out = p.Amount1Out, p.Amount0Out
			_, err = env.Engine.OpenPosition(tx, p)
			return err
		})
		require.ErrorIs(t, err, domain.ErrInvalidParams)
	})

	t.Run("NothingProvided", func(t *testing.T) {
		_, err := f.try(alice, func(tx *chain.Tx) error {
			p, err := env.PlanOpen(new(big.Int), flashDAI, 50)
			if err != nil {
				return err
			}
			_, err = env.Engine.OpenPosition(tx, p)
			return err
		})
		require.ErrorIs(t, err, domain.ErrInvalidParams)
	})

	f.view(t, func() {
		assert.Equal(t, uint64(1), env.Registry.NextID())
		assert.Equal(t, provided, env.Collateral.BalanceOf(alice))
		assert.Zero(t, env.Registry.BalanceOf(alice))
	})
	assert.False(t, env.Engine.Armed())
}

func TestOwnerOnly(t *testing.T) {
	f := newFixture(t)
	env := f.env
	id := f.open(t, alice, provided, flashDAI)
	f.fund(t, mallory, big.NewInt(1_000_000))

	calls := map[string]func(tx *chain.Tx) error{
		"add": func(tx *chain.Tx) error {
			p, err := env.PlanAdd(id, big.NewInt(1_000_000), nil, 0)
			if err != nil {
				return err
			}
			return env.Engine.AddToPosition(tx, p)
		},
		"withdraw": func(tx *chain.Tx) error {
			return env.Engine.WithdrawFromPosition(tx, env.PlanWithdraw(id, big.NewInt(1)))
		},
		"close": func(tx *chain.Tx) error {
			p, err := env.PlanClose(tx, id)
			if err != nil {
				return err
			}
			return env.Engine.ClosePosition(tx, p)
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			_, err := f.try(mallory, call)
			require.ErrorIs(t, err, domain.ErrAccessDenied)
		})
	}

	_, err := f.try(mallory, func(tx *chain.Tx) error {
		return env.Engine.WithdrawFromPosition(tx, env.PlanWithdraw(99, big.NewInt(1)))
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransferredPositionFollowsOwner(t *testing.T) {
	f := newFixture(t)
	env := f.env
	id := f.open(t, alice, provided, flashDAI)

	f.do(t, alice, func(tx *chain.Tx) error {
		return env.Registry.Transfer(tx, alice, mallory, id)
	})
	_, err := f.try(alice, func(tx *chain.Tx) error {
		return env.Engine.WithdrawFromPosition(tx, env.PlanWithdraw(id, big.NewInt(1)))
	})
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	f.do(t, mallory, func(tx *chain.Tx) error {
		return env.Engine.WithdrawFromPosition(tx, env.PlanWithdraw(id, big.NewInt(1_000)))
	})
	f.view(t, func() {
		assert.Equal(t, big.NewInt(1_000), env.Collateral.BalanceOf(mallory))
	})
}

func TestAddToPosition(t *testing.T) {
	f := newFixture(t)
	env := f.env
	id := f.open(t, alice, provided, flashDAI)
	acct := f.accountOf(t, id)

	t.Run("Direct", func(t *testing.T) {
		f.fund(t, alice, big.NewInt(10_000_000))
		f.do(t, alice, func(tx *chain.Tx) error {
			p, err := env.PlanAdd(id, big.NewInt(10_000_000), nil, 0)
			if err != nil {
				return err
			}
			return env.Engine.AddToPosition(tx, p)
		})
		f.view(t, func() {
			assert.Equal(t, big.NewInt(65_000_000), env.CollateralMarket.BalanceOfUnderlying(acct))
			assert.Equal(t, pairRepayment(flashDAI), env.DebtMarket.BorrowBalanceStored(acct))
		})
	})

	t.Run("ViaFlashBorrow", func(t *testing.T) {
		r := f.do(t, alice, func(tx *chain.Tx) error {
			p, err := env.PlanAdd(id, nil, flashDAI, 50)
			if err != nil {
				return err
			}
			return env.Engine.AddToPosition(tx, p)
		})
		f.view(t, func() {
			assert.Equal(t, big.NewInt(70_000_000), env.CollateralMarket.BalanceOfUnderlying(acct))
			want := new(big.Int).Mul(pairRepayment(flashDAI), big.NewInt(2))
			assert.Equal(t, want, env.DebtMarket.BorrowBalanceStored(acct))
		})
		increased := r.Logs[len(r.Logs)-1].Event.(domain.PositionIncreased)
		assert.True(t, increased.ViaFlash)
		assert.Equal(t, big.NewInt(5_000_000), increased.Amount)
	})

	t.Run("ZeroDirect", func(t *testing.T) {
		_, err := f.try(alice, func(tx *chain.Tx) error {
			p, err := env.PlanAdd(id, new(big.Int), nil, 0)
			if err != nil {
				return err
			}
			return env.Engine.AddToPosition(tx, p)
		})
		require.ErrorIs(t, err, domain.ErrInvalidParams)
	})
	assert.False(t, env.Engine.Armed())
}

func TestWithdrawFromPosition(t *testing.T) {
	f := newFixture(t)
	env := f.env
	id := f.open(t, alice, provided, flashDAI)
	acct := f.accountOf(t, id)

	f.do(t, alice, func(tx *chain.Tx) error {
		return env.Engine.WithdrawFromPosition(tx, env.PlanWithdraw(id, big.NewInt(1_000_000)))
	})
	f.view(t, func() {
		assert.Equal(t, big.NewInt(1_000_000), env.Collateral.BalanceOf(alice))
		assert.Equal(t, big.NewInt(54_000_000), env.CollateralMarket.BalanceOfUnderlying(acct))
	})

	// Leaves ~$600 of collateral against ~$3009 of debt.
	_, err := f.try(alice, func(tx *chain.Tx) error {
		return env.Engine.WithdrawFromPosition(tx, env.PlanWithdraw(id, big.NewInt(53_000_000)))
	})
	require.ErrorIs(t, err, domain.ErrExternalCallFailed)
	var ce *lending.CodeError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, lending.InsufficientLiquidity, ce.Code)
	assert.Equal(t, env.CollateralMarket.Address(), ce.Market)
}

func TestClosePositionRejectsShortSwap(t *testing.T) {
	f := newFixture(t)
	env := f.env
	id := f.open(t, alice, provided, flashDAI)

	_, err := f.try(alice, func(tx *chain.Tx) error {
		p, err := env.PlanClose(tx, id)
		if err != nil {
			return err
		}
		p.MinDebtOut = new(big.Int).Add(p.MinDebtOut, units.MustToBase("1", 18))
		return env.Engine.ClosePosition(tx, p)
	})
	require.ErrorIs(t, err, domain.ErrSlippage)

	_, err = f.try(alice, func(tx *chain.Tx) error {
		p, err := env.PlanClose(tx, id)
		if err != nil {
			return err
		}
		p.Swap = engine.SwapPayload{}
		p.MinDebtOut = new(big.Int)
		return env.Engine.ClosePosition(tx, p)
	})
	require.ErrorIs(t, err, domain.ErrInsufficientRepayment)

	f.view(t, func() {
		owner, err := env.Registry.OwnerOf(id)
		require.NoError(t, err)
		assert.Equal(t, alice, owner)
	})
	assert.False(t, env.Engine.Armed())
}

func TestClosePositionRejectsForeignMarkets(t *testing.T) {
	f := newFixture(t)
	env := f.env
	id := f.open(t, alice, provided, flashDAI)
	acct := f.accountOf(t, id)

	var supplied, owed *big.Int
	f.view(t, func() {
		supplied = env.CollateralMarket.BalanceOf(acct)
		owed = env.DebtMarket.BorrowBalanceStored(acct)
		pool, ok := env.Engine.LendingPool(id)
		require.True(t, ok)
		assert.Equal(t, env.Comptroller.Address(), pool)
	})

	swapped := func(tx *chain.Tx) error {
		p, err := env.PlanClose(tx, id)
		if err != nil {
			return err
		}
		p.Markets.CollateralMarket, p.Markets.DebtMarket = p.Markets.DebtMarket, p.Markets.CollateralMarket
		p.Swap = engine.SwapPayload{}
		p.MinDebtOut = new(big.Int)
		return env.Engine.ClosePosition(tx, p)
	}
	_, err := f.try(alice, swapped)
	require.ErrorIs(t, err, domain.ErrInvalidParams)

	_, err = f.try(alice, func(tx *chain.Tx) error {
		p, err := env.PlanClose(tx, id)
		if err != nil {
			return err
		}
		p.Markets.Comptroller = mallory
		return env.Engine.ClosePosition(tx, p)
	})
	require.ErrorIs(t, err, domain.ErrInvalidParams)

	f.view(t, func() {
		owner, err := env.Registry.OwnerOf(id)
		require.NoError(t, err)
		assert.Equal(t, alice, owner)
		assert.Equal(t, supplied, env.CollateralMarket.BalanceOf(acct))
		assert.Equal(t, owed, env.DebtMarket.BorrowBalanceStored(acct))
	})
	assert.False(t, env.Engine.Armed())

	f.do(t, alice, func(tx *chain.Tx) error {
		p, err := env.PlanClose(tx, id)
		if err != nil {
			return err
		}
		return env.Engine.ClosePosition(tx, p)
	})
	f.view(t, func() {
		assert.Zero(t, env.CollateralMarket.BalanceOf(acct).Sign())
		assert.Zero(t, env.DebtMarket.BorrowBalanceStored(acct).Sign())
		_, ok := env.Engine.LendingPool(id)
		assert.False(t, ok)
	})
}

func TestAddToPositionStaysInItsLendingPool(t *testing.T) {
	f := newFixture(t)
	env := f.env
	id := f.open(t, alice, provided, flashDAI)
	f.fund(t, alice, big.NewInt(1_000_000))

	_, err := f.try(alice, func(tx *chain.Tx) error {
		p, err := env.PlanAdd(id, big.NewInt(1_000_000), nil, 0)
		if err != nil {
			return err
		}
		p.MarketsToEnter = []common.Address{env.CollateralMarket.Address()}
		p.Comptroller = mallory
		return env.Engine.AddToPosition(tx, p)
	})
	require.ErrorIs(t, err, domain.ErrInvalidParams)
}
