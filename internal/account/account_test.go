package account

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/lending"
	"github.com/alanyoungcy/fusemargin/internal/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	deployer   = common.HexToAddress("0xde")
	controller = common.HexToAddress("0xc0")
	stranger   = common.HexToAddress("0xbad")
	bob        = common.HexToAddress("0xb0b")
)

type env struct {
	chain *chain.Chain
	acct  *Account
	wbtc  *token.Token
	dai   *token.Token
	comp  *lending.Comptroller
	cWBTC *lending.Market
	cDAI  *lending.Market
}

func units(whole int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

func newEnv(t *testing.T, initialize bool) *env {
	t.Helper()
	e := &env{chain: chain.New(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	e.do(t, deployer, func(tx *chain.Tx) error {
		var err error
		if e.wbtc, err = token.Deploy(tx, "Wrapped BTC", "WBTC", 8); err != nil {
			return err
		}
		if e.dai, err = token.Deploy(tx, "Dai Stablecoin", "DAI", 18); err != nil {
			return err
		}
		if e.comp, err = lending.DeployComptroller(tx); err != nil {
			return err
		}
		cfg := lending.Config{InitialExchangeRate: lending.Mantissa(decimal.NewFromInt(1))}
		if e.cWBTC, err = lending.DeployMarket(tx, e.comp, e.wbtc.Address(), "fWBTC", cfg); err != nil {
			return err
		}
		if e.cDAI, err = lending.DeployMarket(tx, e.comp, e.dai.Address(), "fDAI", cfg); err != nil {
			return err
		}
		cf := lending.Mantissa(decimal.RequireFromString("0.75"))
		for _, m := range []*lending.Market{e.cWBTC, e.cDAI} {
			if err := e.comp.SupportMarket(tx, m, cf); err != nil {
				return err
			}
		}
		if err := e.comp.SetPrice(tx, e.cWBTC.Address(), lending.PriceMantissa(decimal.NewFromInt(60_000), 8)); err != nil {
			return err
		}
		if err := e.comp.SetPrice(tx, e.cDAI.Address(), lending.PriceMantissa(decimal.NewFromInt(1), 18)); err != nil {
			return err
		}
		if err := e.dai.Mint(tx, deployer, units(100_000, 18)); err != nil {
			return err
		}
		if err := e.dai.Approve(tx, e.cDAI.Address(), units(100_000, 18)); err != nil {
			return err
		}
		if _, err := e.cDAI.Mint(tx, units(100_000, 18)); err != nil {
			return err
		}
		if e.acct, err = Deploy(tx); err != nil {
			return err
		}
		if initialize {
			if err := e.acct.Initialize(tx, controller); err != nil {
				return err
			}
		}
		return e.wbtc.Mint(tx, e.acct.Address(), units(1, 8))
	})
	return e
}

func (e *env) do(t *testing.T, from common.Address, fn func(tx *chain.Tx) error) {
	t.Helper()
	_, err := e.chain.Transact(context.Background(), from, fn)
	require.NoError(t, err)
}

func (e *env) try(from common.Address, fn func(tx *chain.Tx) error) error {
	_, err := e.chain.Transact(context.Background(), from, fn)
	return err
}

// open supplies the account's WBTC and borrows DAI back into the account.
func (e *env) open(t *testing.T, debt *big.Int) {
	t.Helper()
	e.do(t, controller, func(tx *chain.Tx) error {
		if err := e.acct.EnterMarkets(tx, e.comp.Address(), []common.Address{e.cWBTC.Address()}); err != nil {
			return err
		}
		return e.acct.SupplyAndBorrow(tx, SupplyBorrow{
			SupplyAsset: e.wbtc.Address(), SupplyMarket: e.cWBTC.Address(), SupplyAmount: units(1, 8),
			BorrowAsset: e.dai.Address(), BorrowMarket: e.cDAI.Address(), BorrowAmount: debt,
			Recipient: e.acct.Address(),
		})
	})
}

func TestInitialize(t *testing.T) {
	t.Run("RejectsMutatorsBeforehand", func(t *testing.T) {
		e := newEnv(t, false)
		err := e.try(controller, func(tx *chain.Tx) error {
			return e.acct.Supply(tx, e.wbtc.Address(), e.cWBTC.Address(), units(1, 8))
		})
		require.ErrorIs(t, err, domain.ErrUninitialized)
		assert.False(t, e.acct.Initialized())
	})

	t.Run("OnlyOnce", func(t *testing.T) {
		e := newEnv(t, true)
		err := e.try(stranger, func(tx *chain.Tx) error {
			return e.acct.Initialize(tx, stranger)
		})
		require.ErrorIs(t, err, domain.ErrAlreadyInitialized)
		assert.Equal(t, controller, e.acct.Controller())
		assert.Equal(t, 0, e.acct.Version())
	})
}

func TestOnlyController(t *testing.T) {
	e := newEnv(t, true)
	calls := map[string]func(tx *chain.Tx) error{
		"Supply": func(tx *chain.Tx) error {
			return e.acct.Supply(tx, e.wbtc.Address(), e.cWBTC.Address(), units(1, 8))
		},
		"TransferToken": func(tx *chain.Tx) error {
			return e.acct.TransferToken(tx, e.wbtc.Address(), stranger, units(1, 8))
		},
		"ProxyCall": func(tx *chain.Tx) error {
			data, err := token.EncodeTransfer(stranger, units(1, 8))
			if err != nil {
				return err
			}
			_, err = e.acct.ProxyCall(tx, e.wbtc.Address(), data)
			return err
		},
		"HandOver": func(tx *chain.Tx) error {
			return e.acct.HandOver(tx, stranger)
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, e.try(stranger, call), domain.ErrAccessDenied)
		})
	}
	assert.Equal(t, units(1, 8), e.wbtc.BalanceOf(e.acct.Address()))
}

func TestSupplyAndBorrow(t *testing.T) {
	e := newEnv(t, true)
	e.open(t, units(30_000, 18))

	assert.Equal(t, units(1, 8), e.cWBTC.BalanceOfUnderlying(e.acct.Address()))
	assert.Equal(t, units(30_000, 18), e.cDAI.BorrowBalanceStored(e.acct.Address()))
	assert.Equal(t, units(30_000, 18), e.dai.BalanceOf(e.acct.Address()))
	assert.Zero(t, e.wbtc.Allowance(e.acct.Address(), e.cWBTC.Address()).Sign())

	e.do(t, controller, func(tx *chain.Tx) error {
		return e.acct.Borrow(tx, e.dai.Address(), e.cDAI.Address(), bob, units(1_000, 18))
	})
	assert.Equal(t, units(1_000, 18), e.dai.BalanceOf(bob))
}

func TestLendingCodesPassThrough(t *testing.T) {
	e := newEnv(t, true)
	e.open(t, units(30_000, 18))

	err := e.try(controller, func(tx *chain.Tx) error {
		return e.acct.Borrow(tx, e.dai.Address(), e.cDAI.Address(), bob, units(20_000, 18))
	})
	require.ErrorIs(t, err, domain.ErrExternalCallFailed)
	var codeErr *lending.CodeError
	require.True(t, errors.As(err, &codeErr))
	assert.Equal(t, lending.InsufficientLiquidity, codeErr.Code)
	assert.Equal(t, units(30_000, 18), e.cDAI.BorrowBalanceStored(e.acct.Address()))
	assert.Zero(t, e.dai.BalanceOf(bob).Sign())
}

func TestAssetMustMatchMarket(t *testing.T) {
	e := newEnv(t, true)
	err := e.try(controller, func(tx *chain.Tx) error {
		return e.acct.Supply(tx, e.dai.Address(), e.cWBTC.Address(), units(1, 18))
	})
	require.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestRepayAndRedeem(t *testing.T) {
	e := newEnv(t, true)
	e.open(t, units(30_000, 18))

	e.do(t, controller, func(tx *chain.Tx) error {
		return e.acct.RepayAndRedeem(tx, RepayRedeem{
			RepayAsset: e.dai.Address(), RepayMarket: e.cDAI.Address(), RepayAmount: token.MaxUint256,
			RedeemAsset: e.wbtc.Address(), RedeemMarket: e.cWBTC.Address(), RedeemAmount: units(1, 8),
			Recipient: bob,
		})
	})
	assert.Zero(t, e.cDAI.BorrowBalanceStored(e.acct.Address()).Sign())
	assert.Zero(t, e.cWBTC.BalanceOf(e.acct.Address()).Sign())
	assert.Equal(t, units(1, 8), e.wbtc.BalanceOf(bob))
	assert.Zero(t, e.dai.Allowance(e.acct.Address(), e.cDAI.Address()).Sign())

	e.do(t, controller, func(tx *chain.Tx) error {
		return e.acct.ExitMarket(tx, e.comp.Address(), e.cWBTC.Address())
	})
	assert.False(t, e.comp.CheckMembership(e.acct.Address(), e.cWBTC.Address()))
}

func TestRedeemReturnsUnderlying(t *testing.T) {
	e := newEnv(t, true)
	e.do(t, controller, func(tx *chain.Tx) error {
		return e.acct.Supply(tx, e.wbtc.Address(), e.cWBTC.Address(), units(1, 8))
	})

	var got *big.Int
	e.do(t, controller, func(tx *chain.Tx) error {
		var err error
		got, err = e.acct.Redeem(tx, e.wbtc.Address(), e.cWBTC.Address(), bob, e.cWBTC.BalanceOf(e.acct.Address()))
		return err
	})
	assert.Equal(t, units(1, 8), got)
	assert.Equal(t, units(1, 8), e.wbtc.BalanceOf(bob))
}

func TestProxyMulticall(t *testing.T) {
	e := newEnv(t, true)
	half := big.NewInt(50_000_000)
	transfer, err := token.EncodeTransfer(bob, half)
	require.NoError(t, err)

	t.Run("LengthMismatch", func(t *testing.T) {
		err := e.try(controller, func(tx *chain.Tx) error {
			_, err := e.acct.ProxyMulticall(tx, []common.Address{e.wbtc.Address()}, nil)
			return err
		})
		require.ErrorIs(t, err, domain.ErrLengthMismatch)
	})

	t.Run("AllOrNothing", func(t *testing.T) {
		err := e.try(controller, func(tx *chain.Tx) error {
			_, err := e.acct.ProxyMulticall(tx,
				[]common.Address{e.wbtc.Address(), e.wbtc.Address(), e.wbtc.Address()},
				[][]byte{transfer, transfer, transfer})
			return err
		})
		require.ErrorIs(t, err, domain.ErrInsufficientBalance)
		assert.Zero(t, e.wbtc.BalanceOf(bob).Sign())
	})

	t.Run("RunsInOrder", func(t *testing.T) {
		e.do(t, controller, func(tx *chain.Tx) error {
			_, err := e.acct.ProxyMulticall(tx,
				[]common.Address{e.wbtc.Address(), e.wbtc.Address()},
				[][]byte{transfer, transfer})
			return err
		})
		assert.Equal(t, units(1, 8), e.wbtc.BalanceOf(bob))
	})
}

func TestHandOver(t *testing.T) {
	e := newEnv(t, true)
	e.do(t, controller, func(tx *chain.Tx) error {
		return e.acct.HandOver(tx, bob)
	})
	assert.Equal(t, bob, e.acct.Controller())

	err := e.try(controller, func(tx *chain.Tx) error {
		return e.acct.TransferToken(tx, e.wbtc.Address(), controller, units(1, 8))
	})
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	e.do(t, bob, func(tx *chain.Tx) error {
		return e.acct.TransferToken(tx, e.wbtc.Address(), bob, units(1, 8))
	})
	assert.Equal(t, units(1, 8), e.wbtc.BalanceOf(bob))
}

func TestTransferNative(t *testing.T) {
	e := newEnv(t, true)
	e.chain.Fund(e.acct.Address(), big.NewInt(1_000))
	e.do(t, controller, func(tx *chain.Tx) error {
		return e.acct.TransferNative(tx, bob, big.NewInt(400))
	})
	assert.Equal(t, big.NewInt(400), e.chain.NativeBalance(bob))
	assert.Equal(t, big.NewInt(600), e.chain.NativeBalance(e.acct.Address()))
}
