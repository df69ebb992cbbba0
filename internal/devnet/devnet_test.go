package devnet

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/units"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var operator = common.HexToAddress("0x09e7a70")

func deployDefault(t *testing.T) *Env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env, err := Deploy(context.Background(), chain.New(logger), DefaultConfig(operator), logger)
	require.NoError(t, err)
	return env
}

func TestDeploy(t *testing.T) {
	env := deployDefault(t)

	require.NoError(t, env.Chain.View(func() error {
		assert.True(t, env.Registry.IsController(env.Engine.Address()))
		assert.Equal(t, "FMP", env.Registry.Symbol())
		assert.Equal(t, env.Comptroller.Address(), env.CollateralMarket.Comptroller())
		assert.Equal(t, env.Debt.Address(), env.DebtMarket.Underlying())
		assert.Equal(t, units.MustToBase("1000000", 18), env.DebtMarket.Cash())

		r0, r1 := env.Pair.Reserves()
		wantColl, wantDebt := units.MustToBase("100", 8), units.MustToBase("6000000", 18)
		if env.Pair.Token0() == env.Debt.Address() {
			wantColl, wantDebt = wantDebt, wantColl
		}
		assert.Equal(t, wantColl, r0)
		assert.Equal(t, wantDebt, r1)

		out, err := env.Aggregator.Quote(env.Debt.Address(), env.Collateral.Address(), units.MustToBase("3000", 18))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(5_000_000), out)
		return nil
	}))
	assert.False(t, env.Engine.Armed())
}

func TestFaucet(t *testing.T) {
	env := deployDefault(t)
	alice := common.HexToAddress("0xa11ce")

	receipt, err := env.Faucet(context.Background(), alice, big.NewInt(50_000_000), nil)
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded())
	require.NoError(t, env.Chain.View(func() error {
		assert.Equal(t, big.NewInt(50_000_000), env.Collateral.BalanceOf(alice))
		assert.Zero(t, env.Debt.BalanceOf(alice).Sign())
		return nil
	}))

	_, err = env.Faucet(context.Background(), common.Address{}, big.NewInt(1), nil)
	require.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestPlanOpen(t *testing.T) {
	env := deployDefault(t)

	require.NoError(t, env.Chain.View(func() error {
		p, err := env.PlanOpen(big.NewInt(50_000_000), units.MustToBase("3000", 18), 100)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(4_950_000), p.MinCollateralOut)
		assert.Equal(t, env.Aggregator.Address(), p.Swap.Target)
		assert.NotEmpty(t, p.Swap.Data)

		flash := p.Amount0Out
		if env.Pair.Token0() != env.Debt.Address() {
			flash = p.Amount1Out
		}
		assert.Equal(t, units.MustToBase("3000", 18), flash)
		return nil
	}))
}

func TestPlanAddDirect(t *testing.T) {
	env := deployDefault(t)

	require.NoError(t, env.Chain.View(func() error {
		p, err := env.PlanAdd(1, big.NewInt(10), nil, 0)
		require.NoError(t, err)
		assert.False(t, p.ViaFlashBorrow)
		assert.Equal(t, env.CollateralMarket.Address(), p.Market)
		return nil
	}))
}
