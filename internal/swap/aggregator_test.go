package swap

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	operator = common.HexToAddress("0x0b")
	trader   = common.HexToAddress("0x7d")
)

type venue struct {
	chain *chain.Chain
	agg   *Aggregator
	dai   *token.Token
	wbtc  *token.Token
}

func pow10(n int64) *big.Int { return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil) }

func newVenue(t *testing.T, feeBps uint64) *venue {
	t.Helper()
	v := &venue{chain: chain.New(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	_, err := v.chain.Transact(context.Background(), operator, func(tx *chain.Tx) error {
		var err error
		if v.dai, err = token.Deploy(tx, "Dai Stablecoin", "DAI", 18); err != nil {
			return err
		}
		if v.wbtc, err = token.Deploy(tx, "Wrapped BTC", "WBTC", 8); err != nil {
			return err
		}
		if v.agg, err = Deploy(tx, feeBps); err != nil {
			return err
		}
		btc, usd := decimal.NewFromInt(60_000), decimal.NewFromInt(1)
		if err := v.agg.SetRate(tx, v.dai.Address(), v.wbtc.Address(), RateFromPrices(usd, btc, 18, 8)); err != nil {
			return err
		}
		if err := v.agg.SetRate(tx, v.wbtc.Address(), v.dai.Address(), RateFromPrices(btc, usd, 8, 18)); err != nil {
			return err
		}
		if err := v.wbtc.Mint(tx, v.agg.Address(), new(big.Int).Mul(big.NewInt(10), pow10(8))); err != nil {
			return err
		}
		return v.dai.Mint(tx, trader, new(big.Int).Mul(big.NewInt(10_000), pow10(18)))
	})
	require.NoError(t, err)
	return v
}

func TestQuote(t *testing.T) {
	v := newVenue(t, 0)
	sell := new(big.Int).Mul(big.NewInt(3_000), pow10(18))

	got, err := v.agg.Quote(v.dai.Address(), v.wbtc.Address(), sell)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5_000_000), got)

	back, err := v.agg.Quote(v.wbtc.Address(), v.dai.Address(), big.NewInt(5_000_000))
	require.NoError(t, err)
	assert.Equal(t, sell, back)

	_, err = v.agg.Quote(v.dai.Address(), common.HexToAddress("0x01"), sell)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQuoteInCoversTarget(t *testing.T) {
	v := newVenue(t, 30)
	want := new(big.Int).Mul(big.NewInt(3_009), pow10(18))

	in, err := v.agg.QuoteIn(v.wbtc.Address(), v.dai.Address(), want)
	require.NoError(t, err)
	got, err := v.agg.Quote(v.wbtc.Address(), v.dai.Address(), in)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Cmp(want), 0)

	less, err := v.agg.Quote(v.wbtc.Address(), v.dai.Address(), new(big.Int).Sub(in, big.NewInt(1)))
	require.NoError(t, err)
	assert.Equal(t, -1, less.Cmp(want))
}

func TestSwap(t *testing.T) {
	sell := new(big.Int).Mul(big.NewInt(3_000), pow10(18))

	t.Run("FillsThroughPayload", func(t *testing.T) {
		v := newVenue(t, 0)
		data, err := EncodeSwap(Order{Sell: v.dai.Address(), Buy: v.wbtc.Address(), SellAmount: sell, MinBuy: big.NewInt(5_000_000)})
		require.NoError(t, err)

		_, err = v.chain.Transact(context.Background(), trader, func(tx *chain.Tx) error {
			if err := v.dai.Approve(tx, v.agg.Address(), sell); err != nil {
				return err
			}
			_, err := tx.Call(v.agg.Address(), data)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(5_000_000), v.wbtc.BalanceOf(trader))

		order, err := DecodeSwap(data)
		require.NoError(t, err)
		assert.Equal(t, v.dai.Address(), order.Sell)
	})

	t.Run("SlippageReverts", func(t *testing.T) {
		v := newVenue(t, 30)
		_, err := v.chain.Transact(context.Background(), trader, func(tx *chain.Tx) error {
			if err := v.dai.Approve(tx, v.agg.Address(), sell); err != nil {
				return err
			}
			_, err := v.agg.Swap(tx, v.dai.Address(), v.wbtc.Address(), sell, big.NewInt(5_000_000))
			return err
		})
		require.ErrorIs(t, err, domain.ErrSlippage)
		assert.Zero(t, v.wbtc.BalanceOf(trader).Sign())
		assert.Zero(t, v.dai.Allowance(trader, v.agg.Address()).Sign())
	})

	t.Run("OnlyAdminSetsRates", func(t *testing.T) {
		v := newVenue(t, 0)
		_, err := v.chain.Transact(context.Background(), trader, func(tx *chain.Tx) error {
			return v.agg.SetRate(tx, v.dai.Address(), v.wbtc.Address(), big.NewInt(1))
		})
		require.ErrorIs(t, err, domain.ErrAccessDenied)
	})
}
