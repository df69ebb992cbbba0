// Package swap is a quote-based swap venue: it fills trades from its own
// inventory at admin-set rates, the way an off-chain aggregator quote is
// settled on-chain.
package swap

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// RateScale is the fixed-point scale of rates: buy base units per sell base
// unit, times 1e36.
var RateScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)

const bpsDenominator = 10_000

type route struct {
	sell common.Address
	buy  common.Address
}

// Aggregator fills swaps out of its inventory.
type Aggregator struct {
	addr   common.Address
	admin  common.Address
	feeBps uint64
	rates  map[route]*big.Int
}

var _ chain.Invoker = (*Aggregator)(nil)

// Deploy creates an aggregator charging feeBps on the bought amount.
func Deploy(tx *chain.Tx, feeBps uint64) (*Aggregator, error) {
	if feeBps >= bpsDenominator {
		return nil, fmt.Errorf("swap: fee of %d bps: %w", feeBps, domain.ErrInvalidParams)
	}
	admin := tx.Self()
	a, err := chain.Deploy(tx, func(addr common.Address) *Aggregator {
		return &Aggregator{addr: addr, admin: admin, feeBps: feeBps, rates: make(map[route]*big.Int)}
	})
	if err != nil {
		return nil, fmt.Errorf("swap: deploy: %w", err)
	}
	return a, nil
}

func (a *Aggregator) Address() common.Address { return a.addr }
func (a *Aggregator) FeeBps() uint64          { return a.feeBps }

// SetRate sets how many buy base units one sell base unit fetches, scaled
// by RateScale.
func (a *Aggregator) SetRate(tx *chain.Tx, sell, buy common.Address, rate *big.Int) error {
	defer tx.Enter(a.addr)()
	if tx.Sender() != a.admin {
		return fmt.Errorf("swap: set rate: %w", domain.ErrAccessDenied)
	}
	if rate.Sign() <= 0 {
		return fmt.Errorf("swap: set rate %s: %w", rate, domain.ErrInvalidParams)
	}
	chain.Set(tx, a.rates, route{sell, buy}, new(big.Int).Set(rate))
	tx.Emit(RateSet{Sell: sell, Buy: buy, Rate: new(big.Int).Set(rate)})
	return nil
}

// Quote returns what sellAmount of sell buys, net of fee.
func (a *Aggregator) Quote(sell, buy common.Address, sellAmount *big.Int) (*big.Int, error) {
	rate, ok := a.rates[route{sell, buy}]
	if !ok {
		return nil, fmt.Errorf("swap: no route %s -> %s: %w", sell.Hex(), buy.Hex(), domain.ErrNotFound)
	}
	return a.fill(rate, sellAmount), nil
}

// QuoteIn returns the smallest sell amount whose quote covers buyAmount.
func (a *Aggregator) QuoteIn(sell, buy common.Address, buyAmount *big.Int) (*big.Int, error) {
	rate, ok := a.rates[route{sell, buy}]
	if !ok {
		return nil, fmt.Errorf("swap: no route %s -> %s: %w", sell.Hex(), buy.Hex(), domain.ErrNotFound)
	}
	gross := ceilDiv(new(big.Int).Mul(buyAmount, big.NewInt(bpsDenominator)), big.NewInt(int64(bpsDenominator-a.feeBps)))
	in := ceilDiv(new(big.Int).Mul(gross, RateScale), rate)
	one := big.NewInt(1)
	for !a.covers(rate, in, buyAmount) {
		in.Add(in, one)
	}
	for in.Sign() > 0 {
		prev := new(big.Int).Sub(in, one)
		if !a.covers(rate, prev, buyAmount) {
			break
		}
		in = prev
	}
	return in, nil
}

func (a *Aggregator) covers(rate, sellAmount, buyAmount *big.Int) bool {
	return a.fill(rate, sellAmount).Cmp(buyAmount) >= 0
}

func (a *Aggregator) fill(rate, sellAmount *big.Int) *big.Int {
	out := new(big.Int).Mul(sellAmount, rate)
	out.Quo(out, RateScale)
	out.Mul(out, big.NewInt(int64(bpsDenominator-a.feeBps)))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// Swap sells sellAmount of the caller's sell token for at least minBuy of
// buy, paid to the caller. The caller must have approved the aggregator.
func (a *Aggregator) Swap(tx *chain.Tx, sell, buy common.Address, sellAmount, minBuy *big.Int) (*big.Int, error) {
	defer tx.Enter(a.addr)()
	trader := tx.Sender()

	bought, err := a.Quote(sell, buy, sellAmount)
	if err != nil {
		return nil, err
	}
	if bought.Cmp(minBuy) < 0 {
		return nil, fmt.Errorf("swap: %s bought, %s required: %w", bought, minBuy, domain.ErrSlippage)
	}
	sellToken, err := chain.At[*token.Token](tx, sell)
	if err != nil {
		return nil, fmt.Errorf("swap: sell token: %w", err)
	}
	buyToken, err := chain.At[*token.Token](tx, buy)
	if err != nil {
		return nil, fmt.Errorf("swap: buy token: %w", err)
	}
	if err := sellToken.TransferFrom(tx, trader, a.addr, sellAmount); err != nil {
		return nil, fmt.Errorf("swap: collect %s: %w", sellToken.Symbol(), err)
	}
	if err := buyToken.Transfer(tx, trader, bought); err != nil {
		return nil, fmt.Errorf("swap: pay %s: %w", buyToken.Symbol(), err)
	}
	tx.Emit(Swapped{Trader: trader, Sell: sell, Buy: buy, SellAmount: new(big.Int).Set(sellAmount), BuyAmount: new(big.Int).Set(bought)})
	return bought, nil
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// RateFromPrices derives a rate from USD prices per whole token.
func RateFromPrices(sellUSD, buyUSD decimal.Decimal, sellDecimals, buyDecimals uint8) *big.Int {
	scaled := sellUSD.Shift(36 + int32(buyDecimals) - int32(sellDecimals))
	return scaled.DivRound(buyUSD, 0).BigInt()
}
