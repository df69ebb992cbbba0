// Package exchange is a constant-product liquidity pair that also lends
// its reserves for the length of one call, provided the invariant holds
// again, fee included, when the call returns.
package exchange

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/token"
	"github.com/ethereum/go-ethereum/common"
)

const (
	feeNumerator   = 997
	feeDenominator = 1000
)

// FlashReceiver is called back by Request while the borrowed amounts are
// out. sender is whoever called Request.
type FlashReceiver interface {
	chain.Contract
	FlashCallback(tx *chain.Tx, sender common.Address, amount0, amount1 *big.Int, data []byte) error
}

// Pair holds reserves of two tokens ordered by address.
type Pair struct {
	addr     common.Address
	token0   *token.Token
	token1   *token.Token
	reserve0 *big.Int
	reserve1 *big.Int
	locked   bool
}

// Deploy creates a pair for tokenA and tokenB.
func Deploy(tx *chain.Tx, tokenA, tokenB common.Address) (*Pair, error) {
	if tokenA == tokenB {
		return nil, fmt.Errorf("exchange: identical tokens: %w", domain.ErrInvalidParams)
	}
	if bytes.Compare(tokenA.Bytes(), tokenB.Bytes()) > 0 {
		tokenA, tokenB = tokenB, tokenA
	}
	t0, err := chain.At[*token.Token](tx, tokenA)
	if err != nil {
		return nil, fmt.Errorf("exchange: deploy: %w", err)
	}
	t1, err := chain.At[*token.Token](tx, tokenB)
	if err != nil {
		return nil, fmt.Errorf("exchange: deploy: %w", err)
	}
	p, err := chain.Deploy(tx, func(addr common.Address) *Pair {
		return &Pair{addr: addr, token0: t0, token1: t1, reserve0: new(big.Int), reserve1: new(big.Int)}
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: deploy: %w", err)
	}
	return p, nil
}

func (p *Pair) Address() common.Address { return p.addr }
func (p *Pair) Token0() common.Address  { return p.token0.Address() }
func (p *Pair) Token1() common.Address  { return p.token1.Address() }

// Reserves returns copies of the tracked reserves.
func (p *Pair) Reserves() (*big.Int, *big.Int) {
	return new(big.Int).Set(p.reserve0), new(big.Int).Set(p.reserve1)
}

// AddLiquidity pulls both amounts from the caller into the reserves.
func (p *Pair) AddLiquidity(tx *chain.Tx, amount0, amount1 *big.Int) error {
	defer tx.Enter(p.addr)()
	provider := tx.Sender()
	if err := p.token0.TransferFrom(tx, provider, p.addr, amount0); err != nil {
		return fmt.Errorf("exchange: add liquidity: %w", err)
	}
	if err := p.token1.TransferFrom(tx, provider, p.addr, amount1); err != nil {
		return fmt.Errorf("exchange: add liquidity: %w", err)
	}
	p.sync(tx)
	return nil
}

// Sync sets the reserves to the pair's actual balances.
func (p *Pair) Sync(tx *chain.Tx) {
	defer tx.Enter(p.addr)()
	p.sync(tx)
}

// Request sends amount0Out and amount1Out to to. With non-empty data, to
// is called back with the amounts before the pair checks that its balances,
// net of the 0.3% fee, still cover the product of the reserves. A shortfall
// fails the whole transaction with domain.ErrInsufficientRepayment.
func (p *Pair) Request(tx *chain.Tx, amount0Out, amount1Out *big.Int, to common.Address, data []byte) error {
	defer tx.Enter(p.addr)()
	if p.locked {
		return fmt.Errorf("exchange: request: %w", domain.ErrReentrant)
	}
	p.locked = true
	defer func() { p.locked = false }()

	if amount0Out.Sign() < 0 || amount1Out.Sign() < 0 || (amount0Out.Sign() == 0 && amount1Out.Sign() == 0) {
		return fmt.Errorf("exchange: request: insufficient output amount: %w", domain.ErrInvalidParams)
	}
	if amount0Out.Cmp(p.reserve0) >= 0 || amount1Out.Cmp(p.reserve1) >= 0 {
		return fmt.Errorf("exchange: request: insufficient liquidity: %w", domain.ErrInvalidParams)
	}
	if to == p.token0.Address() || to == p.token1.Address() {
		return fmt.Errorf("exchange: request: invalid recipient: %w", domain.ErrInvalidParams)
	}

	if amount0Out.Sign() > 0 {
		if err := p.token0.Transfer(tx, to, amount0Out); err != nil {
			return fmt.Errorf("exchange: request: %w", err)
		}
	}
	if amount1Out.Sign() > 0 {
		if err := p.token1.Transfer(tx, to, amount1Out); err != nil {
			return fmt.Errorf("exchange: request: %w", err)
		}
	}
	if len(data) > 0 {
		receiver, err := chain.At[FlashReceiver](tx, to)
		if err != nil {
			return fmt.Errorf("exchange: request: receiver %s: %w", to.Hex(), domain.ErrExternalCallFailed)
		}
		if err := receiver.FlashCallback(tx, tx.Sender(), new(big.Int).Set(amount0Out), new(big.Int).Set(amount1Out), data); err != nil {
			return fmt.Errorf("exchange: flash callback: %w", err)
		}
	}

	balance0 := p.token0.BalanceOf(p.addr)
	balance1 := p.token1.BalanceOf(p.addr)
	amount0In := amountIn(balance0, p.reserve0, amount0Out)
	amount1In := amountIn(balance1, p.reserve1, amount1Out)
	if amount0In.Sign() == 0 && amount1In.Sign() == 0 {
		return fmt.Errorf("exchange: nothing returned: %w", domain.ErrInsufficientRepayment)
	}

	adjusted0 := feeAdjusted(balance0, amount0In)
	adjusted1 := feeAdjusted(balance1, amount1In)
	lhs := new(big.Int).Mul(adjusted0, adjusted1)
	rhs := new(big.Int).Mul(p.reserve0, p.reserve1)
	rhs.Mul(rhs, big.NewInt(feeDenominator*feeDenominator))
	if lhs.Cmp(rhs) < 0 {
		return fmt.Errorf("exchange: invariant not restored: %w", domain.ErrInsufficientRepayment)
	}

	tx.Emit(Swap{
		Sender:     tx.Sender(),
		Amount0In:  amount0In,
		Amount1In:  amount1In,
		Amount0Out: new(big.Int).Set(amount0Out),
		Amount1Out: new(big.Int).Set(amount1Out),
		To:         to,
	})
	p.sync(tx)
	return nil
}

// RepaymentFor quotes what must come back, in the same token, for amount
// of asset taken out through Request.
func (p *Pair) RepaymentFor(asset common.Address, amount *big.Int) (*big.Int, error) {
	if asset != p.token0.Address() && asset != p.token1.Address() {
		return nil, fmt.Errorf("exchange: %s not in pair: %w", asset.Hex(), domain.ErrInvalidParams)
	}
	out := new(big.Int).Mul(amount, big.NewInt(feeDenominator))
	out.Quo(out, big.NewInt(feeNumerator))
	return out.Add(out, big.NewInt(1)), nil
}

// GetAmountOut is the output for amountIn against the given reserves.
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int) *big.Int {
	withFee := new(big.Int).Mul(amountIn, big.NewInt(feeNumerator))
	num := new(big.Int).Mul(withFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, big.NewInt(feeDenominator))
	den.Add(den, withFee)
	return num.Quo(num, den)
}

// GetAmountIn is the input needed for amountOut against the given
// reserves.
func GetAmountIn(amountOut, reserveIn, reserveOut *big.Int) *big.Int {
	num := new(big.Int).Mul(reserveIn, amountOut)
	num.Mul(num, big.NewInt(feeDenominator))
	den := new(big.Int).Sub(reserveOut, amountOut)
	den.Mul(den, big.NewInt(feeNumerator))
	num.Quo(num, den)
	return num.Add(num, big.NewInt(1))
}

func (p *Pair) sync(tx *chain.Tx) {
	chain.Assign(tx, &p.reserve0, p.token0.BalanceOf(p.addr))
	chain.Assign(tx, &p.reserve1, p.token1.BalanceOf(p.addr))
	tx.Emit(Sync{Reserve0: new(big.Int).Set(p.reserve0), Reserve1: new(big.Int).Set(p.reserve1)})
}

func amountIn(balance, reserve, out *big.Int) *big.Int {
	remaining := new(big.Int).Sub(reserve, out)
	if balance.Cmp(remaining) > 0 {
		return remaining.Sub(balance, remaining)
	}
	return new(big.Int)
}

func feeAdjusted(balance, in *big.Int) *big.Int {
	out := new(big.Int).Mul(balance, big.NewInt(feeDenominator))
	return out.Sub(out, new(big.Int).Mul(in, big.NewInt(feeDenominator-feeNumerator)))
}
