// Package token implements fungible assets with ERC20 semantics on the
// settlement runtime.
package token

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrOverflow              = errors.New("token: amount outside uint256 range")
)

// MaxUint256 is the largest representable amount. As an allowance it never
// decreases; lending markets read it as "the whole balance".
var MaxUint256 = new(uint256.Int).SetAllOne().ToBig()

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Token is a fungible asset. The deploying address is its only minter.
type Token struct {
	addr       common.Address
	name       string
	symbol     string
	decimals   uint8
	minter     common.Address
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
}

var _ chain.Invoker = (*Token)(nil)

// Deploy creates a token minted by the current contract or sender.
func Deploy(tx *chain.Tx, name, symbol string, decimals uint8) (*Token, error) {
	minter := tx.Self()
	t, err := chain.Deploy(tx, func(addr common.Address) *Token {
		return &Token{
			addr:       addr,
			name:       name,
			symbol:     symbol,
			decimals:   decimals,
			minter:     minter,
			supply:     new(big.Int),
			balances:   make(map[common.Address]*big.Int),
			allowances: make(map[allowanceKey]*big.Int),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("token: deploy %s: %w", symbol, err)
	}
	return t, nil
}

func (t *Token) Address() common.Address { return t.addr }
func (t *Token) Name() string            { return t.name }
func (t *Token) Symbol() string          { return t.symbol }
func (t *Token) Decimals() uint8         { return t.decimals }

// TotalSupply returns a copy of the outstanding supply.
func (t *Token) TotalSupply() *big.Int { return new(big.Int).Set(t.supply) }

// BalanceOf returns a copy of owner's balance.
func (t *Token) BalanceOf(owner common.Address) *big.Int {
	return new(big.Int).Set(t.balanceOf(owner))
}

// Allowance returns how much spender may still move on owner's behalf.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	if a, ok := t.allowances[allowanceKey{owner, spender}]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// Transfer moves amount from the caller to to.
func (t *Token) Transfer(tx *chain.Tx, to common.Address, amount *big.Int) error {
	defer tx.Enter(t.addr)()
	return t.move(tx, tx.Sender(), to, amount)
}

// TransferFrom moves amount from from to to using the caller's allowance.
func (t *Token) TransferFrom(tx *chain.Tx, from, to common.Address, amount *big.Int) error {
	defer tx.Enter(t.addr)()
	spender := tx.Sender()
	if spender != from {
		key := allowanceKey{from, spender}
		allowed := t.Allowance(from, spender)
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("token %s: %s spending %s of %s: %w", t.symbol, spender.Hex(), amount, from.Hex(), ErrInsufficientAllowance)
		}
		if allowed.Cmp(MaxUint256) != 0 {
			chain.Set(tx, t.allowances, key, new(big.Int).Sub(allowed, amount))
		}
	}
	return t.move(tx, from, to, amount)
}

// Approve sets the caller's allowance for spender.
func (t *Token) Approve(tx *chain.Tx, spender common.Address, amount *big.Int) error {
	defer tx.Enter(t.addr)()
	if err := checkRange(amount); err != nil {
		return fmt.Errorf("token %s: approve: %w", t.symbol, err)
	}
	owner := tx.Sender()
	chain.Set(tx, t.allowances, allowanceKey{owner, spender}, new(big.Int).Set(amount))
	tx.Emit(Approval{Owner: owner, Spender: spender, Amount: new(big.Int).Set(amount)})
	return nil
}

// Mint creates amount new units for to. Only the minter may call it.
func (t *Token) Mint(tx *chain.Tx, to common.Address, amount *big.Int) error {
	defer tx.Enter(t.addr)()
	if tx.Sender() != t.minter {
		return fmt.Errorf("token %s: mint by %s: %w", t.symbol, tx.Sender().Hex(), domain.ErrAccessDenied)
	}
	supply := new(big.Int).Add(t.supply, amount)
	if err := checkRange(amount); err != nil {
		return fmt.Errorf("token %s: mint: %w", t.symbol, err)
	}
	if err := checkRange(supply); err != nil {
		return fmt.Errorf("token %s: mint: %w", t.symbol, err)
	}
	chain.Assign(tx, &t.supply, supply)
	chain.Set(tx, t.balances, to, new(big.Int).Add(t.balanceOf(to), amount))
	tx.Emit(Transfer{From: common.Address{}, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

func (t *Token) move(tx *chain.Tx, from, to common.Address, amount *big.Int) error {
	if err := checkRange(amount); err != nil {
		return fmt.Errorf("token %s: transfer: %w", t.symbol, err)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("token %s: transfer to zero address: %w", t.symbol, domain.ErrInvalidParams)
	}
	bal := t.balanceOf(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("token %s: %s holds %s, needs %s: %w", t.symbol, from.Hex(), bal, amount, domain.ErrInsufficientBalance)
	}
	chain.Set(tx, t.balances, from, new(big.Int).Sub(bal, amount))
	chain.Set(tx, t.balances, to, new(big.Int).Add(t.balanceOf(to), amount))
	tx.Emit(Transfer{From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

func (t *Token) balanceOf(owner common.Address) *big.Int {
	if b, ok := t.balances[owner]; ok {
		return b
	}
	return new(big.Int)
}

func checkRange(v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return ErrOverflow
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return ErrOverflow
	}
	return nil
}
