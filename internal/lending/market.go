package lending

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/token"
	"github.com/ethereum/go-ethereum/common"
)

// Config holds the economic parameters of a market.
type Config struct {
	// InitialExchangeRate is underlying per market token while the market
	// is empty, as a mantissa.
	InitialExchangeRate *big.Int
	BorrowRatePerBlock  *big.Int
	ReserveFactor       *big.Int
}

type borrowSnapshot struct {
	principal     *big.Int
	interestIndex *big.Int
}

// Market holds deposits of one underlying asset, mints market tokens for
// them, and lends the asset out. Interest accrues per block through a
// borrow index.
type Market struct {
	addr          common.Address
	symbol        string
	comptroller   *Comptroller
	asset         *token.Token
	initialRate   *big.Int
	borrowRate    *big.Int
	reserveFactor *big.Int

	accrualBlock  uint64
	borrowIndex   *big.Int
	totalBorrows  *big.Int
	totalReserves *big.Int
	totalSupply   *big.Int
	tokens        map[common.Address]*big.Int
	borrows       map[common.Address]borrowSnapshot
}

var _ chain.Invoker = (*Market)(nil)

// DeployMarket creates a market for underlying governed by comptroller. It
// still has to be listed with SupportMarket.
func DeployMarket(tx *chain.Tx, comptroller *Comptroller, underlying common.Address, symbol string, cfg Config) (*Market, error) {
	asset, err := chain.At[*token.Token](tx, underlying)
	if err != nil {
		return nil, fmt.Errorf("lending: deploy market %s: %w", symbol, err)
	}
	if cfg.InitialExchangeRate == nil || cfg.InitialExchangeRate.Sign() <= 0 {
		return nil, fmt.Errorf("lending: deploy market %s: initial exchange rate: %w", symbol, domain.ErrInvalidParams)
	}
	m, err := chain.Deploy(tx, func(addr common.Address) *Market {
		return &Market{
			addr:          addr,
			symbol:        symbol,
			comptroller:   comptroller,
			asset:         asset,
			initialRate:   new(big.Int).Set(cfg.InitialExchangeRate),
			borrowRate:    orZero(cfg.BorrowRatePerBlock),
			reserveFactor: orZero(cfg.ReserveFactor),
			accrualBlock:  tx.Block(),
			borrowIndex:   new(big.Int).Set(expScale),
			totalBorrows:  new(big.Int),
			totalReserves: new(big.Int),
			totalSupply:   new(big.Int),
			tokens:        make(map[common.Address]*big.Int),
			borrows:       make(map[common.Address]borrowSnapshot),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("lending: deploy market %s: %w", symbol, err)
	}
	return m, nil
}

func (m *Market) Address() common.Address     { return m.addr }
func (m *Market) Symbol() string              { return m.symbol }
func (m *Market) Underlying() common.Address  { return m.asset.Address() }
func (m *Market) Comptroller() common.Address { return m.comptroller.addr }

// BalanceOf returns the market tokens held by account.
func (m *Market) BalanceOf(account common.Address) *big.Int {
	if b, ok := m.tokens[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// BalanceOfUnderlying values account's market tokens at the stored
// exchange rate.
func (m *Market) BalanceOfUnderlying(account common.Address) *big.Int {
	return mulExp(m.ExchangeRateStored(), m.BalanceOf(account))
}

// BorrowBalanceStored is account's debt as of the last accrual.
func (m *Market) BorrowBalanceStored(account common.Address) *big.Int {
	snap, ok := m.borrows[account]
	if !ok || snap.principal.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(snap.principal, m.borrowIndex)
	return out.Quo(out, snap.interestIndex)
}

// BorrowBalanceCurrent accrues interest and returns account's live debt.
func (m *Market) BorrowBalanceCurrent(tx *chain.Tx, account common.Address) *big.Int {
	defer tx.Enter(m.addr)()
	m.accrue(tx)
	return m.BorrowBalanceStored(account)
}

// AccrueInterest brings the borrow index up to the current block.
func (m *Market) AccrueInterest(tx *chain.Tx) {
	defer tx.Enter(m.addr)()
	m.accrue(tx)
}

// ExchangeRateStored is underlying per market token as a mantissa.
func (m *Market) ExchangeRateStored() *big.Int {
	if m.totalSupply.Sign() == 0 {
		return new(big.Int).Set(m.initialRate)
	}
	backing := new(big.Int).Add(m.Cash(), m.totalBorrows)
	backing.Sub(backing, m.totalReserves)
	backing.Mul(backing, expScale)
	return backing.Quo(backing, m.totalSupply)
}

// Cash is the underlying the market holds right now.
func (m *Market) Cash() *big.Int { return m.asset.BalanceOf(m.addr) }

func (m *Market) TotalBorrows() *big.Int { return new(big.Int).Set(m.totalBorrows) }
func (m *Market) TotalSupply() *big.Int  { return new(big.Int).Set(m.totalSupply) }

// Mint deposits amount of the caller's underlying for market tokens. The
// caller must have approved the market.
func (m *Market) Mint(tx *chain.Tx, amount *big.Int) (ErrorCode, error) {
	defer tx.Enter(m.addr)()
	minter := tx.Sender()
	m.accrue(tx)

	if amount == nil || amount.Sign() <= 0 {
		return BadInput, nil
	}
	if code := m.comptroller.mintAllowed(m.addr); code != NoError {
		return code, nil
	}
	minted := new(big.Int).Mul(amount, expScale)
	minted.Quo(minted, m.ExchangeRateStored())
	if minted.Sign() == 0 {
		return BadInput, nil
	}
	if err := m.asset.TransferFrom(tx, minter, m.addr, amount); err != nil {
		if softTransferFailure(err) {
			return TokenTransferInFailed, nil
		}
		return NoError, fmt.Errorf("lending %s: mint: %w", m.symbol, err)
	}

	chain.Set(tx, m.tokens, minter, new(big.Int).Add(m.BalanceOf(minter), minted))
	chain.Assign(tx, &m.totalSupply, new(big.Int).Add(m.totalSupply, minted))
	tx.Emit(Mint{Minter: minter, Amount: new(big.Int).Set(amount), Tokens: minted})
	return NoError, nil
}

// Redeem burns market tokens for underlying sent to the caller.
func (m *Market) Redeem(tx *chain.Tx, tokens *big.Int) (ErrorCode, error) {
	defer tx.Enter(m.addr)()
	return m.redeem(tx, tokens, nil)
}

// RedeemUnderlying burns as many market tokens as amount of underlying is
// worth, rounding against the caller.
func (m *Market) RedeemUnderlying(tx *chain.Tx, amount *big.Int) (ErrorCode, error) {
	defer tx.Enter(m.addr)()
	return m.redeem(tx, nil, amount)
}

func (m *Market) redeem(tx *chain.Tx, tokensIn, amountIn *big.Int) (ErrorCode, error) {
	redeemer := tx.Sender()
	m.accrue(tx)

	rate := m.ExchangeRateStored()
	var tokens, amount *big.Int
	switch {
	case tokensIn != nil:
		tokens = new(big.Int).Set(tokensIn)
		amount = mulExp(rate, tokens)
	case amountIn != nil:
		amount = new(big.Int).Set(amountIn)
		tokens = divExpCeil(amount, rate)
	}
	if tokens.Sign() <= 0 || amount.Sign() < 0 {
		return BadInput, nil
	}
	held := m.BalanceOf(redeemer)
	if held.Cmp(tokens) < 0 {
		return InsufficientTokens, nil
	}
	if code := m.comptroller.redeemAllowed(m.addr, redeemer, tokens); code != NoError {
		return code, nil
	}
	if m.Cash().Cmp(amount) < 0 {
		return InsufficientCash, nil
	}

	chain.Set(tx, m.tokens, redeemer, held.Sub(held, tokens))
	chain.Assign(tx, &m.totalSupply, new(big.Int).Sub(m.totalSupply, tokens))
	if err := m.asset.Transfer(tx, redeemer, amount); err != nil {
		return NoError, fmt.Errorf("lending %s: redeem: %w", m.symbol, err)
	}
	tx.Emit(Redeem{Redeemer: redeemer, Amount: amount, Tokens: tokens})
	return NoError, nil
}

// Borrow lends amount of underlying to the caller against its collateral.
func (m *Market) Borrow(tx *chain.Tx, amount *big.Int) (ErrorCode, error) {
	defer tx.Enter(m.addr)()
	borrower := tx.Sender()
	m.accrue(tx)

	if amount == nil || amount.Sign() <= 0 {
		return BadInput, nil
	}
	if m.Cash().Cmp(amount) < 0 {
		return InsufficientCash, nil
	}
	if code := m.comptroller.borrowAllowed(tx, m.addr, borrower, amount); code != NoError {
		return code, nil
	}

	owed := new(big.Int).Add(m.BorrowBalanceStored(borrower), amount)
	chain.Set(tx, m.borrows, borrower, borrowSnapshot{principal: owed, interestIndex: new(big.Int).Set(m.borrowIndex)})
	chain.Assign(tx, &m.totalBorrows, new(big.Int).Add(m.totalBorrows, amount))
	if err := m.asset.Transfer(tx, borrower, amount); err != nil {
		return NoError, fmt.Errorf("lending %s: borrow: %w", m.symbol, err)
	}
	tx.Emit(Borrow{Borrower: borrower, Amount: new(big.Int).Set(amount), AccountBorrow: new(big.Int).Set(owed), TotalBorrows: m.TotalBorrows()})
	return NoError, nil
}

// RepayBorrow pays down the caller's debt. token.MaxUint256 repays all of
// it.
func (m *Market) RepayBorrow(tx *chain.Tx, amount *big.Int) (ErrorCode, error) {
	defer tx.Enter(m.addr)()
	payer := tx.Sender()
	m.accrue(tx)

	if amount == nil || amount.Sign() < 0 {
		return BadInput, nil
	}
	if code := m.comptroller.repayAllowed(m.addr); code != NoError {
		return code, nil
	}
	owed := m.BorrowBalanceStored(payer)
	repay := new(big.Int).Set(amount)
	if amount.Cmp(token.MaxUint256) == 0 {
		repay.Set(owed)
	}
	if repay.Cmp(owed) > 0 {
		return RepayExceedsBorrow, nil
	}
	if repay.Sign() == 0 {
		return NoError, nil
	}
	if err := m.asset.TransferFrom(tx, payer, m.addr, repay); err != nil {
		if softTransferFailure(err) {
			return TokenTransferInFailed, nil
		}
		return NoError, fmt.Errorf("lending %s: repay: %w", m.symbol, err)
	}

	remaining := new(big.Int).Sub(owed, repay)
	chain.Set(tx, m.borrows, payer, borrowSnapshot{principal: remaining, interestIndex: new(big.Int).Set(m.borrowIndex)})
	total := new(big.Int).Sub(m.totalBorrows, repay)
	if total.Sign() < 0 {
		total.SetInt64(0)
	}
	chain.Assign(tx, &m.totalBorrows, total)
	tx.Emit(RepayBorrow{Payer: payer, Amount: repay, AccountBorrow: new(big.Int).Set(remaining), TotalBorrows: m.TotalBorrows()})
	return NoError, nil
}

func (m *Market) accrue(tx *chain.Tx) {
	current := tx.Block()
	if current <= m.accrualBlock {
		return
	}
	factor := new(big.Int).Mul(m.borrowRate, new(big.Int).SetUint64(current-m.accrualBlock))
	interest := mulExp(factor, m.totalBorrows)

	chain.Assign(tx, &m.accrualBlock, current)
	chain.Assign(tx, &m.borrowIndex, new(big.Int).Add(m.borrowIndex, mulExp(factor, m.borrowIndex)))
	if interest.Sign() == 0 {
		return
	}
	chain.Assign(tx, &m.totalBorrows, new(big.Int).Add(m.totalBorrows, interest))
	chain.Assign(tx, &m.totalReserves, new(big.Int).Add(m.totalReserves, mulExp(m.reserveFactor, interest)))
	tx.Emit(InterestAccrued{Interest: interest, BorrowIndex: new(big.Int).Set(m.borrowIndex), TotalBorrows: m.TotalBorrows()})
}

func softTransferFailure(err error) bool {
	return errors.Is(err, token.ErrInsufficientAllowance) || errors.Is(err, domain.ErrInsufficientBalance)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
