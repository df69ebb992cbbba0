package account

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/lending"
	"github.com/alanyoungcy/fusemargin/internal/token"
	"github.com/ethereum/go-ethereum/common"
)

// Supply deposits amount of asset held by the account into market.
func (a *Account) Supply(tx *chain.Tx, asset, market common.Address, amount *big.Int) error {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "supply"); err != nil {
		return err
	}
	return a.supply(tx, asset, market, amount)
}

// Borrow borrows amount of asset from market and forwards it to recipient.
func (a *Account) Borrow(tx *chain.Tx, asset, market, recipient common.Address, amount *big.Int) error {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "borrow"); err != nil {
		return err
	}
	return a.borrow(tx, asset, market, recipient, amount)
}

// RedeemUnderlying withdraws amount of asset from market to recipient.
func (a *Account) RedeemUnderlying(tx *chain.Tx, asset, market, recipient common.Address, amount *big.Int) error {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "redeem underlying"); err != nil {
		return err
	}
	return a.redeemUnderlying(tx, asset, market, recipient, amount)
}

// Redeem burns marketTokens and forwards the underlying they were worth to
// recipient. It returns the underlying amount.
func (a *Account) Redeem(tx *chain.Tx, asset, market, recipient common.Address, marketTokens *big.Int) (*big.Int, error) {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "redeem"); err != nil {
		return nil, err
	}
	m, tok, err := a.resolve(tx, asset, market)
	if err != nil {
		return nil, err
	}
	before := tok.BalanceOf(a.addr)
	code, err := m.Redeem(tx, marketTokens)
	if err := settle("redeem", market, code, err); err != nil {
		return nil, err
	}
	got := new(big.Int).Sub(tok.BalanceOf(a.addr), before)
	if err := a.forward(tx, tok, recipient, got); err != nil {
		return nil, err
	}
	return got, nil
}

// RepayBorrow pays down the account's debt in market from asset it holds.
// token.MaxUint256 repays everything owed.
func (a *Account) RepayBorrow(tx *chain.Tx, asset, market common.Address, amount *big.Int) error {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "repay borrow"); err != nil {
		return err
	}
	return a.repay(tx, asset, market, amount)
}

// EnterMarkets makes the account's deposits in markets count as
// collateral.
func (a *Account) EnterMarkets(tx *chain.Tx, comptroller common.Address, markets []common.Address) error {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "enter markets"); err != nil {
		return err
	}
	return a.enterMarkets(tx, comptroller, markets)
}

// ExitMarket stops counting the account's deposits in market as
// collateral.
func (a *Account) ExitMarket(tx *chain.Tx, comptroller, market common.Address) error {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "exit market"); err != nil {
		return err
	}
	c, err := chain.At[*lending.Comptroller](tx, comptroller)
	if err != nil {
		return fmt.Errorf("account %s: exit market: %w", a.addr.Hex(), err)
	}
	return lending.Check("exitMarket", market, c.ExitMarket(tx, market))
}

// SupplyBorrow supplies collateral and borrows against it in one step.
type SupplyBorrow struct {
	SupplyAsset  common.Address
	SupplyMarket common.Address
	SupplyAmount *big.Int
	BorrowAsset  common.Address
	BorrowMarket common.Address
	BorrowAmount *big.Int
	Recipient    common.Address
}

// SupplyAndBorrow runs s.
func (a *Account) SupplyAndBorrow(tx *chain.Tx, s SupplyBorrow) error {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "supply and borrow"); err != nil {
		return err
	}
	if err := a.supply(tx, s.SupplyAsset, s.SupplyMarket, s.SupplyAmount); err != nil {
		return err
	}
	return a.borrow(tx, s.BorrowAsset, s.BorrowMarket, s.Recipient, s.BorrowAmount)
}

// RepayRedeem repays debt and withdraws collateral in one step.
type RepayRedeem struct {
	RepayAsset   common.Address
	RepayMarket  common.Address
	RepayAmount  *big.Int
	RedeemAsset  common.Address
	RedeemMarket common.Address
	RedeemAmount *big.Int
	Recipient    common.Address
}

// RepayAndRedeem runs r.
func (a *Account) RepayAndRedeem(tx *chain.Tx, r RepayRedeem) error {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "repay and redeem"); err != nil {
		return err
	}
	if err := a.repay(tx, r.RepayAsset, r.RepayMarket, r.RepayAmount); err != nil {
		return err
	}
	return a.redeemUnderlying(tx, r.RedeemAsset, r.RedeemMarket, r.Recipient, r.RedeemAmount)
}

func (a *Account) supply(tx *chain.Tx, asset, market common.Address, amount *big.Int) error {
	m, tok, err := a.resolve(tx, asset, market)
	if err != nil {
		return err
	}
	if err := tok.Approve(tx, market, amount); err != nil {
		return fmt.Errorf("account %s: approve %s: %w", a.addr.Hex(), m.Symbol(), err)
	}
	code, err := m.Mint(tx, amount)
	if err := settle("mint", market, code, err); err != nil {
		return err
	}
	return tok.Approve(tx, market, new(big.Int))
}

func (a *Account) borrow(tx *chain.Tx, asset, market, recipient common.Address, amount *big.Int) error {
	m, tok, err := a.resolve(tx, asset, market)
	if err != nil {
		return err
	}
	code, err := m.Borrow(tx, amount)
	if err := settle("borrow", market, code, err); err != nil {
		return err
	}
	return a.forward(tx, tok, recipient, amount)
}

func (a *Account) redeemUnderlying(tx *chain.Tx, asset, market, recipient common.Address, amount *big.Int) error {
	m, tok, err := a.resolve(tx, asset, market)
	if err != nil {
		return err
	}
	code, err := m.RedeemUnderlying(tx, amount)
	if err := settle("redeemUnderlying", market, code, err); err != nil {
		return err
	}
	return a.forward(tx, tok, recipient, amount)
}

func (a *Account) repay(tx *chain.Tx, asset, market common.Address, amount *big.Int) error {
	m, tok, err := a.resolve(tx, asset, market)
	if err != nil {
		return err
	}
	if err := tok.Approve(tx, market, amount); err != nil {
		return fmt.Errorf("account %s: approve %s: %w", a.addr.Hex(), m.Symbol(), err)
	}
	code, err := m.RepayBorrow(tx, amount)
	if err := settle("repayBorrow", market, code, err); err != nil {
		return err
	}
	return tok.Approve(tx, market, new(big.Int))
}

func (a *Account) enterMarkets(tx *chain.Tx, comptroller common.Address, markets []common.Address) error {
	c, err := chain.At[*lending.Comptroller](tx, comptroller)
	if err != nil {
		return fmt.Errorf("account %s: enter markets: %w", a.addr.Hex(), err)
	}
	for i, code := range c.EnterMarkets(tx, markets) {
		if err := lending.Check("enterMarkets", markets[i], code); err != nil {
			return err
		}
	}
	return nil
}

// resolve checks that market lends asset.
func (a *Account) resolve(tx *chain.Tx, asset, market common.Address) (*lending.Market, *token.Token, error) {
	m, err := chain.At[*lending.Market](tx, market)
	if err != nil {
		return nil, nil, fmt.Errorf("account %s: market %s: %w", a.addr.Hex(), market.Hex(), err)
	}
	if m.Underlying() != asset {
		return nil, nil, fmt.Errorf("account %s: market %s does not lend %s: %w", a.addr.Hex(), m.Symbol(), asset.Hex(), domain.ErrInvalidParams)
	}
	tok, err := chain.At[*token.Token](tx, asset)
	if err != nil {
		return nil, nil, fmt.Errorf("account %s: asset %s: %w", a.addr.Hex(), asset.Hex(), err)
	}
	return m, tok, nil
}

func (a *Account) forward(tx *chain.Tx, tok *token.Token, recipient common.Address, amount *big.Int) error {
	if recipient == a.addr || amount.Sign() == 0 {
		return nil
	}
	if err := tok.Transfer(tx, recipient, amount); err != nil {
		return fmt.Errorf("account %s: forward %s: %w", a.addr.Hex(), tok.Symbol(), err)
	}
	return nil
}

func settle(op string, market common.Address, code lending.ErrorCode, err error) error {
	if err != nil {
		return err
	}
	return lending.Check(op, market, code)
}
