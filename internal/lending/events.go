package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type MarketListed struct {
	Market           common.Address `json:"market"`
	CollateralFactor *big.Int       `json:"collateral_factor"`
}

func (MarketListed) EventName() string { return "MarketListed" }

type MarketEntered struct {
	Market  common.Address `json:"market"`
	Account common.Address `json:"account"`
}

func (MarketEntered) EventName() string { return "MarketEntered" }

type MarketExited struct {
	Market  common.Address `json:"market"`
	Account common.Address `json:"account"`
}

func (MarketExited) EventName() string { return "MarketExited" }

type PriceUpdated struct {
	Market common.Address `json:"market"`
	Price  *big.Int       `json:"price"`
}

func (PriceUpdated) EventName() string { return "PriceUpdated" }

type Mint struct {
	Minter common.Address `json:"minter"`
	Amount *big.Int       `json:"amount"`
	Tokens *big.Int       `json:"tokens"`
}

func (Mint) EventName() string { return "Mint" }

type Redeem struct {
	Redeemer common.Address `json:"redeemer"`
	Amount   *big.Int       `json:"amount"`
	Tokens   *big.Int       `json:"tokens"`
}

func (Redeem) EventName() string { return "Redeem" }

type Borrow struct {
	Borrower      common.Address `json:"borrower"`
	Amount        *big.Int       `json:"amount"`
	AccountBorrow *big.Int       `json:"account_borrow"`
	TotalBorrows  *big.Int       `json:"total_borrows"`
}

func (Borrow) EventName() string { return "Borrow" }

type RepayBorrow struct {
	Payer         common.Address `json:"payer"`
	Amount        *big.Int       `json:"amount"`
	AccountBorrow *big.Int       `json:"account_borrow"`
	TotalBorrows  *big.Int       `json:"total_borrows"`
}

func (RepayBorrow) EventName() string { return "RepayBorrow" }

type InterestAccrued struct {
	Interest     *big.Int `json:"interest"`
	BorrowIndex  *big.Int `json:"borrow_index"`
	TotalBorrows *big.Int `json:"total_borrows"`
}

func (InterestAccrued) EventName() string { return "InterestAccrued" }
