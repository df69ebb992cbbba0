package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type Transfer struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

func (Transfer) EventName() string { return "Transfer" }

type Approval struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *big.Int       `json:"amount"`
}

func (Approval) EventName() string { return "Approval" }
