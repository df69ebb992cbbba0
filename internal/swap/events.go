package swap

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type RateSet struct {
	Sell common.Address `json:"sell"`
	Buy  common.Address `json:"buy"`
	Rate *big.Int       `json:"rate"`
}

func (RateSet) EventName() string { return "RateSet" }

type Swapped struct {
	Trader     common.Address `json:"trader"`
	Sell       common.Address `json:"sell"`
	Buy        common.Address `json:"buy"`
	SellAmount *big.Int       `json:"sell_amount"`
	BuyAmount  *big.Int       `json:"buy_amount"`
}

func (Swapped) EventName() string { return "Swapped" }
