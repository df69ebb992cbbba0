package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type Swap struct {
	Sender     common.Address `json:"sender"`
	Amount0In  *big.Int       `json:"amount0_in"`
	Amount1In  *big.Int       `json:"amount1_in"`
	Amount0Out *big.Int       `json:"amount0_out"`
	Amount1Out *big.Int       `json:"amount1_out"`
	To         common.Address `json:"to"`
}

func (Swap) EventName() string { return "Swap" }

type Sync struct {
	Reserve0 *big.Int `json:"reserve0"`
	Reserve1 *big.Int `json:"reserve1"`
}

func (Sync) EventName() string { return "Sync" }
