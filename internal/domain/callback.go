package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OperationKind identifies which engine flow armed a flash borrow.
type OperationKind uint8

const (
	OperationOpen OperationKind = iota + 1
	OperationAdd
	OperationClose
)

func (k OperationKind) String() string {
	switch k {
	case OperationOpen:
		return "open"
	case OperationAdd:
		return "add"
	case OperationClose:
		return "close"
	default:
		return "unknown"
	}
}

// CallbackContext is the state an engine operation hands to its own flash
// callback through the pool. It only lives for one top-level call.
type CallbackContext struct {
	Kind             OperationKind
	PositionID       uint64
	Owner            common.Address
	Account          common.Address
	Pool             common.Address
	Comptroller      common.Address
	CollateralAsset  common.Address
	CollateralMarket common.Address
	DebtAsset        common.Address
	DebtMarket       common.Address
	Amount           *big.Int
	FlashAmount      *big.Int
	MinOut           *big.Int
	SwapTarget       common.Address
	SwapData         []byte
}
