package engine

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var contextArgs = mustArguments(
	"uint8", "uint64",
	"address", "address", "address", "address", "address", "address", "address", "address",
	"uint256", "uint256", "uint256",
	"address", "bytes",
)

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("engine: abi type %s: %v", t, err))
		}
		args[i] = abi.Argument{Type: typ}
	}
	return args
}

// encodeContext packs c the way it travels through the pool.
func encodeContext(c domain.CallbackContext) ([]byte, error) {
	data, err := contextArgs.Pack(
		uint8(c.Kind), c.PositionID,
		c.Owner, c.Account, c.Pool, c.Comptroller,
		c.CollateralAsset, c.CollateralMarket, c.DebtAsset, c.DebtMarket,
		orZero(c.Amount), orZero(c.FlashAmount), orZero(c.MinOut),
		c.SwapTarget, orEmpty(c.SwapData),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: encode callback context: %w", err)
	}
	return data, nil
}

func decodeContext(data []byte) (domain.CallbackContext, error) {
	vals, err := contextArgs.Unpack(data)
	if err != nil {
		return domain.CallbackContext{}, fmt.Errorf("engine: decode callback context: %v: %w", err, domain.ErrInvalidParams)
	}
	return domain.CallbackContext{
		Kind:             domain.OperationKind(vals[0].(uint8)),
		PositionID:       vals[1].(uint64),
		Owner:            vals[2].(common.Address),
		Account:          vals[3].(common.Address),
		Pool:             vals[4].(common.Address),
		Comptroller:      vals[5].(common.Address),
		CollateralAsset:  vals[6].(common.Address),
		CollateralMarket: vals[7].(common.Address),
		DebtAsset:        vals[8].(common.Address),
		DebtMarket:       vals[9].(common.Address),
		Amount:           vals[10].(*big.Int),
		FlashAmount:      vals[11].(*big.Int),
		MinOut:           vals[12].(*big.Int),
		SwapTarget:       vals[13].(common.Address),
		SwapData:         vals[14].([]byte),
	}, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
