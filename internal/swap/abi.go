package swap

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/ethereum/go-ethereum/common"
)

const aggregatorJSON = `[
{"type":"function","name":"swap","inputs":[{"name":"sellToken","type":"address"},{"name":"buyToken","type":"address"},{"name":"sellAmount","type":"uint256"},{"name":"minBuyAmount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var aggregatorABI = chain.MustParseABI(aggregatorJSON)

// Order is a decoded swap payload.
type Order struct {
	Sell       common.Address
	Buy        common.Address
	SellAmount *big.Int
	MinBuy     *big.Int
}

// Invoke dispatches ABI-encoded calldata.
func (a *Aggregator) Invoke(tx *chain.Tx, input []byte) ([]byte, error) {
	method, args, err := chain.DecodeCall(aggregatorABI, input)
	if err != nil {
		return nil, fmt.Errorf("swap: %w", err)
	}
	if method.Name != "swap" {
		return nil, fmt.Errorf("swap: method %s not implemented", method.Name)
	}
	bought, err := a.Swap(tx, args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int), args[3].(*big.Int))
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(bought)
}

// EncodeSwap builds the calldata that settles o.
func EncodeSwap(o Order) ([]byte, error) {
	return aggregatorABI.Pack("swap", o.Sell, o.Buy, o.SellAmount, o.MinBuy)
}

// DecodeSwap parses calldata built by EncodeSwap.
func DecodeSwap(data []byte) (Order, error) {
	method, args, err := chain.DecodeCall(aggregatorABI, data)
	if err != nil {
		return Order{}, fmt.Errorf("swap: decode: %w", err)
	}
	if method.Name != "swap" {
		return Order{}, fmt.Errorf("swap: decode: unexpected method %s", method.Name)
	}
	return Order{
		Sell:       args[0].(common.Address),
		Buy:        args[1].(common.Address),
		SellAmount: args[2].(*big.Int),
		MinBuy:     args[3].(*big.Int),
	}, nil
}
