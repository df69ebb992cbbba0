package token

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/ethereum/go-ethereum/common"
)

const erc20JSON = `[
{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"balanceOf","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var erc20ABI = chain.MustParseABI(erc20JSON)

// Invoke dispatches ABI-encoded calldata.
func (t *Token) Invoke(tx *chain.Tx, input []byte) ([]byte, error) {
	method, args, err := chain.DecodeCall(erc20ABI, input)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", t.symbol, err)
	}
	switch method.Name {
	case "transfer":
		err = t.Transfer(tx, args[0].(common.Address), args[1].(*big.Int))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(true)
	case "transferFrom":
		err = t.TransferFrom(tx, args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(true)
	case "approve":
		if err = t.Approve(tx, args[0].(common.Address), args[1].(*big.Int)); err != nil {
			return nil, err
		}
		return method.Outputs.Pack(true)
	case "balanceOf":
		return method.Outputs.Pack(t.BalanceOf(args[0].(common.Address)))
	case "allowance":
		return method.Outputs.Pack(t.Allowance(args[0].(common.Address), args[1].(common.Address)))
	}
	return nil, fmt.Errorf("token %s: method %s not implemented", t.symbol, method.Name)
}

// EncodeTransfer builds calldata for transfer(to, amount).
func EncodeTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// EncodeApprove builds calldata for approve(spender, amount).
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// EncodeBalanceOf builds calldata for balanceOf(owner).
func EncodeBalanceOf(owner common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", owner)
}

// DecodeAmount unpacks a single uint256 return value.
func DecodeAmount(method string, out []byte) (*big.Int, error) {
	vals, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("token: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("token: unpack %s: %d values", method, len(vals))
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("token: unpack %s: got %T", method, vals[0])
	}
	return amount, nil
}
