package lending

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/ethereum/go-ethereum/common"
)

const marketJSON = `[
{"type":"function","name":"mint","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"redeem","inputs":[{"name":"tokens","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"redeemUnderlying","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"borrow","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"repayBorrow","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"balanceOf","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"balanceOfUnderlying","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"borrowBalanceStored","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"exchangeRateStored","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"underlying","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

const comptrollerJSON = `[
{"type":"function","name":"enterMarkets","inputs":[{"name":"markets","type":"address[]"}],"outputs":[{"name":"","type":"uint256[]"}]},
{"type":"function","name":"exitMarket","inputs":[{"name":"market","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getAccountLiquidity","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"},{"name":"","type":"uint256"},{"name":"","type":"uint256"}]}
]`

var (
	marketABI      = chain.MustParseABI(marketJSON)
	comptrollerABI = chain.MustParseABI(comptrollerJSON)
)

// Invoke dispatches ABI-encoded calldata. Soft failures are returned as
// codes, exactly as the typed methods return them.
func (m *Market) Invoke(tx *chain.Tx, input []byte) ([]byte, error) {
	method, args, err := chain.DecodeCall(marketABI, input)
	if err != nil {
		return nil, fmt.Errorf("lending %s: %w", m.symbol, err)
	}

	var op func(*chain.Tx, *big.Int) (ErrorCode, error)
	switch method.Name {
	case "mint":
		op = m.Mint
	case "redeem":
		op = m.Redeem
	case "redeemUnderlying":
		op = m.RedeemUnderlying
	case "borrow":
		op = m.Borrow
	case "repayBorrow":
		op = m.RepayBorrow
	case "balanceOf":
		return method.Outputs.Pack(m.BalanceOf(args[0].(common.Address)))
	case "balanceOfUnderlying":
		return method.Outputs.Pack(m.BalanceOfUnderlying(args[0].(common.Address)))
	case "borrowBalanceStored":
		return method.Outputs.Pack(m.BorrowBalanceStored(args[0].(common.Address)))
	case "exchangeRateStored":
		return method.Outputs.Pack(m.ExchangeRateStored())
	case "underlying":
		return method.Outputs.Pack(m.Underlying())
	default:
		return nil, fmt.Errorf("lending %s: method %s not implemented", m.symbol, method.Name)
	}

	code, err := op(tx, args[0].(*big.Int))
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(new(big.Int).SetUint64(uint64(code)))
}

// Invoke dispatches ABI-encoded calldata.
func (c *Comptroller) Invoke(tx *chain.Tx, input []byte) ([]byte, error) {
	method, args, err := chain.DecodeCall(comptrollerABI, input)
	if err != nil {
		return nil, fmt.Errorf("lending comptroller: %w", err)
	}
	switch method.Name {
	case "enterMarkets":
		codes := c.EnterMarkets(tx, args[0].([]common.Address))
		out := make([]*big.Int, len(codes))
		for i, code := range codes {
			out[i] = new(big.Int).SetUint64(uint64(code))
		}
		return method.Outputs.Pack(out)
	case "exitMarket":
		code := c.ExitMarket(tx, args[0].(common.Address))
		return method.Outputs.Pack(new(big.Int).SetUint64(uint64(code)))
	case "getAccountLiquidity":
		liq, short, code := c.AccountLiquidity(args[0].(common.Address))
		if code != NoError {
			return method.Outputs.Pack(new(big.Int).SetUint64(uint64(code)), new(big.Int), new(big.Int))
		}
		return method.Outputs.Pack(new(big.Int), liq, short)
	}
	return nil, fmt.Errorf("lending comptroller: method %s not implemented", method.Name)
}

// EncodeMint builds calldata for mint(amount).
func EncodeMint(amount *big.Int) ([]byte, error) { return marketABI.Pack("mint", amount) }

// EncodeBorrow builds calldata for borrow(amount).
func EncodeBorrow(amount *big.Int) ([]byte, error) { return marketABI.Pack("borrow", amount) }

// EncodeEnterMarkets builds calldata for enterMarkets(markets).
func EncodeEnterMarkets(markets []common.Address) ([]byte, error) {
	return comptrollerABI.Pack("enterMarkets", markets)
}

// DecodeCode unpacks the single code returned by a market operation.
func DecodeCode(method string, out []byte) (ErrorCode, error) {
	vals, err := marketABI.Unpack(method, out)
	if err != nil {
		return 0, fmt.Errorf("lending: unpack %s: %w", method, err)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("lending: unpack %s: got %T", method, vals[0])
	}
	return ErrorCode(v.Uint64()), nil
}
