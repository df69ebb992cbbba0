package lending

import (
	"fmt"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// ErrorCode is the soft-failure status returned by market and comptroller
// operations. A non-zero code means nothing changed.
type ErrorCode uint64

const (
	NoError ErrorCode = iota
	Unauthorized
	MarketNotListed
	MarketAlreadyListed
	InsufficientLiquidity
	InsufficientCash
	InsufficientTokens
	NonzeroBorrowBalance
	PriceError
	TokenTransferInFailed
	RepayExceedsBorrow
	BadInput
)

var codeNames = map[ErrorCode]string{
	NoError:               "NO_ERROR",
	Unauthorized:          "UNAUTHORIZED",
	MarketNotListed:       "MARKET_NOT_LISTED",
	MarketAlreadyListed:   "MARKET_ALREADY_LISTED",
	InsufficientLiquidity: "INSUFFICIENT_LIQUIDITY",
	InsufficientCash:      "INSUFFICIENT_CASH",
	InsufficientTokens:    "INSUFFICIENT_TOKENS",
	NonzeroBorrowBalance:  "NONZERO_BORROW_BALANCE",
	PriceError:            "PRICE_ERROR",
	TokenTransferInFailed: "TOKEN_TRANSFER_IN_FAILED",
	RepayExceedsBorrow:    "REPAY_EXCEEDS_BORROW",
	BadInput:              "BAD_INPUT",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", uint64(c))
}

// CodeError carries a non-zero lending code out of a Go call chain
// unchanged. It matches domain.ErrExternalCallFailed.
type CodeError struct {
	Op     string
	Market common.Address
	Code   ErrorCode
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("lending: %s on %s returned %s", e.Op, e.Market.Hex(), e.Code)
}

func (e *CodeError) Is(target error) bool {
	return target == domain.ErrExternalCallFailed
}

// Check turns a non-zero code into a *CodeError.
func Check(op string, market common.Address, code ErrorCode) error {
	if code == NoError {
		return nil
	}
	return &CodeError{Op: op, Market: market, Code: code}
}
