package chain

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// MustParseABI parses a JSON ABI definition and panics on error. It is meant
// for package-level ABI tables.
func MustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("chain: parse abi: %v", err))
	}
	return parsed
}

// DecodeCall splits calldata into its method and unpacked arguments.
func DecodeCall(table abi.ABI, input []byte) (*abi.Method, []any, error) {
	if len(input) < 4 {
		return nil, nil, fmt.Errorf("chain: calldata of %d bytes: %w", len(input), domain.ErrExternalCallFailed)
	}
	method, err := table.MethodById(input[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("chain: unknown selector %x: %w", input[:4], domain.ErrExternalCallFailed)
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("chain: unpack %s: %v: %w", method.Name, err, domain.ErrExternalCallFailed)
	}
	return method, args, nil
}
