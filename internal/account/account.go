// Package account implements the isolated execution account that holds one
// margin position's lending state. Only its controller may act through it.
package account

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/token"
	"github.com/ethereum/go-ethereum/common"
)

// Version of the account logic.
const Version = 0

// Account is a PositionAccount. It starts uninitialized; Initialize binds
// it to a controller exactly once.
type Account struct {
	addr        common.Address
	controller  common.Address
	initialized bool
}

// Deploy creates an uninitialized account.
func Deploy(tx *chain.Tx) (*Account, error) {
	a, err := chain.Deploy(tx, func(addr common.Address) *Account {
		return &Account{addr: addr}
	})
	if err != nil {
		return nil, fmt.Errorf("account: deploy: %w", err)
	}
	return a, nil
}

func (a *Account) Address() common.Address    { return a.addr }
func (a *Account) Controller() common.Address { return a.controller }
func (a *Account) Initialized() bool          { return a.initialized }
func (a *Account) Version() int               { return Version }

// Initialize binds the account to controller.
func (a *Account) Initialize(tx *chain.Tx, controller common.Address) error {
	defer tx.Enter(a.addr)()
	if a.initialized {
		return fmt.Errorf("account %s: initialize: %w", a.addr.Hex(), domain.ErrAlreadyInitialized)
	}
	if controller == (common.Address{}) {
		return fmt.Errorf("account %s: initialize with zero controller: %w", a.addr.Hex(), domain.ErrInvalidParams)
	}
	chain.Assign(tx, &a.controller, controller)
	chain.Assign(tx, &a.initialized, true)
	tx.Emit(Initialized{Controller: controller})
	return nil
}

// HandOver passes control to next. The current controller loses all
// access.
func (a *Account) HandOver(tx *chain.Tx, next common.Address) error {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "hand over"); err != nil {
		return err
	}
	if next == (common.Address{}) {
		return fmt.Errorf("account %s: hand over to zero address: %w", a.addr.Hex(), domain.ErrInvalidParams)
	}
	prev := a.controller
	chain.Assign(tx, &a.controller, next)
	tx.Emit(ControllerChanged{Previous: prev, Next: next})
	return nil
}

// ProxyCall forwards data to target with the account as sender.
func (a *Account) ProxyCall(tx *chain.Tx, target common.Address, data []byte) ([]byte, error) {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "proxy call"); err != nil {
		return nil, err
	}
	out, err := tx.Call(target, data)
	if err != nil {
		return nil, fmt.Errorf("account %s: proxy call: %w", a.addr.Hex(), err)
	}
	return out, nil
}

// ProxyMulticall runs every call in order. If any fails the whole batch
// fails.
func (a *Account) ProxyMulticall(tx *chain.Tx, targets []common.Address, data [][]byte) ([][]byte, error) {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "proxy multicall"); err != nil {
		return nil, err
	}
	if len(targets) != len(data) {
		return nil, fmt.Errorf("account %s: %d targets, %d payloads: %w", a.addr.Hex(), len(targets), len(data), domain.ErrLengthMismatch)
	}
	results := make([][]byte, len(targets))
	for i, target := range targets {
		out, err := tx.Call(target, data[i])
		if err != nil {
			return nil, fmt.Errorf("account %s: multicall %d: %w", a.addr.Hex(), i, err)
		}
		results[i] = out
	}
	return results, nil
}

// TransferToken sends amount of asset held by the account to to.
func (a *Account) TransferToken(tx *chain.Tx, asset, to common.Address, amount *big.Int) error {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "transfer token"); err != nil {
		return err
	}
	tok, err := chain.At[*token.Token](tx, asset)
	if err != nil {
		return fmt.Errorf("account %s: transfer token: %w", a.addr.Hex(), err)
	}
	if err := tok.Transfer(tx, to, amount); err != nil {
		return fmt.Errorf("account %s: transfer token: %w", a.addr.Hex(), err)
	}
	return nil
}

// TransferNative sends native value held by the account to to.
func (a *Account) TransferNative(tx *chain.Tx, to common.Address, amount *big.Int) error {
	defer tx.Enter(a.addr)()
	if err := a.authorize(tx, "transfer native"); err != nil {
		return err
	}
	if err := tx.TransferNative(to, amount); err != nil {
		return fmt.Errorf("account %s: transfer native: %w", a.addr.Hex(), err)
	}
	return nil
}

func (a *Account) authorize(tx *chain.Tx, op string) error {
	if !a.initialized {
		return fmt.Errorf("account %s: %s: %w", a.addr.Hex(), op, domain.ErrUninitialized)
	}
	if tx.Sender() != a.controller {
		return fmt.Errorf("account %s: %s by %s: %w", a.addr.Hex(), op, tx.Sender().Hex(), domain.ErrAccessDenied)
	}
	return nil
}
