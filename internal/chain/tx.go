package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// MaxCallDepth bounds nested contract calls within one transaction.
const MaxCallDepth = 1024

var errCallDepth = errors.New("chain: max call depth exceeded")

// Tx is the execution context of one transaction. Every contract method
// takes it as its first argument and pushes its own frame on entry:
//
//	defer tx.Enter(c.addr)()
//
// after which Sender reports the immediate caller.
type Tx struct {
	ctx     context.Context
	chain   *Chain
	id      uuid.UUID
	origin  common.Address
	frames  []common.Address
	journal journal
	logs    []domain.Log
	calls   int
}

func newTx(ctx context.Context, c *Chain, origin common.Address) *Tx {
	return &Tx{
		ctx:    ctx,
		chain:  c,
		id:     uuid.New(),
		origin: origin,
		frames: []common.Address{origin},
	}
}

func (t *Tx) run(fn func(*Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && errors.Is(e, errCallDepth) {
				err = fmt.Errorf("%w: %w", e, domain.ErrExternalCallFailed)
				return
			}
			err = fmt.Errorf("chain: execution panicked: %v: %w", r, domain.ErrExternalCallFailed)
		}
	}()
	return fn(t)
}

// Context returns the context the transaction was submitted with.
func (t *Tx) Context() context.Context { return t.ctx }

// ID is the transaction identifier, also used as the receipt id.
func (t *Tx) ID() uuid.UUID { return t.id }

// Origin is the externally owned account that submitted the transaction.
func (t *Tx) Origin() common.Address { return t.origin }

// Block is the number of the block this transaction executes in.
func (t *Tx) Block() uint64 { return t.chain.block }

// Self is the address of the currently executing contract.
func (t *Tx) Self() common.Address {
	return t.frames[len(t.frames)-1]
}

// Sender is the immediate caller of the currently executing contract.
func (t *Tx) Sender() common.Address {
	if len(t.frames) < 2 {
		return t.origin
	}
	return t.frames[len(t.frames)-2]
}

// Enter pushes a call frame for addr and returns the function that pops it.
func (t *Tx) Enter(addr common.Address) (exit func()) {
	if len(t.frames) > MaxCallDepth {
		panic(errCallDepth)
	}
	t.frames = append(t.frames, addr)
	t.calls++
	depth := len(t.frames)
	return func() {
		t.frames = t.frames[:depth-1]
	}
}

// OnRevert registers undo to run if the transaction fails.
func (t *Tx) OnRevert(undo func()) {
	t.journal.append(undo)
}

// Emit appends ev to the transaction log under the current contract.
func (t *Tx) Emit(ev domain.Event) {
	idx := len(t.logs)
	t.logs = append(t.logs, domain.Log{Index: idx, Address: t.Self(), Event: ev})
	t.OnRevert(func() { t.logs = t.logs[:idx] })
}

// Call dispatches ABI-encoded input to the contract at to. The callee sees
// the current contract as its sender.
func (t *Tx) Call(to common.Address, input []byte) ([]byte, error) {
	found, ok := t.chain.contracts[to]
	if !ok {
		return nil, fmt.Errorf("chain: call %s: no contract: %w", to.Hex(), domain.ErrExternalCallFailed)
	}
	inv, ok := found.(Invoker)
	if !ok {
		return nil, fmt.Errorf("chain: call %s: contract does not accept calldata: %w", to.Hex(), domain.ErrExternalCallFailed)
	}
	out, err := inv.Invoke(t, input)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", to.Hex(), err)
	}
	return out, nil
}

// NativeBalance returns the native balance of addr as seen by this
// transaction.
func (t *Tx) NativeBalance(addr common.Address) *big.Int {
	return new(big.Int).Set(t.chain.nativeOf(addr))
}

// TransferNative moves native value from the current contract to to.
func (t *Tx) TransferNative(to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("chain: native transfer of %s: %w", amount, domain.ErrInvalidParams)
	}
	from := t.Self()
	bal := t.chain.nativeOf(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("chain: native transfer from %s: %w", from.Hex(), domain.ErrInsufficientBalance)
	}
	Set(t, t.chain.native, from, new(big.Int).Sub(bal, amount))
	Set(t, t.chain.native, to, new(big.Int).Add(t.chain.nativeOf(to), amount))
	return nil
}

// At resolves the contract of type T living at addr.
func At[T Contract](t *Tx, addr common.Address) (T, error) {
	return lookup[T](t.chain, addr)
}

// Deploy creates a contract whose address derives from the current
// contract's address and nonce, the same way CREATE does.
func Deploy[T Contract](t *Tx, build func(addr common.Address) T) (T, error) {
	var zero T
	deployer := t.Self()
	nonce := t.chain.nonces[deployer]
	addr := crypto.CreateAddress(deployer, nonce)
	Set(t, t.chain.nonces, deployer, nonce+1)
	if _, exists := t.chain.contracts[addr]; exists {
		return zero, fmt.Errorf("chain: deploy at %s: %w", addr.Hex(), domain.ErrAlreadyExists)
	}
	c := build(addr)
	Set[common.Address, Contract](t, t.chain.contracts, addr, c)
	return c, nil
}
