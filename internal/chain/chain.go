// Package chain is an in-process settlement runtime. It executes
// transactions one at a time, tracks the call-frame stack so every contract
// knows its immediate caller, and journals state changes so a failing
// transaction leaves no trace.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Contract is any state-holding object living at an address.
type Contract interface {
	Address() common.Address
}

// Invoker is a contract that accepts ABI-encoded calldata. It is what
// generic proxy calls dispatch to.
type Invoker interface {
	Contract
	Invoke(tx *Tx, input []byte) ([]byte, error)
}

// Chain holds every contract and native balance. Contracts keep no locks of
// their own: the chain lock is held for the whole of a transaction, and
// readers outside a transaction go through View.
type Chain struct {
	mu        sync.Mutex
	contracts map[common.Address]Contract
	native    map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	block     uint64
	now       func() time.Time
	logger    *slog.Logger
}

// New creates an empty chain.
func New(logger *slog.Logger) *Chain {
	return &Chain{
		contracts: make(map[common.Address]Contract),
		native:    make(map[common.Address]*big.Int),
		nonces:    make(map[common.Address]uint64),
		now:       time.Now,
		logger:    logger.With(slog.String("component", "chain")),
	}
}

// Transact runs fn as one atomic transaction sent by from. If fn returns an
// error or panics, every journaled change is rolled back and the receipt is
// marked reverted; the error is returned alongside it.
func (c *Chain) Transact(ctx context.Context, from common.Address, fn func(tx *Tx) error) (*domain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("chain: transact: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.block++
	tx := newTx(ctx, c, from)
	receipt := &domain.Receipt{
		TxID:      tx.id.String(),
		Block:     c.block,
		From:      from,
		CreatedAt: c.now().UTC(),
	}

	err := tx.run(fn)
	receipt.Calls = tx.calls
	if err != nil {
		tx.journal.revert(0)
		receipt.Status = domain.TxReverted
		receipt.RevertReason = err.Error()
		c.logger.DebugContext(ctx, "transaction reverted",
			slog.String("tx_id", receipt.TxID),
			slog.String("from", from.Hex()),
			slog.String("error", err.Error()),
		)
		return receipt, err
	}

	receipt.Status = domain.TxSuccess
	receipt.Logs = tx.logs
	return receipt, nil
}

// View runs fn with the chain locked so it observes committed state only.
// fn must not start a transaction.
func (c *Chain) View(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn()
}

// Fund credits native balance outside of any transaction, for genesis
// allocation and faucets.
func (c *Chain) Fund(addr common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native[addr] = new(big.Int).Add(c.nativeOf(addr), amount)
}

// NativeBalance returns the committed native balance of addr.
func (c *Chain) NativeBalance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.nativeOf(addr))
}

// Block returns the number of the last executed transaction.
func (c *Chain) Block() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block
}

// Lookup resolves a contract of type T outside a transaction. Call it from
// inside View.
func Lookup[T Contract](c *Chain, addr common.Address) (T, error) {
	return lookup[T](c, addr)
}

func lookup[T Contract](c *Chain, addr common.Address) (T, error) {
	var zero T
	found, ok := c.contracts[addr]
	if !ok {
		return zero, fmt.Errorf("chain: no contract at %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	typed, ok := found.(T)
	if !ok {
		return zero, fmt.Errorf("chain: contract at %s has type %T: %w", addr.Hex(), found, domain.ErrExternalCallFailed)
	}
	return typed, nil
}

func (c *Chain) nativeOf(addr common.Address) *big.Int {
	if bal, ok := c.native[addr]; ok {
		return bal
	}
	return new(big.Int)
}
