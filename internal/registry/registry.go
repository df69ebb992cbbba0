// Package registry is the non-fungible ownership ledger of margin
// positions. Each position id maps to an owner and to the isolated account
// that holds its lending state.
package registry

import (
	"fmt"
	"slices"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

type operatorKey struct {
	owner    common.Address
	operator common.Address
}

// Registry is the PositionRegistry.
type Registry struct {
	addr   common.Address
	admin  common.Address
	name   string
	symbol string

	controllers []common.Address
	approved    map[common.Address]bool

	nextID   uint64
	accounts map[uint64]common.Address
	owners   map[uint64]common.Address

	// owned[owner] lists that owner's ids; slot[id] is the id's index in
	// it. Removal swaps with the last entry and pops.
	owned map[common.Address][]uint64
	slot  map[uint64]int

	approvals map[uint64]common.Address
	operators map[operatorKey]bool
}

// Deploy creates a registry administered by the deployer.
func Deploy(tx *chain.Tx, name, symbol string) (*Registry, error) {
	admin := tx.Self()
	r, err := chain.Deploy(tx, func(addr common.Address) *Registry {
		return &Registry{
			addr:      addr,
			admin:     admin,
			name:      name,
			symbol:    symbol,
			approved:  make(map[common.Address]bool),
			nextID:    1,
			accounts:  make(map[uint64]common.Address),
			owners:    make(map[uint64]common.Address),
			owned:     make(map[common.Address][]uint64),
			slot:      make(map[uint64]int),
			approvals: make(map[uint64]common.Address),
			operators: make(map[operatorKey]bool),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("registry: deploy: %w", err)
	}
	return r, nil
}

func (r *Registry) Address() common.Address { return r.addr }
func (r *Registry) Admin() common.Address   { return r.admin }
func (r *Registry) Name() string            { return r.name }
func (r *Registry) Symbol() string          { return r.symbol }

// NextID is the id the next position will get.
func (r *Registry) NextID() uint64 { return r.nextID }

// Controllers lists approved controllers in the order they were added.
func (r *Registry) Controllers() []common.Address { return slices.Clone(r.controllers) }

func (r *Registry) IsController(addr common.Address) bool { return r.approved[addr] }

// AddController approves addr to create and close positions.
func (r *Registry) AddController(tx *chain.Tx, addr common.Address) error {
	defer tx.Enter(r.addr)()
	if err := r.onlyAdmin(tx, "add controller"); err != nil {
		return err
	}
	if r.approved[addr] {
		return fmt.Errorf("registry: controller %s: %w", addr.Hex(), domain.ErrAlreadyExists)
	}
	chain.Set(tx, r.approved, addr, true)
	chain.Assign(tx, &r.controllers, append(slices.Clone(r.controllers), addr))
	tx.Emit(domain.ControllerAdded{Controller: addr})
	return nil
}

// RemoveController revokes addr.
func (r *Registry) RemoveController(tx *chain.Tx, addr common.Address) error {
	defer tx.Enter(r.addr)()
	if err := r.onlyAdmin(tx, "remove controller"); err != nil {
		return err
	}
	if !r.approved[addr] {
		return fmt.Errorf("registry: controller %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	chain.Delete(tx, r.approved, addr)
	chain.Assign(tx, &r.controllers, slices.DeleteFunc(slices.Clone(r.controllers), func(c common.Address) bool {
		return c == addr
	}))
	tx.Emit(domain.ControllerRemoved{Controller: addr})
	return nil
}

// TransferAdmin hands the admin role to next.
func (r *Registry) TransferAdmin(tx *chain.Tx, next common.Address) error {
	defer tx.Enter(r.addr)()
	if err := r.onlyAdmin(tx, "transfer admin"); err != nil {
		return err
	}
	if next == (common.Address{}) {
		return fmt.Errorf("registry: transfer admin to zero address: %w", domain.ErrInvalidParams)
	}
	prev := r.admin
	chain.Assign(tx, &r.admin, next)
	tx.Emit(domain.AdminTransferred{Previous: prev, Next: next})
	return nil
}

// NewPosition mints the next id to owner, bound to account for good.
func (r *Registry) NewPosition(tx *chain.Tx, owner, account common.Address) (uint64, error) {
	defer tx.Enter(r.addr)()
	if err := r.onlyController(tx, "new position"); err != nil {
		return 0, err
	}
	if owner == (common.Address{}) || account == (common.Address{}) {
		return 0, fmt.Errorf("registry: new position: zero address: %w", domain.ErrInvalidParams)
	}
	id := r.nextID
	chain.Assign(tx, &r.nextID, id+1)
	chain.Set(tx, r.accounts, id, account)
	r.assign(tx, id, owner)

	tx.Emit(domain.PositionCreated{ID: id, Owner: owner, Account: account})
	tx.Emit(domain.OwnershipTransferred{ID: id, To: owner})
	return id, nil
}

// ClosePosition burns id. Its account binding survives.
func (r *Registry) ClosePosition(tx *chain.Tx, id uint64) error {
	defer tx.Enter(r.addr)()
	if err := r.onlyController(tx, "close position"); err != nil {
		return err
	}
	owner, ok := r.owners[id]
	if !ok {
		return fmt.Errorf("registry: close position %d: %w", id, domain.ErrNotFound)
	}
	r.unassign(tx, id, owner)
	chain.Delete(tx, r.approvals, id)

	tx.Emit(domain.PositionClosed{ID: id, Owner: owner, Account: r.accounts[id]})
	tx.Emit(domain.OwnershipTransferred{ID: id, From: owner})
	return nil
}

// Transfer moves id from from to to. The caller must be the owner, the
// address approved for id, or an operator of the owner.
func (r *Registry) Transfer(tx *chain.Tx, from, to common.Address, id uint64) error {
	defer tx.Enter(r.addr)()
	caller := tx.Sender()
	owner, ok := r.owners[id]
	if !ok {
		return fmt.Errorf("registry: transfer %d: %w", id, domain.ErrNotFound)
	}
	if owner != from {
		return fmt.Errorf("registry: transfer %d: %s is not the owner: %w", id, from.Hex(), domain.ErrInvalidParams)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("registry: transfer %d to zero address: %w", id, domain.ErrInvalidParams)
	}
	if caller != owner && r.approvals[id] != caller && !r.operators[operatorKey{owner, caller}] {
		return fmt.Errorf("registry: transfer %d by %s: %w", id, caller.Hex(), domain.ErrAccessDenied)
	}

	chain.Delete(tx, r.approvals, id)
	r.unassign(tx, id, owner)
	r.assign(tx, id, to)
	tx.Emit(domain.OwnershipTransferred{ID: id, From: owner, To: to})
	return nil
}

// Approve lets approved transfer id once. The zero address clears it.
func (r *Registry) Approve(tx *chain.Tx, approved common.Address, id uint64) error {
	defer tx.Enter(r.addr)()
	caller := tx.Sender()
	owner, ok := r.owners[id]
	if !ok {
		return fmt.Errorf("registry: approve %d: %w", id, domain.ErrNotFound)
	}
	if approved == owner {
		return fmt.Errorf("registry: approve %d to its owner: %w", id, domain.ErrInvalidParams)
	}
	if caller != owner && !r.operators[operatorKey{owner, caller}] {
		return fmt.Errorf("registry: approve %d by %s: %w", id, caller.Hex(), domain.ErrAccessDenied)
	}
	if approved == (common.Address{}) {
		chain.Delete(tx, r.approvals, id)
	} else {
		chain.Set(tx, r.approvals, id, approved)
	}
	tx.Emit(domain.PositionApproval{ID: id, Owner: owner, Approved: approved})
	return nil
}

// SetApprovalForAll lets operator move every position of the caller.
func (r *Registry) SetApprovalForAll(tx *chain.Tx, operator common.Address, approved bool) error {
	defer tx.Enter(r.addr)()
	owner := tx.Sender()
	if operator == owner {
		return fmt.Errorf("registry: approve self as operator: %w", domain.ErrInvalidParams)
	}
	key := operatorKey{owner, operator}
	if approved {
		chain.Set(tx, r.operators, key, true)
	} else {
		chain.Delete(tx, r.operators, key)
	}
	tx.Emit(domain.OperatorApproval{Owner: owner, Operator: operator, Approved: approved})
	return nil
}

// GetApproved returns the address approved for id, or the zero address.
func (r *Registry) GetApproved(id uint64) (common.Address, error) {
	if _, ok := r.owners[id]; !ok {
		return common.Address{}, fmt.Errorf("registry: approved for %d: %w", id, domain.ErrNotFound)
	}
	return r.approvals[id], nil
}

func (r *Registry) IsApprovedForAll(owner, operator common.Address) bool {
	return r.operators[operatorKey{owner, operator}]
}

// OwnerOf returns the owner of a live position.
func (r *Registry) OwnerOf(id uint64) (common.Address, error) {
	owner, ok := r.owners[id]
	if !ok {
		return common.Address{}, fmt.Errorf("registry: owner of %d: %w", id, domain.ErrNotFound)
	}
	return owner, nil
}

// AccountOf returns the account bound to id, including closed ids.
func (r *Registry) AccountOf(id uint64) (common.Address, error) {
	acct, ok := r.accounts[id]
	if !ok {
		return common.Address{}, fmt.Errorf("registry: account of %d: %w", id, domain.ErrNotFound)
	}
	return acct, nil
}

// BalanceOf counts the live positions of owner.
func (r *Registry) BalanceOf(owner common.Address) int { return len(r.owned[owner]) }

// IDsAndAccountsOfOwner lists owner's positions with their accounts, in
// index order.
func (r *Registry) IDsAndAccountsOfOwner(owner common.Address) ([]uint64, []common.Address) {
	ids := slices.Clone(r.owned[owner])
	accounts := make([]common.Address, len(ids))
	for i, id := range ids {
		accounts[i] = r.accounts[id]
	}
	return ids, accounts
}

func (r *Registry) assign(tx *chain.Tx, id uint64, owner common.Address) {
	ids := append(slices.Clone(r.owned[owner]), id)
	chain.Set(tx, r.owned, owner, ids)
	chain.Set(tx, r.slot, id, len(ids)-1)
	chain.Set(tx, r.owners, id, owner)
}

func (r *Registry) unassign(tx *chain.Tx, id uint64, owner common.Address) {
	ids := slices.Clone(r.owned[owner])
	i := r.slot[id]
	last := len(ids) - 1
	if i != last {
		moved := ids[last]
		ids[i] = moved
		chain.Set(tx, r.slot, moved, i)
	}
	ids = ids[:last]
	if len(ids) == 0 {
		chain.Delete(tx, r.owned, owner)
	} else {
		chain.Set(tx, r.owned, owner, ids)
	}
	chain.Delete(tx, r.slot, id)
	chain.Delete(tx, r.owners, id)
}

func (r *Registry) onlyAdmin(tx *chain.Tx, op string) error {
	if tx.Sender() != r.admin {
		return fmt.Errorf("registry: %s by %s: %w", op, tx.Sender().Hex(), domain.ErrAccessDenied)
	}
	return nil
}

func (r *Registry) onlyController(tx *chain.Tx, op string) error {
	if !r.approved[tx.Sender()] {
		return fmt.Errorf("registry: %s by %s: %w", op, tx.Sender().Hex(), domain.ErrAccessDenied)
	}
	return nil
}
