// Package memory implements the domain stores in process. Demo mode and the
// service tests use it in place of PostgreSQL; ordering and not-found
// behaviour match the postgres package.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[uint64]domain.Position
	now       func() time.Time
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[uint64]domain.Position), now: time.Now}
}

// Upsert keeps OpenedTx and OpenedAt from the first insert.
func (s *PositionStore) Upsert(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.positions[pos.ID]; ok {
		pos.OpenedTx, pos.OpenedAt = prev.OpenedTx, prev.OpenedAt
		pos.ClosedTx, pos.ClosedAt = prev.ClosedTx, prev.ClosedAt
	}
	pos.UpdatedAt = s.now().UTC()
	s.positions[pos.ID] = pos
	return nil
}

func (s *PositionStore) MarkClosed(_ context.Context, id uint64, txID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("memory: close position %d: %w", id, domain.ErrNotFound)
	}
	pos.Status = domain.PositionStatusClosed
	pos.ClosedTx = txID
	pos.ClosedAt = &at
	pos.UpdatedAt = s.now().UTC()
	s.positions[id] = pos
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, id uint64) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %d: %w", id, domain.ErrNotFound)
	}
	return pos, nil
}

// ListByOwner returns owner's positions, newest first, filtered on OpenedAt.
func (s *PositionStore) ListByOwner(_ context.Context, owner common.Address, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, id := range slices.Sorted(maps.Keys(s.positions)) {
		pos := s.positions[id]
		if pos.Owner == owner && inRange(pos.OpenedAt, opts) {
			out = append(out, pos)
		}
	}
	slices.Reverse(out)
	return page(out, opts), nil
}

// ReceiptStore implements domain.ReceiptStore.
type ReceiptStore struct {
	mu       sync.RWMutex
	receipts []domain.Receipt
	byTx     map[string]int
}

// NewReceiptStore creates an empty ReceiptStore.
func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{byTx: make(map[string]int)}
}

func (s *ReceiptStore) Insert(_ context.Context, r domain.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byTx[r.TxID]; ok {
		return fmt.Errorf("memory: insert receipt %s: %w", r.TxID, domain.ErrAlreadyExists)
	}
	s.byTx[r.TxID] = len(s.receipts)
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *ReceiptStore) GetByTxID(_ context.Context, txID string) (domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byTx[txID]
	if !ok {
		return domain.Receipt{}, fmt.Errorf("memory: receipt %s: %w", txID, domain.ErrNotFound)
	}
	return s.receipts[i], nil
}

// ListByPosition returns the receipts of positionID, latest block first.
func (s *ReceiptStore) ListByPosition(_ context.Context, positionID uint64, opts domain.ListOpts) ([]domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Receipt
	for _, r := range s.receipts {
		if r.PositionID == positionID && inRange(r.CreatedAt, opts) {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Receipt) int {
		return cmpUint(b.Block, a.Block)
	})
	return page(out, opts), nil
}

// ListBefore returns up to limit receipts older than before, oldest first.
func (s *ReceiptStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Receipt
	for _, r := range s.receipts {
		if r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Receipt) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmpUint(a.Block, b.Block)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ReceiptStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.receipts[:0]
	var n int64
	for _, r := range s.receipts {
		if r.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.receipts = kept
	clear(s.byTx)
	for i, r := range s.receipts {
		s.byTx[r.TxID] = i
	}
	return n, nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{now: time.Now}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    maps.Clone(detail),
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if inRange(s.entries[i].CreatedAt, opts) {
			out = append(out, s.entries[i])
		}
	}
	return page(out, opts), nil
}

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

var (
	_ domain.PositionStore = (*PositionStore)(nil)
	_ domain.ReceiptStore  = (*ReceiptStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
)
