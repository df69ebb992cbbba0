package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists the ownership projection of the registry.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	MarkClosed(ctx context.Context, id uint64, txID string, at time.Time) error
	GetByID(ctx context.Context, id uint64) (Position, error)
	ListByOwner(ctx context.Context, owner common.Address, opts ListOpts) ([]Position, error)
}

// ReceiptStore persists settlement receipts.
type ReceiptStore interface {
	Insert(ctx context.Context, r Receipt) error
	GetByTxID(ctx context.Context, txID string) (Receipt, error)
	ListByPosition(ctx context.Context, positionID uint64, opts ListOpts) ([]Receipt, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Receipt, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
