package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
)

// PositionStore implements domain.PositionStore. Addresses are stored as
// 20-byte BYTEA.
type PositionStore struct {
	db DBTX
}

// NewPositionStore creates a PositionStore on db.
func NewPositionStore(db DBTX) *PositionStore {
	return &PositionStore{db: db}
}

const positionSelectCols = `id, owner, account, status, opened_tx, closed_tx, opened_at, closed_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p              domain.Position
		owner, account []byte
		status         string
	)
	if err := row.Scan(
		&p.ID, &owner, &account, &status,
		&p.OpenedTx, &p.ClosedTx, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	); err != nil {
		return domain.Position{}, err
	}
	p.Owner = common.BytesToAddress(owner)
	p.Account = common.BytesToAddress(account)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// Upsert inserts pos or overwrites its owner, account and status. The
// opening transaction and time are kept from the first insert.
func (s *PositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	const query = `
		INSERT INTO positions (id, owner, account, status, opened_tx, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			owner      = EXCLUDED.owner,
			account    = EXCLUDED.account,
			status     = EXCLUDED.status,
			updated_at = NOW()`

	_, err := s.db.Exec(ctx, query,
		pos.ID, pos.Owner.Bytes(), pos.Account.Bytes(), string(pos.Status),
		pos.OpenedTx, pos.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %d: %w", pos.ID, err)
	}
	return nil
}

// MarkClosed records the burn of id.
func (s *PositionStore) MarkClosed(ctx context.Context, id uint64, txID string, at time.Time) error {
	const query = `
		UPDATE positions
		SET status = $2, closed_tx = $3, closed_at = $4, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, string(domain.PositionStatusClosed), txID, at)
	if err != nil {
		return fmt.Errorf("postgres: close position %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: close position %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns the projection of id.
func (s *PositionStore) GetByID(ctx context.Context, id uint64) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	p, err := scanPosition(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: position %d: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// ListByOwner returns the positions owner holds or once held, newest first.
// Since and Until filter on opened_at.
func (s *PositionStore) ListByOwner(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := listClause(
		`SELECT `+positionSelectCols+` FROM positions WHERE owner = $1`,
		[]any{owner.Bytes()}, "opened_at", "id DESC", opts,
	)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions of %s: %w", owner.Hex(), err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return out, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
