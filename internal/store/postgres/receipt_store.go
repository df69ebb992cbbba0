package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
)

// ReceiptStore implements domain.ReceiptStore. Logs are kept as JSONB in
// the same shape the event stream carries.
type ReceiptStore struct {
	db DBTX
}

// NewReceiptStore creates a ReceiptStore on db.
func NewReceiptStore(db DBTX) *ReceiptStore {
	return &ReceiptStore{db: db}
}

const receiptSelectCols = `tx_id, block, sender, operation, position_id, status, revert_reason, logs, calls, attestation, created_at`

func scanReceipt(row pgx.Row) (domain.Receipt, error) {
	var (
		r            domain.Receipt
		sender, logs []byte
		status       string
	)
	if err := row.Scan(
		&r.TxID, &r.Block, &sender, &r.Operation, &r.PositionID, &status,
		&r.RevertReason, &logs, &r.Calls, &r.Attestation, &r.CreatedAt,
	); err != nil {
		return domain.Receipt{}, err
	}
	r.From = common.BytesToAddress(sender)
	r.Status = domain.TxStatus(status)
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &r.Logs); err != nil {
			return domain.Receipt{}, fmt.Errorf("unmarshal logs: %w", err)
		}
	}
	return r, nil
}

// Insert stores r. Receipts are immutable, so a duplicate tx id is an error.
func (s *ReceiptStore) Insert(ctx context.Context, r domain.Receipt) error {
	logs := r.Logs
	if logs == nil {
		logs = []domain.Log{}
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("postgres: marshal receipt logs: %w", err)
	}

	const query = `
		INSERT INTO receipts (tx_id, block, sender, operation, position_id, status,
			revert_reason, logs, calls, attestation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.db.Exec(ctx, query,
		r.TxID, r.Block, r.From.Bytes(), r.Operation, r.PositionID, string(r.Status),
		r.RevertReason, logsJSON, r.Calls, r.Attestation, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert receipt %s: %w", r.TxID, err)
	}
	return nil
}

// GetByTxID returns one receipt.
func (s *ReceiptStore) GetByTxID(ctx context.Context, txID string) (domain.Receipt, error) {
	query := `SELECT ` + receiptSelectCols + ` FROM receipts WHERE tx_id = $1`
	r, err := scanReceipt(s.db.QueryRow(ctx, query, txID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Receipt{}, fmt.Errorf("postgres: receipt %s: %w", txID, domain.ErrNotFound)
		}
		return domain.Receipt{}, fmt.Errorf("postgres: get receipt %s: %w", txID, err)
	}
	return r, nil
}

// ListByPosition returns the receipts touching positionID, latest block
// first.
func (s *ReceiptStore) ListByPosition(ctx context.Context, positionID uint64, opts domain.ListOpts) ([]domain.Receipt, error) {
	query, args := listClause(
		`SELECT `+receiptSelectCols+` FROM receipts WHERE position_id = $1`,
		[]any{positionID}, "created_at", "block DESC", opts,
	)
	return s.list(ctx, query, args...)
}

// ListBefore returns up to limit receipts created before before, oldest
// first. The archiver pages through it.
func (s *ReceiptStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Receipt, error) {
	query := `SELECT ` + receiptSelectCols + ` FROM receipts WHERE created_at < $1 ORDER BY created_at, block LIMIT $2`
	return s.list(ctx, query, before, limit)
}

// DeleteBefore removes receipts created before before and reports how many
// went.
func (s *ReceiptStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM receipts WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete receipts before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func (s *ReceiptStore) list(ctx context.Context, query string, args ...any) ([]domain.Receipt, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list receipts: %w", err)
	}
	defer rows.Close()

	var out []domain.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan receipt: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list receipts rows: %w", err)
	}
	return out, nil
}

var _ domain.ReceiptStore = (*ReceiptStore)(nil)
