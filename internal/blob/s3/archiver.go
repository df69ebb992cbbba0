package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/fusemargin/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// ReceiptSource is the part of the receipt store the archiver needs.
type ReceiptSource interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Receipt, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// BlobChecker confirms an upload landed before rows are deleted.
type BlobChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// ReceiptArchiver implements domain.Archiver. It moves receipts out of the
// database in batches: each batch is written as JSON lines, checked with
// HeadObject, and only then deleted.
type ReceiptArchiver struct {
	writer    domain.BlobWriter
	checker   BlobChecker
	receipts  ReceiptSource
	audit     domain.AuditStore
	prefix    string
	batchSize int
}

// NewArchiver creates a ReceiptArchiver writing under prefix.
func NewArchiver(
	writer domain.BlobWriter,
	checker BlobChecker,
	receipts ReceiptSource,
	audit domain.AuditStore,
	prefix string,
	batchSize int,
) *ReceiptArchiver {
	if batchSize < 1 {
		batchSize = 1000
	}
	return &ReceiptArchiver{
		writer:    writer,
		checker:   checker,
		receipts:  receipts,
		audit:     audit,
		prefix:    prefix,
		batchSize: batchSize,
	}
}

// ArchiveReceipts archives every receipt created before before and returns
// how many were moved.
func (a *ReceiptArchiver) ArchiveReceipts(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	limit := a.batchSize
	for {
		batch, err := a.receipts.ListBefore(ctx, before, limit)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive receipts query: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		// A full batch may stop in the middle of a timestamp. Keep only the
		// rows strictly older than the last one so the delete below cannot
		// reach rows that were never uploaded.
		cutoff := before
		if len(batch) == limit {
			last := batch[len(batch)-1].CreatedAt
			keep := len(batch)
			for keep > 0 && !batch[keep-1].CreatedAt.Before(last) {
				keep--
			}
			if keep == 0 {
				limit *= 2
				continue
			}
			batch, cutoff = batch[:keep], last
		}

		n, err := a.archiveBatch(ctx, batch, cutoff)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
		limit = a.batchSize
	}
}

func (a *ReceiptArchiver) archiveBatch(ctx context.Context, batch []domain.Receipt, cutoff time.Time) (int64, error) {
	buf, err := marshalJSONL(batch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive receipts marshal: %w", err)
	}

	path := archivePath(a.prefix, batch)
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive receipts upload: %w", err)
	}

	ok, err := a.checker.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive receipts verify: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: archive receipts verify %s: %w", path, domain.ErrNotFound)
	}

	deleted, err := a.receipts.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive receipts delete: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.receipts", map[string]any{
		"path":    path,
		"count":   len(batch),
		"deleted": deleted,
		"cutoff":  cutoff.Format(time.RFC3339Nano),
	}); err != nil {
		return deleted, fmt.Errorf("s3blob: archive receipts audit log: %w", err)
	}
	return deleted, nil
}

// archivePath names a batch by the day of its first receipt and its block
// range:
//
//	archive/receipts/2026-03-01/000000000012-000000000410.jsonl
func archivePath(prefix string, batch []domain.Receipt) string {
	first, last := batch[0], batch[len(batch)-1]
	return fmt.Sprintf("%s/%s/%012d-%012d.jsonl",
		prefix, first.CreatedAt.UTC().Format("2006-01-02"), first.Block, last.Block)
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ReceiptArchiver)(nil)
