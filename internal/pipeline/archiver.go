// Package pipeline runs the background jobs of a settlement node.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/metrics"
	"github.com/alanyoungcy/fusemargin/internal/notify"
)

// Archiver moves receipts older than the retention window to cold storage.
type Archiver struct {
	blob          domain.Archiver
	retentionDays int
	metrics       *metrics.Recorder
	notifier      *notify.Notifier
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates an Archiver. rec and notifier may be nil.
func NewArchiver(
	blob domain.Archiver,
	retentionDays int,
	rec *metrics.Recorder,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		blob:          blob,
		retentionDays: retentionDays,
		metrics:       rec,
		notifier:      notifier,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run performs a single archive pass and returns how many receipts moved.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.now().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "archive run starting",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blob.ArchiveReceipts(ctx, cutoff)
	if a.metrics != nil && n > 0 {
		a.metrics.Archived(n)
	}
	if err != nil {
		return n, fmt.Errorf("pipeline: archive receipts before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("receipts", n))
	if n > 0 && a.notifier != nil {
		_ = a.notifier.Notify(ctx, notify.Message{
			Event: notify.EventArchive,
			Title: "Receipts archived",
			Fields: []notify.Field{
				{Name: "count", Value: fmt.Sprint(n)},
				{Name: "cutoff", Value: cutoff.Format(time.RFC3339)},
			},
		})
	}
	return n, nil
}

// RunCron runs the archiver on a five-field cron schedule until ctx is
// cancelled. A failed run is logged and the next trigger still fires.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("pipeline: archive cron %q: %w", expr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", expr))

	for {
		next, err := sched.Next(a.now())
		if err != nil {
			return fmt.Errorf("pipeline: archive cron %q: %w", expr, err)
		}
		wait := time.Until(next)
		a.logger.DebugContext(ctx, "archiver waiting", slog.Time("next_run", next), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.InfoContext(ctx, "archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
