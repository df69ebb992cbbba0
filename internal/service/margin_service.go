package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/crypto"
	"github.com/alanyoungcy/fusemargin/internal/devnet"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/metrics"
	"github.com/alanyoungcy/fusemargin/internal/notify"
	"github.com/ethereum/go-ethereum/common"
)

// Bus names receipts are published under. Live subscribers listen on
// ReceiptChannelPrefix+"*"; ReceiptStream keeps the ordered backlog.
const (
	ReceiptChannelPrefix = "receipts:"
	ReceiptStream        = "receipts"
)

// Options tunes a MarginService.
type Options struct {
	ChainID            int
	LockTTL            time.Duration
	DefaultSlippageBps uint64
	MaxSlippageBps     uint64
	RequestMaxAge      time.Duration
}

type tokenInfo struct {
	symbol   string
	decimals uint8
}

// MarginService runs margin operations against a deployed environment.
// Every operation is one settlement transaction; its receipt is stored,
// projected into the position store, audited, published and counted.
// Side effects after settlement never fail the call: the chain is the
// source of truth and the projections only log when they fall behind.
type MarginService struct {
	env       *devnet.Env
	positions domain.PositionStore
	receipts  domain.ReceiptStore
	audit     domain.AuditStore
	locks     domain.LockManager
	bus       domain.EventBus
	opts      Options
	logger    *slog.Logger

	signer   *crypto.Signer
	notifier *notify.Notifier
	metrics  *metrics.Recorder

	tokens map[common.Address]tokenInfo
	now    func() time.Time
}

// NewMarginService creates a MarginService on env.
func NewMarginService(
	env *devnet.Env,
	positions domain.PositionStore,
	receipts domain.ReceiptStore,
	audit domain.AuditStore,
	locks domain.LockManager,
	bus domain.EventBus,
	opts Options,
	logger *slog.Logger,
) *MarginService {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.MaxSlippageBps == 0 {
		opts.MaxSlippageBps = 500
	}
	if opts.RequestMaxAge <= 0 {
		opts.RequestMaxAge = 5 * time.Minute
	}

	s := &MarginService{
		env:       env,
		positions: positions,
		receipts:  receipts,
		audit:     audit,
		locks:     locks,
		bus:       bus,
		opts:      opts,
		logger:    logger.With(slog.String("component", "margin_service")),
		tokens:    make(map[common.Address]tokenInfo),
		now:       time.Now,
	}
	_ = env.Chain.View(func() error {
		for _, tok := range env.Tokens() {
			s.tokens[tok.Address()] = tokenInfo{symbol: tok.Symbol(), decimals: tok.Decimals()}
		}
		return nil
	})
	return s
}

// WithSigner makes the service attest every receipt with the operator key.
func (s *MarginService) WithSigner(signer *crypto.Signer) *MarginService {
	s.signer = signer
	return s
}

// WithNotifier attaches chat alerts.
func (s *MarginService) WithNotifier(n *notify.Notifier) *MarginService {
	s.notifier = n
	return s
}

// WithMetrics attaches a Prometheus recorder.
func (s *MarginService) WithMetrics(rec *metrics.Recorder) *MarginService {
	s.metrics = rec
	return s
}

// Env returns the environment the service settles against.
func (s *MarginService) Env() *devnet.Env { return s.env }

// txn describes one settlement. run may set positionID once it is known.
type txn struct {
	op         string
	lockKey    string
	from       common.Address
	positionID uint64
	run        func(tx *chain.Tx) error
}

// settle takes the lock, runs the transaction and records the receipt. A
// reverted transaction returns its receipt together with the error.
func (s *MarginService) settle(ctx context.Context, t *txn) (*domain.Receipt, error) {
	unlock, err := s.locks.Acquire(ctx, t.lockKey, s.opts.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) && s.metrics != nil {
			s.metrics.LockConflict()
		}
		return nil, fmt.Errorf("margin_service: %s: %w", t.op, err)
	}
	defer unlock()

	start := time.Now()
	receipt, txErr := s.env.Chain.Transact(ctx, t.from, t.run)
	if receipt == nil {
		return nil, fmt.Errorf("margin_service: %s: %w", t.op, txErr)
	}
	receipt.Operation = t.op
	receipt.PositionID = t.positionID
	s.record(ctx, receipt, time.Since(start))

	if txErr != nil {
		return receipt, fmt.Errorf("margin_service: %s: %w", t.op, txErr)
	}
	return receipt, nil
}

func (s *MarginService) record(ctx context.Context, r *domain.Receipt, took time.Duration) {
	log := s.logger.With(
		slog.String("tx_id", r.TxID),
		slog.String("operation", r.Operation),
		slog.Uint64("position_id", r.PositionID),
	)

	if s.signer != nil {
		sig, err := s.signer.Attest(*r)
		if err != nil {
			log.WarnContext(ctx, "attest receipt failed", slog.String("error", err.Error()))
		}
		r.Attestation = sig
	}

	if err := s.receipts.Insert(ctx, *r); err != nil {
		log.WarnContext(ctx, "store receipt failed", slog.String("error", err.Error()))
	}
	if r.Succeeded() {
		s.project(ctx, r)
	}

	detail := map[string]any{
		"tx_id":       r.TxID,
		"block":       r.Block,
		"from":        r.From.Hex(),
		"position_id": r.PositionID,
		"status":      string(r.Status),
	}
	if r.RevertReason != "" {
		detail["revert_reason"] = r.RevertReason
	}
	if err := s.audit.Log(ctx, "tx."+r.Operation, detail); err != nil {
		log.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}

	if payload, err := json.Marshal(r); err != nil {
		log.WarnContext(ctx, "encode receipt failed", slog.String("error", err.Error()))
	} else {
		if err := s.bus.Publish(ctx, ReceiptChannelPrefix+r.Operation, payload); err != nil {
			log.WarnContext(ctx, "publish receipt failed", slog.String("error", err.Error()))
		}
		if err := s.bus.StreamAppend(ctx, ReceiptStream, payload); err != nil {
			log.WarnContext(ctx, "append receipt stream failed", slog.String("error", err.Error()))
		}
	}

	s.alert(ctx, r)
	s.observe(r, took)

	if r.Succeeded() {
		log.InfoContext(ctx, "transaction settled",
			slog.Uint64("block", r.Block),
			slog.Int("calls", r.Calls),
			slog.Duration("took", took),
		)
	} else {
		log.WarnContext(ctx, "transaction reverted",
			slog.Uint64("block", r.Block),
			slog.String("reason", r.RevertReason),
		)
	}
}

// project folds registry events into the position store.
func (s *MarginService) project(ctx context.Context, r *domain.Receipt) {
	registry := s.env.Registry.Address()
	for _, l := range r.Logs {
		if l.Address != registry {
			continue
		}
		var err error
		switch ev := l.Event.(type) {
		case domain.PositionCreated:
			err = s.positions.Upsert(ctx, domain.Position{
				ID:       ev.ID,
				Owner:    ev.Owner,
				Account:  ev.Account,
				Status:   domain.PositionStatusOpen,
				OpenedTx: r.TxID,
				OpenedAt: r.CreatedAt,
			})
		case domain.OwnershipTransferred:
			if ev.From == (common.Address{}) || ev.To == (common.Address{}) {
				continue
			}
			var pos domain.Position
			if pos, err = s.positions.GetByID(ctx, ev.ID); err == nil {
				pos.Owner = ev.To
				err = s.positions.Upsert(ctx, pos)
			}
		case domain.PositionClosed:
			err = s.positions.MarkClosed(ctx, ev.ID, r.TxID, r.CreatedAt)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "position projection failed",
				slog.String("tx_id", r.TxID),
				slog.String("event", l.Event.EventName()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *MarginService) observe(r *domain.Receipt, took time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveTx(r.Operation, string(r.Status), r.Calls, r.Block, took)
	for _, l := range r.Logs {
		switch ev := l.Event.(type) {
		case domain.PositionCreated:
			s.metrics.PositionOpened()
		case domain.PositionClosed:
			s.metrics.PositionClosed()
		case domain.FlashSettled:
			amount, _ := new(big.Float).SetInt(ev.Amount).Float64()
			s.metrics.FlashBorrowed(s.tokens[ev.Asset].symbol, amount)
		}
	}
}

func (s *MarginService) resolveSlippage(bps uint64) (uint64, error) {
	if bps == 0 {
		return s.opts.DefaultSlippageBps, nil
	}
	if bps > s.opts.MaxSlippageBps {
		return 0, fmt.Errorf("margin_service: slippage %d bps above limit %d: %w", bps, s.opts.MaxSlippageBps, domain.ErrInvalidParams)
	}
	return bps, nil
}

func positionLock(id uint64) string {
	return "position:" + strconv.FormatUint(id, 10)
}

func positive(x *big.Int) bool {
	return x != nil && x.Sign() > 0
}
