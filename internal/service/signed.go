package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/fusemargin/internal/crypto"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// ExecuteSigned verifies a signed request and runs it as its signer. A
// request must carry a deadline no further out than RequestMaxAge and is
// accepted once: its digest is held in the lock manager until the deadline
// passes.
func (s *MarginService) ExecuteSigned(ctx context.Context, req crypto.MarginRequest, signature string) (*domain.Receipt, error) {
	now := s.now()
	deadline := time.Unix(req.Deadline, 0)
	switch {
	case req.Deadline <= 0:
		return nil, fmt.Errorf("margin_service: request without deadline: %w", domain.ErrInvalidParams)
	case !now.Before(deadline):
		return nil, fmt.Errorf("margin_service: request expired at %s: %w", deadline.UTC().Format(time.RFC3339), domain.ErrInvalidParams)
	case deadline.Sub(now) > s.opts.RequestMaxAge:
		return nil, fmt.Errorf("margin_service: deadline more than %s ahead: %w", s.opts.RequestMaxAge, domain.ErrInvalidParams)
	}

	from, err := crypto.RecoverRequest(req, signature, s.opts.ChainID)
	if err != nil {
		return nil, fmt.Errorf("margin_service: %w", err)
	}
	digest, err := crypto.RequestDigest(req, s.opts.ChainID)
	if err != nil {
		return nil, fmt.Errorf("margin_service: %w", err)
	}

	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		return nil, err
	}
	flash, err := parseAmount(req.Flash, "flash")
	if err != nil {
		return nil, err
	}

	var run func() (*domain.Receipt, error)
	switch req.Action {
	case "open":
		run = func() (*domain.Receipt, error) {
			return s.Open(ctx, from, OpenRequest{Collateral: amount, Flash: flash, SlippageBps: req.SlippageBps})
		}
	case "add":
		run = func() (*domain.Receipt, error) {
			return s.Add(ctx, from, AddRequest{PositionID: req.PositionID, Amount: amount, Flash: flash, SlippageBps: req.SlippageBps})
		}
	case "withdraw":
		run = func() (*domain.Receipt, error) {
			return s.Withdraw(ctx, from, WithdrawRequest{PositionID: req.PositionID, Amount: amount})
		}
	case "close":
		run = func() (*domain.Receipt, error) {
			return s.Close(ctx, from, CloseRequest{PositionID: req.PositionID})
		}
	case "transfer":
		if !common.IsHexAddress(req.To) {
			return nil, fmt.Errorf("margin_service: transfer needs a recipient: %w", domain.ErrInvalidParams)
		}
		run = func() (*domain.Receipt, error) {
			return s.Transfer(ctx, from, TransferRequest{PositionID: req.PositionID, To: common.HexToAddress(req.To)})
		}
	default:
		return nil, fmt.Errorf("margin_service: unknown action %q: %w", req.Action, domain.ErrInvalidParams)
	}

	// Never released: the key expires with the request.
	if _, err := s.locks.Acquire(ctx, "request:"+digest.Hex(), deadline.Sub(now)+time.Second); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("margin_service: request %s already used: %w", digest.Hex(), domain.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("margin_service: replay check: %w", err)
	}

	s.logger.InfoContext(ctx, "signed request accepted",
		slog.String("action", req.Action),
		slog.String("from", from.Hex()),
		slog.Uint64("nonce", req.Nonce),
	)
	return run()
}

func parseAmount(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("margin_service: invalid %s %q: %w", field, s, domain.ErrInvalidParams)
	}
	return n, nil
}
