package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// OpenRequest supplies Collateral from the caller's wallet and levers it
// with Flash units of the debt asset borrowed from the pair.
type OpenRequest struct {
	Collateral  *big.Int
	Flash       *big.Int
	SlippageBps uint64
}

// AddRequest adds Amount of collateral from the wallet, or levers up by
// Flash when it is positive (Amount is then an optional extra).
type AddRequest struct {
	PositionID  uint64
	Amount      *big.Int
	Flash       *big.Int
	SlippageBps uint64
}

type WithdrawRequest struct {
	PositionID uint64
	Amount     *big.Int
}

type CloseRequest struct {
	PositionID uint64
}

type TransferRequest struct {
	PositionID uint64
	To         common.Address
}

// Open creates a leveraged position owned by from. The collateral approval
// is granted inside the same transaction.
func (s *MarginService) Open(ctx context.Context, from common.Address, req OpenRequest) (*domain.Receipt, error) {
	if !positive(req.Collateral) || !positive(req.Flash) {
		return nil, fmt.Errorf("margin_service: open: collateral and flash must be positive: %w", domain.ErrInvalidParams)
	}
	bps, err := s.resolveSlippage(req.SlippageBps)
	if err != nil {
		return nil, err
	}

	t := &txn{op: "open", lockKey: "open:" + from.Hex(), from: from}
	t.run = func(tx *chain.Tx) error {
		if err := s.env.Collateral.Approve(tx, s.env.Engine.Address(), req.Collateral); err != nil {
			return err
		}
		p, err := s.env.PlanOpen(req.Collateral, req.Flash, bps)
		if err != nil {
			return err
		}
		t.positionID, err = s.env.Engine.OpenPosition(tx, p)
		return err
	}
	return s.settle(ctx, t)
}

// Add increases position req.PositionID.
func (s *MarginService) Add(ctx context.Context, from common.Address, req AddRequest) (*domain.Receipt, error) {
	if !positive(req.Amount) && !positive(req.Flash) {
		return nil, fmt.Errorf("margin_service: add: nothing to add: %w", domain.ErrInvalidParams)
	}
	bps, err := s.resolveSlippage(req.SlippageBps)
	if err != nil {
		return nil, err
	}

	return s.settle(ctx, &txn{
		op:         "add",
		lockKey:    positionLock(req.PositionID),
		from:       from,
		positionID: req.PositionID,
		run: func(tx *chain.Tx) error {
			if positive(req.Amount) {
				if err := s.env.Collateral.Approve(tx, s.env.Engine.Address(), req.Amount); err != nil {
					return err
				}
			}
			p, err := s.env.PlanAdd(req.PositionID, req.Amount, req.Flash, bps)
			if err != nil {
				return err
			}
			return s.env.Engine.AddToPosition(tx, p)
		},
	})
}

// Withdraw redeems collateral from a position to its owner.
func (s *MarginService) Withdraw(ctx context.Context, from common.Address, req WithdrawRequest) (*domain.Receipt, error) {
	if !positive(req.Amount) {
		return nil, fmt.Errorf("margin_service: withdraw: amount must be positive: %w", domain.ErrInvalidParams)
	}
	return s.settle(ctx, &txn{
		op:         "withdraw",
		lockKey:    positionLock(req.PositionID),
		from:       from,
		positionID: req.PositionID,
		run: func(tx *chain.Tx) error {
			return s.env.Engine.WithdrawFromPosition(tx, s.env.PlanWithdraw(req.PositionID, req.Amount))
		},
	})
}

// Close unwinds a position: its debt is flash-repaid, collateral sold to
// cover the pair, and what is left returned to the owner.
func (s *MarginService) Close(ctx context.Context, from common.Address, req CloseRequest) (*domain.Receipt, error) {
	return s.settle(ctx, &txn{
		op:         "close",
		lockKey:    positionLock(req.PositionID),
		from:       from,
		positionID: req.PositionID,
		run: func(tx *chain.Tx) error {
			p, err := s.env.PlanClose(tx, req.PositionID)
			if err != nil {
				return err
			}
			return s.env.Engine.ClosePosition(tx, p)
		},
	})
}

// Transfer hands ownership of a position to req.To.
func (s *MarginService) Transfer(ctx context.Context, from common.Address, req TransferRequest) (*domain.Receipt, error) {
	return s.settle(ctx, &txn{
		op:         "transfer",
		lockKey:    positionLock(req.PositionID),
		from:       from,
		positionID: req.PositionID,
		run: func(tx *chain.Tx) error {
			return s.env.Registry.Transfer(tx, from, req.To, req.PositionID)
		},
	})
}

// Faucet mints test funds to to from the operator account.
func (s *MarginService) Faucet(ctx context.Context, to common.Address, collateral, debt *big.Int) (*domain.Receipt, error) {
	if !positive(collateral) && !positive(debt) {
		return nil, fmt.Errorf("margin_service: faucet: nothing to mint: %w", domain.ErrInvalidParams)
	}
	return s.settle(ctx, &txn{
		op:      "faucet",
		lockKey: "faucet:" + to.Hex(),
		from:    s.env.Operator,
		run: func(tx *chain.Tx) error {
			return s.env.MintTo(tx, to, collateral, debt)
		},
	})
}
