package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/lending"
	"github.com/ethereum/go-ethereum/common"
)

// GetPosition reads a position's balances from the lending markets and
// joins them with the stored projection when there is one.
func (s *MarginService) GetPosition(ctx context.Context, id uint64) (domain.PositionView, error) {
	var view domain.PositionView
	err := s.env.Chain.View(func() error {
		acct, err := s.env.Registry.AccountOf(id)
		if err != nil {
			return err
		}
		view.ID, view.Account = id, acct
		view.Status = domain.PositionStatusClosed
		if owner, err := s.env.Registry.OwnerOf(id); err == nil {
			view.Owner, view.Status = owner, domain.PositionStatusOpen
		}

		for _, m := range []*lending.Market{s.env.CollateralMarket, s.env.DebtMarket} {
			view.Markets = append(view.Markets, domain.MarketBalance{
				Market:   m.Address(),
				Asset:    m.Underlying(),
				Symbol:   s.tokens[m.Underlying()].symbol,
				Supplied: m.BalanceOfUnderlying(acct),
				Borrowed: m.BorrowBalanceStored(acct),
			})
		}
		liquidity, shortfall, code := s.env.Comptroller.AccountLiquidity(acct)
		if code != lending.NoError {
			return &lending.CodeError{Op: "getAccountLiquidity", Market: s.env.Comptroller.Address(), Code: code}
		}
		view.Liquidity, view.Shortfall = liquidity, shortfall
		return nil
	})
	if err != nil {
		return domain.PositionView{}, fmt.Errorf("margin_service: get position %d: %w", id, err)
	}

	stored, err := s.positions.GetByID(ctx, id)
	switch {
	case err == nil:
		view.OpenedTx, view.OpenedAt = stored.OpenedTx, stored.OpenedAt
		view.ClosedTx, view.ClosedAt = stored.ClosedTx, stored.ClosedAt
		view.UpdatedAt = stored.UpdatedAt
		if view.Status == domain.PositionStatusClosed {
			view.Owner = stored.Owner
		}
	case !errors.Is(err, domain.ErrNotFound):
		s.logger.WarnContext(ctx, "read position projection failed",
			slog.Uint64("position_id", id),
			slog.String("error", err.Error()),
		)
	}
	return view, nil
}

// Holdings lists the positions owner holds right now, straight from the
// registry.
func (s *MarginService) Holdings(owner common.Address) (ids []uint64, accounts []common.Address) {
	_ = s.env.Chain.View(func() error {
		ids, accounts = s.env.Registry.IDsAndAccountsOfOwner(owner)
		return nil
	})
	return ids, accounts
}

// ListPositions returns the stored projection of owner's positions,
// including closed ones.
func (s *MarginService) ListPositions(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.Position, error) {
	out, err := s.positions.ListByOwner(ctx, owner, opts)
	if err != nil {
		return nil, fmt.Errorf("margin_service: list positions: %w", err)
	}
	return out, nil
}

// Receipt returns a stored receipt.
func (s *MarginService) Receipt(ctx context.Context, txID string) (domain.Receipt, error) {
	r, err := s.receipts.GetByTxID(ctx, txID)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("margin_service: receipt %s: %w", txID, err)
	}
	return r, nil
}

// PositionReceipts returns the receipts of one position, latest first.
func (s *MarginService) PositionReceipts(ctx context.Context, id uint64, opts domain.ListOpts) ([]domain.Receipt, error) {
	out, err := s.receipts.ListByPosition(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("margin_service: position %d receipts: %w", id, err)
	}
	return out, nil
}

// Block is the number of the last settled transaction.
func (s *MarginService) Block() uint64 { return s.env.Chain.Block() }

// Decimals returns the decimals of the collateral and debt tokens.
func (s *MarginService) Decimals() (collateral, debt uint8) {
	return s.tokens[s.env.Collateral.Address()].decimals, s.tokens[s.env.Debt.Address()].decimals
}
