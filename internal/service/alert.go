package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/notify"
	"github.com/alanyoungcy/fusemargin/internal/units"
	"github.com/ethereum/go-ethereum/common"
)

func (s *MarginService) alert(ctx context.Context, r *domain.Receipt) {
	if s.notifier == nil {
		return
	}
	for _, msg := range s.messages(r) {
		if err := s.notifier.Notify(ctx, msg); err != nil {
			s.logger.WarnContext(ctx, "notify failed",
				slog.String("event", msg.Event),
				slog.String("error", err.Error()),
			)
		}
	}
}

// messages turns a receipt into the alerts it deserves.
func (s *MarginService) messages(r *domain.Receipt) []notify.Message {
	txField := notify.Field{Name: "tx", Value: r.TxID}
	if !r.Succeeded() {
		return []notify.Message{{
			Event: notify.EventTxReverted,
			Title: fmt.Sprintf("%s reverted", r.Operation),
			Body:  r.RevertReason,
			Fields: []notify.Field{
				{Name: "from", Value: r.From.Hex()},
				{Name: "position", Value: strconv.FormatUint(r.PositionID, 10)},
				txField,
			},
		}}
	}

	var out []notify.Message
	for _, l := range r.Logs {
		switch ev := l.Event.(type) {
		case domain.PositionOpened:
			out = append(out, notify.Message{
				Event: notify.EventPositionOpened,
				Title: fmt.Sprintf("Position #%d opened", ev.ID),
				Fields: []notify.Field{
					{Name: "owner", Value: ev.Owner.Hex()},
					{Name: "provided", Value: s.amount(s.env.Collateral.Address(), ev.Provided)},
					{Name: "flash", Value: s.amount(s.env.Debt.Address(), ev.Flash)},
					{Name: "swapped", Value: s.amount(s.env.Collateral.Address(), ev.Swapped)},
					txField,
				},
			})
		case domain.PositionUnwound:
			out = append(out, notify.Message{
				Event: notify.EventPositionClosed,
				Title: fmt.Sprintf("Position #%d closed", ev.ID),
				Fields: []notify.Field{
					{Name: "owner", Value: ev.Owner.Hex()},
					{Name: "repaid", Value: s.amount(s.env.Debt.Address(), ev.Repaid)},
					{Name: "collateral returned", Value: s.amount(s.env.Collateral.Address(), ev.CollateralReturned)},
					{Name: "debt returned", Value: s.amount(s.env.Debt.Address(), ev.DebtReturned)},
					txField,
				},
			})
		}
	}
	return out
}

// amount renders base units of asset as "1.5 WBTC".
func (s *MarginService) amount(asset common.Address, v *big.Int) string {
	info := s.tokens[asset]
	return units.Format(v, info.decimals) + " " + info.symbol
}
