package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	GetPosition(ctx context.Context, id uint64) (domain.PositionView, error)
	Holdings(owner common.Address) ([]uint64, []common.Address)
	ListPositions(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.Position, error)
	PositionReceipts(ctx context.Context, id uint64, opts domain.ListOpts) ([]domain.Receipt, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

// GetPosition returns a position with its live market balances.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	view, err := h.positions.GetPosition(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type receiptsResponse struct {
	Receipts []domain.Receipt `json:"receipts"`
}

// ListReceipts returns the receipts that touched a position, latest first.
// GET /api/positions/{id}/receipts?limit=&offset=&since=&until=
func (h *PositionHandler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	receipts, err := h.positions.PositionReceipts(r.Context(), id, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if receipts == nil {
		receipts = []domain.Receipt{}
	}
	writeJSON(w, http.StatusOK, receiptsResponse{Receipts: receipts})
}

type holding struct {
	ID      uint64         `json:"id"`
	Account common.Address `json:"account"`
}

type ownerPositionsResponse struct {
	Owner     common.Address    `json:"owner"`
	Holdings  []holding         `json:"holdings"`
	Positions []domain.Position `json:"positions"`
}

// ListByOwner returns what owner holds on chain right now together with
// the stored history of their positions, closed ones included.
// GET /api/owners/{owner}/positions
func (h *PositionHandler) ListByOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress(r.PathValue("owner"), "owner")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	positions, err := h.positions.ListPositions(r.Context(), owner, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}

	ids, accounts := h.positions.Holdings(owner)
	held := make([]holding, len(ids))
	for i := range ids {
		held[i] = holding{ID: ids[i], Account: accounts[i]}
	}

	writeJSON(w, http.StatusOK, ownerPositionsResponse{
		Owner:     owner,
		Holdings:  held,
		Positions: positions,
	})
}
