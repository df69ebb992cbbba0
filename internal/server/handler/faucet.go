package handler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/units"
	"github.com/ethereum/go-ethereum/common"
)

// FaucetService mints devnet funds.
type FaucetService interface {
	Faucet(ctx context.Context, to common.Address, collateral, debt *big.Int) (*domain.Receipt, error)
	Decimals() (collateral, debt uint8)
}

// FaucetHandler mints test collateral and debt tokens. It sits behind the
// admin HMAC middleware.
type FaucetHandler struct {
	svc         FaucetService
	defaultColl string
	defaultDebt string
	logger      *slog.Logger
}

// NewFaucetHandler creates a FaucetHandler. The defaults are human decimal
// amounts used when a request leaves both amounts empty.
func NewFaucetHandler(svc FaucetService, defaultCollateral, defaultDebt string, logger *slog.Logger) *FaucetHandler {
	return &FaucetHandler{
		svc:         svc,
		defaultColl: defaultCollateral,
		defaultDebt: defaultDebt,
		logger:      logHandler(logger, "faucet"),
	}
}

// faucetRequest amounts are human decimals ("0.5" WBTC), not base units.
type faucetRequest struct {
	To         string `json:"to"`
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
}

// Mint sends tokens from the operator to the requested address.
// POST /api/faucet
func (h *FaucetHandler) Mint(w http.ResponseWriter, r *http.Request) {
	var req faucetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	to, err := parseAddress(req.To, "to")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if req.Collateral == "" && req.Debt == "" {
		req.Collateral, req.Debt = h.defaultColl, h.defaultDebt
	}

	collDec, debtDec := h.svc.Decimals()
	collateral, err := parseHuman(req.Collateral, collDec, "collateral")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	debt, err := parseHuman(req.Debt, debtDec, "debt")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	receipt, err := h.svc.Faucet(r.Context(), to, collateral, debt)
	writeSettlement(w, r, h.logger, receipt, err)
}

func parseHuman(s string, decimals uint8, field string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := units.Parse(s, decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", field, err, domain.ErrInvalidParams)
	}
	return v, nil
}
