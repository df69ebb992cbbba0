package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/fusemargin/internal/crypto"
	"github.com/alanyoungcy/fusemargin/internal/domain"
)

// RequestService executes signed margin requests.
type RequestService interface {
	ExecuteSigned(ctx context.Context, req crypto.MarginRequest, signature string) (*domain.Receipt, error)
}

// RequestHandler accepts EIP-712 signed margin requests.
type RequestHandler struct {
	svc    RequestService
	logger *slog.Logger
}

// NewRequestHandler creates a RequestHandler.
func NewRequestHandler(svc RequestService, logger *slog.Logger) *RequestHandler {
	return &RequestHandler{svc: svc, logger: logHandler(logger, "requests")}
}

type signedRequest struct {
	Request   crypto.MarginRequest `json:"request"`
	Signature string               `json:"signature"`
}

type settlementResponse struct {
	Receipt *domain.Receipt `json:"receipt"`
	Error   string          `json:"error,omitempty"`
}

// Submit runs a signed request as its signer. A transaction that reverts is
// answered with its receipt and the revert reason.
// POST /api/requests
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body signedRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if body.Signature == "" {
		writeError(w, http.StatusBadRequest, "signature is required")
		return
	}

	receipt, err := h.svc.ExecuteSigned(r.Context(), body.Request, body.Signature)
	writeSettlement(w, r, h.logger, receipt, err)
}

// writeSettlement answers a settlement attempt: 200 with the receipt, or the
// mapped error status. Reverted transactions with an unmapped cause are 422.
func writeSettlement(w http.ResponseWriter, r *http.Request, logger *slog.Logger, receipt *domain.Receipt, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, settlementResponse{Receipt: receipt})
	case receipt != nil:
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, settlementResponse{Receipt: receipt, Error: err.Error()})
	default:
		writeServiceError(w, r, logger, err)
	}
}
