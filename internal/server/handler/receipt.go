package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/fusemargin/internal/domain"
)

// ReceiptService looks up stored receipts.
type ReceiptService interface {
	Receipt(ctx context.Context, txID string) (domain.Receipt, error)
}

// ReceiptHandler serves settlement receipts.
type ReceiptHandler struct {
	svc    ReceiptService
	logger *slog.Logger
}

// NewReceiptHandler creates a ReceiptHandler.
func NewReceiptHandler(svc ReceiptService, logger *slog.Logger) *ReceiptHandler {
	return &ReceiptHandler{svc: svc, logger: logHandler(logger, "receipts")}
}

// GetReceipt returns one receipt with its decoded logs and attestation.
// GET /api/receipts/{tx}
func (h *ReceiptHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.svc.Receipt(r.Context(), r.PathValue("tx"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
