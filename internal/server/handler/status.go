package handler

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StatusHandler reports the running mode and the deployed contracts.
type StatusHandler struct {
	Mode      string
	ChainID   int
	Operator  common.Address
	Contracts map[string]common.Address
	StartedAt time.Time
	Block     func() uint64
}

// GetStatus responds with the mode, chain head and contract addresses.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	var block uint64
	if h.Block != nil {
		block = h.Block()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"chain_id":       h.ChainID,
		"operator":       h.Operator,
		"block":          block,
		"contracts":      h.Contracts,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
