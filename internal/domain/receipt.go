package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxStatus is the outcome of a settlement transaction.
type TxStatus string

const (
	TxSuccess  TxStatus = "success"
	TxReverted TxStatus = "reverted"
)

// Receipt records one settlement transaction. A reverted receipt carries no
// logs: every state change and event of a failed transaction is undone.
type Receipt struct {
	TxID         string         `json:"tx_id"`
	Block        uint64         `json:"block"`
	From         common.Address `json:"from"`
	Operation    string         `json:"operation"`
	PositionID   uint64         `json:"position_id"`
	Status       TxStatus       `json:"status"`
	RevertReason string         `json:"revert_reason,omitempty"`
	Logs         []Log          `json:"logs"`
	Calls        int            `json:"calls"`
	Attestation  string         `json:"attestation,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Succeeded reports whether the transaction committed.
func (r Receipt) Succeeded() bool {
	return r.Status == TxSuccess
}
