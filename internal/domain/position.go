package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionStatus tracks whether a registry entry is live or burned.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position is the ownership record of a margin position: who owns it and
// which isolated account holds its lending state. Balances are never part
// of it; they live in the lending pool and are read on demand.
type Position struct {
	ID        uint64         `json:"id"`
	Owner     common.Address `json:"owner"`
	Account   common.Address `json:"account"`
	Status    PositionStatus `json:"status"`
	OpenedTx  string         `json:"opened_tx"`
	ClosedTx  string         `json:"closed_tx,omitempty"`
	OpenedAt  time.Time      `json:"opened_at"`
	ClosedAt  *time.Time     `json:"closed_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MarketBalance is the live supply and borrow of one account in one market.
type MarketBalance struct {
	Market   common.Address `json:"market"`
	Asset    common.Address `json:"asset"`
	Symbol   string         `json:"symbol"`
	Supplied *big.Int       `json:"supplied"`
	Borrowed *big.Int       `json:"borrowed"`
}

// PositionView is a position joined with the balances its account holds
// right now.
type PositionView struct {
	Position
	Markets   []MarketBalance `json:"markets"`
	Liquidity *big.Int        `json:"liquidity"`
	Shortfall *big.Int        `json:"shortfall"`
}
