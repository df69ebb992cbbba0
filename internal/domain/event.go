package domain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event is anything a contract can emit into a transaction log.
type Event interface {
	EventName() string
}

// Log is one emitted event, tagged with the emitting address.
type Log struct {
	Index   int
	Address common.Address
	Event   Event
}

type wireLog struct {
	Index   int             `json:"index"`
	Address common.Address  `json:"address"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
}

// MarshalJSON flattens the log so consumers can dispatch on "name".
func (l Log) MarshalJSON() ([]byte, error) {
	var data json.RawMessage
	if raw, ok := l.Event.(RawEvent); ok {
		data = raw.Data
	} else {
		b, err := json.Marshal(l.Event)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(wireLog{l.Index, l.Address, l.Event.EventName(), data})
}

// UnmarshalJSON restores registry and engine events to their types. Events
// of other contracts come back as RawEvent.
func (l *Log) UnmarshalJSON(b []byte) error {
	var w wireLog
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	l.Index, l.Address = w.Index, w.Address
	build, ok := knownEvents[w.Name]
	if !ok {
		l.Event = RawEvent{Name: w.Name, Data: w.Data}
		return nil
	}
	ev, err := build(w.Data)
	if err != nil {
		return fmt.Errorf("domain: decode %s: %w", w.Name, err)
	}
	l.Event = ev
	return nil
}

// RawEvent is an event whose type this package does not know.
type RawEvent struct {
	Name string
	Data json.RawMessage
}

func (e RawEvent) EventName() string { return e.Name }

func decodeAs[T Event](data []byte) (Event, error) {
	var ev T
	err := json.Unmarshal(data, &ev)
	return ev, err
}

var knownEvents = map[string]func([]byte) (Event, error){
	PositionCreated{}.EventName():      decodeAs[PositionCreated],
	PositionClosed{}.EventName():       decodeAs[PositionClosed],
	OwnershipTransferred{}.EventName(): decodeAs[OwnershipTransferred],
	ControllerAdded{}.EventName():      decodeAs[ControllerAdded],
	ControllerRemoved{}.EventName():    decodeAs[ControllerRemoved],
	PositionApproval{}.EventName():     decodeAs[PositionApproval],
	OperatorApproval{}.EventName():     decodeAs[OperatorApproval],
	AdminTransferred{}.EventName():     decodeAs[AdminTransferred],
	PositionOpened{}.EventName():       decodeAs[PositionOpened],
	PositionIncreased{}.EventName():    decodeAs[PositionIncreased],
	PositionWithdrawn{}.EventName():    decodeAs[PositionWithdrawn],
	PositionUnwound{}.EventName():      decodeAs[PositionUnwound],
	FlashSettled{}.EventName():         decodeAs[FlashSettled],
}

// Registry events.

type PositionCreated struct {
	ID      uint64         `json:"id"`
	Owner   common.Address `json:"owner"`
	Account common.Address `json:"account"`
}

func (PositionCreated) EventName() string { return "PositionCreated" }

type PositionClosed struct {
	ID      uint64         `json:"id"`
	Owner   common.Address `json:"owner"`
	Account common.Address `json:"account"`
}

func (PositionClosed) EventName() string { return "PositionClosed" }

// OwnershipTransferred uses the zero address as From on creation and as To
// on close.
type OwnershipTransferred struct {
	ID   uint64         `json:"id"`
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
}

func (OwnershipTransferred) EventName() string { return "OwnershipTransferred" }

type ControllerAdded struct {
	Controller common.Address `json:"controller"`
}

func (ControllerAdded) EventName() string { return "ControllerAdded" }

type ControllerRemoved struct {
	Controller common.Address `json:"controller"`
}

func (ControllerRemoved) EventName() string { return "ControllerRemoved" }

type PositionApproval struct {
	ID       uint64         `json:"id"`
	Owner    common.Address `json:"owner"`
	Approved common.Address `json:"approved"`
}

func (PositionApproval) EventName() string { return "PositionApproval" }

type OperatorApproval struct {
	Owner    common.Address `json:"owner"`
	Operator common.Address `json:"operator"`
	Approved bool           `json:"approved"`
}

func (OperatorApproval) EventName() string { return "OperatorApproval" }

type AdminTransferred struct {
	Previous common.Address `json:"previous"`
	Next     common.Address `json:"next"`
}

func (AdminTransferred) EventName() string { return "AdminTransferred" }

// Engine events.

type PositionOpened struct {
	ID               uint64         `json:"id"`
	Owner            common.Address `json:"owner"`
	Account          common.Address `json:"account"`
	CollateralMarket common.Address `json:"collateral_market"`
	DebtMarket       common.Address `json:"debt_market"`
	Provided         *big.Int       `json:"provided"`
	Flash            *big.Int       `json:"flash"`
	Swapped          *big.Int       `json:"swapped"`
	Borrowed         *big.Int       `json:"borrowed"`
}

func (PositionOpened) EventName() string { return "PositionOpened" }

type PositionIncreased struct {
	ID       uint64         `json:"id"`
	Market   common.Address `json:"market"`
	Amount   *big.Int       `json:"amount"`
	ViaFlash bool           `json:"via_flash"`
	Swapped  *big.Int       `json:"swapped"`
	Borrowed *big.Int       `json:"borrowed"`
}

func (PositionIncreased) EventName() string { return "PositionIncreased" }

type PositionWithdrawn struct {
	ID     uint64         `json:"id"`
	Market common.Address `json:"market"`
	Amount *big.Int       `json:"amount"`
	To     common.Address `json:"to"`
}

func (PositionWithdrawn) EventName() string { return "PositionWithdrawn" }

type PositionUnwound struct {
	ID                 uint64         `json:"id"`
	Owner              common.Address `json:"owner"`
	Repaid             *big.Int       `json:"repaid"`
	CollateralReturned *big.Int       `json:"collateral_returned"`
	DebtReturned       *big.Int       `json:"debt_returned"`
}

func (PositionUnwound) EventName() string { return "PositionUnwound" }

type FlashSettled struct {
	Pool      common.Address `json:"pool"`
	Asset     common.Address `json:"asset"`
	Amount    *big.Int       `json:"amount"`
	Repayment *big.Int       `json:"repayment"`
}

func (FlashSettled) EventName() string { return "FlashSettled" }
