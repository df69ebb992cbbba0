package account

import "github.com/ethereum/go-ethereum/common"

type Initialized struct {
	Controller common.Address `json:"controller"`
}

func (Initialized) EventName() string { return "Initialized" }

type ControllerChanged struct {
	Previous common.Address `json:"previous"`
	Next     common.Address `json:"next"`
}

func (ControllerChanged) EventName() string { return "ControllerChanged" }
