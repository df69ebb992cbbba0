package domain

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transfer struct {
	From   common.Address `json:"from"`
	Amount *big.Int       `json:"amount"`
}

func (transfer) EventName() string { return "Transfer" }

func TestReceiptLogsSurviveJSON(t *testing.T) {
	engine := common.HexToAddress("0xe1")
	in := Receipt{
		TxID:   "t-1",
		Status: TxSuccess,
		Logs: []Log{
			{Index: 0, Address: common.HexToAddress("0x70"), Event: transfer{From: common.HexToAddress("0xa11ce"), Amount: big.NewInt(5)}},
			{Index: 1, Address: engine, Event: PositionOpened{ID: 1, Owner: common.HexToAddress("0xa11ce"), Swapped: big.NewInt(5_000_000)}},
		},
	}

	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"name":"PositionOpened"`)

	var out Receipt
	require.NoError(t, json.Unmarshal(b, &out))
	require.Len(t, out.Logs, 2)

	raw, ok := out.Logs[0].Event.(RawEvent)
	require.True(t, ok)
	assert.Equal(t, "Transfer", raw.EventName())
	assert.JSONEq(t, `{"from":"0x00000000000000000000000000000000000a11ce","amount":5}`, string(raw.Data))

	opened, ok := out.Logs[1].Event.(PositionOpened)
	require.True(t, ok)
	assert.Equal(t, engine, out.Logs[1].Address)
	assert.Equal(t, uint64(1), opened.ID)
	assert.Equal(t, 0, big.NewInt(5_000_000).Cmp(opened.Swapped))

	// re-encoding a raw event keeps its payload untouched
	again, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, string(b), string(again))
}
