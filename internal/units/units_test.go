package units

import (
	"math/big"
	"testing"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	got, err := Parse("0.5", 8)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50_000_000), got)

	got, err = Parse("3000", 18)
	require.NoError(t, err)
	assert.Equal(t, "3000000000000000000000", got.String())

	_, err = Parse("0.000000001", 8)
	require.ErrorIs(t, err, domain.ErrInvalidParams)

	_, err = Parse("-1", 8)
	require.ErrorIs(t, err, domain.ErrInvalidParams)

	_, err = Parse("abc", 8)
	require.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestFromBase(t *testing.T) {
	assert.True(t, decimal.RequireFromString("0.5").Equal(FromBase(big.NewInt(50_000_000), 8)))
	assert.Equal(t, "0.5", Format(big.NewInt(50_000_000), 8))
	assert.True(t, FromBase(nil, 18).IsZero())
}

func TestApplyBps(t *testing.T) {
	assert.Equal(t, big.NewInt(9_950), ApplyBps(big.NewInt(10_000), 50))
	assert.Equal(t, big.NewInt(10_000), ApplyBps(big.NewInt(10_000), 0))
	assert.Zero(t, ApplyBps(big.NewInt(10_000), 10_000).Sign())
}
