package networth

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestComputeExactness(t *testing.T) {
	// 0.1 + 0.2 style inputs must come out exact, not float-approximate.
	balance := dec("0.10")
	positions := []Position{
		{Units: 1, Price: dec("0.20")},
		{Units: 3, Price: dec("0.10")},
	}
	total := Compute(balance, positions)
	assert.True(t, total.Equal(dec("0.60")), "got %s", total)
}

func TestComputeNoPositions(t *testing.T) {
	total := Compute(dec("123.45"), nil)
	assert.True(t, total.Equal(dec("123.45")))
}

func TestComputeLargePosition(t *testing.T) {
	total := Compute(dec("100.00"), []Position{
		{Units: 1000, Price: dec("19.99")},
	})
	assert.True(t, total.Equal(dec("20090.00")), "got %s", total)
}

func TestComputeZeroUnits(t *testing.T) {
	total := Compute(dec("50.00"), []Position{
		{Units: 0, Price: dec("10.00")},
	})
	assert.True(t, total.Equal(dec("50.00")))
}

func TestUnionIDsCoversHoldersBeyondScored(t *testing.T) {
	// Participant 7 never scored this batch but holds units of a repriced
	// valuation, so it must land in the recompute set exactly once.
	scored := []int64{1, 2}
	holders := []int64{2, 7}
	assert.Equal(t, []int64{1, 2, 7}, UnionIDs(scored, holders))
}

func TestUnionIDsEmptyInputs(t *testing.T) {
	assert.Equal(t, []int64{3}, UnionIDs(nil, []int64{3}))
	assert.Equal(t, []int64{3}, UnionIDs([]int64{3}, nil))
	assert.Empty(t, UnionIDs(nil, nil))
}
