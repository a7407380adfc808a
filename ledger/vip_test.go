package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vip-ledger/ledger"
)

func TestDefaultTiers_AreValid(t *testing.T) {
	require.NoError(t, ledger.DefaultTiers().Validate())
}

func TestDerive_HalfOpenIntervals(t *testing.T) {
	table := ledger.DefaultTiers()

	cases := []struct {
		balance string
		level   int
	}{
		{"0", 1},
		{"999.99", 1},
		{"1000", 2},
		{"4999.99", 2},
		{"5000", 3},
		{"20000", 4},
		{"1000000", 4},
	}
	for _, c := range cases {
		tier, err := table.Derive(d(c.balance))
		require.NoError(t, err, c.balance)
		assert.Equal(t, c.level, tier.Level, "balance %s", c.balance)
	}
}

func TestDerive_NegativeBalance_NoMatchingTier(t *testing.T) {
	_, err := ledger.DefaultTiers().Derive(d("-1"))

	assert.ErrorIs(t, err, ledger.ErrNoMatchingTier)
	assert.Equal(t, ledger.KindBusiness, ledger.KindOf(err))
}

func TestDerive_EmptyTable_NoMatchingTier(t *testing.T) {
	_, err := ledger.TierTable{}.Derive(d("10"))
	assert.ErrorIs(t, err, ledger.ErrNoMatchingTier)
}

func TestComputeProfit(t *testing.T) {
	tier := ledger.Tier{SingleProductPercentage: d("5"), CombinedProductPercentage: d("8")}

	assert.Equal(t, "5.00", ledger.ComputeProfit(d("100"), false, tier).StringFixed(2))
	assert.Equal(t, "8.00", ledger.ComputeProfit(d("100"), true, tier).StringFixed(2))
	assert.True(t, ledger.ComputeProfit(d("12.345"), false, tier).Equal(d("0.61725")))
}

func TestComputeProfit_KeepsSubCentAmounts(t *testing.T) {
	// GIVEN: the level-1 tier paying 4% on single items
	tier := ledger.DefaultTiers()[0]
	require.True(t, tier.SingleProductPercentage.Equal(d("4")))

	// WHEN: profit is computed on a ten cent item
	profit := ledger.ComputeProfit(d("0.10"), false, tier)

	// THEN: the fractional cent is kept rather than rounded away
	assert.True(t, profit.Equal(d("0.004")), "got %s", profit)
	assert.True(t, profit.IsPositive())
}

func TestValidate_RejectsGap(t *testing.T) {
	table := ledger.DefaultTiers()
	table[1].MinAmount = d("1500")

	assert.ErrorIs(t, table.Validate(), ledger.ErrInvalidTierTable)
}

func TestValidate_RejectsOverlap(t *testing.T) {
	table := ledger.DefaultTiers()
	table[0].MaxAmount = decp("1200")

	assert.ErrorIs(t, table.Validate(), ledger.ErrInvalidTierTable)
}

func TestValidate_RejectsBoundedTop(t *testing.T) {
	table := ledger.DefaultTiers()
	table[3].MaxAmount = decp("1000000")

	assert.ErrorIs(t, table.Validate(), ledger.ErrInvalidTierTable)
}

func TestValidate_RejectsUnboundedMiddle(t *testing.T) {
	table := ledger.DefaultTiers()
	table[1].MaxAmount = nil

	assert.ErrorIs(t, table.Validate(), ledger.ErrInvalidTierTable)
}

func TestValidate_RejectsNonZeroStart(t *testing.T) {
	table := ledger.DefaultTiers()[1:]

	assert.ErrorIs(t, table.Validate(), ledger.ErrInvalidTierTable)
}

func TestValidate_RejectsDuplicateLevel(t *testing.T) {
	table := ledger.DefaultTiers()
	table[2].Level = 1

	assert.ErrorIs(t, table.Validate(), ledger.ErrInvalidTierTable)
}

func TestValidate_AcceptsUnsortedInput(t *testing.T) {
	table := ledger.DefaultTiers()
	table[0], table[3] = table[3], table[0]

	assert.NoError(t, table.Validate())
}
