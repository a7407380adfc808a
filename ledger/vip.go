package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VIP TIER TABLE
// =============================================================================

var hundred = decimal.NewFromInt(100)

// Contains reports whether balance falls in [MinAmount, MaxAmount).
func (t Tier) Contains(balance decimal.Decimal) bool {
	if balance.LessThan(t.MinAmount) {
		return false
	}
	return t.MaxAmount == nil || balance.LessThan(*t.MaxAmount)
}

// Percentage returns the profit percentage for the product kind.
func (t Tier) Percentage(isCombined bool) decimal.Decimal {
	if isCombined {
		return t.CombinedProductPercentage
	}
	return t.SingleProductPercentage
}

// Derive selects the tier whose half-open interval contains balance.
func (tt TierTable) Derive(balance decimal.Decimal) (Tier, error) {
	for _, t := range tt {
		if t.Contains(balance) {
			return t, nil
		}
	}
	return Tier{}, reason(ErrNoMatchingTier, "balance %s", balance.StringFixed(2))
}

// Sorted returns a copy ordered by MinAmount.
func (tt TierTable) Sorted() TierTable {
	out := make(TierTable, len(tt))
	copy(out, tt)
	sort.Slice(out, func(i, j int) bool { return out[i].MinAmount.LessThan(out[j].MinAmount) })
	return out
}

// Validate checks that the table covers [0, inf) with no gaps or overlaps.
// Only the highest tier may be unbounded.
func (tt TierTable) Validate() error {
	if len(tt) == 0 {
		return reason(ErrInvalidTierTable, "table is empty")
	}
	sorted := tt.Sorted()
	levels := make(map[int]bool, len(sorted))
	next := decimal.Zero
	for i, t := range sorted {
		if levels[t.Level] {
			return reason(ErrInvalidTierTable, "duplicate level %d", t.Level)
		}
		levels[t.Level] = true

		if !t.MinAmount.Equal(next) {
			return reason(ErrInvalidTierTable, "level %d starts at %s, expected %s", t.Level, t.MinAmount, next)
		}
		if t.SingleProductPercentage.IsNegative() || t.CombinedProductPercentage.IsNegative() {
			return reason(ErrInvalidTierTable, "level %d has a negative percentage", t.Level)
		}
		if t.ProductsPerSection < 0 {
			return reason(ErrInvalidTierTable, "level %d has a negative section size", t.Level)
		}
		if t.MinProfitRange.GreaterThan(t.MaxProfitRange) {
			return reason(ErrInvalidTierTable, "level %d profit range is inverted", t.Level)
		}

		last := i == len(sorted)-1
		switch {
		case t.MaxAmount == nil && !last:
			return reason(ErrInvalidTierTable, "level %d is unbounded but not the highest", t.Level)
		case t.MaxAmount == nil:
			return nil
		case !t.MaxAmount.GreaterThan(t.MinAmount):
			return reason(ErrInvalidTierTable, "level %d has an empty range", t.Level)
		}
		next = *t.MaxAmount
	}
	return reason(ErrInvalidTierTable, "highest level must be unbounded")
}

// ComputeProfit is amount * percentage / 100. The result is exact and not
// rounded; display code picks its own precision.
func ComputeProfit(amount decimal.Decimal, isCombined bool, tier Tier) decimal.Decimal {
	return amount.Mul(tier.Percentage(isCombined)).Div(hundred)
}

// DefaultTiers is the table written by `seed-tiers` on a fresh database.
func DefaultTiers() TierTable {
	bound := func(v int64) *decimal.Decimal {
		d := decimal.NewFromInt(v)
		return &d
	}
	return TierTable{
		{Level: 1, MinAmount: decimal.Zero, MaxAmount: bound(1000),
			SingleProductPercentage: decimal.NewFromInt(4), CombinedProductPercentage: decimal.NewFromInt(8),
			ProductsPerSection: 40, MinProfitRange: decimal.NewFromInt(20), MaxProfitRange: decimal.NewFromInt(80)},
		{Level: 2, MinAmount: decimal.NewFromInt(1000), MaxAmount: bound(5000),
			SingleProductPercentage: decimal.NewFromInt(5), CombinedProductPercentage: decimal.NewFromInt(10),
			ProductsPerSection: 45, MinProfitRange: decimal.NewFromInt(50), MaxProfitRange: decimal.NewFromInt(250)},
		{Level: 3, MinAmount: decimal.NewFromInt(5000), MaxAmount: bound(20000),
			SingleProductPercentage: decimal.NewFromInt(6), CombinedProductPercentage: decimal.NewFromInt(12),
			ProductsPerSection: 50, MinProfitRange: decimal.NewFromInt(300), MaxProfitRange: decimal.NewFromInt(1200)},
		{Level: 4, MinAmount: decimal.NewFromInt(20000), MaxAmount: nil,
			SingleProductPercentage: decimal.NewFromInt(8), CombinedProductPercentage: decimal.NewFromInt(16),
			ProductsPerSection: 55, MinProfitRange: decimal.NewFromInt(1600), MaxProfitRange: decimal.NewFromInt(6400)},
	}
}
