package grid

import (
	"sort"

	"github.com/shopspring/decimal"

	"gridmm/internal/gridid"
	"gridmm/pkg/types"
)

// Placement is one order the loop should create.
type Placement struct {
	Side  types.Side
	Price decimal.Decimal
}

// Slots computes how many creations are allowed this tick: with a cap,
// whatever room remains after cancels free their slots; without one, all
// missing prices.
func Slots(maxOpenOrders, totalExisting, cancels, missing int) int {
	if maxOpenOrders <= 0 {
		return missing
	}
	free := maxOpenOrders - (totalExisting - cancels)
	if free < 0 {
		return 0
	}
	if free > missing {
		return missing
	}
	return free
}

// BuildPlan interleaves missing asks and bids by distance from the
// center, closest first, preferring asks on ties, truncated to slots.
func BuildPlan(missingAsks, missingBids []decimal.Decimal, center decimal.Decimal, slots int) []Placement {
	candidates := make([]Placement, 0, len(missingAsks)+len(missingBids))
	for _, p := range missingAsks {
		candidates = append(candidates, Placement{Side: types.Ask, Price: p})
	}
	for _, p := range missingBids {
		candidates = append(candidates, Placement{Side: types.Bid, Price: p})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		di := candidates[i].Price.Sub(center).Abs()
		dj := candidates[j].Price.Sub(center).Abs()
		if !di.Equal(dj) {
			return di.LessThan(dj)
		}
		return candidates[i].Side == types.Ask && candidates[j].Side == types.Bid
	})

	if slots >= 0 && len(candidates) > slots {
		candidates = candidates[:slots]
	}
	return candidates
}

// LevelCursor hands out free CID levels per side with a rotating cursor,
// so recently cancelled client ids are not immediately reused.
type LevelCursor struct {
	next map[types.Side]int
}

func NewLevelCursor() *LevelCursor {
	return &LevelCursor{next: map[types.Side]int{types.Ask: 1, types.Bid: 1}}
}

// Pick returns the smallest free level at or after the cursor, wrapping
// to the smallest free level overall when the tail is exhausted. ok is
// false only when every level of the side is in use.
func (c *LevelCursor) Pick(side types.Side, used map[int]bool) (int, bool) {
	start := c.next[side]
	if start < 1 || start > gridid.MaxLevelPerSide {
		start = 1
	}
	for _, from := range []int{start, 1} {
		for level := from; level <= gridid.MaxLevelPerSide; level++ {
			if !used[level] {
				c.next[side] = level + 1
				return level, true
			}
		}
	}
	return 0, false
}

// DelayCounter tracks desired prices stuck on the wrong side of mid: an
// ask below mid or a bid above it that the loop keeps failing to place.
// Each distinct price counts once while it remains missing; once it
// recovers it may count again later.
type DelayCounter struct {
	seen  map[string]bool
	count int
}

func NewDelayCounter() *DelayCounter {
	return &DelayCounter{seen: make(map[string]bool)}
}

// Observe folds in this tick's still-missing prices and returns the
// cumulative count.
func (d *DelayCounter) Observe(missingAsks, missingBids []decimal.Decimal, mid decimal.Decimal) int {
	current := make(map[string]bool)
	for _, p := range missingAsks {
		if p.LessThan(mid) {
			current["a:"+p.String()] = true
		}
	}
	for _, p := range missingBids {
		if p.GreaterThan(mid) {
			current["b:"+p.String()] = true
		}
	}
	for key := range current {
		if !d.seen[key] {
			d.count++
		}
	}
	d.seen = current
	return d.count
}

// Count returns the cumulative wrong-side count.
func (d *DelayCounter) Count() int { return d.count }
