package grid

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmm/internal/gridid"
	"gridmm/pkg/types"
)

const testPrefix uint32 = 1234

func order(t *testing.T, side types.Side, level int, price string) types.OpenOrder {
	t.Helper()
	cid, err := gridid.OrderID(testPrefix, side, level)
	require.NoError(t, err)
	return types.OpenOrder{
		ClientOrderID: cid,
		OrderID:       fmt.Sprintf("srv-%d", cid),
		Side:          side,
		Price:         d(price),
		BaseAmount:    d("0.1"),
	}
}

func TestClassifyFiltersAndGroups(t *testing.T) {
	t.Parallel()

	orders := []types.OpenOrder{
		order(t, types.Ask, 1, "102"),
		order(t, types.Ask, 2, "103"),
		order(t, types.Ask, 3, "103"), // duplicate price bucket
		order(t, types.Bid, 1, "100"),
		{ClientOrderID: 99999999, Side: types.Bid, Price: d("95")}, // foreign
		{ClientOrderID: 0, Side: types.Ask, Price: d("104")},       // manual order
	}

	book := Classify(orders, testPrefix, 2)
	assert.Equal(t, 4, book.Total)
	require.Len(t, book.Asks, 2)
	assert.Equal(t, "102", book.Asks[0].Price.String())
	assert.Len(t, book.Asks[1].Orders, 2)
	require.Len(t, book.Bids, 1)
	assert.True(t, book.UsedLevels[types.Ask][1])
	assert.True(t, book.UsedLevels[types.Ask][3])
	assert.True(t, book.UsedLevels[types.Bid][1])
	assert.False(t, book.UsedLevels[types.Bid][2])
}

func TestReconcileIdempotentWhenBookMatches(t *testing.T) {
	t.Parallel()

	tg := DynamicTargets(d("100.5"), d("1"), 2, 2, 2)
	book := Classify([]types.OpenOrder{
		order(t, types.Ask, 1, "102"),
		order(t, types.Ask, 2, "103"),
		order(t, types.Bid, 1, "100"),
		order(t, types.Bid, 2, "99"),
	}, testPrefix, 2)

	plan := Reconcile(book, tg, types.GridDynamic)
	assert.Empty(t, plan.Cancels)
	assert.Zero(t, plan.Missing())
}

func TestReconcileColdStart(t *testing.T) {
	t.Parallel()

	tg := DynamicTargets(d("100.5"), d("1"), 2, 2, 2)
	plan := Reconcile(Classify(nil, testPrefix, 2), tg, types.GridDynamic)

	assert.Empty(t, plan.Cancels)
	assert.Equal(t, []string{"102", "103"}, prices(plan.MissingAsks))
	assert.Equal(t, []string{"100", "99"}, prices(plan.MissingBids))
}

func TestReconcileMidMovesUp(t *testing.T) {
	t.Parallel()

	// Book built around center 101; mid moves one step up to center 102.
	book := Classify([]types.OpenOrder{
		order(t, types.Ask, 1, "102"),
		order(t, types.Ask, 2, "103"),
		order(t, types.Bid, 1, "100"),
		order(t, types.Bid, 2, "99"),
	}, testPrefix, 2)
	tg := DynamicTargets(d("101.5"), d("1"), 2, 2, 2)
	require.Equal(t, "102", tg.Center.String())

	plan := Reconcile(book, tg, types.GridDynamic)

	// The 99 bid fell strictly below the new lowest desired bid (100) and
	// is pruned; the 102 ask is inside the band and left alone.
	require.Len(t, plan.Cancels, 1)
	assert.Equal(t, "99", plan.Cancels[0].Price.String())
	assert.Equal(t, []string{"104"}, prices(plan.MissingAsks))
	assert.Equal(t, []string{"101"}, prices(plan.MissingBids))
}

func TestReconcileBandPruning(t *testing.T) {
	t.Parallel()

	book := Classify([]types.OpenOrder{
		order(t, types.Ask, 1, "110"), // strictly above max desired ask
		order(t, types.Bid, 1, "90"),  // strictly below min desired bid
		order(t, types.Ask, 2, "102.5"),
	}, testPrefix, 2)
	tg := DynamicTargets(d("100.5"), d("1"), 2, 2, 2)

	plan := Reconcile(book, tg, types.GridDynamic)
	cancelled := prices(nil)
	for _, c := range plan.Cancels {
		cancelled = append(cancelled, c.Price.String())
	}
	assert.ElementsMatch(t, []string{"110", "90"}, cancelled)
}

func TestReconcileDuplicateCleanup(t *testing.T) {
	t.Parallel()

	book := Classify([]types.OpenOrder{
		order(t, types.Ask, 1, "102"),
		order(t, types.Ask, 2, "102"),
		order(t, types.Ask, 3, "102"),
	}, testPrefix, 2)
	tg := DynamicTargets(d("100.5"), d("1"), 2, 0, 2)

	plan := Reconcile(book, tg, types.GridDynamic)
	// One survives, two go; 102 is covered so only 103 is missing.
	assert.Len(t, plan.Cancels, 2)
	assert.Equal(t, []string{"103"}, prices(plan.MissingAsks))
}

func TestReconcileEmptySideCancelsAll(t *testing.T) {
	t.Parallel()

	book := Classify([]types.OpenOrder{
		order(t, types.Bid, 1, "100"),
		order(t, types.Bid, 2, "99"),
	}, testPrefix, 2)
	tg := Targets{Center: d("101"), Asks: []decimal.Decimal{d("102")}}

	plan := Reconcile(book, tg, types.GridDynamic)
	assert.Len(t, plan.Cancels, 2)
	assert.Equal(t, []string{"102"}, prices(plan.MissingAsks))
}

func TestReconcileASKeepsExactMatchesOnly(t *testing.T) {
	t.Parallel()

	book := Classify([]types.OpenOrder{
		order(t, types.Ask, 1, "101.02"),
		order(t, types.Ask, 2, "101.50"), // inside what dynamic would keep
		order(t, types.Bid, 1, "98.98"),
		order(t, types.Bid, 2, "98.50"),
	}, testPrefix, 2)
	tg := ASTargets(d("100"), d("1.02"), 2)

	plan := Reconcile(book, tg, types.GridAS)
	cancelled := prices(nil)
	for _, c := range plan.Cancels {
		cancelled = append(cancelled, c.Price.String())
	}
	assert.ElementsMatch(t, []string{"101.5", "98.5"}, cancelled)
	assert.Zero(t, plan.Missing())
}

func TestSplitCancelKeepByTarget(t *testing.T) {
	t.Parallel()

	buckets := []Bucket{
		{Price: d("102"), Orders: []types.OpenOrder{order(t, types.Ask, 1, "102"), order(t, types.Ask, 2, "102")}},
		{Price: d("105"), Orders: []types.OpenOrder{order(t, types.Ask, 3, "105")}},
	}
	cancels, kept := SplitCancelKeepByTarget(buckets, []decimal.Decimal{d("102")})
	assert.Len(t, cancels, 2) // the 102 duplicate + the non-target 105
	require.Len(t, kept, 1)
	assert.Equal(t, "102", kept[0].String())
}
