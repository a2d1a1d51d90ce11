package grid

import (
	"sort"

	"github.com/shopspring/decimal"

	"gridmm/internal/gridid"
	"gridmm/internal/quant"
	"gridmm/pkg/types"
)

// Bucket groups the engine's own orders resting at one quantized price.
type Bucket struct {
	Price  decimal.Decimal
	Orders []types.OpenOrder
}

// Book is the classified view of the engine's own resting orders on one
// market: per-side price buckets plus the CID levels already in use.
type Book struct {
	Asks []Bucket // ascending
	Bids []Bucket // ascending
	// UsedLevels marks grid levels occupied per side, recovered from the
	// CIDs.
	UsedLevels map[types.Side]map[int]bool
	// Total counts own grid orders before any cancels.
	Total int
}

// Classify filters active orders down to the ones owned by prefix, groups
// them by side and quantized price, and records their used levels.
func Classify(orders []types.OpenOrder, prefix uint32, priceDecimals int32) Book {
	book := Book{
		UsedLevels: map[types.Side]map[int]bool{
			types.Ask: {},
			types.Bid: {},
		},
	}
	asks := make(map[string]*Bucket)
	bids := make(map[string]*Bucket)

	for _, o := range orders {
		if !gridid.IsGridOrder(prefix, o.ClientOrderID) {
			continue
		}
		side, level, ok := gridid.SideLevel(o.ClientOrderID)
		if !ok {
			continue
		}
		if o.Side == "" {
			o.Side = side
		}
		book.UsedLevels[o.Side][level] = true
		book.Total++

		price := quant.Price(o.Price, priceDecimals)
		o.Price = price
		buckets := asks
		if o.Side == types.Bid {
			buckets = bids
		}
		key := price.String()
		if b, ok := buckets[key]; ok {
			b.Orders = append(b.Orders, o)
		} else {
			buckets[key] = &Bucket{Price: price, Orders: []types.OpenOrder{o}}
		}
	}

	book.Asks = sortBuckets(asks)
	book.Bids = sortBuckets(bids)
	return book
}

func sortBuckets(m map[string]*Bucket) []Bucket {
	out := make([]Bucket, 0, len(m))
	for _, b := range m {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

// Plan is the outcome of one cancel/keep split: orders to cancel and the
// desired prices that still need a resting order.
type Plan struct {
	Cancels     []types.OpenOrder
	MissingAsks []decimal.Decimal
	MissingBids []decimal.Decimal
}

// Missing returns |missing asks| + |missing bids|.
func (p Plan) Missing() int { return len(p.MissingAsks) + len(p.MissingBids) }

// Reconcile diffs the book against the targets.
//
// Dynamic mode: an order at a desired price is kept (one per price,
// duplicates cancelled); an ask strictly above the highest desired ask —
// or a bid strictly below the lowest desired bid — is out of band and
// cancelled; anything else inside the band is left alone. An empty
// desired side cancels that whole side.
//
// AS mode: only orders at exactly the single desired ask/bid survive.
func Reconcile(book Book, t Targets, mode types.GridMode) Plan {
	var plan Plan

	keptAsks := splitSide(&plan, book.Asks, t.Asks, mode, true)
	keptBids := splitSide(&plan, book.Bids, t.Bids, mode, false)

	for _, p := range t.Asks {
		if !keptAsks[p.String()] {
			plan.MissingAsks = append(plan.MissingAsks, p)
		}
	}
	for _, p := range t.Bids {
		if !keptBids[p.String()] {
			plan.MissingBids = append(plan.MissingBids, p)
		}
	}
	return plan
}

func splitSide(plan *Plan, buckets []Bucket, desired []decimal.Decimal, mode types.GridMode, isAsk bool) map[string]bool {
	kept := make(map[string]bool, len(desired))
	desiredSet := make(map[string]bool, len(desired))
	var bound decimal.Decimal
	for i, p := range desired {
		desiredSet[p.String()] = true
		if i == 0 {
			bound = p
			continue
		}
		if isAsk && p.GreaterThan(bound) {
			bound = p
		}
		if !isAsk && p.LessThan(bound) {
			bound = p
		}
	}

	for _, b := range buckets {
		key := b.Price.String()
		switch {
		case desiredSet[key]:
			// keep one, cancel duplicates
			kept[key] = true
			plan.Cancels = append(plan.Cancels, b.Orders[1:]...)
		case len(desired) == 0,
			mode == types.GridAS,
			isAsk && b.Price.GreaterThan(bound),
			!isAsk && b.Price.LessThan(bound):
			plan.Cancels = append(plan.Cancels, b.Orders...)
		default:
			// inside the band but not a target: leave resting
		}
	}
	return kept
}

// SplitCancelKeepByTarget is the bucket-level primitive: for each price
// with at least one order, keep the first when the price is a target and
// mark the rest for cancellation.
func SplitCancelKeepByTarget(buckets []Bucket, targets []decimal.Decimal) (cancels []types.OpenOrder, keptPrices []decimal.Decimal) {
	targetSet := make(map[string]bool, len(targets))
	for _, p := range targets {
		targetSet[p.String()] = true
	}
	for _, b := range buckets {
		if targetSet[b.Price.String()] {
			keptPrices = append(keptPrices, b.Price)
			cancels = append(cancels, b.Orders[1:]...)
		} else {
			cancels = append(cancels, b.Orders...)
		}
	}
	return cancels, keptPrices
}
