// Package gridid implements the deterministic client-order-ID namespace.
//
// Every grid order carries a 64-bit client order id built from a per
// (account, market, symbol) prefix plus a side offset and a level:
//
//	cid = prefix*10000 + offset + level
//
// where prefix = CRC32(account:market:symbol) mod 10000, offset is 1000 for
// asks and 6000 for bids, and level is 1..3999. The fixed 10000-wide block
// gives an O(1) ownership test (cid/10000 == prefix), unique (side, level)
// recovery within a prefix, and collision-free level allocation per side —
// which is what lets the engine re-adopt its own resting orders after a
// restart without any local order state.
package gridid

import (
	"fmt"
	"hash/crc32"

	"gridmm/pkg/types"
)

const (
	ClientOrderBlock     = 10_000
	ClientOrderOffsetAsk = 1_000
	ClientOrderOffsetBid = 6_000
	ClientOrderPrefixMod = 10_000
	MaxLevelPerSide      = 3_999

	// ClientOrderMax is the largest client order id venues accept (2^48-1).
	ClientOrderMax = 281_474_976_710_655
)

// Prefix derives the CID block for one (account, market, symbol) triple.
func Prefix(accountKey string, marketID int64, symbol string) uint32 {
	raw := fmt.Sprintf("%s:%d:%s", accountKey, marketID, symbol)
	return crc32.ChecksumIEEE([]byte(raw)) % ClientOrderPrefixMod
}

// OrderID builds the client order id for a (side, level) slot.
// Levels outside [1, MaxLevelPerSide] and ids above ClientOrderMax are
// rejected.
func OrderID(prefix uint32, side types.Side, level int) (uint64, error) {
	if level < 1 || level > MaxLevelPerSide {
		return 0, fmt.Errorf("gridid: level %d out of range [1, %d]", level, MaxLevelPerSide)
	}
	offset := uint64(ClientOrderOffsetBid)
	if side.IsAsk() {
		offset = ClientOrderOffsetAsk
	}
	cid := uint64(prefix)*ClientOrderBlock + offset + uint64(level)
	if cid > ClientOrderMax {
		return 0, fmt.Errorf("gridid: cid %d exceeds max %d", cid, uint64(ClientOrderMax))
	}
	return cid, nil
}

// IsGridOrder reports whether cid belongs to the given prefix block.
func IsGridOrder(prefix uint32, cid uint64) bool {
	return cid/ClientOrderBlock == uint64(prefix)
}

// SideLevel recovers the (side, level) encoded in a cid. The bool result is
// false when the remainder falls outside both side ranges.
func SideLevel(cid uint64) (types.Side, int, bool) {
	r := cid % ClientOrderBlock
	switch {
	case r >= ClientOrderOffsetBid && r <= ClientOrderOffsetBid+MaxLevelPerSide:
		return types.Bid, int(r - ClientOrderOffsetBid), true
	case r >= ClientOrderOffsetAsk && r <= ClientOrderOffsetAsk+MaxLevelPerSide:
		return types.Ask, int(r - ClientOrderOffsetAsk), true
	default:
		return "", 0, false
	}
}
