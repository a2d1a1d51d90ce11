package exchange

import (
	"errors"
	"strings"
)

// Error kinds per the engine's taxonomy. Venue implementations wrap their
// native failures with one of these sentinels; the loop branches on kind,
// never on venue-specific types.
var (
	// ErrRateLimited marks a venue 429/throttle response.
	ErrRateLimited = errors.New("rate limited")
	// ErrRejected marks a permanent order rejection (price through
	// market, post-only violation). The loop logs and re-derives next
	// tick.
	ErrRejected = errors.New("order rejected")
	// ErrStale means a cache cannot answer yet (no book, no position).
	// The tick is skipped.
	ErrStale = errors.New("stale data")
)

var rateLimitMarkers = []string{"429", "rate limit", "too many request"}

// IsRateLimited reports whether err is a throttle response, either by
// sentinel or by the venue's message text.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsRejected reports a permanent, non-throttle order rejection.
func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }

// IsStale reports a don't-know-yet condition.
func IsStale(err error) bool { return errors.Is(err, ErrStale) }
