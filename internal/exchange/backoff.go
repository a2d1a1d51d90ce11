package exchange

import (
	"sync"
	"time"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second
)

type backoffEntry struct {
	until   time.Time
	attempt int
	streak  int
}

// Backoff tracks per-symbol rate-limit marks. After a throttle response
// the symbol is blocked for min(500ms * 2^attempt, 8s); successful venue
// calls clear the mark and reset the exponent. The streak counter is
// non-decreasing until Clear.
type Backoff struct {
	mu      sync.Mutex
	entries map[string]*backoffEntry
}

func NewBackoff() *Backoff {
	return &Backoff{entries: make(map[string]*backoffEntry)}
}

// Blocked reports whether the symbol is still inside its backoff window.
func (b *Backoff) Blocked(symbol string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[symbol]
	return ok && now.Before(e.until)
}

// Mark records a rate-limit hit and returns the delay applied.
func (b *Backoff) Mark(symbol string, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[symbol]
	if !ok {
		e = &backoffEntry{}
		b.entries[symbol] = e
	}
	delay := backoffBase << e.attempt
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	e.attempt++
	e.streak++
	e.until = now.Add(delay)
	return delay
}

// Clear resets the symbol after a successful placement or cancel.
func (b *Backoff) Clear(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, symbol)
}

// Streak returns how many consecutive rate-limit hits the symbol has
// taken since the last Clear.
func (b *Backoff) Streak(symbol string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[symbol]; ok {
		return e.streak
	}
	return 0
}
