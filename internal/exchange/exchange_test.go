package exchange

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimitedByMessage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("HTTP 429 Too Many Requests"), true},
		{errors.New("Rate Limit exceeded"), true},
		{errors.New("too many requests, slow down"), true},
		{fmt.Errorf("create order: %w", ErrRateLimited), true},
		{errors.New("insufficient margin"), false},
		{ErrRejected, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsRateLimited(c.err), "err = %v", c.err)
	}
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("cancel 42: %w", ErrRejected)
	assert.True(t, IsRejected(wrapped))
	assert.False(t, IsRejected(ErrStale))
	assert.True(t, IsStale(fmt.Errorf("book: %w", ErrStale)))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	b := NewBackoff()
	now := time.Now()

	assert.Equal(t, 500*time.Millisecond, b.Mark("ETH", now))
	assert.Equal(t, 1*time.Second, b.Mark("ETH", now))
	assert.Equal(t, 2*time.Second, b.Mark("ETH", now))
	assert.Equal(t, 4*time.Second, b.Mark("ETH", now))
	assert.Equal(t, 8*time.Second, b.Mark("ETH", now))
	// capped from here on
	assert.Equal(t, 8*time.Second, b.Mark("ETH", now))
	assert.Equal(t, 6, b.Streak("ETH"))
}

func TestBackoffBlocksUntilExpiry(t *testing.T) {
	t.Parallel()

	b := NewBackoff()
	now := time.Now()
	delay := b.Mark("ETH", now)

	assert.True(t, b.Blocked("ETH", now))
	assert.True(t, b.Blocked("ETH", now.Add(delay-time.Millisecond)))
	assert.False(t, b.Blocked("ETH", now.Add(delay)))
	// other symbols are unaffected
	assert.False(t, b.Blocked("BTC", now))
}

func TestBackoffClearResets(t *testing.T) {
	t.Parallel()

	b := NewBackoff()
	now := time.Now()
	b.Mark("ETH", now)
	b.Mark("ETH", now)
	b.Clear("ETH")

	assert.False(t, b.Blocked("ETH", now))
	assert.Zero(t, b.Streak("ETH"))
	assert.Equal(t, 500*time.Millisecond, b.Mark("ETH", now))
}
