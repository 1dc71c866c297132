package automation

import (
	"context"
	"math/rand/v2"
	"time"
)

// randomWait draws the inter-item pause in seconds, uniformly from
// [min*60, max*60] inclusive. Arguments are minutes.
func randomWait(rng *rand.Rand, min, max int) int {
	if max < min {
		min, max = max, min
	}
	lo, hi := min*60, max*60
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	return lo + rng.IntN(hi-lo+1)
}

// sleep waits d or until ctx is done. It reports whether the caller may go on.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
