package director

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/choiros/director/projection"
)

// BudgetTracker enforces a run's resource caps. Token/time/diff-byte
// consumption is tracked by simple decrementing counters; iteration pacing
// goes through a rate.Limiter the same way AdaptiveRateLimiter paces model
// calls, so a run that tries to burn its iteration budget in a tight loop is
// throttled rather than allowed to race ahead of the projector.
type BudgetTracker struct {
	mu sync.Mutex

	caps      projection.Budgets
	startedAt time.Time

	tokensUsed     int64
	iterationsUsed int
	diffBytesUsed  int64

	iterationLimiter *rate.Limiter
}

// NewBudgetTracker builds a tracker enforcing caps, starting its wall-clock
// budget from now.
func NewBudgetTracker(caps projection.Budgets) *BudgetTracker {
	// One iteration per second sustained, bursting up to the full budget so
	// a run that front-loads iterations is not penalized before it has any
	// history to be adaptive about.
	burst := caps.Iterations
	if burst <= 0 {
		burst = 1
	}
	return &BudgetTracker{
		caps:             caps,
		startedAt:        time.Now(),
		iterationLimiter: rate.NewLimiter(rate.Limit(1), burst),
	}
}

// WaitIteration blocks until the next iteration may proceed under the
// iteration-pacing limiter, or returns ctx.Err() if ctx is cancelled first.
func (b *BudgetTracker) WaitIteration(ctx context.Context) error {
	return b.iterationLimiter.Wait(ctx)
}

// ConsumeTokens debits n tokens from the run's token budget.
func (b *BudgetTracker) ConsumeTokens(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokensUsed += n
	if b.caps.Tokens > 0 && b.tokensUsed > b.caps.Tokens {
		return fmt.Errorf("%w: token budget %d exceeded (used %d)", ErrBudgetExhausted, b.caps.Tokens, b.tokensUsed)
	}
	return nil
}

// ConsumeIteration debits one iteration from the run's iteration budget.
func (b *BudgetTracker) ConsumeIteration() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.iterationsUsed++
	if b.caps.Iterations > 0 && b.iterationsUsed > b.caps.Iterations {
		return fmt.Errorf("%w: iteration budget %d exceeded (used %d)", ErrBudgetExhausted, b.caps.Iterations, b.iterationsUsed)
	}
	return nil
}

// ConsumeDiffBytes debits n diff bytes from the run's diff-size budget.
func (b *BudgetTracker) ConsumeDiffBytes(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.diffBytesUsed += n
	if b.caps.DiffBytes > 0 && b.diffBytesUsed > b.caps.DiffBytes {
		return fmt.Errorf("%w: diff-byte budget %d exceeded (used %d)", ErrBudgetExhausted, b.caps.DiffBytes, b.diffBytesUsed)
	}
	return nil
}

// CheckWallClock reports ErrBudgetExhausted if the run's time_ms budget has
// elapsed since the tracker was constructed.
func (b *BudgetTracker) CheckWallClock() error {
	if b.caps.TimeMS <= 0 {
		return nil
	}
	if time.Since(b.startedAt) > time.Duration(b.caps.TimeMS)*time.Millisecond {
		return fmt.Errorf("%w: time budget %dms exceeded", ErrBudgetExhausted, b.caps.TimeMS)
	}
	return nil
}
