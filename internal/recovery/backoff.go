package recovery

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is a bounded exponential backoff with jitter for transient
// command failures (unacked SessionStart, reconnect attempts).
type Backoff struct {
	Base        time.Duration // first delay, default 200ms
	Cap         time.Duration // delay ceiling, default 5s
	MaxAttempts int           // 0 means unbounded
}

func (b Backoff) base() time.Duration {
	if b.Base <= 0 {
		return 200 * time.Millisecond
	}
	return b.Base
}

func (b Backoff) cap() time.Duration {
	if b.Cap <= 0 {
		return 5 * time.Second
	}
	return b.Cap
}

// Delay returns the wait before attempt n (0-based): base doubled per
// attempt, capped, with up to 25% random jitter to keep a reconnecting
// fleet from thundering in lockstep.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.base()
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.cap() {
			d = b.cap()
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Retry runs fn until it succeeds, the attempt budget is spent, or ctx is
// cancelled. The last error is returned.
func (b Backoff) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; b.MaxAttempts <= 0 || attempt < b.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Delay(attempt - 1)):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
