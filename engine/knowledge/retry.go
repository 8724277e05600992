package knowledge

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy retries transient failures with capped exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Backoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.MaxBackoff, b)
	}
	return retry.WithMaxRetries(uint64(max(p.MaxRetries, 0)), b)
}

// Do runs fn until it succeeds, fails permanently, or the retry budget is spent.
// The last error is returned unwrapped.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
