package rate

import (
	"context"
	"fmt"

	xrate "golang.org/x/time/rate"
)

// Limiter gates outbound provider calls so we stay under API quotas.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket releases rps tokens per second with a burst of one.
type TokenBucket struct {
	lim *xrate.Limiter
}

// NewTokenBucket returns a limiter that releases rps tokens per second.
// Non-positive rates fall back to one request per second.
func NewTokenBucket(rps float64) *TokenBucket {
	if rps <= 0 {
		rps = 1
	}
	return &TokenBucket{lim: xrate.NewLimiter(xrate.Limit(rps), 1)}
}

// Wait blocks until a token is available or the context is canceled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	if err := t.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait canceled: %w", err)
	}
	return nil
}

// Unlimited never blocks. Useful for providers without quotas and tests.
type Unlimited struct{}

// Wait returns ctx.Err() without blocking.
func (Unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}

var (
	_ Limiter = (*TokenBucket)(nil)
	_ Limiter = Unlimited{}
)
