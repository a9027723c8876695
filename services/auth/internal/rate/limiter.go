package rate

import (
	"context"
	"time"
)

// Limiter throttles sensitive auth endpoints per client key. Allow reports
// whether the call may proceed and, when limited, how long to wait.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}
