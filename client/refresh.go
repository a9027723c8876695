package client

import (
	"context"
	"sync"
)

// ExchangeFunc performs one refresh-token exchange and returns the new access
// token.
type ExchangeFunc func(ctx context.Context) (string, error)

type refreshOutcome struct {
	accessToken string
	err         error
}

// RefreshCoordinator guarantees at most one in-flight refresh exchange per
// process. The first caller to observe an expired access token becomes the
// driver and performs the exchange; callers arriving while it is in flight
// suspend as waiters. Every waiter is resumed exactly once, in registration
// order, with the driver's outcome.
type RefreshCoordinator struct {
	mu       sync.Mutex
	inFlight bool
	waiters  []chan refreshOutcome
	exchange ExchangeFunc
}

func NewRefreshCoordinator(exchange ExchangeFunc) *RefreshCoordinator {
	return &RefreshCoordinator{exchange: exchange}
}

// Refresh returns the new access token, either by driving the exchange or by
// waiting for the in-flight one. The exchange itself is never cancelled: it is
// detached from the driver's context so a cancelled or timed-out driver cannot
// abort it for the waiters, and all participants observe its single outcome.
func (r *RefreshCoordinator) Refresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.inFlight {
		ch := make(chan refreshOutcome, 1)
		r.waiters = append(r.waiters, ch)
		r.mu.Unlock()

		out := <-ch
		return out.accessToken, out.err
	}
	r.inFlight = true
	r.mu.Unlock()

	accessToken, err := r.exchange(context.WithoutCancel(ctx))

	r.mu.Lock()
	waiters := r.waiters
	r.waiters = nil
	r.inFlight = false
	r.mu.Unlock()

	out := refreshOutcome{accessToken: accessToken, err: err}
	for _, ch := range waiters {
		ch <- out
	}
	return accessToken, err
}
