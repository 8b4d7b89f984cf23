// Package retry holds the retry policies of every operation class.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is an exponential backoff with jitter bounded by a number of attempts.
type Policy struct {
	MaxAttempts int           // total attempts including the first one
	BaseDelay   time.Duration // wait after the first failure
	Multiplier  float64       // growth factor between waits
	Jitter      float64       // randomization factor in [0, 1]
	MaxDelay    time.Duration // cap of a single wait
}

var (
	// PartTransfer retries PUTs of part bytes to the object store.
	PartTransfer = Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, Multiplier: 2, Jitter: 0.5, MaxDelay: 30 * time.Second}
	// GrantRefresh retries requests for a fresh part upload grant.
	GrantRefresh = Policy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, Multiplier: 2, Jitter: 0.3, MaxDelay: 5 * time.Second}
	// CoordinatorRPC retries idempotent calls to the session coordinator.
	CoordinatorRPC = Policy{MaxAttempts: 4, BaseDelay: 300 * time.Millisecond, Multiplier: 2, Jitter: 0.5, MaxDelay: 10 * time.Second}
	// Metadata retries metadata writes that lost a transaction race.
	Metadata = Policy{MaxAttempts: 6, BaseDelay: 20 * time.Millisecond, Multiplier: 2, Jitter: 0.5, MaxDelay: time.Second}
)

// Permanent marks err as not retryable. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return p.DoNotify(ctx, op, nil)
}

// DoNotify is Do with a callback invoked before every wait.
func (p Policy) DoNotify(ctx context.Context, op func(ctx context.Context) error, notify func(err error, attempt int, wait time.Duration)) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) { notify(err, attempt, wait) }
	}
	return backoff.RetryNotify(operation, backoff.WithContext(p.backOff(), ctx), onRetry)
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()

	if p.MaxAttempts <= 0 {
		return b
	}
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}
