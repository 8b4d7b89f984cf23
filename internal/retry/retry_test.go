package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fast = Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, Multiplier: 2, Jitter: 0.5, MaxDelay: 5 * time.Millisecond}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fast.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	waits := 0
	err := fast.DoNotify(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	}, func(err error, attempt int, wait time.Duration) {
		waits++
		assert.LessOrEqual(t, wait, 5*time.Millisecond+5*time.Millisecond/2)
	})
	assert.EqualError(t, err, "transient")
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, waits)
}

func TestDoPermanent(t *testing.T) {
	calls := 0
	denied := errors.New("denied")
	err := fast.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(denied)
	})
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	slow := Policy{MaxAttempts: 10, BaseDelay: time.Hour, Multiplier: 2}
	err := slow.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
