package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errPlatformDown = errors.New("platform unavailable")
	errDeclined     = errors.New("transfer declined")
)

func fast(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_TransientGatewayErrorIsRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(3), func() error {
		calls++
		if calls < 3 {
			return errPlatformDown
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(4), func() error {
		calls++
		return errPlatformDown
	})
	assert.ErrorIs(t, err, errPlatformDown)
	assert.Equal(t, 4, calls)
}

func TestDo_StopClassifierEndsAfterOneAttempt(t *testing.T) {
	p := fast(5)
	p.Stop = func(err error) bool { return errors.Is(err, errDeclined) }

	calls := 0
	err := Do(context.Background(), p, func() error {
		calls++
		return errDeclined
	})
	assert.ErrorIs(t, err, errDeclined)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Do(context.Background(), p, func() error {
		calls++
		return errPlatformDown
	})
	assert.ErrorIs(t, err, errPlatformDown)
	assert.Equal(t, 5, calls, "errors outside the classifier are retried")
}

func TestDo_PermanentUnwrapped(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(5), func() error {
		calls++
		return Permanent(errDeclined)
	})
	assert.Equal(t, errDeclined, err)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fast(3), func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	require.NoError(t, Do(context.Background(), Policy{}, func() error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)
}

func TestDo_DelayIsCapped(t *testing.T) {
	start := time.Now()
	err := Do(context.Background(), Policy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 15 * time.Millisecond}, func() error {
		return errPlatformDown
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
