package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) Policy {
	return Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 1.5, MaxRetries: retries}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	notified := 0
	err := Do(context.Background(), fastPolicy(5), func(error, time.Duration) { notified++ }, func() error {
		calls++
		if calls < 3 {
			return errors.New("unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, notified)
}

func TestDoIsBounded(t *testing.T) {
	calls := 0
	boom := errors.New("still down")
	err := Do(context.Background(), fastPolicy(2), nil, func() error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	bad := errors.New("invalid request")
	err := Do(context.Background(), fastPolicy(5), nil, func() error {
		calls++
		return Permanent(bad)
	})

	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}
