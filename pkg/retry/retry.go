// Package retry runs idempotent infrastructure calls with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop
type Policy struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		MaxRetries:      5,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	// attempts are bounded by count, not elapsed time
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do calls fn until it succeeds, returns a Permanent error, or the policy is exhausted.
// onRetry, when set, is called after every failed try that will be retried.
func Do(ctx context.Context, p Policy, onRetry func(err error, wait time.Duration), fn func() error) error {
	if onRetry == nil {
		onRetry = func(error, time.Duration) {}
	}
	return backoff.RetryNotify(fn, p.backOff(ctx), onRetry)
}

// Permanent stops the retry loop and returns err unchanged
func Permanent(err error) error {
	return backoff.Permanent(err)
}
