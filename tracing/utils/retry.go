package utils

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
)

// RetryConfig bounds the exponential backoff used for node requests.
type RetryConfig struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
}

// Retry runs fetch until it succeeds, fails permanently or the attempts run
// out. Missing objects are never retried.
func Retry[T any](ctx context.Context, cfg RetryConfig, fetch func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if cfg.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, cfg.MaxAttempts-1)
	}
	return backoff.RetryWithData(func() (T, error) {
		data, err := fetch()
		if err != nil {
			if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) {
				var zero T
				return zero, backoff.Permanent(err)
			}
			return data, err
		}
		return data, nil
	}, backoff.WithContext(policy, ctx))
}
