package store

import (
	"context"
	"errors"
	"time"

	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryConfig bounds retries of throttled store calls
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the retry bounds used when none are given
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

var throttleCodes = map[string]bool{
	"ThrottlingException":                    true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
}

// IsThrottle reports whether err is a transient capacity error from AWS
func IsThrottle(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return throttleCodes[ae.ErrorCode()]
	}
	return false
}

// retryThrottled runs op until it succeeds, fails with a non-throttle error,
// or the retry budget runs out
func retryThrottled[T any](ctx context.Context, cfg RetryConfig, logger zerolog.Logger, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = 0

	operation := func() (T, error) {
		v, err := fn()
		if err != nil && !IsThrottle(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Str("operation", op).Dur("wait", wait).Msg("Store call throttled, retrying")
	}

	return backoff.RetryNotifyWithData(operation, backoff.WithContext(backoff.WithMaxRetries(b, cfg.MaxRetries), ctx), notify)
}
