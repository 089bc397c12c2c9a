package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	maxAttempts      = 3
	defaultRetryBase = 2 * time.Second
)

// withRetry calls fn up to maxAttempts times while it reports a rate limit,
// doubling the wait between attempts. Other errors return immediately.
func withRetry(ctx context.Context, log *zap.Logger, op string, base time.Duration, fn func() (Output, error)) (Output, error) {
	var lastErr error
	wait := base
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRateLimit(err) {
			return Output{}, err
		}
		if attempt == maxAttempts {
			break
		}
		log.Warn("provider rate limited, backing off",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return Output{}, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return Output{}, lastErr
}

func isRateLimit(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "resource_exhausted")
}
