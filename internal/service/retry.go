package service

import (
	"context"
	"errors"
	"time"

	"btc-payable/internal/domain"
)

const retryBackoff = 200 * time.Millisecond

// callWithRetry runs fn up to attempts times, each call bounded by timeout.
// Errors that a retry cannot fix are returned at once.
func callWithRetry(ctx context.Context, attempts int, timeout time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		err = callWithTimeout(ctx, timeout, fn)
		if err == nil || permanent(err) {
			return err
		}
		if i == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(i) * retryBackoff):
		}
	}
	return err
}

func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(cctx)
}

func permanent(err error) bool {
	var ve *domain.ValidationError
	return errors.Is(err, domain.ErrRateUnavailable) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.As(err, &ve)
}
