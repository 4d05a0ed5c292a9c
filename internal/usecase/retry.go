package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/blob-recognition/internal/logging"
)

type retryPolicy struct {
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{attempts: 3, initialBackoff: 50 * time.Millisecond, maxBackoff: time.Second}
}

// withRetry runs fn until it succeeds, fails with a non transient error or
// the attempts run out. The final error is wrapped as an OperationError.
func withRetry(ctx context.Context, policy retryPolicy, logger *zap.Logger, operation, blobID string, fn func() error) error {
	if policy.attempts <= 1 {
		return logging.NewOperationError(operation, blobID, fn())
	}

	backoff := policy.initialBackoff
	opLogger := logging.WithOperation(logger, operation, blobID)
	var err error
	for attempt := 0; attempt < policy.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, blobID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= policy.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == policy.attempts-1 {
			return logging.NewOperationError(operation, blobID, err)
		}

		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, blobID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
