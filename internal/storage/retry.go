package storage

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

const (
	maxAttempts     = 3
	backoffBaseMin  = 100 * time.Millisecond
	backoffBaseMax  = 300 * time.Millisecond
	lockWaitTimeout = 10 * time.Second // bound on writer-lock acquisition
)

// withRetry runs fn up to maxAttempts times, sleeping between attempts with
// a linear-multiplier backoff over a randomized base delay. Only transient
// contention is retried; structural errors surface immediately. When all
// attempts fail, the final error is wrapped in ContentionError with context.
func withRetry(ctx context.Context, logger *slog.Logger, partition Partition, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		// Linear multiplier: base, 2*base, ... with base drawn per attempt
		// from [100ms, 300ms) so competing writers desynchronize.
		delay := time.Duration(attempt) * randomBase()
		logger.Warn("storage contention, retrying",
			"partition", partition,
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return &ContentionError{Partition: partition, Op: op, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	cerr := &ContentionError{Partition: partition, Op: op, Attempts: maxAttempts, Err: err}
	logger.Error("storage contention, attempts exhausted",
		"partition", partition,
		"op", op,
		"attempts", maxAttempts,
		"error", err,
	)
	return cerr
}

func randomBase() time.Duration {
	spread := int64(backoffBaseMax - backoffBaseMin)
	return backoffBaseMin + time.Duration(rand.Int63n(spread))
}
