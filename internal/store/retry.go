package store

import (
	"context"
	"strings"
	"time"

	"github.com/danmuck/swarmsync/internal/protocol/session"
)

// writeRetry spaces retries of writes that hit transient SQLite lock errors.
var writeRetry = retryConfig{
	maxRetries: 3,
	backoff: session.BackoffConfig{
		InitialDelay: 25 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
	},
}

type retryConfig struct {
	maxRetries int
	backoff    session.BackoffConfig
}

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, writeRetry, fn)
}

func retryOp(ctx context.Context, cfg retryConfig, fn func() error) error {
	backoff := session.NewBackoff(cfg.backoff)
	var lastErr error
	for {
		lastErr = fn()
		if lastErr == nil || !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if backoff.Attempt() == cfg.maxRetries {
			return lastErr
		}
		if !backoff.Wait(ctx) {
			return ctx.Err()
		}
	}
}
