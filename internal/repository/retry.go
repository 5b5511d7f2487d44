// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package repository

import (
	"context"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/redis/go-redis/v9"
)

const (
	// retryAttempts bounds the retry budget for each store operation.
	retryAttempts = 5
	// retryDelay is the pause between attempts. No backoff: the
	// transient failures seen in practice (failover, brief timeouts)
	// either clear almost immediately or exhaust the budget anyway.
	retryDelay = 10 * time.Millisecond
)

// withRetry runs op up to retryAttempts times, retrying only errors the
// transient taxonomy covers. Every repository operation is an idempotent
// unit, so re-running a partially applied op is safe.
func withRetry(ctx context.Context, clk clock.Clock, op func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: op,
		IsFatalError: func(err error) bool {
			return !isTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("store operation failed (attempt %d): %v", attempt, err)
		},
		Attempts: retryAttempts,
		Delay:    retryDelay,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	return errors.Trace(err)
}

// isTransient reports whether err is worth retrying. The taxonomy covers
// dropped connections, timeouts, and server-side replies that clear on
// their own under load (TRYAGAIN, LOADING, type mismatches observed during
// failover). Anything else, including context cancellation and redis.Nil,
// is permanent.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Any other error reply from the server. Response errors are treated
	// as a transient symptom rather than a bug report; the retry budget
	// keeps a genuinely broken command from looping.
	var redisErr redis.Error
	return errors.As(err, &redisErr)
}
