package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// doRetry runs fn with exponential backoff until it succeeds, fails
// permanently, or the store's per-call deadline expires. Transient failures
// are connection drops, timeouts and server-busy replies; go-redis
// re-establishes dropped connections on the next attempt.
func doRetry[T any](s *Store, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.Multiplier = 5
	b.RandomizationFactor = 0.25
	b.MaxInterval = 15 * time.Second

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil {
			if !isTransientError(err) {
				return v, backoff.Permanent(err)
			}
			s.logger.Debug("retrying store call", "op", op, "error", err)
		}
		return v, err
	}, backoff.WithBackOff(b))
	if err != nil {
		return v, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}

// isTransientError classifies errors worth retrying against the same
// connection pool.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	for _, prefix := range []string{"LOADING", "BUSY", "CLUSTERDOWN", "TRYAGAIN", "READONLY"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
