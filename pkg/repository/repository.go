// Package repository provides storage abstractions for the security monitor:
// the shared event store (Redis or in-memory) and audit persistence
// (PostgreSQL or in-memory).
package repository

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
)

// ErrKeyNotFound is returned by Get when the key does not exist or has expired.
var ErrKeyNotFound = errors.New("key not found")

// HealthChecker provides backend health checks.
type HealthChecker interface {
	Ping(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
}

// Migrator prepares the schema a repository depends on.
type Migrator interface {
	Up(ctx context.Context) error
}

// maxUpdateAttempts bounds how often Update retries a lost race.
const maxUpdateAttempts = 64

// Update applies fn to the value stored at key and writes the result back
// with CompareAndSwap, rereading and reapplying fn whenever another writer
// got in between. fn receives found=false for a missing key; an error from
// fn aborts without writing. Returning the current value unchanged skips the
// write. The value finally stored is returned.
func Update(ctx context.Context, store EventStore, key string, ttl time.Duration, fn func(current string, found bool) (string, error)) (string, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := store.Get(ctx, key)
		found := err == nil
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			return "", err
		}

		next, err := fn(current, found)
		if err != nil {
			return "", err
		}
		if found && next == current {
			return current, nil
		}

		swapped, err := store.CompareAndSwap(ctx, key, current, next, ttl)
		if err != nil {
			return "", err
		}
		if swapped {
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return "", storageError("update", key, err)
		}
	}
	return "", apperrors.Conflict("concurrent updates kept winning").WithDetail("key", key)
}

// storageError wraps a backend failure unless it already carries a code.
func storageError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Storage(op+" failed", err).WithDetail("key", key)
}

// formatScore renders a sorted set bound, mapping infinities to Redis syntax.
func formatScore(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+inf"
	case math.IsInf(v, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

// withTimeout bounds a single store call.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
