// Package ratelimit enforces per-identity request limits on the shared event
// store so that every service instance sees the same counters.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siem-soar-platform/security-monitor/pkg/repository"
)

// Algorithm selects a limiting strategy.
type Algorithm string

const (
	FixedWindow   Algorithm = "fixed_window"
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
)

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case FixedWindow, SlidingWindow, TokenBucket:
		return true
	}
	return false
}

// Info describes the limit state after a check.
type Info struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Unlimited  bool          `json:"unlimited,omitempty"`
}

// Limiter decides whether one more request for key fits in limit per window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, Info, error)
}

// NewLimiter returns the store-backed limiter for algorithm a.
func NewLimiter(a Algorithm, store repository.EventStore, now func() time.Time) (Limiter, error) {
	if now == nil {
		now = time.Now
	}
	switch a {
	case FixedWindow:
		return &fixedWindow{store: store, now: now}, nil
	case SlidingWindow:
		return &slidingWindow{store: store, now: now}, nil
	case TokenBucket:
		return &tokenBucket{store: store, now: now}, nil
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm %q", a)
	}
}

// fixedWindow counts requests in buckets of floor(now/window).
type fixedWindow struct {
	store repository.EventStore
	now   func() time.Time
}

func (f *fixedWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, Info, error) {
	now := f.now()
	bucket := now.UnixMilli() / window.Milliseconds()
	resetAt := time.UnixMilli((bucket + 1) * window.Milliseconds()).UTC()

	n, err := f.store.IncrementWithExpiry(ctx, fmt.Sprintf("ratelimit:fw:%s:%d", key, bucket), 1, window)
	if err != nil {
		return false, Info{}, err
	}

	info := Info{Limit: limit, Remaining: max(0, limit-int(n)), ResetAt: resetAt}
	if n > int64(limit) {
		info.RetryAfter = resetAt.Sub(now)
		return false, info, nil
	}
	return true, info, nil
}

// slidingWindow keeps a log of request times and trims it to the window.
// The trim, count and append happen in one store call so concurrent
// requests cannot overshoot the limit.
type slidingWindow struct {
	store repository.EventStore
	now   func() time.Time
}

func (s *slidingWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, Info, error) {
	now := s.now()
	nowMs := float64(now.UnixMilli())
	k := "ratelimit:sw:" + key

	added, count, err := s.store.SortedSetAddWithinLimit(ctx, k, uuid.NewString(), nowMs, nowMs-float64(window.Milliseconds()), int64(limit), window)
	if err != nil {
		return false, Info{}, err
	}
	if added {
		return true, Info{Limit: limit, Remaining: max(0, limit-int(count)), ResetAt: now.Add(window).UTC()}, nil
	}

	// The oldest logged request decides when a slot frees up.
	resetAt := now.Add(window)
	oldest, err := s.store.SortedSetRange(ctx, k, 0, 0)
	if err != nil {
		return false, Info{}, err
	}
	if len(oldest) > 0 {
		resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(window)
	}
	return false, Info{
		Limit:      limit,
		ResetAt:    resetAt.UTC(),
		RetryAfter: max(resetAt.Sub(now), 0),
	}, nil
}

// tokenBucket stores "tokens:last_refill_ms" and refills at limit per window.
// State changes go through a compare-and-swap, so a take that raced another
// one is recomputed from the newer state.
type tokenBucket struct {
	store repository.EventStore
	now   func() time.Time
}

func (t *tokenBucket) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, Info, error) {
	now := t.now()
	capacity := float64(limit)

	var (
		allowed bool
		left    float64
	)
	_, err := repository.Update(ctx, t.store, "ratelimit:tb:"+key, 2*window, func(raw string, found bool) (string, error) {
		tokens, last := capacity, now
		if found {
			if v, ms, ok := parseBucket(raw); ok {
				tokens, last = v, time.UnixMilli(ms)
			}
		}
		if elapsed := now.Sub(last); elapsed > 0 {
			tokens = math.Min(capacity, tokens+elapsed.Seconds()/window.Seconds()*capacity)
		}

		allowed = tokens >= 1
		if allowed {
			tokens--
		}
		left = tokens
		return strconv.FormatFloat(tokens, 'f', -1, 64) + ":" + strconv.FormatInt(now.UnixMilli(), 10), nil
	})
	if err != nil {
		return false, Info{}, err
	}

	perToken := time.Duration(float64(window) / capacity)
	info := Info{
		Limit:     limit,
		Remaining: int(math.Floor(left)),
		ResetAt:   now.Add(time.Duration((capacity - left) * float64(perToken))).UTC(),
	}
	if !allowed {
		info.RetryAfter = time.Duration((1 - left) * float64(perToken))
	}
	return allowed, info, nil
}

func parseBucket(raw string) (float64, int64, bool) {
	tokens, last, ok := strings.Cut(raw, ":")
	if !ok {
		return 0, 0, false
	}
	v, err := strconv.ParseFloat(tokens, 64)
	if err != nil {
		return 0, 0, false
	}
	ms, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return v, ms, true
}
