// Package response executes automated responses to threat indicators and
// answers the enforcement questions (blocked, locked, MFA required) asked
// before a request is served.
package response

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/metrics"
)

// Store keys for enforcement state.
const (
	blockedIPPrefix    = "security:blocked:ip:"
	lockedUserPrefix   = "security:locked:user:"
	mfaRequiredPrefix  = "security:mfa:user:"
	rateOverridePrefix = "ratelimit:override:"
)

// BlockedIPKey is the flag consulted by IsIPBlocked.
func BlockedIPKey(ip string) string { return blockedIPPrefix + ip }

// LockedAccountKey is the flag consulted by IsAccountLocked.
func LockedAccountKey(userID string) string { return lockedUserPrefix + userID }

// MFARequiredKey is the flag consulted by IsMFARequired.
func MFARequiredKey(userID string) string { return mfaRequiredPrefix + userID }

// OverrideKey holds the rate limit override for an identity.
func OverrideKey(identity string) string { return rateOverridePrefix + identity }

// Override replaces the configured limit for one identity while it lives.
type Override struct {
	Limit         int       `json:"limit"`
	WindowSeconds int       `json:"window"`
	SetAt         time.Time `json:"set_at"`
	IndicatorID   string    `json:"indicator_id,omitempty"`
}

// Flags reads enforcement state. Every check fails open: when the store
// cannot answer, the caller is allowed through and a warning is logged.
type Flags struct {
	store   repository.EventStore
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewFlags creates an enforcement flag reader.
func NewFlags(store repository.EventStore, m *metrics.Metrics, logger *slog.Logger) *Flags {
	return &Flags{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "enforcement"),
	}
}

// IsIPBlocked reports whether ip carries an active block.
func (f *Flags) IsIPBlocked(ctx context.Context, ip string) bool {
	if ip == "" {
		return false
	}
	return f.exists(ctx, BlockedIPKey(ip))
}

// IsAccountLocked reports whether the account carries an active lock.
func (f *Flags) IsAccountLocked(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	return f.exists(ctx, LockedAccountKey(userID))
}

// IsMFARequired reports whether the next login of userID must pass MFA.
func (f *Flags) IsMFARequired(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	return f.exists(ctx, MFARequiredKey(userID))
}

// RateOverride returns the active override for identity, if any.
func (f *Flags) RateOverride(ctx context.Context, identity string) (*Override, bool) {
	raw, err := f.store.Get(ctx, OverrideKey(identity))
	if err != nil {
		if !errors.Is(err, repository.ErrKeyNotFound) {
			f.failOpen("rate override lookup failed", identity, err)
		}
		return nil, false
	}
	var o Override
	if err := json.Unmarshal([]byte(raw), &o); err != nil || o.Limit <= 0 || o.WindowSeconds <= 0 {
		f.logger.Warn("ignoring malformed rate override", "identity", identity)
		return nil, false
	}
	return &o, true
}

func (f *Flags) exists(ctx context.Context, key string) bool {
	ok, err := f.store.Exists(ctx, key)
	if err != nil {
		f.failOpen("enforcement check failed", key, err)
		return false
	}
	return ok
}

func (f *Flags) failOpen(msg, key string, err error) {
	f.metrics.FailedOpen("enforcement")
	f.logger.Warn(msg+", allowing", "key", key, "error", err)
}
