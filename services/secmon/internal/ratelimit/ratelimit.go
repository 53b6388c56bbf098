package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/metrics"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/response"
)

// Decision is the outcome of a rate limit check.
type Decision string

const (
	Allowed     Decision = "allowed"
	RateLimited Decision = "rate_limited"
	Forbidden   Decision = "forbidden"
	Trusted     Decision = "trusted"
)

// Limit types.
const (
	TypeDefault = "default"
	TypeAuth    = "auth"
	TypeAPI     = "api"
	TypeExport  = "export"
)

// Roles with a built-in multiplier.
const (
	RoleAdmin    = "admin"
	RolePremium  = "premium"
	RoleVerified = "verified"
	RoleUser     = "user"
	RoleGuest    = "guest"
)

// LimitConfig is one named limit.
type LimitConfig struct {
	Limit         int       `json:"limit" yaml:"limit"`
	WindowSeconds int       `json:"window_seconds" yaml:"window_seconds"`
	Algorithm     Algorithm `json:"algorithm" yaml:"algorithm"`
}

func (l LimitConfig) window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

// Config holds rate limiter configuration.
type Config struct {
	Limits          map[string]LimitConfig `json:"limits" yaml:"limits"`
	RoleMultipliers map[string]float64     `json:"role_multipliers" yaml:"role_multipliers"`
	TrustedIPs      []string               `json:"trusted_ips" yaml:"trusted_ips"`
}

// DefaultConfig returns default rate limiter configuration.
func DefaultConfig() Config {
	return Config{
		Limits: map[string]LimitConfig{
			TypeDefault: {Limit: 100, WindowSeconds: 60, Algorithm: SlidingWindow},
			TypeAuth:    {Limit: 5, WindowSeconds: 300, Algorithm: FixedWindow},
			TypeAPI:     {Limit: 1000, WindowSeconds: 3600, Algorithm: TokenBucket},
			TypeExport:  {Limit: 10, WindowSeconds: 3600, Algorithm: FixedWindow},
		},
		RoleMultipliers: map[string]float64{
			RoleAdmin:    10,
			RolePremium:  5,
			RoleVerified: 2,
			RoleUser:     1,
			RoleGuest:    0.5,
		},
	}
}

// Validate checks every limit is usable.
func (c Config) Validate() error {
	if _, ok := c.Limits[TypeDefault]; !ok {
		return fmt.Errorf("rate limit %q is required", TypeDefault)
	}
	for name, l := range c.Limits {
		if l.Limit <= 0 || l.WindowSeconds <= 0 {
			return fmt.Errorf("rate limit %q needs a positive limit and window", name)
		}
		if !l.Algorithm.Valid() {
			return fmt.Errorf("rate limit %q has unknown algorithm %q", name, l.Algorithm)
		}
	}
	for role, m := range c.RoleMultipliers {
		if m <= 0 {
			return fmt.Errorf("role %q multiplier must be positive", role)
		}
	}
	for _, ip := range c.TrustedIPs {
		if net.ParseIP(ip) == nil {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				return fmt.Errorf("invalid trusted address %q", ip)
			}
		}
	}
	return nil
}

// Subject is the actor a request is attributed to.
type Subject struct {
	UserID string
	IP     string
	Role   string
}

// Identity is the counter key: the user when authenticated, else the address.
func (s Subject) Identity() string {
	return event.Identity(s.UserID, s.IP)
}

func (s Subject) role() string {
	switch {
	case s.Role != "":
		return s.Role
	case s.UserID != "":
		return RoleUser
	default:
		return RoleGuest
	}
}

// Result is the outcome of CheckRateLimit.
type Result struct {
	Allowed   bool     `json:"allowed"`
	Decision  Decision `json:"decision"`
	Identity  string   `json:"identity"`
	LimitType string   `json:"limit_type"`
	Info      Info     `json:"info"`
}

// Enforcement exposes the flags set by the response orchestrator.
type Enforcement interface {
	IsIPBlocked(ctx context.Context, ip string) bool
	RateOverride(ctx context.Context, identity string) (*response.Override, bool)
}

// RateLimiter applies named limits per identity.
type RateLimiter struct {
	cfg      Config
	flags    Enforcement
	limiters map[Algorithm]Limiter
	trusted  []*net.IPNet
	metrics  *metrics.Metrics
	logger   *slog.Logger

	totalRequests atomic.Uint64
	totalAllowed  atomic.Uint64
	totalDenied   atomic.Uint64
	totalFailOpen atomic.Uint64
}

// NewRateLimiter creates a rate limiter on store.
func NewRateLimiter(cfg Config, store repository.EventStore, flags Enforcement, m *metrics.Metrics, logger *slog.Logger) (*RateLimiter, error) {
	return newRateLimiter(cfg, store, flags, m, logger, time.Now)
}

func newRateLimiter(cfg Config, store repository.EventStore, flags Enforcement, m *metrics.Metrics, logger *slog.Logger, now func() time.Time) (*RateLimiter, error) {
	if cfg.Limits == nil {
		cfg.Limits = DefaultConfig().Limits
	}
	if cfg.RoleMultipliers == nil {
		cfg.RoleMultipliers = DefaultConfig().RoleMultipliers
	}
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfiguration, "invalid rate limit configuration")
	}

	rl := &RateLimiter{
		cfg:      cfg,
		flags:    flags,
		limiters: make(map[Algorithm]Limiter, 3),
		metrics:  m,
		logger:   logger.With("component", "rate-limiter"),
	}
	for _, a := range []Algorithm{FixedWindow, SlidingWindow, TokenBucket} {
		l, err := NewLimiter(a, store, now)
		if err != nil {
			return nil, err
		}
		rl.limiters[a] = l
	}
	for _, entry := range cfg.TrustedIPs {
		rl.trusted = append(rl.trusted, parseNet(entry))
	}
	return rl, nil
}

func parseNet(entry string) *net.IPNet {
	if _, n, err := net.ParseCIDR(entry); err == nil {
		return n
	}
	ip := net.ParseIP(entry)
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}

func (rl *RateLimiter) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range rl.trusted {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// CheckRateLimit checks one request by subject against the named limit.
// Blocked addresses are forbidden before any counting; trusted addresses
// always pass. Store failures allow the request.
func (rl *RateLimiter) CheckRateLimit(ctx context.Context, subject Subject, limitType string) Result {
	rl.totalRequests.Add(1)

	lc, ok := rl.cfg.Limits[limitType]
	if !ok {
		limitType = TypeDefault
		lc = rl.cfg.Limits[TypeDefault]
	}
	res := Result{Identity: subject.Identity(), LimitType: limitType}

	switch {
	case subject.IP != "" && rl.flags != nil && rl.flags.IsIPBlocked(ctx, subject.IP):
		res.Decision = Forbidden
	case rl.isTrusted(subject.IP):
		res.Allowed, res.Decision = true, Trusted
		res.Info = Info{Limit: lc.Limit, Remaining: math.MaxInt32, Unlimited: true}
	default:
		res.Allowed, res.Decision, res.Info = rl.count(ctx, subject, limitType, lc)
	}

	if res.Allowed {
		rl.totalAllowed.Add(1)
	} else {
		rl.totalDenied.Add(1)
		rl.logger.Debug("request limited", "identity", res.Identity, "limit_type", limitType, "decision", res.Decision)
	}
	rl.metrics.RateLimited(limitType, string(res.Decision))
	return res
}

func (rl *RateLimiter) count(ctx context.Context, subject Subject, limitType string, lc LimitConfig) (bool, Decision, Info) {
	identity := subject.Identity()
	limit, window := rl.effectiveLimit(subject, lc), lc.window()

	if rl.flags != nil {
		if o, ok := rl.flags.RateOverride(ctx, identity); ok {
			limit, window = o.Limit, time.Duration(o.WindowSeconds)*time.Second
		}
	}

	allowed, info, err := rl.limiters[lc.Algorithm].Allow(ctx, limitType+":"+identity, limit, window)
	if err != nil {
		rl.totalFailOpen.Add(1)
		rl.metrics.FailedOpen("ratelimit")
		rl.logger.Warn("rate limit check failed, allowing request",
			"identity", identity,
			"limit_type", limitType,
			"error", err,
		)
		return true, Allowed, Info{Limit: limit, Remaining: limit}
	}
	if !allowed {
		return false, RateLimited, info
	}
	return true, Allowed, info
}

// effectiveLimit scales the configured limit by the subject's role. Unknown
// roles get the plain limit; the result is at least 1.
func (rl *RateLimiter) effectiveLimit(subject Subject, lc LimitConfig) int {
	m, ok := rl.cfg.RoleMultipliers[subject.role()]
	if !ok {
		m = 1
	}
	return max(1, int(math.Floor(float64(lc.Limit)*m)))
}

// Stats returns rate limiter statistics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"total_requests":  rl.totalRequests.Load(),
		"total_allowed":   rl.totalAllowed.Load(),
		"total_denied":    rl.totalDenied.Load(),
		"total_fail_open": rl.totalFailOpen.Load(),
	}
}

// Headers returns the HTTP headers describing info. Unlimited results carry none.
func Headers(info Info) map[string]string {
	if info.Unlimited {
		return map[string]string{}
	}
	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(info.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(info.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(info.ResetAt.Unix(), 10),
	}
	if info.RetryAfter > 0 {
		headers["Retry-After"] = strconv.Itoa(int(math.Ceil(info.RetryAfter.Seconds())))
	}
	return headers
}
