package response

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/alerting"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/audit"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/metrics"
)

// Alerter is the part of the alert manager the orchestrator delegates to.
type Alerter interface {
	ProcessIndicator(ctx context.Context, ind *event.ThreatIndicator) (*alerting.Alert, error)
	EscalateIndicator(ctx context.Context, ind *event.ThreatIndicator) (*alerting.Alert, error)
}

// AuditLogger records executed actions.
type AuditLogger interface {
	LogEvent(ctx context.Context, entry *audit.Entry) (string, error)
}

// Config holds response durations.
type Config struct {
	BlockDuration    time.Duration `json:"block_duration" yaml:"block_duration"`
	ImmediateBlock   time.Duration `json:"immediate_block" yaml:"immediate_block"`
	LockDuration     time.Duration `json:"lock_duration" yaml:"lock_duration"`
	MFADuration      time.Duration `json:"mfa_duration" yaml:"mfa_duration"`
	OverrideLimit    int           `json:"override_limit" yaml:"override_limit"`
	OverrideWindow   time.Duration `json:"override_window" yaml:"override_window"`
	OverrideDuration time.Duration `json:"override_duration" yaml:"override_duration"`
}

// DefaultConfig returns the default response durations.
func DefaultConfig() Config {
	return Config{
		BlockDuration:    time.Hour,
		ImmediateBlock:   time.Minute,
		LockDuration:     30 * time.Minute,
		MFADuration:      24 * time.Hour,
		OverrideLimit:    10,
		OverrideWindow:   time.Minute,
		OverrideDuration: time.Hour,
	}
}

// Result describes one executed action.
type Result struct {
	Action     event.Action    `json:"action"`
	Target     string          `json:"target,omitempty"`
	Duration   time.Duration   `json:"duration,omitempty"`
	Delegated  bool            `json:"delegated"`
	Alert      *alerting.Alert `json:"alert,omitempty"`
	AuditID    string          `json:"audit_id,omitempty"`
	AuditError error           `json:"-"`
}

type actionFunc func(ctx context.Context, ind *event.ThreatIndicator, res *Result) error

// Orchestrator executes response actions. Every action is idempotent:
// flags are only ever extended, never shortened or duplicated.
type Orchestrator struct {
	config   Config
	store    repository.EventStore
	alerter  Alerter
	auditor  AuditLogger
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	handlers map[event.Action]actionFunc

	executed atomic.Int64
	failed   atomic.Int64
}

// NewOrchestrator creates a response orchestrator. alerter may be nil, in
// which case alert-delegating actions fail with a configuration error.
func NewOrchestrator(cfg Config, store repository.EventStore, alerter Alerter, auditor AuditLogger, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	if cfg.ImmediateBlock <= 0 {
		cfg.ImmediateBlock = def.ImmediateBlock
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = def.LockDuration
	}
	if cfg.MFADuration <= 0 {
		cfg.MFADuration = def.MFADuration
	}
	if cfg.OverrideLimit <= 0 {
		cfg.OverrideLimit = def.OverrideLimit
	}
	if cfg.OverrideWindow <= 0 {
		cfg.OverrideWindow = def.OverrideWindow
	}
	if cfg.OverrideDuration <= 0 {
		cfg.OverrideDuration = def.OverrideDuration
	}

	o := &Orchestrator{
		config:  cfg,
		store:   store,
		alerter: alerter,
		auditor: auditor,
		metrics: m,
		logger:  logger.With("component", "response"),
		now:     time.Now,
	}
	o.handlers = map[event.Action]actionFunc{
		event.ActionBlockIP:              o.blockIP,
		event.ActionBlockRequestAndAlert: o.blockRequestAndAlert,
		event.ActionLockAccount:          o.lockAccount,
		event.ActionRequireMFA:           o.requireMFA,
		event.ActionRateLimit:            o.rateLimit,
		event.ActionAlertOnly:            o.alert,
		event.ActionQuarantine:           o.alert,
		event.ActionInvestigate:          o.alert,
		event.ActionEscalate:             o.escalate,
	}
	return o
}

// Execute runs action for ind and records it in the audit trail. A failed
// audit write is reported in the result but does not undo the action.
func (o *Orchestrator) Execute(ctx context.Context, ind *event.ThreatIndicator, action event.Action) (*Result, error) {
	if ind == nil {
		return nil, apperrors.Validation("indicator is required")
	}
	handler, ok := o.handlers[action]
	if !ok {
		return nil, apperrors.Validation(fmt.Sprintf("unknown response action %q", action))
	}

	res := &Result{Action: action}
	err := handler(ctx, ind, res)
	o.metrics.ResponseExecuted(string(action), err)
	if err != nil {
		o.failed.Add(1)
		o.logger.Error("response action failed",
			"action", action,
			"indicator_id", ind.ID,
			"target", res.Target,
			"error", err,
		)
	} else {
		o.executed.Add(1)
		o.logger.Info("response action executed",
			"action", action,
			"indicator_id", ind.ID,
			"target", res.Target,
			"duration", res.Duration,
		)
	}

	res.AuditID, res.AuditError = o.record(ctx, ind, res, err)
	if res.AuditError != nil {
		o.logger.Error("response audit failed", "action", action, "indicator_id", ind.ID, "error", res.AuditError)
	}
	return res, err
}

func (o *Orchestrator) blockIP(ctx context.Context, ind *event.ThreatIndicator, res *Result) error {
	return o.setFlag(ctx, res, ind.SourceIP, "source ip", BlockedIPKey, o.config.BlockDuration, ind.ID)
}

func (o *Orchestrator) blockRequestAndAlert(ctx context.Context, ind *event.ThreatIndicator, res *Result) error {
	if err := o.setFlag(ctx, res, ind.SourceIP, "source ip", BlockedIPKey, o.config.ImmediateBlock, ind.ID); err != nil {
		return err
	}
	return o.alert(ctx, ind, res)
}

func (o *Orchestrator) lockAccount(ctx context.Context, ind *event.ThreatIndicator, res *Result) error {
	return o.setFlag(ctx, res, ind.UserID, "user id", LockedAccountKey, o.config.LockDuration, ind.ID)
}

func (o *Orchestrator) requireMFA(ctx context.Context, ind *event.ThreatIndicator, res *Result) error {
	return o.setFlag(ctx, res, ind.UserID, "user id", MFARequiredKey, o.config.MFADuration, ind.ID)
}

func (o *Orchestrator) setFlag(ctx context.Context, res *Result, target, what string, key func(string) string, ttl time.Duration, indicatorID string) error {
	res.Target = target
	res.Duration = ttl
	if target == "" {
		return apperrors.Validation(fmt.Sprintf("%s response requires a %s", res.Action, what))
	}
	if err := o.store.ExtendWithExpiry(ctx, key(target), indicatorID, ttl); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) rateLimit(ctx context.Context, ind *event.ThreatIndicator, res *Result) error {
	identity := event.Identity(ind.UserID, ind.SourceIP)
	res.Target = identity
	res.Duration = o.config.OverrideDuration
	if identity == "anonymous" {
		return apperrors.Validation("rate_limit response requires a user id or source ip")
	}

	data, err := json.Marshal(Override{
		Limit:         o.config.OverrideLimit,
		WindowSeconds: int(o.config.OverrideWindow / time.Second),
		SetAt:         o.now().UTC(),
		IndicatorID:   ind.ID,
	})
	if err != nil {
		return err
	}
	return o.store.SetWithExpiry(ctx, OverrideKey(identity), string(data), o.config.OverrideDuration)
}

func (o *Orchestrator) alert(ctx context.Context, ind *event.ThreatIndicator, res *Result) error {
	return o.delegate(ctx, ind, res, false)
}

func (o *Orchestrator) escalate(ctx context.Context, ind *event.ThreatIndicator, res *Result) error {
	return o.delegate(ctx, ind, res, true)
}

func (o *Orchestrator) delegate(ctx context.Context, ind *event.ThreatIndicator, res *Result, escalate bool) error {
	if o.alerter == nil {
		return apperrors.Configuration("no alert manager configured")
	}
	if res.Target == "" {
		res.Target = event.Identity(ind.UserID, ind.SourceIP)
	}

	var (
		a   *alerting.Alert
		err error
	)
	if escalate {
		a, err = o.alerter.EscalateIndicator(ctx, ind)
	} else {
		a, err = o.alerter.ProcessIndicator(ctx, ind)
	}
	if err != nil {
		return err
	}
	res.Delegated = true
	res.Alert = a
	return nil
}

// record writes the audit entry for an executed (or failed) action.
func (o *Orchestrator) record(ctx context.Context, ind *event.ThreatIndicator, res *Result, actionErr error) (string, error) {
	if o.auditor == nil {
		return "", nil
	}

	data := map[string]interface{}{
		"indicator_id":     ind.ID,
		"rule_id":          ind.RuleID,
		"category":         ind.Category,
		"target":           res.Target,
		"duration_seconds": int64(res.Duration / time.Second),
		"delegated":        res.Delegated,
	}
	if res.Alert != nil {
		data["alert_id"] = res.Alert.ID
	}
	if actionErr != nil {
		data["error"] = actionErr.Error()
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return o.auditor.LogEvent(ctx, &audit.Entry{
		UserID:         ind.UserID,
		Action:         "response." + string(res.Action),
		EventType:      audit.EventSecurityViolation,
		ResourceType:   "threat_indicator",
		ResourceID:     ind.ID,
		IPAddress:      ind.SourceIP,
		Success:        actionErr == nil,
		Severity:       ind.Level,
		AdditionalData: payload,
	})
}

// BlockIP blocks ip for duration (the configured default when zero).
func (o *Orchestrator) BlockIP(ctx context.Context, ip string, duration time.Duration, reason string) error {
	if duration <= 0 {
		duration = o.config.BlockDuration
	}
	return o.manual(ctx, event.ActionBlockIP, ip, "", reason, duration, BlockedIPKey(ip))
}

// LockAccount locks userID for duration (the configured default when zero).
func (o *Orchestrator) LockAccount(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if duration <= 0 {
		duration = o.config.LockDuration
	}
	return o.manual(ctx, event.ActionLockAccount, "", userID, reason, duration, LockedAccountKey(userID))
}

// RequireMFA flags userID for MFA at next login.
func (o *Orchestrator) RequireMFA(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if duration <= 0 {
		duration = o.config.MFADuration
	}
	return o.manual(ctx, event.ActionRequireMFA, "", userID, reason, duration, MFARequiredKey(userID))
}

func (o *Orchestrator) manual(ctx context.Context, action event.Action, ip, userID, reason string, ttl time.Duration, key string) error {
	if ip == "" && userID == "" {
		return apperrors.Validation(fmt.Sprintf("%s requires a target", action))
	}
	err := o.store.ExtendWithExpiry(ctx, key, "manual", ttl)
	o.metrics.ResponseExecuted(string(action), err)
	o.adminAudit(ctx, "response."+string(action), ip, userID, reason, ttl, err)
	return err
}

// UnblockIP lifts a block.
func (o *Orchestrator) UnblockIP(ctx context.Context, ip, actor string) error {
	return o.clear(ctx, "response.unblock_ip", BlockedIPKey(ip), ip, "", actor)
}

// UnlockAccount lifts an account lock.
func (o *Orchestrator) UnlockAccount(ctx context.Context, userID, actor string) error {
	return o.clear(ctx, "response.unlock_account", LockedAccountKey(userID), "", userID, actor)
}

// ClearMFARequirement removes a pending MFA requirement.
func (o *Orchestrator) ClearMFARequirement(ctx context.Context, userID, actor string) error {
	return o.clear(ctx, "response.clear_mfa", MFARequiredKey(userID), "", userID, actor)
}

func (o *Orchestrator) clear(ctx context.Context, action, key, ip, userID, actor string) error {
	if ip == "" && userID == "" {
		return apperrors.Validation(action + " requires a target")
	}
	err := o.store.Delete(ctx, key)
	o.adminAudit(ctx, action, ip, userID, "cleared by "+actor, 0, err)
	if err != nil {
		return err
	}
	o.logger.Info("enforcement cleared", "action", action, "ip", ip, "user_id", userID, "actor", actor)
	return nil
}

// adminAudit records a manual enforcement change.
func (o *Orchestrator) adminAudit(ctx context.Context, action, ip, userID, reason string, ttl time.Duration, actionErr error) {
	if o.auditor == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"reason":           reason,
		"duration_seconds": int64(ttl / time.Second),
		"manual":           true,
	})
	resourceType, resourceID := "ip_address", ip
	if userID != "" {
		resourceType, resourceID = "user", userID
	}
	if _, err := o.auditor.LogEvent(ctx, &audit.Entry{
		UserID:         userID,
		Action:         action,
		EventType:      audit.EventAuthorization,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		IPAddress:      ip,
		Success:        actionErr == nil,
		Severity:       event.SeverityMedium,
		AdditionalData: payload,
	}); err != nil {
		o.logger.Error("administrative audit failed", "action", action, "error", err)
	}
}

// Stats returns orchestrator counters.
func (o *Orchestrator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"executed": o.executed.Load(),
		"failed":   o.failed.Load(),
	}
}
