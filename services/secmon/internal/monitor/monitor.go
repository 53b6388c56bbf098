// Package monitor ties the audit log, detection engine, response
// orchestrator, alert manager and rate limiter into one security monitor.
package monitor

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/alerting"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/audit"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/config"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/detection"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/metrics"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/ratelimit"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/response"
)

// Dependencies are the collaborators owned by the composition root.
type Dependencies struct {
	Store     repository.EventStore
	AuditRepo repository.AuditRepository
	// Cipher seals audit payloads when set.
	Cipher  *audit.PayloadCipher
	Senders map[alerting.Channel]alerting.Sender
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	AuditConfig     audit.Config
	DetectionConfig detection.Config
	AlertingConfig  alerting.Config

	// DetectionOptions customize the engine, e.g. a GeoIP locator or a
	// fitted anomaly scorer.
	DetectionOptions []detection.Option
}

// Monitor is the security monitoring facade.
type Monitor struct {
	audit   *audit.Service
	engine  *detection.Engine
	intel   *detection.StoreIntel
	actions *response.Orchestrator
	flags   *response.Flags
	alerts  *alerting.Manager
	limiter *ratelimit.RateLimiter
	logger  *slog.Logger
	now     func() time.Time

	store     repository.EventStore
	auditRepo repository.AuditRepository
}

// New builds every component from policy and deps.
func New(policy *config.Policy, deps Dependencies) (*Monitor, error) {
	if deps.Store == nil || deps.AuditRepo == nil {
		return nil, apperrors.Configuration("event store and audit repository are required")
	}
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auditCfg := deps.AuditConfig
	if auditCfg == (audit.Config{}) {
		auditCfg = audit.DefaultConfig()
	}
	alertCfg := deps.AlertingConfig
	if alertCfg == (alerting.Config{}) {
		alertCfg = alerting.DefaultConfig()
	}

	auditSvc := audit.NewService(auditCfg, deps.AuditRepo, deps.Store, deps.Cipher, deps.Metrics, logger)
	alerts := alerting.NewManager(alertCfg, deps.Store, policy.AlertRules, policy.EscalationPolicies, deps.Senders, deps.Metrics, logger)
	actions := response.NewOrchestrator(policy.Response, deps.Store, alerts, auditSvc, deps.Metrics, logger)
	flags := response.NewFlags(deps.Store, deps.Metrics, logger)

	intel := detection.NewStoreIntel(deps.Store)
	opts := append([]detection.Option{detection.WithIntel(intel)}, deps.DetectionOptions...)
	engine, err := detection.NewEngine(deps.DetectionConfig, deps.Store, policy.DetectionRules, actions, deps.Metrics, logger, opts...)
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.NewRateLimiter(policy.RateLimits, deps.Store, flags, deps.Metrics, logger)
	if err != nil {
		return nil, err
	}

	return &Monitor{
		audit:   auditSvc,
		engine:  engine,
		intel:   intel,
		actions: actions,
		flags:   flags,
		alerts:  alerts,
		limiter: limiter,
		logger:  logger.With("component", "monitor"),
		now:     time.Now,

		store:     deps.Store,
		auditRepo: deps.AuditRepo,
	}, nil
}

// Outcome is everything ProcessEvent did for one event.
type Outcome struct {
	AuditID   string                 `json:"audit_id"`
	Indicator *event.ThreatIndicator `json:"indicator,omitempty"`
	Response  *response.Result       `json:"response,omitempty"`
	Alert     *alerting.Alert        `json:"alert,omitempty"`
}

// ProcessEvent records ev in the audit trail, analyzes it, runs the
// automated response and routes the indicator to the alert manager.
// Audit failures abort processing; detection failures never do.
func (m *Monitor) ProcessEvent(ctx context.Context, ev event.SecurityEvent) (*Outcome, error) {
	ev = ev.Normalize(m.now())
	if err := ev.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeValidation, "invalid security event")
	}

	id, err := m.audit.LogEvent(ctx, audit.FromSecurityEvent(ev))
	if err != nil {
		return nil, err
	}

	out := m.analyze(ctx, ev)
	out.AuditID = id
	return out, nil
}

// AnalyzeEvent analyzes ev without recording it and returns the selected
// indicator, or nil. Automated responses and alert routing still run.
func (m *Monitor) AnalyzeEvent(ctx context.Context, ev event.SecurityEvent) *event.ThreatIndicator {
	return m.analyze(ctx, ev).Indicator
}

func (m *Monitor) analyze(ctx context.Context, ev event.SecurityEvent) *Outcome {
	a := m.engine.Analyze(ctx, ev)
	out := &Outcome{Indicator: a.Indicator, Response: a.Response}
	if a.Indicator == nil {
		return out
	}

	// Delegating actions already handed the indicator to the alert manager.
	if a.Response != nil && a.Response.Delegated {
		out.Alert = a.Response.Alert
		return out
	}

	alert, err := m.alerts.ProcessIndicator(ctx, a.Indicator)
	if err != nil {
		m.logger.Error("failed to raise alert",
			"indicator_id", a.Indicator.ID,
			"category", a.Indicator.Category,
			"error", err,
		)
		return out
	}
	out.Alert = alert
	return out
}

// LogAuditEvent records entry and returns its id.
func (m *Monitor) LogAuditEvent(ctx context.Context, entry *audit.Entry) (string, error) {
	return m.audit.LogEvent(ctx, entry)
}

// SearchAuditLogs returns matching entries, newest first.
func (m *Monitor) SearchAuditLogs(ctx context.Context, f audit.Filter, limit, offset int) ([]*audit.Entry, error) {
	return m.audit.Search(ctx, f, limit, offset)
}

// GetAuditStatistics aggregates the audit trail over an optional window.
func (m *Monitor) GetAuditStatistics(ctx context.Context, start, end *time.Time) (*repository.AuditStats, error) {
	return m.audit.Statistics(ctx, start, end)
}

// ExportSecurityEvents materializes every entry in [start, end].
func (m *Monitor) ExportSecurityEvents(ctx context.Context, start, end time.Time) (*audit.ExportReport, error) {
	return m.audit.Export(ctx, start, end)
}

// IsIPBlocked reports whether ip is blocked.
func (m *Monitor) IsIPBlocked(ctx context.Context, ip string) bool {
	return m.flags.IsIPBlocked(ctx, ip)
}

// IsAccountLocked reports whether the account is locked.
func (m *Monitor) IsAccountLocked(ctx context.Context, userID string) bool {
	return m.flags.IsAccountLocked(ctx, userID)
}

// IsMFARequired reports whether the user must complete MFA at next login.
func (m *Monitor) IsMFARequired(ctx context.Context, userID string) bool {
	return m.flags.IsMFARequired(ctx, userID)
}

// CheckRateLimit admits or rejects one request by subject.
func (m *Monitor) CheckRateLimit(ctx context.Context, subject ratelimit.Subject, limitType string) ratelimit.Result {
	return m.limiter.CheckRateLimit(ctx, subject, limitType)
}

// GetSecurityAlerts returns recent alerts, newest first, optionally of one severity.
func (m *Monitor) GetSecurityAlerts(ctx context.Context, limit int, severity event.Severity) ([]*alerting.Alert, error) {
	return m.alerts.GetRecentAlerts(ctx, limit, severity)
}

// GetAlert returns one alert.
func (m *Monitor) GetAlert(ctx context.Context, alertID string) (*alerting.Alert, error) {
	return m.alerts.GetAlert(ctx, alertID)
}

// UpdateAlertStatus moves an alert forward in its lifecycle.
func (m *Monitor) UpdateAlertStatus(ctx context.Context, alertID string, status alerting.Status, assignedTo string) (*alerting.Alert, error) {
	return m.alerts.UpdateAlertStatus(ctx, alertID, status, assignedTo)
}

// ReopenAlert returns a closed alert to open.
func (m *Monitor) ReopenAlert(ctx context.Context, alertID string) (*alerting.Alert, error) {
	return m.alerts.ReopenAlert(ctx, alertID)
}

// EscalateAlert promotes an alert one escalation level.
func (m *Monitor) EscalateAlert(ctx context.Context, alertID string) (*alerting.Alert, error) {
	return m.alerts.Escalate(ctx, alertID)
}

// GetAlertStatistics summarizes stored alerts.
func (m *Monitor) GetAlertStatistics(ctx context.Context) (*alerting.Statistics, error) {
	return m.alerts.GetAlertStatistics(ctx)
}

// BlockIP blocks ip for duration on behalf of an administrator.
func (m *Monitor) BlockIP(ctx context.Context, ip string, duration time.Duration, reason string) error {
	return m.actions.BlockIP(ctx, ip, duration, reason)
}

// UnblockIP lifts a block.
func (m *Monitor) UnblockIP(ctx context.Context, ip, actor string) error {
	return m.actions.UnblockIP(ctx, ip, actor)
}

// LockAccount locks an account for duration.
func (m *Monitor) LockAccount(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return m.actions.LockAccount(ctx, userID, duration, reason)
}

// UnlockAccount lifts an account lock.
func (m *Monitor) UnlockAccount(ctx context.Context, userID, actor string) error {
	return m.actions.UnlockAccount(ctx, userID, actor)
}

// RequireMFA forces MFA for the user for duration.
func (m *Monitor) RequireMFA(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return m.actions.RequireMFA(ctx, userID, duration, reason)
}

// ClearMFARequirement removes a forced MFA requirement.
func (m *Monitor) ClearMFARequirement(ctx context.Context, userID, actor string) error {
	return m.actions.ClearMFARequirement(ctx, userID, actor)
}

// MarkPasswordChanged feeds the account takeover rule.
func (m *Monitor) MarkPasswordChanged(ctx context.Context, userID string) error {
	return m.engine.MarkPasswordChanged(ctx, userID)
}

// SetDetectionRuleEnabled toggles a detection rule.
func (m *Monitor) SetDetectionRuleEnabled(ruleID string, enabled bool) error {
	return m.engine.SetRuleEnabled(ruleID, enabled)
}

// SetAlertRuleEnabled toggles an alert rule.
func (m *Monitor) SetAlertRuleEnabled(ruleID string, enabled bool) error {
	return m.alerts.SetRuleEnabled(ruleID, enabled)
}

// SeedThreatIntel loads known-bad addresses and reputations into the store.
func (m *Monitor) SeedThreatIntel(ctx context.Context, ti config.ThreatIntel) error {
	if len(ti.BadIPs) > 0 {
		if err := m.intel.AddBadIPs(ctx, ti.BadIPs...); err != nil {
			return err
		}
	}
	for ip, score := range ti.Reputation {
		if err := m.intel.SetReputation(ctx, ip, score); err != nil {
			return err
		}
	}
	m.logger.Info("threat intelligence seeded", "bad_ips", len(ti.BadIPs), "reputations", len(ti.Reputation))
	return nil
}

// Stats returns per-component statistics.
func (m *Monitor) Stats() map[string]interface{} {
	return map[string]interface{}{
		"audit":      m.audit.Stats(),
		"detection":  m.engine.Stats(),
		"response":   m.actions.Stats(),
		"alerting":   m.alerts.Stats(),
		"rate_limit": m.limiter.Stats(),
	}
}

// Health reports the reachability of each backend that can be checked.
func (m *Monitor) Health(ctx context.Context) map[string]bool {
	health := make(map[string]bool, 2)
	if hc, ok := m.store.(repository.HealthChecker); ok {
		health["event_store"] = hc.IsHealthy(ctx)
	}
	if hc, ok := m.auditRepo.(repository.HealthChecker); ok {
		health["audit_repository"] = hc.IsHealthy(ctx)
	}
	return health
}
