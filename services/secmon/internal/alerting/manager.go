package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/metrics"
)

// Store keys.
const (
	alertKeyPrefix       = "alert:"
	timelineKey          = "alerts:timeline"
	totalCountKey        = "alerts:count:total"
	severityCountPrefix  = "alerts:count:severity:"
	correlationKeyPrefix = "alerts:correlation:"
	throttleKeyPrefix    = "alert:throttle:"
	hourlyKeyPrefix      = "alert:hourly:"
	escalationQueueKey   = "alerts:escalations"
)

// Config holds alert manager configuration.
type Config struct {
	CorrelationWindow   time.Duration `json:"correlation_window" yaml:"correlation_window"`
	NotificationTimeout time.Duration `json:"notification_timeout" yaml:"notification_timeout"`
	DefaultRecentLimit  int           `json:"default_recent_limit" yaml:"default_recent_limit"`
	MaxRelatedAlerts    int           `json:"max_related_alerts" yaml:"max_related_alerts"`
	EscalationBatch     int64         `json:"escalation_batch" yaml:"escalation_batch"`
}

// DefaultConfig returns the default alert manager configuration.
func DefaultConfig() Config {
	return Config{
		CorrelationWindow:   5 * time.Minute,
		NotificationTimeout: 30 * time.Second,
		DefaultRecentLimit:  50,
		MaxRelatedAlerts:    50,
		EscalationBatch:     100,
	}
}

// Manager creates, stores and routes security alerts. All state lives in
// the event store; the manager itself only holds configuration.
type Manager struct {
	config   Config
	store    repository.EventStore
	senders  map[Channel]Sender
	policies map[string]EscalationPolicy
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	rulesMu sync.RWMutex
	rules   []Rule

	created       atomic.Int64
	unmatched     atomic.Int64
	throttled     atomic.Int64
	notifications atomic.Int64
	notifyFailed  atomic.Int64
}

// NewManager creates an alert manager. senders maps each channel to its
// transport; channels without a sender are reported and skipped at dispatch.
func NewManager(cfg Config, store repository.EventStore, rules []Rule, policies []EscalationPolicy, senders map[Channel]Sender, m *metrics.Metrics, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = def.CorrelationWindow
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = def.NotificationTimeout
	}
	if cfg.DefaultRecentLimit <= 0 {
		cfg.DefaultRecentLimit = def.DefaultRecentLimit
	}
	if cfg.MaxRelatedAlerts <= 0 {
		cfg.MaxRelatedAlerts = def.MaxRelatedAlerts
	}
	if cfg.EscalationBatch <= 0 {
		cfg.EscalationBatch = def.EscalationBatch
	}

	byName := make(map[string]EscalationPolicy, len(policies))
	for _, p := range policies {
		byName[p.Name] = p
	}
	if senders == nil {
		senders = make(map[Channel]Sender)
	}

	return &Manager{
		config:   cfg,
		store:    store,
		senders:  senders,
		policies: byName,
		metrics:  m,
		logger:   logger.With("component", "alert-manager"),
		now:      time.Now,
		rules:    append([]Rule(nil), rules...),
	}
}

// ProcessIndicator raises an alert when at least one enabled rule matches
// ind, then notifies through every matching rule that is not throttled.
// It returns nil when no rule matches.
func (m *Manager) ProcessIndicator(ctx context.Context, ind *event.ThreatIndicator) (*Alert, error) {
	if ind == nil {
		return nil, nil
	}
	matched := m.matchingRules(ind)
	if len(matched) == 0 {
		m.unmatched.Add(1)
		m.logger.Info("indicator matched no alert rule",
			"indicator_id", ind.ID,
			"category", ind.Category,
			"level", ind.Level,
		)
		return nil, nil
	}
	return m.raise(ctx, ind, matched)
}

// EscalateIndicator raises an alert for ind whether or not a rule matches,
// and immediately promotes it one escalation level.
func (m *Manager) EscalateIndicator(ctx context.Context, ind *event.ThreatIndicator) (*Alert, error) {
	if ind == nil {
		return nil, apperrors.Validation("indicator is required")
	}
	alert, err := m.raise(ctx, ind, m.matchingRules(ind))
	if err != nil {
		return nil, err
	}
	return m.Escalate(ctx, alert.ID)
}

func (m *Manager) raise(ctx context.Context, ind *event.ThreatIndicator, matched []Rule) (*Alert, error) {
	alert := newAlert(ind, m.now())
	for _, r := range matched {
		alert.RuleIDs = append(alert.RuleIDs, r.ID)
		if alert.EscalationPolicy == "" && r.EscalationPolicy != "" {
			alert.EscalationPolicy = r.EscalationPolicy
		}
	}

	if err := m.correlate(ctx, alert); err != nil {
		m.logger.Warn("alert correlation failed", "alert_id", alert.ID, "error", err)
	}
	if err := m.create(ctx, alert); err != nil {
		return nil, err
	}

	m.created.Add(1)
	m.metrics.AlertCreated(string(alert.Severity))
	m.logger.Info("security alert created",
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"category", alert.Category,
		"correlation_id", alert.CorrelationID,
	)

	for _, r := range matched {
		m.notifyRule(ctx, alert, r)
	}
	return alert, nil
}

func (m *Manager) matchingRules(ind *event.ThreatIndicator) []Rule {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()

	var out []Rule
	for _, r := range m.rules {
		if r.Matches(ind) {
			out = append(out, r)
		}
	}
	return out
}

// correlate links alert to recent alerts with the same category and source.
func (m *Manager) correlate(ctx context.Context, alert *Alert) error {
	source := alert.SourceIP
	if source == "" {
		source = "unknown"
	}
	key := correlationKeyPrefix + string(alert.Category) + ":" + source
	nowMs := float64(alert.CreatedAt.UnixMilli())
	cutoff := nowMs - float64(m.config.CorrelationWindow.Milliseconds())

	if err := m.store.SortedSetRemoveRangeByScore(ctx, key, math.Inf(-1), cutoff); err != nil {
		return err
	}
	recent, err := m.store.SortedSetRangeByScore(ctx, key, cutoff, math.Inf(1), int64(m.config.MaxRelatedAlerts))
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		alert.CorrelationID = recent[0].Member
		for _, r := range recent {
			alert.RelatedAlerts = append(alert.RelatedAlerts, r.Member)
		}
	}

	if err := m.store.SortedSetAdd(ctx, key, alert.ID, nowMs); err != nil {
		return err
	}
	return m.store.Expire(ctx, key, m.config.CorrelationWindow)
}

// create persists a new alert and indexes it.
func (m *Manager) create(ctx context.Context, alert *Alert) error {
	if err := m.save(ctx, alert); err != nil {
		return err
	}
	if err := m.store.SortedSetAdd(ctx, timelineKey, alert.ID, float64(alert.CreatedAt.UnixMilli())); err != nil {
		return apperrors.Storage("index alert", err)
	}
	for _, key := range []string{totalCountKey, severityCountPrefix + string(alert.Severity)} {
		if _, err := m.store.IncrementWithExpiry(ctx, key, 1, 0); err != nil {
			m.logger.Warn("alert counter update failed", "key", key, "error", err)
		}
	}
	return nil
}

func (m *Manager) save(ctx context.Context, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternalError, "serialize alert")
	}
	if err := m.store.SetWithExpiry(ctx, alertKeyPrefix+alert.ID, string(data), 0); err != nil {
		return apperrors.Storage("persist alert", err)
	}
	return nil
}

// notifyRule dispatches alert through r unless r is throttled or over its
// hourly cap, then queues r's escalation policy.
func (m *Manager) notifyRule(ctx context.Context, alert *Alert, r Rule) {
	if m.suppressed(ctx, r) {
		m.throttled.Add(1)
		m.logger.Debug("notification suppressed", "rule_id", r.ID, "alert_id", alert.ID)
		return
	}

	m.dispatch(ctx, alert, r.ID, r.Channels, r.Recipients, alert.EscalationLevel)

	if r.EscalationPolicy == "" {
		return
	}
	policy, ok := m.policies[r.EscalationPolicy]
	if !ok || len(policy.Steps) == 0 {
		err := apperrors.Configuration(fmt.Sprintf("escalation policy %q is not configured", r.EscalationPolicy))
		m.logger.Error("skipping escalation", "rule_id", r.ID, "error", err)
		return
	}
	if _, err := m.schedule(ctx, alert.ID, policy, 0); err != nil {
		m.logger.Warn("escalation enqueue failed", "alert_id", alert.ID, "policy", policy.Name, "error", err)
	}
}

// suppressed applies the hourly cap and then the throttle cooldown. Only
// notifications that go out count against either limit. A store failure
// does not suppress the notification.
func (m *Manager) suppressed(ctx context.Context, r Rule) bool {
	var capKey string
	if r.MaxAlertsPerHour > 0 {
		bucket := m.now().Unix() / 3600
		capKey = hourlyKeyPrefix + r.ID + ":" + strconv.FormatInt(bucket, 10)
		n, err := m.store.IncrementWithExpiry(ctx, capKey, 1, time.Hour)
		switch {
		case err != nil:
			m.logger.Warn("hourly cap check failed, notifying", "rule_id", r.ID, "error", err)
			capKey = ""
		case n > int64(r.MaxAlertsPerHour):
			m.release(ctx, capKey)
			return true
		}
	}
	if r.ThrottleMinutes > 0 {
		window := time.Duration(r.ThrottleMinutes) * time.Minute
		n, err := m.store.IncrementWithExpiry(ctx, throttleKeyPrefix+r.ID, 1, window)
		if err != nil {
			m.logger.Warn("throttle check failed, notifying", "rule_id", r.ID, "error", err)
		} else if n > 1 {
			if capKey != "" {
				m.release(ctx, capKey)
			}
			return true
		}
	}
	return false
}

// release returns a slot taken from the hourly cap.
func (m *Manager) release(ctx context.Context, key string) {
	if _, err := m.store.IncrementWithExpiry(ctx, key, -1, time.Hour); err != nil {
		m.logger.Warn("hourly cap release failed", "key", key, "error", err)
	}
}

// dispatch sends alert on every channel concurrently. One channel's failure
// never affects another. It returns the number of successful deliveries.
func (m *Manager) dispatch(ctx context.Context, alert *Alert, ruleID string, channels []Channel, recipients []string, level EscalationLevel) int {
	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)

	for _, ch := range channels {
		sender, ok := m.senders[ch]
		if !ok {
			err := apperrors.Configuration(fmt.Sprintf("no sender configured for channel %q", ch))
			m.logger.Error("skipping notification channel", "channel", ch, "rule_id", ruleID, "error", err)
			continue
		}

		n := Notification{
			Alert:      alert,
			Channel:    ch,
			RuleID:     ruleID,
			Recipients: recipients,
			Level:      level,
			SentAt:     m.now().UTC(),
		}

		wg.Add(1)
		go func(ch Channel, s Sender) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.notifyFailed.Add(1)
					m.logger.Error("notification sender panicked", "channel", ch, "alert_id", alert.ID, "panic", r)
				}
			}()

			sendCtx, cancel := context.WithTimeout(ctx, m.config.NotificationTimeout)
			defer cancel()

			err := s.Send(sendCtx, n)
			m.metrics.NotificationSent(string(ch), err)
			if err != nil {
				m.notifyFailed.Add(1)
				m.logger.Error("notification failed", "channel", ch, "alert_id", alert.ID, "error", err)
				return
			}
			m.notifications.Add(1)
			delivered.Add(1)
		}(ch, sender)
	}

	wg.Wait()
	return int(delivered.Load())
}

// schedule queues the escalation step at index for alertID.
func (m *Manager) schedule(ctx context.Context, alertID string, policy EscalationPolicy, index int) (*EscalationRecord, error) {
	timeout := time.Duration(policy.Steps[index].TimeoutMinutes) * time.Minute
	rec := EscalationRecord{
		AlertID:      alertID,
		Policy:       policy.Name,
		CurrentLevel: index,
		ScheduledAt:  m.now().UTC().Add(timeout),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := m.store.SortedSetAdd(ctx, escalationQueueKey, string(data), float64(rec.ScheduledAt.UnixMilli())); err != nil {
		return nil, err
	}
	rec.member = string(data)
	return &rec, nil
}

// DueEscalations returns queued escalations whose deadline is at or before now.
func (m *Manager) DueEscalations(ctx context.Context, now time.Time) ([]EscalationRecord, error) {
	members, err := m.store.SortedSetRangeByScore(ctx, escalationQueueKey, math.Inf(-1), float64(now.UnixMilli()), m.config.EscalationBatch)
	if err != nil {
		return nil, err
	}
	out := make([]EscalationRecord, 0, len(members))
	for _, mem := range members {
		var rec EscalationRecord
		if err := json.Unmarshal([]byte(mem.Member), &rec); err != nil {
			m.logger.Warn("dropping malformed escalation record", "error", err)
			_, _ = m.store.SortedSetRemove(ctx, escalationQueueKey, mem.Member)
			continue
		}
		rec.member = mem.Member
		out = append(out, rec)
	}
	return out, nil
}

// CompleteEscalation claims rec from the queue. Only the caller that removed
// it proceeds: when the policy has a step after rec's and the alert is
// still open, the alert is escalated and that step is queued. The newly
// queued record is returned.
func (m *Manager) CompleteEscalation(ctx context.Context, rec EscalationRecord) (*EscalationRecord, error) {
	member := rec.member
	if member == "" {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		member = string(data)
	}
	removed, err := m.store.SortedSetRemove(ctx, escalationQueueKey, member)
	if err != nil {
		return nil, err
	}
	if removed != 1 {
		m.logger.Debug("escalation already claimed", "alert_id", rec.AlertID, "level", rec.CurrentLevel)
		return nil, nil
	}

	policy, ok := m.policies[rec.Policy]
	if !ok {
		return nil, apperrors.Configuration(fmt.Sprintf("escalation policy %q is not configured", rec.Policy))
	}
	next := rec.CurrentLevel + 1
	if next >= len(policy.Steps) {
		return nil, nil
	}

	_, escalated, err := m.escalate(ctx, rec.AlertID, true)
	if err != nil || !escalated {
		return nil, err
	}
	return m.schedule(ctx, rec.AlertID, policy, next)
}

// Escalate promotes the alert one level and notifies the contacts its
// escalation policy names for the new level. The executive level is final.
func (m *Manager) Escalate(ctx context.Context, alertID string) (*Alert, error) {
	alert, _, err := m.escalate(ctx, alertID, false)
	return alert, err
}

// escalate reports whether the alert moved up a level. With openOnly set,
// alerts that left the open status are left alone.
func (m *Manager) escalate(ctx context.Context, alertID string, openOnly bool) (*Alert, bool, error) {
	var escalated bool
	alert, err := m.mutate(ctx, alertID, func(a *Alert) error {
		escalated = false
		if a.EscalationLevel == LevelExecutive || (openOnly && a.Status != StatusOpen) {
			return errUnchanged
		}
		a.EscalationLevel = a.EscalationLevel.Next()
		a.UpdatedAt = m.now().UTC()
		escalated = true
		return nil
	})
	if err != nil || !escalated {
		return alert, false, err
	}
	m.logger.Info("alert escalated", "alert_id", alert.ID, "level", alert.EscalationLevel)

	if alert.EscalationPolicy == "" {
		return alert, true, nil
	}
	policy, ok := m.policies[alert.EscalationPolicy]
	if !ok {
		err := apperrors.Configuration(fmt.Sprintf("escalation policy %q is not configured", alert.EscalationPolicy))
		m.logger.Error("skipping escalation notification", "alert_id", alert.ID, "error", err)
		return alert, true, nil
	}
	if step, ok := policy.step(alert.EscalationLevel); ok {
		m.dispatch(ctx, alert, "", step.Channels, step.Recipients, alert.EscalationLevel)
	}
	return alert, true, nil
}

// errUnchanged tells mutate to keep the stored alert as is.
var errUnchanged = errors.New("alert unchanged")

// mutate applies fn to the stored alert and writes the result with a
// compare-and-swap. When another writer changed the alert first, fn runs
// again on the fresh copy, so concurrent updates never overwrite each other.
func (m *Manager) mutate(ctx context.Context, alertID string, fn func(*Alert) error) (*Alert, error) {
	var alert Alert
	_, err := repository.Update(ctx, m.store, alertKeyPrefix+alertID, 0, func(current string, found bool) (string, error) {
		if !found {
			return "", apperrors.NotFound("alert").WithDetail("alert_id", alertID)
		}
		alert = Alert{}
		if err := json.Unmarshal([]byte(current), &alert); err != nil {
			return "", apperrors.Wrap(err, apperrors.CodeInternalError, "decode alert")
		}
		if err := fn(&alert); err != nil {
			if errors.Is(err, errUnchanged) {
				return current, nil
			}
			return "", err
		}
		data, err := json.Marshal(&alert)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.CodeInternalError, "serialize alert")
		}
		return string(data), nil
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// GetAlert loads one alert.
func (m *Manager) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	raw, err := m.store.Get(ctx, alertKeyPrefix+alertID)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			return nil, apperrors.NotFound("alert").WithDetail("alert_id", alertID)
		}
		return nil, err
	}
	var alert Alert
	if err := json.Unmarshal([]byte(raw), &alert); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "decode alert")
	}
	return &alert, nil
}

// UpdateAlertStatus moves the alert forward in its lifecycle. Moving
// backwards, or between terminal statuses, is a conflict. assignedTo is
// merged when non-empty.
func (m *Manager) UpdateAlertStatus(ctx context.Context, alertID string, status Status, assignedTo string) (*Alert, error) {
	if !status.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("unknown alert status %q", status))
	}

	alert, err := m.mutate(ctx, alertID, func(a *Alert) error {
		if status != a.Status {
			if status.rank() < a.Status.rank() || (a.Status.Terminal() && status.Terminal()) {
				return apperrors.Conflict(fmt.Sprintf("cannot move alert from %s to %s", a.Status, status)).
					WithDetail("alert_id", alertID)
			}
		}

		now := m.now().UTC()
		if status != a.Status {
			switch status {
			case StatusAcknowledged:
				if a.AcknowledgedAt == nil {
					a.AcknowledgedAt = &now
				}
			case StatusResolved:
				if a.ResolvedAt == nil {
					a.ResolvedAt = &now
				}
			case StatusClosed:
				if a.ResolvedAt == nil {
					a.ResolvedAt = &now
				}
				if a.ClosedAt == nil {
					a.ClosedAt = &now
				}
			}
			a.Status = status
		}
		if assignedTo != "" {
			a.AssignedTo = assignedTo
		}
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("alert status updated", "alert_id", alert.ID, "status", alert.Status, "assigned_to", alert.AssignedTo)
	return alert, nil
}

// ReopenAlert is the administrative path from resolved or closed back to open.
func (m *Manager) ReopenAlert(ctx context.Context, alertID string) (*Alert, error) {
	alert, err := m.mutate(ctx, alertID, func(a *Alert) error {
		if a.Status != StatusResolved && a.Status != StatusClosed {
			return apperrors.Conflict(fmt.Sprintf("cannot reopen alert in status %s", a.Status)).
				WithDetail("alert_id", alertID)
		}
		a.Status = StatusOpen
		if !a.hasTag("reopened") {
			a.Tags = append(a.Tags, "reopened")
		}
		a.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("alert reopened", "alert_id", alert.ID)
	return alert, nil
}

// GetRecentAlerts returns up to limit alerts, newest first, optionally only
// those of the given severity.
func (m *Manager) GetRecentAlerts(ctx context.Context, limit int, severity event.Severity) ([]*Alert, error) {
	if limit <= 0 {
		limit = m.config.DefaultRecentLimit
	}

	const page = 100
	out := make([]*Alert, 0, limit)
	for start := int64(0); len(out) < limit; start += page {
		ids, err := m.store.SortedSetRevRange(ctx, timelineKey, start, start+page-1)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			alert, err := m.GetAlert(ctx, id.Member)
			if err != nil {
				if apperrors.Is(err, apperrors.CodeNotFound) {
					continue
				}
				return nil, err
			}
			if severity != "" && alert.Severity != severity {
				continue
			}
			out = append(out, alert)
			if len(out) == limit {
				break
			}
		}
		if len(ids) < page {
			break
		}
	}
	return out, nil
}

// GetAlertStatistics counts stored alerts.
func (m *Manager) GetAlertStatistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		BySeverity:  make(map[event.Severity]int64),
		ActiveRules: m.activeRules(),
	}

	total, err := m.counter(ctx, totalCountKey)
	if err != nil {
		return nil, err
	}
	stats.Total = total

	for _, s := range []event.Severity{event.SeverityLow, event.SeverityMedium, event.SeverityHigh, event.SeverityCritical} {
		n, err := m.counter(ctx, severityCountPrefix+string(s))
		if err != nil {
			return nil, err
		}
		stats.BySeverity[s] = n
	}

	since := m.now().Add(-24 * time.Hour).UnixMilli()
	recent, err := m.store.SortedSetCount(ctx, timelineKey, float64(since), math.Inf(1))
	if err != nil {
		return nil, err
	}
	stats.Recent24h = recent
	return stats, nil
}

func (m *Manager) counter(ctx context.Context, key string) (int64, error) {
	raw, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// SetRuleEnabled enables or disables an alert rule.
func (m *Manager) SetRuleEnabled(ruleID string, enabled bool) error {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()

	for i := range m.rules {
		if m.rules[i].ID == ruleID {
			m.rules[i].Enabled = enabled
			m.logger.Info("alert rule updated", "rule_id", ruleID, "enabled", enabled)
			return nil
		}
	}
	return apperrors.NotFound("alert rule").WithDetail("rule_id", ruleID)
}

// Rules returns a copy of the configured rules.
func (m *Manager) Rules() []Rule {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()
	return append([]Rule(nil), m.rules...)
}

func (m *Manager) activeRules() int {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()

	n := 0
	for _, r := range m.rules {
		if r.Enabled {
			n++
		}
	}
	return n
}

// Stats returns manager counters.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"alerts_created":       m.created.Load(),
		"unmatched_indicators": m.unmatched.Load(),
		"throttled":            m.throttled.Load(),
		"notifications_sent":   m.notifications.Load(),
		"notifications_failed": m.notifyFailed.Load(),
		"active_rules":         m.activeRules(),
	}
}
