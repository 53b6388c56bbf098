// Package alerting turns threat indicators into stateful security alerts,
// correlates them, throttles and dispatches notifications, and queues
// escalations for an external poller.
package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
)

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusOpen          Status = "open"
	StatusAcknowledged  Status = "acknowledged"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
	StatusFalsePositive Status = "false_positive"
)

// rank orders statuses; terminal statuses share the highest rank.
func (s Status) rank() int {
	switch s {
	case StatusOpen:
		return 0
	case StatusAcknowledged:
		return 1
	case StatusInvestigating:
		return 2
	case StatusResolved, StatusClosed, StatusFalsePositive:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether s ends the alert lifecycle.
func (s Status) Terminal() bool { return s.rank() == 3 }

// ParseStatus accepts any case.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown alert status %q", v)
	}
	return s, nil
}

// EscalationLevel is who currently owns the alert.
type EscalationLevel string

const (
	LevelL1        EscalationLevel = "L1"
	LevelL2        EscalationLevel = "L2"
	LevelL3        EscalationLevel = "L3"
	LevelL4        EscalationLevel = "L4"
	LevelExecutive EscalationLevel = "executive"
)

var escalationOrder = []EscalationLevel{LevelL1, LevelL2, LevelL3, LevelL4, LevelExecutive}

// Index is the position of l in the escalation ladder, or -1.
func (l EscalationLevel) Index() int {
	for i, lvl := range escalationOrder {
		if lvl == l {
			return i
		}
	}
	return -1
}

// Next returns the level above l. The executive level is the ceiling.
func (l EscalationLevel) Next() EscalationLevel {
	i := l.Index()
	if i < 0 {
		return LevelL1
	}
	if i+1 >= len(escalationOrder) {
		return LevelExecutive
	}
	return escalationOrder[i+1]
}

// Channel is a notification transport.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
	ChannelSlack     Channel = "slack"
	ChannelWebhook   Channel = "webhook"
	ChannelDashboard Channel = "dashboard"
	ChannelSyslog    Channel = "syslog"
	ChannelKafka     Channel = "kafka"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelSlack, ChannelWebhook, ChannelDashboard, ChannelSyslog, ChannelKafka:
		return true
	}
	return false
}

// Alert is the externally visible, stateful incident raised for an indicator.
type Alert struct {
	ID                 string          `json:"id"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Severity           event.Severity  `json:"severity"`
	Category           event.Category  `json:"category"`
	Confidence         float64         `json:"confidence"`
	SourceIP           string          `json:"source_ip,omitempty"`
	UserID             string          `json:"user_id,omitempty"`
	Indicators         []string        `json:"indicators"`
	AffectedResources  []string        `json:"affected_resources,omitempty"`
	RecommendedActions []event.Action  `json:"recommended_actions"`
	IndicatorID        string          `json:"indicator_id"`
	DetectionRuleID    string          `json:"detection_rule_id"`
	RuleIDs            []string        `json:"rule_ids,omitempty"`
	Status             Status          `json:"status"`
	AssignedTo         string          `json:"assigned_to,omitempty"`
	EscalationLevel    EscalationLevel `json:"escalation_level"`
	EscalationPolicy   string          `json:"escalation_policy,omitempty"`
	CorrelationID      string          `json:"correlation_id,omitempty"`
	RelatedAlerts      []string        `json:"related_alerts,omitempty"`
	Tags               []string        `json:"tags,omitempty"`
	AcknowledgedAt     *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
}

// newAlert builds an open L1 alert from ind.
func newAlert(ind *event.ThreatIndicator, now time.Time) *Alert {
	subject := ind.SourceIP
	if ind.UserID != "" {
		subject = ind.UserID
	}
	title := strings.ReplaceAll(string(ind.Category), "_", " ") + " detected"
	if subject != "" {
		title += " for " + subject
	}

	now = now.UTC()
	return &Alert{
		ID:                 uuid.NewString(),
		CreatedAt:          now,
		UpdatedAt:          now,
		Title:              title,
		Description:        ind.Description,
		Severity:           ind.Level,
		Category:           ind.Category,
		Confidence:         ind.Confidence,
		SourceIP:           ind.SourceIP,
		UserID:             ind.UserID,
		Indicators:         append([]string{}, ind.Indicators...),
		AffectedResources:  append([]string(nil), ind.AffectedResources...),
		RecommendedActions: append([]event.Action{}, ind.RecommendedActions...),
		IndicatorID:        ind.ID,
		DetectionRuleID:    ind.RuleID,
		Status:             StatusOpen,
		EscalationLevel:    LevelL1,
		Tags:               []string{string(ind.Category)},
	}
}

func (a *Alert) hasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Conditions narrow which indicators a rule accepts. Empty lists match anything.
type Conditions struct {
	Categories    []event.Category `json:"categories,omitempty" yaml:"categories"`
	Severities    []event.Severity `json:"severities,omitempty" yaml:"severities"`
	MinConfidence float64          `json:"min_confidence,omitempty" yaml:"min_confidence"`
}

// Matches reports whether ind satisfies every set condition.
func (c Conditions) Matches(ind *event.ThreatIndicator) bool {
	if len(c.Categories) > 0 && !containsCategory(c.Categories, ind.Category) {
		return false
	}
	if len(c.Severities) > 0 && !containsSeverity(c.Severities, ind.Level) {
		return false
	}
	return ind.Confidence >= c.MinConfidence
}

// Rule decides which indicators become notifications and where they go.
type Rule struct {
	ID                string         `json:"id" yaml:"id"`
	Name              string         `json:"name" yaml:"name"`
	Enabled           bool           `json:"enabled" yaml:"enabled"`
	Conditions        Conditions     `json:"conditions" yaml:"conditions"`
	SeverityThreshold event.Severity `json:"severity_threshold" yaml:"severity_threshold"`
	Channels          []Channel      `json:"channels" yaml:"channels"`
	Recipients        []string       `json:"recipients,omitempty" yaml:"recipients"`
	ThrottleMinutes   int            `json:"throttle_minutes" yaml:"throttle_minutes"`
	MaxAlertsPerHour  int            `json:"max_alerts_per_hour" yaml:"max_alerts_per_hour"`
	EscalationPolicy  string         `json:"escalation_policy,omitempty" yaml:"escalation_policy"`
}

// UnmarshalYAML decodes a rule; an omitted enabled flag means true.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	type plain Rule
	p := plain{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// Validate checks the rule references only known severities and channels.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("alert rule id is required")
	}
	if r.SeverityThreshold != "" && !r.SeverityThreshold.Valid() {
		return fmt.Errorf("alert rule %q has unknown severity threshold %q", r.ID, r.SeverityThreshold)
	}
	for _, c := range r.Channels {
		if !c.Valid() {
			return fmt.Errorf("alert rule %q has unknown channel %q", r.ID, c)
		}
	}
	if r.ThrottleMinutes < 0 || r.MaxAlertsPerHour < 0 {
		return fmt.Errorf("alert rule %q has a negative throttle", r.ID)
	}
	return nil
}

// Matches reports whether the enabled rule accepts ind.
func (r Rule) Matches(ind *event.ThreatIndicator) bool {
	if !r.Enabled {
		return false
	}
	threshold := r.SeverityThreshold
	if threshold == "" {
		threshold = event.SeverityLow
	}
	return ind.Level.AtLeast(threshold) && r.Conditions.Matches(ind)
}

// EscalationStep is one rung of an escalation policy.
type EscalationStep struct {
	Level          EscalationLevel `json:"level" yaml:"level"`
	TimeoutMinutes int             `json:"timeout_minutes" yaml:"timeout_minutes"`
	Channels       []Channel       `json:"channels" yaml:"channels"`
	Recipients     []string        `json:"recipients,omitempty" yaml:"recipients"`
}

// EscalationPolicy is an ordered list of escalation steps.
type EscalationPolicy struct {
	Name  string           `json:"name" yaml:"name"`
	Steps []EscalationStep `json:"steps" yaml:"steps"`
}

// Validate checks the policy names known levels with positive timeouts.
func (p EscalationPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("escalation policy name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("escalation policy %q has no steps", p.Name)
	}
	for _, s := range p.Steps {
		if s.Level.Index() < 0 {
			return fmt.Errorf("escalation policy %q has unknown level %q", p.Name, s.Level)
		}
		if s.TimeoutMinutes <= 0 {
			return fmt.Errorf("escalation policy %q level %s needs a positive timeout", p.Name, s.Level)
		}
	}
	return nil
}

// step returns the step for level, if the policy defines one.
func (p EscalationPolicy) step(level EscalationLevel) (EscalationStep, bool) {
	for _, s := range p.Steps {
		if s.Level == level {
			return s, true
		}
	}
	return EscalationStep{}, false
}

// EscalationRecord is a queued escalation awaiting its deadline.
type EscalationRecord struct {
	AlertID      string    `json:"alert_id"`
	Policy       string    `json:"policy"`
	CurrentLevel int       `json:"current_level"`
	ScheduledAt  time.Time `json:"scheduled_at"`

	member string
}

// Statistics summarizes stored alerts.
type Statistics struct {
	Total       int64                    `json:"total"`
	BySeverity  map[event.Severity]int64 `json:"by_severity"`
	Recent24h   int64                    `json:"recent_24h"`
	ActiveRules int                      `json:"active_rules"`
}

// DefaultRules returns the built-in alert rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:                "critical-threats",
			Name:              "Critical threats",
			Enabled:           true,
			SeverityThreshold: event.SeverityCritical,
			Channels:          []Channel{ChannelDashboard, ChannelSyslog},
			MaxAlertsPerHour:  100,
			EscalationPolicy:  "critical-response",
		},
		{
			ID:                "high-severity",
			Name:              "High severity threats",
			Enabled:           true,
			SeverityThreshold: event.SeverityHigh,
			Conditions:        Conditions{Severities: []event.Severity{event.SeverityHigh}},
			Channels:          []Channel{ChannelDashboard, ChannelSyslog},
			ThrottleMinutes:   5,
			MaxAlertsPerHour:  20,
			EscalationPolicy:  "standard",
		},
		{
			ID:                "suspicious-activity",
			Name:              "Suspicious activity",
			Enabled:           true,
			SeverityThreshold: event.SeverityMedium,
			Conditions: Conditions{
				Categories: []event.Category{
					event.CategoryAnomalousBehavior,
					event.CategorySuspiciousIP,
					event.CategoryAccountTakeover,
					event.CategoryAccountEnumeration,
					event.CategoryAPIAbuse,
				},
				MinConfidence: 0.5,
			},
			Channels:         []Channel{ChannelDashboard},
			ThrottleMinutes:  15,
			MaxAlertsPerHour: 10,
		},
	}
}

// DefaultPolicies returns the built-in escalation policies.
func DefaultPolicies() []EscalationPolicy {
	return []EscalationPolicy{
		{
			Name: "standard",
			Steps: []EscalationStep{
				{Level: LevelL1, TimeoutMinutes: 30, Channels: []Channel{ChannelDashboard}},
				{Level: LevelL2, TimeoutMinutes: 60, Channels: []Channel{ChannelDashboard, ChannelSyslog}},
				{Level: LevelL3, TimeoutMinutes: 120, Channels: []Channel{ChannelSyslog}},
			},
		},
		{
			Name: "critical-response",
			Steps: []EscalationStep{
				{Level: LevelL1, TimeoutMinutes: 5, Channels: []Channel{ChannelDashboard}},
				{Level: LevelL2, TimeoutMinutes: 15, Channels: []Channel{ChannelDashboard, ChannelSyslog}},
				{Level: LevelL3, TimeoutMinutes: 30, Channels: []Channel{ChannelSyslog}},
				{Level: LevelL4, TimeoutMinutes: 60, Channels: []Channel{ChannelSyslog}},
				{Level: LevelExecutive, TimeoutMinutes: 120, Channels: []Channel{ChannelSyslog}},
			},
		},
	}
}

func containsCategory(list []event.Category, c event.Category) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func containsSeverity(list []event.Severity, s event.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
