package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity orders how serious an indicator, alert or audit entry is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight is the scoring weight: low=1, medium=2, high=3, critical=4. Unknown is 0.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the four levels.
func (s Severity) Valid() bool {
	return s.Weight() > 0
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Weight() >= min.Weight()
}

// ParseSeverity accepts any case; the empty string maps to low.
func ParseSeverity(v string) (Severity, error) {
	if v == "" {
		return SeverityLow, nil
	}
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Category classifies a detected threat.
type Category string

const (
	CategoryBruteForce          Category = "brute_force"
	CategoryAccountEnumeration  Category = "account_enumeration"
	CategoryAccountTakeover     Category = "account_takeover"
	CategoryDataExfiltration    Category = "data_exfiltration"
	CategoryPrivilegeEscalation Category = "privilege_escalation"
	CategoryAPIAbuse            Category = "api_abuse"
	CategoryAnomalousBehavior   Category = "anomalous_behavior"
	CategoryMalware             Category = "malware"
	CategorySuspiciousIP        Category = "suspicious_ip"
)

// Action is a response the orchestrator knows how to execute.
type Action string

const (
	ActionNone                 Action = ""
	ActionBlockIP              Action = "block_ip"
	ActionBlockRequestAndAlert Action = "block_request_and_alert"
	ActionLockAccount          Action = "lock_account"
	ActionRequireMFA           Action = "require_mfa"
	ActionRateLimit            Action = "rate_limit"
	ActionAlertOnly            Action = "alert_only"
	ActionEscalate             Action = "escalate"
	ActionQuarantine           Action = "quarantine"
	ActionInvestigate          Action = "investigate"
)

// Valid reports whether a is a known, non-empty action.
func (a Action) Valid() bool {
	switch a {
	case ActionBlockIP, ActionBlockRequestAndAlert, ActionLockAccount, ActionRequireMFA,
		ActionRateLimit, ActionAlertOnly, ActionEscalate, ActionQuarantine, ActionInvestigate:
		return true
	}
	return false
}

// ThreatIndicator is the detection engine's verdict for one event.
type ThreatIndicator struct {
	ID                       string    `json:"id"`
	Timestamp                time.Time `json:"timestamp"`
	Category                 Category  `json:"category"`
	Level                    Severity  `json:"level"`
	Confidence               float64   `json:"confidence"`
	SourceIP                 string    `json:"source_ip,omitempty"`
	UserID                   string    `json:"user_id,omitempty"`
	Description              string    `json:"description"`
	Indicators               []string  `json:"indicators"`
	AffectedResources        []string  `json:"affected_resources,omitempty"`
	RecommendedActions       []Action  `json:"recommended_actions"`
	AutomatedResponse        Action    `json:"automated_response,omitempty"`
	RuleID                   string    `json:"rule_id"`
	FalsePositiveProbability float64   `json:"false_positive_probability"`
}

// NewIndicator fills the identity, time and derived fields of an indicator.
// Confidence is clamped to [0, 1].
func NewIndicator(ruleID string, category Category, level Severity, confidence float64, at time.Time) *ThreatIndicator {
	confidence = ClampUnit(confidence)
	return &ThreatIndicator{
		ID:                       uuid.NewString(),
		Timestamp:                at.UTC(),
		Category:                 category,
		Level:                    level,
		Confidence:               confidence,
		RuleID:                   ruleID,
		Indicators:               []string{},
		RecommendedActions:       []Action{},
		FalsePositiveProbability: ClampUnit(1 - confidence),
	}
}

// Score is severity weight times confidence, the selection key among competing indicators.
func (t *ThreatIndicator) Score() float64 {
	return float64(t.Level.Weight()) * t.Confidence
}

// Outranks reports whether t should be selected over other. Equal scores
// prefer the lexicographically smaller rule id.
func (t *ThreatIndicator) Outranks(other *ThreatIndicator) bool {
	if other == nil {
		return true
	}
	ts, os := t.Score(), other.Score()
	if ts != os {
		return ts > os
	}
	return t.RuleID < other.RuleID
}

// Identity is the rate limiting and response key for an actor: the user
// when known, otherwise the source address.
func Identity(userID, ip string) string {
	if userID != "" {
		return "user:" + userID
	}
	if ip != "" {
		return "ip:" + ip
	}
	return "anonymous"
}

// ClampUnit bounds v to [0, 1].
func ClampUnit(v float64) float64 {
	switch {
	case v < 0 || v != v:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
