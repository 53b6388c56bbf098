// Package detection analyzes security events against declarative rules,
// behavioral baselines, a statistical scorer and threat intelligence, and
// selects the single most significant threat indicator per event.
package detection

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
)

// Kind selects the detector a rule runs and therefore the shape of its conditions.
type Kind string

const (
	KindBruteForce          Kind = "brute_force"
	KindPasswordSpray       Kind = "password_spray"
	KindAccountEnumeration  Kind = "account_enumeration"
	KindAccountTakeover     Kind = "account_takeover"
	KindDataExfiltration    Kind = "data_exfiltration"
	KindPrivilegeEscalation Kind = "privilege_escalation"
	KindAPIAbuse            Kind = "api_abuse"
)

// Rule is one declarative detection rule.
type Rule struct {
	ID                string            `json:"id" yaml:"id"`
	Name              string            `json:"name" yaml:"name"`
	Kind              Kind              `json:"type" yaml:"type"`
	Category          event.Category    `json:"category" yaml:"category"`
	Enabled           bool              `json:"enabled" yaml:"enabled"`
	EventTypes        []event.EventType `json:"event_types" yaml:"event_types"`
	Condition         Condition         `json:"conditions" yaml:"-"`
	Actions           []event.Action    `json:"actions" yaml:"actions"`
	AutoRespond       bool              `json:"auto_respond" yaml:"auto_respond"`
	SeverityThreshold event.Severity    `json:"severity_threshold,omitempty" yaml:"severity_threshold"`
}

// UnmarshalYAML decodes the rule and its conditions into the variant
// selected by the rule type (falling back to its category). Omitted
// condition fields keep their defaults; an omitted enabled flag means true.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ID                string            `yaml:"id"`
		Name              string            `yaml:"name"`
		Kind              Kind              `yaml:"type"`
		Category          event.Category    `yaml:"category"`
		Enabled           *bool             `yaml:"enabled"`
		EventTypes        []event.EventType `yaml:"event_types"`
		Conditions        yaml.Node         `yaml:"conditions"`
		Actions           []event.Action    `yaml:"actions"`
		AutoRespond       bool              `yaml:"auto_respond"`
		SeverityThreshold event.Severity    `yaml:"severity_threshold"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	kind := raw.Kind
	if kind == "" {
		kind = Kind(raw.Category)
	}
	cond, err := defaultCondition(kind)
	if err != nil {
		return fmt.Errorf("rule %q: %w", raw.ID, err)
	}
	if raw.Conditions.Kind != 0 {
		if err := raw.Conditions.Decode(cond); err != nil {
			return fmt.Errorf("rule %q conditions: %w", raw.ID, err)
		}
	}

	category := raw.Category
	if category == "" {
		category = cond.defaultCategory()
	}

	*r = Rule{
		ID:                raw.ID,
		Name:              raw.Name,
		Kind:              kind,
		Category:          category,
		Enabled:           raw.Enabled == nil || *raw.Enabled,
		EventTypes:        raw.EventTypes,
		Condition:         cond,
		Actions:           raw.Actions,
		AutoRespond:       raw.AutoRespond,
		SeverityThreshold: raw.SeverityThreshold,
	}
	return nil
}

// Validate checks the rule is complete and its conditions are usable.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Condition == nil {
		return fmt.Errorf("rule %q has no conditions", r.ID)
	}
	if !knownCategories[r.Category] {
		return fmt.Errorf("rule %q has unknown category %q", r.ID, r.Category)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	for _, t := range r.EventTypes {
		if !t.Valid() {
			return fmt.Errorf("rule %q has unknown event type %q", r.ID, t)
		}
	}
	for _, a := range r.Actions {
		if !a.Valid() {
			return fmt.Errorf("rule %q has unknown action %q", r.ID, a)
		}
	}
	if r.SeverityThreshold != "" && !r.SeverityThreshold.Valid() {
		return fmt.Errorf("rule %q has unknown severity threshold %q", r.ID, r.SeverityThreshold)
	}
	return nil
}

// appliesTo reports whether the rule evaluates events of type t.
func (r *Rule) appliesTo(t event.EventType) bool {
	types := r.EventTypes
	if len(types) == 0 {
		types = r.Condition.defaultEventTypes()
	}
	for _, et := range types {
		if et == t {
			return true
		}
	}
	return false
}

var knownCategories = map[event.Category]bool{
	event.CategoryBruteForce:          true,
	event.CategoryAccountEnumeration:  true,
	event.CategoryAccountTakeover:     true,
	event.CategoryDataExfiltration:    true,
	event.CategoryPrivilegeEscalation: true,
	event.CategoryAPIAbuse:            true,
	event.CategoryAnomalousBehavior:   true,
	event.CategoryMalware:             true,
	event.CategorySuspiciousIP:        true,
}

// DefaultRules returns the canonical rule set used when no policy file is configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "brute-force",
			Name:        "Brute force login",
			Kind:        KindBruteForce,
			Category:    event.CategoryBruteForce,
			Enabled:     true,
			Condition:   &BruteForceCondition{Threshold: 5, WindowSeconds: 300},
			Actions:     []event.Action{event.ActionBlockIP, event.ActionAlertOnly},
			AutoRespond: true,
		},
		{
			ID:          "password-spray",
			Name:        "Password spray",
			Kind:        KindPasswordSpray,
			Category:    event.CategoryBruteForce,
			Enabled:     true,
			Condition:   &PasswordSprayCondition{UniqueUsers: 10, WindowSeconds: 300},
			Actions:     []event.Action{event.ActionBlockIP, event.ActionAlertOnly},
			AutoRespond: true,
		},
		{
			ID:        "account-enumeration",
			Name:      "Account enumeration",
			Kind:      KindAccountEnumeration,
			Category:  event.CategoryAccountEnumeration,
			Enabled:   true,
			Condition: &EnumerationCondition{Threshold: 20, WindowSeconds: 300},
			Actions:   []event.Action{event.ActionRateLimit, event.ActionAlertOnly},
		},
		{
			ID:        "account-takeover",
			Name:      "Account takeover",
			Kind:      KindAccountTakeover,
			Category:  event.CategoryAccountTakeover,
			Enabled:   true,
			Condition: defaultTakeoverCondition(),
			Actions:   []event.Action{event.ActionRequireMFA, event.ActionAlertOnly},
		},
		{
			ID:        "data-exfiltration",
			Name:      "Large data export",
			Kind:      KindDataExfiltration,
			Category:  event.CategoryDataExfiltration,
			Enabled:   true,
			Condition: &ExfiltrationCondition{ThresholdMB: 100},
			Actions:   []event.Action{event.ActionQuarantine, event.ActionEscalate},
		},
		{
			ID:          "privilege-escalation",
			Name:        "Repeated authorization failures",
			Kind:        KindPrivilegeEscalation,
			Category:    event.CategoryPrivilegeEscalation,
			Enabled:     true,
			Condition:   &PrivilegeEscalationCondition{Threshold: 10, WindowSeconds: 600},
			Actions:     []event.Action{event.ActionLockAccount, event.ActionEscalate},
			AutoRespond: true,
		},
		{
			ID:          "api-abuse",
			Name:        "API request flood",
			Kind:        KindAPIAbuse,
			Category:    event.CategoryAPIAbuse,
			Enabled:     true,
			Condition:   &APIAbuseCondition{Threshold: 100, WindowSeconds: 60},
			Actions:     []event.Action{event.ActionRateLimit},
			AutoRespond: true,
		},
	}
}
