// Package config provides configuration for the security monitor service.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	baseconfig "github.com/siem-soar-platform/security-monitor/pkg/config"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/alerting"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/detection"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/ratelimit"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/response"
)

// Config holds the security monitor configuration.
type Config struct {
	*baseconfig.Config

	// Kafka topics
	EventsTopic string
	AlertsTopic string

	// Event store
	KeyPrefix string

	// Alerting
	EscalationPollInterval time.Duration
	WebhookURL             string
	WebhookSecret          string

	Policy *Policy
}

// Load reads the environment and the policy file it names.
func Load() (*Config, error) {
	base, err := baseconfig.Load()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Config:                 base,
		EventsTopic:            baseconfig.GetEnv("KAFKA_EVENTS_TOPIC", "security.events"),
		AlertsTopic:            baseconfig.GetEnv("KAFKA_ALERTS_TOPIC", "security.alerts"),
		KeyPrefix:              baseconfig.GetEnv("REDIS_KEY_PREFIX", "secmon:"),
		EscalationPollInterval: baseconfig.GetEnvAsDuration("ESCALATION_POLL_INTERVAL", 30*time.Second),
		WebhookURL:             baseconfig.GetEnv("ALERT_WEBHOOK_URL", ""),
		WebhookSecret:          baseconfig.GetEnv("ALERT_WEBHOOK_SECRET", ""),
	}

	cfg.Policy, err = LoadPolicy(base.PolicyFile)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the service specific settings.
func (c *Config) Validate() error {
	if c.EventsTopic == "" {
		return fmt.Errorf("KAFKA_EVENTS_TOPIC must not be empty")
	}
	if c.EscalationPollInterval <= 0 {
		return fmt.Errorf("ESCALATION_POLL_INTERVAL must be positive")
	}
	if c.Policy == nil {
		return fmt.Errorf("security policy is not loaded")
	}
	return c.Policy.Validate()
}

// ThreatIntel seeds the store-backed threat intelligence provider.
type ThreatIntel struct {
	BadIPs     []string           `yaml:"bad_ips"`
	Reputation map[string]float64 `yaml:"reputation"`
}

// Policy is the security policy file. Sections left out of the file keep
// their built-in defaults; a section that is present replaces the default.
type Policy struct {
	DetectionRules     []detection.Rule            `yaml:"detection_rules"`
	AlertRules         []alerting.Rule             `yaml:"alert_rules"`
	EscalationPolicies []alerting.EscalationPolicy `yaml:"escalation_policies"`
	RateLimits         ratelimit.Config            `yaml:"rate_limits"`
	Response           response.Config             `yaml:"response"`
	ThreatIntel        ThreatIntel                 `yaml:"threat_intel"`
}

// DefaultPolicy returns the built-in security policy.
func DefaultPolicy() *Policy {
	return &Policy{
		DetectionRules:     detection.DefaultRules(),
		AlertRules:         alerting.DefaultRules(),
		EscalationPolicies: alerting.DefaultPolicies(),
		RateLimits:         ratelimit.DefaultConfig(),
		Response:           response.DefaultConfig(),
	}
}

// LoadPolicy reads the policy file at path. An empty path yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy decodes a policy document over the defaults and validates it.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks every rule, policy and limit in p.
func (p *Policy) Validate() error {
	seen := make(map[string]bool, len(p.DetectionRules))
	for i := range p.DetectionRules {
		r := &p.DetectionRules[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate detection rule id %q", r.ID)
		}
		seen[r.ID] = true
	}

	clear(seen)
	for _, r := range p.AlertRules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate alert rule id %q", r.ID)
		}
		seen[r.ID] = true
	}

	for _, ep := range p.EscalationPolicies {
		if err := ep.Validate(); err != nil {
			return err
		}
	}

	if err := p.RateLimits.Validate(); err != nil {
		return err
	}

	for _, ip := range p.ThreatIntel.BadIPs {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("threat intel bad ip %q is not an address", ip)
		}
	}
	for ip, score := range p.ThreatIntel.Reputation {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("threat intel reputation key %q is not an address", ip)
		}
		if score < 0 || score > 1 {
			return fmt.Errorf("threat intel reputation for %s must be within [0, 1]", ip)
		}
	}
	return nil
}
