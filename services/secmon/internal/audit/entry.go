// Package audit implements the tamper-evident, compliance-tagged audit trail.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
)

// EventType is the audit category of an entry.
type EventType string

const (
	EventAuthentication      EventType = "authentication"
	EventAuthorization       EventType = "authorization"
	EventDataAccess          EventType = "data_access"
	EventDataModification    EventType = "data_modification"
	EventSystemAccess        EventType = "system_access"
	EventSecurityViolation   EventType = "security_violation"
	EventConfigurationChange EventType = "configuration_change"
	EventCompliance          EventType = "compliance"
)

// Valid reports whether t is a known audit category.
func (t EventType) Valid() bool {
	switch t {
	case EventAuthentication, EventAuthorization, EventDataAccess, EventDataModification,
		EventSystemAccess, EventSecurityViolation, EventConfigurationChange, EventCompliance:
		return true
	}
	return false
}

// DefaultRetentionDays is roughly seven years.
const DefaultRetentionDays = 2555

// Entry is one audit record. Entries are append-only: once logged, nothing
// about them changes.
type Entry struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	UserID         string          `json:"user_id,omitempty"`
	Action         string          `json:"action"`
	EventType      EventType       `json:"event_type"`
	ResourceType   string          `json:"resource_type,omitempty"`
	ResourceID     string          `json:"resource_id,omitempty"`
	IPAddress      string          `json:"ip_address,omitempty"`
	UserAgent      string          `json:"user_agent,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	Success        bool            `json:"success"`
	OldValues      json.RawMessage `json:"old_values,omitempty"`
	NewValues      json.RawMessage `json:"new_values,omitempty"`
	AdditionalData json.RawMessage `json:"additional_data,omitempty"`
	Severity       event.Severity  `json:"severity"`
	ComplianceTags []string        `json:"compliance_tags,omitempty"`
	RetentionDays  int             `json:"retention_days"`
	IntegrityHash  string          `json:"integrity_hash"`
	Encrypted      bool            `json:"encrypted"`
}

// complianceRequirements lists the fields each compliance regime insists on.
var complianceRequirements = map[string][]string{
	"gdpr":    {"user_id", "action", "timestamp"},
	"sox":     {"user_id", "action", "timestamp", "resource_type", "resource_id"},
	"hipaa":   {"user_id", "action", "resource_type", "ip_address"},
	"pci_dss": {"user_id", "action", "timestamp", "ip_address"},
}

// missingComplianceField returns the first tag and field the entry fails, if any.
func (e *Entry) missingComplianceField() (string, string) {
	present := map[string]bool{
		"user_id":       e.UserID != "",
		"action":        e.Action != "",
		"timestamp":     !e.Timestamp.IsZero(),
		"resource_type": e.ResourceType != "",
		"resource_id":   e.ResourceID != "",
		"ip_address":    e.IPAddress != "",
	}
	for _, tag := range e.ComplianceTags {
		for _, field := range complianceRequirements[tag] {
			if !present[field] {
				return tag, field
			}
		}
	}
	return "", ""
}

// normalizeTime fixes the representation hashed and persisted: UTC with
// microsecond precision, which is what PostgreSQL hands back.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ComputeHash returns the hex SHA-256 of the entry's canonical form. The
// integrity hash itself is excluded.
func ComputeHash(e *Entry) (string, error) {
	fields := map[string]interface{}{
		"id":              e.ID,
		"timestamp":       normalizeTime(e.Timestamp).Format(time.RFC3339Nano),
		"user_id":         e.UserID,
		"action":          e.Action,
		"event_type":      string(e.EventType),
		"resource_type":   e.ResourceType,
		"resource_id":     e.ResourceID,
		"ip_address":      e.IPAddress,
		"user_agent":      e.UserAgent,
		"session_id":      e.SessionID,
		"success":         e.Success,
		"severity":        string(e.Severity),
		"compliance_tags": nonNil(e.ComplianceTags),
		"retention_days":  e.RetentionDays,
		"encrypted":       e.Encrypted,
	}

	for name, payload := range map[string]json.RawMessage{
		"old_values":      e.OldValues,
		"new_values":      e.NewValues,
		"additional_data": e.AdditionalData,
	} {
		v, err := canonicalPayload(payload, e.Encrypted)
		if err != nil {
			return "", fmt.Errorf("canonicalize %s: %w", name, err)
		}
		fields[name] = v
	}

	// encoding/json writes map keys in sorted order.
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalPayload decodes JSON so re-encoding sorts nested keys. Sealed
// payloads are opaque bytes and are hashed as base64.
func canonicalPayload(payload []byte, sealed bool) (interface{}, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if sealed {
		return base64.StdEncoding.EncodeToString(payload), nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// VerifyIntegrity recomputes the hash and compares it with the stored one.
func VerifyIntegrity(e *Entry) bool {
	if e == nil || e.IntegrityHash == "" {
		return false
	}
	h, err := ComputeHash(e)
	return err == nil && h == e.IntegrityHash
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func (e *Entry) toRecord() *repository.AuditRecord {
	return &repository.AuditRecord{
		ID:             e.ID,
		Timestamp:      e.Timestamp,
		UserID:         e.UserID,
		Action:         e.Action,
		EventType:      string(e.EventType),
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		IPAddress:      e.IPAddress,
		UserAgent:      e.UserAgent,
		SessionID:      e.SessionID,
		Success:        e.Success,
		OldValues:      e.OldValues,
		NewValues:      e.NewValues,
		AdditionalData: e.AdditionalData,
		Severity:       string(e.Severity),
		ComplianceTags: e.ComplianceTags,
		RetentionDays:  e.RetentionDays,
		IntegrityHash:  e.IntegrityHash,
		Encrypted:      e.Encrypted,
	}
}

func fromRecord(r *repository.AuditRecord) *Entry {
	return &Entry{
		ID:             r.ID,
		Timestamp:      r.Timestamp.UTC(),
		UserID:         r.UserID,
		Action:         r.Action,
		EventType:      EventType(r.EventType),
		ResourceType:   r.ResourceType,
		ResourceID:     r.ResourceID,
		IPAddress:      r.IPAddress,
		UserAgent:      r.UserAgent,
		SessionID:      r.SessionID,
		Success:        r.Success,
		OldValues:      rawOrNil(r.OldValues),
		NewValues:      rawOrNil(r.NewValues),
		AdditionalData: rawOrNil(r.AdditionalData),
		Severity:       event.Severity(r.Severity),
		ComplianceTags: r.ComplianceTags,
		RetentionDays:  r.RetentionDays,
		IntegrityHash:  r.IntegrityHash,
		Encrypted:      r.Encrypted,
	}
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// FromSecurityEvent derives the audit entry recorded for an observed event.
func FromSecurityEvent(ev event.SecurityEvent) *Entry {
	entry := &Entry{
		Timestamp:    ev.Timestamp,
		UserID:       ev.UserID,
		Action:       string(ev.Type),
		EventType:    categoryOf(ev.Type),
		ResourceType: ev.DetailString("resource_type"),
		ResourceID:   ev.DetailString("resource_id"),
		IPAddress:    ev.IPAddress,
		UserAgent:    ev.UserAgent,
		SessionID:    ev.SessionID,
		Success:      ev.Success,
		Severity:     severityOf(ev),
	}
	if len(ev.Details) > 0 {
		if data, err := json.Marshal(ev.Details); err == nil {
			entry.AdditionalData = data
		}
	}
	return entry
}

func categoryOf(t event.EventType) EventType {
	switch t {
	case event.LoginSuccess, event.LoginFailed, event.UserNotFound, event.Logout, event.PasswordChange:
		return EventAuthentication
	case event.AccessDenied, event.PermissionChange:
		return EventAuthorization
	case event.DataModification:
		return EventDataModification
	case event.ConfigurationChange:
		return EventConfigurationChange
	case event.SecurityViolation, event.SuspiciousActivity:
		return EventSecurityViolation
	default:
		return EventDataAccess
	}
}

func severityOf(ev event.SecurityEvent) event.Severity {
	var s event.Severity
	switch {
	case ev.RiskScore >= 8:
		s = event.SeverityCritical
	case ev.RiskScore >= 6:
		s = event.SeverityHigh
	case ev.RiskScore >= 3:
		s = event.SeverityMedium
	default:
		s = event.SeverityLow
	}
	switch ev.Type {
	case event.AccessDenied, event.SecurityViolation, event.PermissionChange:
		if !s.AtLeast(event.SeverityMedium) {
			s = event.SeverityMedium
		}
	}
	return s
}
