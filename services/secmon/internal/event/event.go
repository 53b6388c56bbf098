// Package event defines the security vocabulary shared by every monitor
// component: observed events, severities, threat indicators and response actions.
package event

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// EventType identifies what was observed.
type EventType string

const (
	LoginSuccess        EventType = "login_success"
	LoginFailed         EventType = "login_failed"
	UserNotFound        EventType = "user_not_found"
	Logout              EventType = "logout"
	PasswordChange      EventType = "password_change"
	AccessDenied        EventType = "access_denied"
	DataAccess          EventType = "data_access"
	DataExport          EventType = "data_export"
	DataDownload        EventType = "data_download"
	DataModification    EventType = "data_modification"
	APIRequest          EventType = "api_request"
	APIBulkRequest      EventType = "api_bulk_request"
	PermissionChange    EventType = "permission_change"
	ConfigurationChange EventType = "configuration_change"
	SecurityViolation   EventType = "security_violation"
	SuspiciousActivity  EventType = "suspicious_activity"
)

var knownEventTypes = map[EventType]bool{
	LoginSuccess: true, LoginFailed: true, UserNotFound: true, Logout: true,
	PasswordChange: true, AccessDenied: true, DataAccess: true, DataExport: true,
	DataDownload: true, DataModification: true, APIRequest: true, APIBulkRequest: true,
	PermissionChange: true, ConfigurationChange: true, SecurityViolation: true,
	SuspiciousActivity: true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return knownEventTypes[t]
}

// MaxRiskScore bounds SecurityEvent.RiskScore.
const MaxRiskScore = 10.0

// SecurityEvent is an observed, security relevant occurrence. Values are
// passed by value and never modified after Normalize.
type SecurityEvent struct {
	Type      EventType              `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	UserID    string                 `json:"user_id,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Role      string                 `json:"role,omitempty"`
	Success   bool                   `json:"success"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RiskScore float64                `json:"risk_score"`
}

// Normalize returns a copy with a UTC timestamp (now when unset) and a risk
// score clamped to [0, MaxRiskScore].
func (e SecurityEvent) Normalize(now time.Time) SecurityEvent {
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	switch {
	case math.IsNaN(e.RiskScore) || e.RiskScore < 0:
		e.RiskScore = 0
	case e.RiskScore > MaxRiskScore:
		e.RiskScore = MaxRiskScore
	}
	if e.Details != nil {
		copied := make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			copied[k] = v
		}
		e.Details = copied
	}
	return e
}

// Validate checks the fields every consumer relies on.
func (e SecurityEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// DetailString returns details[key] rendered as a string, or "".
func (e SecurityEvent) DetailString(key string) string {
	v, ok := e.Details[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// DetailFloat returns details[key] as a float, accepting numbers and numeric strings.
func (e SecurityEvent) DetailFloat(key string) (float64, bool) {
	switch v := e.Details[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// DetailBool returns details[key] as a bool; absent or malformed values are false.
func (e SecurityEvent) DetailBool(key string) bool {
	switch v := e.Details[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// FeatureCount is the dimension of the vector returned by Features.
const FeatureCount = 7

// Features returns the anomaly-scoring vector for the event:
// hour of day, day of week, user agent length, success as 0/1,
// IP octet count, session duration in seconds, risk score.
func (e SecurityEvent) Features() []float64 {
	success := 0.0
	if e.Success {
		success = 1
	}
	octets := 0.0
	if e.IPAddress != "" {
		octets = float64(len(strings.Split(e.IPAddress, ".")))
	}
	session, _ := e.DetailFloat("session_duration")

	return []float64{
		float64(e.Timestamp.Hour()),
		float64(e.Timestamp.Weekday()),
		float64(len(e.UserAgent)),
		success,
		octets,
		session,
		e.RiskScore,
	}
}
