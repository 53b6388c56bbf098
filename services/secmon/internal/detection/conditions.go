package detection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
)

// Store keys for detector state.
const (
	bruteForcePrefix     = "threat:bruteforce:ip:"
	sprayPrefix          = "threat:spray:ip:"
	enumerationPrefix    = "threat:enum:ip:"
	lastLocationPrefix   = "threat:ato:location:"
	lastDevicePrefix     = "threat:ato:device:"
	passwordChangePrefix = "threat:ato:password_changed:"
	privEscPrefix        = "threat:privesc:user:"
	apiRatePrefix        = "threat:api:"
)

// Condition is the typed parameter set of one rule kind. The set of
// implementations is closed; each knows how to evaluate itself.
type Condition interface {
	Validate() error
	defaultCategory() event.Category
	defaultEventTypes() []event.EventType
	evaluate(ctx context.Context, env *evalEnv, r *Rule, ev event.SecurityEvent) (*event.ThreatIndicator, error)
}

// evalEnv is what a condition may use while evaluating one event.
type evalEnv struct {
	store    repository.EventStore
	location string
	now      time.Time
}

func defaultCondition(kind Kind) (Condition, error) {
	switch kind {
	case KindBruteForce:
		return &BruteForceCondition{Threshold: 5, WindowSeconds: 300}, nil
	case KindPasswordSpray:
		return &PasswordSprayCondition{UniqueUsers: 10, WindowSeconds: 300}, nil
	case KindAccountEnumeration:
		return &EnumerationCondition{Threshold: 20, WindowSeconds: 300}, nil
	case KindAccountTakeover:
		return defaultTakeoverCondition(), nil
	case KindDataExfiltration:
		return &ExfiltrationCondition{ThresholdMB: 100}, nil
	case KindPrivilegeEscalation:
		return &PrivilegeEscalationCondition{Threshold: 10, WindowSeconds: 600}, nil
	case KindAPIAbuse:
		return &APIAbuseCondition{Threshold: 100, WindowSeconds: 60}, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", kind)
	}
}

// indicator builds an indicator raised by r for ev. The rule's actions
// override the detector's recommendation; the first one becomes the
// automated response when the rule auto-responds.
func (r *Rule) indicator(level event.Severity, confidence float64, ev event.SecurityEvent, recommended ...event.Action) *event.ThreatIndicator {
	ind := event.NewIndicator(r.ID, r.Category, level, confidence, ev.Timestamp)
	ind.SourceIP = ev.IPAddress
	ind.UserID = ev.UserID

	actions := r.Actions
	if len(actions) == 0 {
		actions = recommended
	}
	ind.RecommendedActions = append([]event.Action{}, actions...)
	if r.AutoRespond && len(actions) > 0 {
		ind.AutomatedResponse = actions[0]
	}
	return ind
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func ratio(n int64, threshold int) float64 {
	return math.Min(1, float64(n)/float64(threshold))
}

func validateWindow(name string, threshold, window int) error {
	if threshold <= 0 {
		return fmt.Errorf("%s threshold must be positive", name)
	}
	if window <= 0 {
		return fmt.Errorf("%s window_seconds must be positive", name)
	}
	return nil
}

// BruteForceCondition counts failed logins per source address.
type BruteForceCondition struct {
	Threshold     int `json:"threshold" yaml:"threshold"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

func (c *BruteForceCondition) Validate() error {
	return validateWindow("brute_force", c.Threshold, c.WindowSeconds)
}

func (c *BruteForceCondition) defaultCategory() event.Category { return event.CategoryBruteForce }

func (c *BruteForceCondition) defaultEventTypes() []event.EventType {
	return []event.EventType{event.LoginFailed}
}

func (c *BruteForceCondition) evaluate(ctx context.Context, env *evalEnv, r *Rule, ev event.SecurityEvent) (*event.ThreatIndicator, error) {
	if ev.IPAddress == "" {
		return nil, nil
	}
	n, err := env.store.IncrementWithExpiry(ctx, bruteForcePrefix+ev.IPAddress, 1, seconds(c.WindowSeconds))
	if err != nil {
		return nil, err
	}
	if n < int64(c.Threshold) {
		return nil, nil
	}

	ind := r.indicator(event.SeverityHigh, ratio(n, c.Threshold), ev, event.ActionBlockIP, event.ActionAlertOnly)
	ind.Description = fmt.Sprintf("%d failed logins from %s within %ds", n, ev.IPAddress, c.WindowSeconds)
	ind.Indicators = []string{fmt.Sprintf("Failed login attempts: %d", n)}
	return ind, nil
}

// PasswordSprayCondition counts distinct usernames tried from one address.
type PasswordSprayCondition struct {
	UniqueUsers   int `json:"unique_users" yaml:"unique_users"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

func (c *PasswordSprayCondition) Validate() error {
	return validateWindow("password_spray", c.UniqueUsers, c.WindowSeconds)
}

func (c *PasswordSprayCondition) defaultCategory() event.Category { return event.CategoryBruteForce }

func (c *PasswordSprayCondition) defaultEventTypes() []event.EventType {
	return []event.EventType{event.LoginFailed}
}

func (c *PasswordSprayCondition) evaluate(ctx context.Context, env *evalEnv, r *Rule, ev event.SecurityEvent) (*event.ThreatIndicator, error) {
	username := ev.UserID
	if username == "" {
		username = ev.DetailString("username")
	}
	if ev.IPAddress == "" || username == "" {
		return nil, nil
	}

	key := sprayPrefix + ev.IPAddress
	if err := env.store.SetAdd(ctx, key, username); err != nil {
		return nil, err
	}
	ttl, err := env.store.TTL(ctx, key)
	if err != nil {
		return nil, err
	}
	if ttl == 0 {
		if err := env.store.Expire(ctx, key, seconds(c.WindowSeconds)); err != nil {
			return nil, err
		}
	}

	n, err := env.store.SetCardinality(ctx, key)
	if err != nil {
		return nil, err
	}
	if n < int64(c.UniqueUsers) {
		return nil, nil
	}

	ind := r.indicator(event.SeverityHigh, ratio(n, c.UniqueUsers), ev, event.ActionBlockIP, event.ActionAlertOnly)
	ind.Description = fmt.Sprintf("password spray from %s: %d distinct accounts within %ds", ev.IPAddress, n, c.WindowSeconds)
	ind.Indicators = []string{fmt.Sprintf("Unique usernames attempted: %d", n)}
	return ind, nil
}

// EnumerationCondition counts lookups of nonexistent accounts per address.
type EnumerationCondition struct {
	Threshold     int `json:"threshold" yaml:"threshold"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

func (c *EnumerationCondition) Validate() error {
	return validateWindow("account_enumeration", c.Threshold, c.WindowSeconds)
}

func (c *EnumerationCondition) defaultCategory() event.Category {
	return event.CategoryAccountEnumeration
}

func (c *EnumerationCondition) defaultEventTypes() []event.EventType {
	return []event.EventType{event.UserNotFound}
}

func (c *EnumerationCondition) evaluate(ctx context.Context, env *evalEnv, r *Rule, ev event.SecurityEvent) (*event.ThreatIndicator, error) {
	if ev.IPAddress == "" {
		return nil, nil
	}
	n, err := env.store.IncrementWithExpiry(ctx, enumerationPrefix+ev.IPAddress, 1, seconds(c.WindowSeconds))
	if err != nil {
		return nil, err
	}
	if n < int64(c.Threshold) {
		return nil, nil
	}

	ind := r.indicator(event.SeverityMedium, ratio(n, c.Threshold), ev, event.ActionRateLimit, event.ActionAlertOnly)
	ind.Description = fmt.Sprintf("%d unknown-account lookups from %s within %ds", n, ev.IPAddress, c.WindowSeconds)
	ind.Indicators = []string{fmt.Sprintf("Nonexistent accounts tried: %d", n)}
	return ind, nil
}

// TakeoverCondition weighs signals that a successful login is not the account owner.
type TakeoverCondition struct {
	LocationWeight       float64 `json:"location_weight" yaml:"location_weight"`
	DeviceWeight         float64 `json:"device_weight" yaml:"device_weight"`
	PasswordChangeWeight float64 `json:"password_change_weight" yaml:"password_change_weight"`
	MinConfidence        float64 `json:"min_confidence" yaml:"min_confidence"`
	HighConfidence       float64 `json:"high_confidence" yaml:"high_confidence"`
	HistoryTTLSeconds    int     `json:"history_ttl_seconds" yaml:"history_ttl_seconds"`
}

func defaultTakeoverCondition() *TakeoverCondition {
	return &TakeoverCondition{
		LocationWeight:       0.4,
		DeviceWeight:         0.3,
		PasswordChangeWeight: 0.3,
		MinConfidence:        0.5,
		HighConfidence:       0.7,
		HistoryTTLSeconds:    90 * 24 * 3600,
	}
}

func (c *TakeoverCondition) Validate() error {
	for name, w := range map[string]float64{
		"location_weight":        c.LocationWeight,
		"device_weight":          c.DeviceWeight,
		"password_change_weight": c.PasswordChangeWeight,
		"high_confidence":        c.HighConfidence,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("account_takeover %s must be within [0, 1]", name)
		}
	}
	if c.MinConfidence <= 0 || c.MinConfidence > 1 {
		return fmt.Errorf("account_takeover min_confidence must be within (0, 1]")
	}
	if c.HistoryTTLSeconds <= 0 {
		return fmt.Errorf("account_takeover history_ttl_seconds must be positive")
	}
	return nil
}

func (c *TakeoverCondition) defaultCategory() event.Category { return event.CategoryAccountTakeover }

func (c *TakeoverCondition) defaultEventTypes() []event.EventType {
	return []event.EventType{event.LoginSuccess}
}

func (c *TakeoverCondition) evaluate(ctx context.Context, env *evalEnv, r *Rule, ev event.SecurityEvent) (*event.ThreatIndicator, error) {
	if ev.UserID == "" {
		return nil, nil
	}

	location := env.location
	device := DeviceFingerprint(ev)

	locKey := lastLocationPrefix + ev.UserID
	devKey := lastDevicePrefix + ev.UserID
	prevLocation, err := getOptional(ctx, env.store, locKey)
	if err != nil {
		return nil, err
	}
	prevDevice, err := getOptional(ctx, env.store, devKey)
	if err != nil {
		return nil, err
	}
	passwordChanged, err := env.store.Exists(ctx, passwordChangePrefix+ev.UserID)
	if err != nil {
		return nil, err
	}

	history := seconds(c.HistoryTTLSeconds)
	if location != "" {
		if err := env.store.SetWithExpiry(ctx, locKey, location, history); err != nil {
			return nil, err
		}
	}
	if device != "" {
		if err := env.store.SetWithExpiry(ctx, devKey, device, history); err != nil {
			return nil, err
		}
	}

	var (
		confidence float64
		signals    []string
	)
	if location != "" && prevLocation != "" && location != prevLocation {
		confidence += c.LocationWeight
		signals = append(signals, fmt.Sprintf("Location changed: %s -> %s", prevLocation, location))
	}
	if device != "" && prevDevice != "" && device != prevDevice {
		confidence += c.DeviceWeight
		signals = append(signals, "Device changed")
	}
	if passwordChanged {
		confidence += c.PasswordChangeWeight
		signals = append(signals, "Recent password change")
	}
	confidence = math.Round(confidence*100) / 100
	if confidence < c.MinConfidence {
		return nil, nil
	}

	level := event.SeverityMedium
	if confidence > c.HighConfidence {
		level = event.SeverityHigh
	}
	ind := r.indicator(level, confidence, ev, event.ActionRequireMFA, event.ActionAlertOnly)
	ind.Description = fmt.Sprintf("possible takeover of account %s", ev.UserID)
	ind.Indicators = signals
	ind.AffectedResources = []string{"user:" + ev.UserID}
	return ind, nil
}

// DeviceFingerprint is details.device_fingerprint, else a digest of the user agent.
func DeviceFingerprint(ev event.SecurityEvent) string {
	if fp := ev.DetailString("device_fingerprint"); fp != "" {
		return fp
	}
	if ev.UserAgent == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ev.UserAgent))
	return hex.EncodeToString(sum[:8])
}

// ExfiltrationCondition flags unusually large data transfers.
type ExfiltrationCondition struct {
	ThresholdMB float64 `json:"threshold_mb" yaml:"threshold_mb"`
}

func (c *ExfiltrationCondition) Validate() error {
	if c.ThresholdMB <= 0 {
		return fmt.Errorf("data_exfiltration threshold_mb must be positive")
	}
	return nil
}

func (c *ExfiltrationCondition) defaultCategory() event.Category {
	return event.CategoryDataExfiltration
}

func (c *ExfiltrationCondition) defaultEventTypes() []event.EventType {
	return []event.EventType{event.DataExport, event.DataDownload, event.APIBulkRequest}
}

// evaluate never sets an automated response: exfiltration always goes to a human.
func (c *ExfiltrationCondition) evaluate(_ context.Context, _ *evalEnv, r *Rule, ev event.SecurityEvent) (*event.ThreatIndicator, error) {
	size, ok := ev.DetailFloat("data_size_mb")
	if !ok || size <= c.ThresholdMB {
		return nil, nil
	}

	ind := r.indicator(event.SeverityCritical, math.Min(1, size/c.ThresholdMB), ev, event.ActionQuarantine, event.ActionEscalate)
	ind.AutomatedResponse = event.ActionNone
	ind.Description = fmt.Sprintf("%.1f MB transferred, threshold %.1f MB", size, c.ThresholdMB)
	ind.Indicators = []string{fmt.Sprintf("Data size: %.1f MB", size)}
	if rt := ev.DetailString("resource_type"); rt != "" {
		ind.AffectedResources = []string{rt + ":" + ev.DetailString("resource_id")}
	}
	return ind, nil
}

// PrivilegeEscalationCondition counts authorization failures per user.
type PrivilegeEscalationCondition struct {
	Threshold     int `json:"threshold" yaml:"threshold"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

func (c *PrivilegeEscalationCondition) Validate() error {
	return validateWindow("privilege_escalation", c.Threshold, c.WindowSeconds)
}

func (c *PrivilegeEscalationCondition) defaultCategory() event.Category {
	return event.CategoryPrivilegeEscalation
}

func (c *PrivilegeEscalationCondition) defaultEventTypes() []event.EventType {
	return []event.EventType{event.AccessDenied}
}

func (c *PrivilegeEscalationCondition) evaluate(ctx context.Context, env *evalEnv, r *Rule, ev event.SecurityEvent) (*event.ThreatIndicator, error) {
	if ev.UserID == "" {
		return nil, nil
	}
	n, err := env.store.IncrementWithExpiry(ctx, privEscPrefix+ev.UserID, 1, seconds(c.WindowSeconds))
	if err != nil {
		return nil, err
	}
	if n < int64(c.Threshold) {
		return nil, nil
	}

	ind := r.indicator(event.SeverityHigh, ratio(n, c.Threshold), ev, event.ActionLockAccount, event.ActionEscalate)
	ind.Description = fmt.Sprintf("%d denied authorizations for %s within %ds", n, ev.UserID, c.WindowSeconds)
	ind.Indicators = []string{fmt.Sprintf("Access denied: %d", n)}
	if res := ev.DetailString("resource_type"); res != "" {
		ind.AffectedResources = []string{res}
	}
	return ind, nil
}

// APIAbuseCondition is a sliding-window request count per identity.
type APIAbuseCondition struct {
	Threshold     int `json:"threshold" yaml:"threshold"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

func (c *APIAbuseCondition) Validate() error {
	return validateWindow("api_abuse", c.Threshold, c.WindowSeconds)
}

func (c *APIAbuseCondition) defaultCategory() event.Category { return event.CategoryAPIAbuse }

func (c *APIAbuseCondition) defaultEventTypes() []event.EventType {
	return []event.EventType{event.APIRequest}
}

func (c *APIAbuseCondition) evaluate(ctx context.Context, env *evalEnv, r *Rule, ev event.SecurityEvent) (*event.ThreatIndicator, error) {
	identity := event.Identity(ev.UserID, ev.IPAddress)
	if identity == "anonymous" {
		return nil, nil
	}

	key := apiRatePrefix + identity
	window := seconds(c.WindowSeconds)
	nowMs := float64(env.now.UnixMilli())
	if err := env.store.SortedSetRemoveRangeByScore(ctx, key, math.Inf(-1), nowMs-float64(window.Milliseconds())); err != nil {
		return nil, err
	}
	if err := env.store.SortedSetAdd(ctx, key, uuid.NewString(), nowMs); err != nil {
		return nil, err
	}
	if err := env.store.Expire(ctx, key, window); err != nil {
		return nil, err
	}
	n, err := env.store.SortedSetCount(ctx, key, math.Inf(-1), math.Inf(1))
	if err != nil {
		return nil, err
	}
	if n < int64(c.Threshold) {
		return nil, nil
	}

	ind := r.indicator(event.SeverityMedium, ratio(n, c.Threshold), ev, event.ActionRateLimit)
	ind.Description = fmt.Sprintf("%d API requests from %s within %ds", n, identity, c.WindowSeconds)
	ind.Indicators = []string{fmt.Sprintf("Requests in window: %d", n)}
	if ep := ev.DetailString("endpoint"); ep != "" {
		ind.AffectedResources = []string{ep}
	}
	return ind, nil
}

func getOptional(ctx context.Context, store repository.EventStore, key string) (string, error) {
	v, err := store.Get(ctx, key)
	if errors.Is(err, repository.ErrKeyNotFound) {
		return "", nil
	}
	return v, err
}
