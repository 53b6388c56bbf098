package detection

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/metrics"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/response"
)

// Rule ids of the indicators raised outside declarative rules.
const (
	RuleBehavioralHour     = "behavioral:login_hour"
	RuleBehavioralLocation = "behavioral:location"
	RuleStatisticalAnomaly = "ml:anomaly"
	RuleKnownBadIP         = "intel:known_bad_ip"
	RuleLowReputation      = "intel:reputation"
)

// Responder executes an automated response for the selected indicator.
type Responder interface {
	Execute(ctx context.Context, ind *event.ThreatIndicator, action event.Action) (*response.Result, error)
}

// Config holds engine configuration.
type Config struct {
	StageTimeout        time.Duration `json:"stage_timeout"`
	ReputationThreshold float64       `json:"reputation_threshold"`
	PasswordChangeTTL   time.Duration `json:"password_change_ttl"`
	ProfileCacheSize    int           `json:"profile_cache_size"`
	ProfileTTL          time.Duration `json:"profile_ttl"`
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		StageTimeout:        5 * time.Second,
		ReputationThreshold: 0.3,
		PasswordChangeTTL:   24 * time.Hour,
		ProfileCacheSize:    10000,
		ProfileTTL:          90 * 24 * time.Hour,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLocator sets the IP location resolver. Defaults to PrefixLocator.
func WithLocator(l Locator) Option { return func(e *Engine) { e.locator = l } }

// WithScorer enables the statistical anomaly stage.
func WithScorer(s AnomalyScorer) Option { return func(e *Engine) { e.scorer = s } }

// WithIntel sets the threat intelligence provider. Defaults to StoreIntel.
func WithIntel(p IntelProvider) Option { return func(e *Engine) { e.intel = p } }

// WithObserver sets the profile update strategy. Defaults to DefaultFrequencyObserver.
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// Analysis is the outcome of analyzing one event.
type Analysis struct {
	Indicator   *event.ThreatIndicator
	Response    *response.Result
	ResponseErr error
}

// Engine runs every detection stage for an event and selects one indicator.
// Stage failures are logged and never abort the analysis.
type Engine struct {
	cfg       Config
	store     repository.EventStore
	locator   Locator
	profiles  *ProfileStore
	observer  Observer
	scorer    AnomalyScorer
	intel     IntelProvider
	responder Responder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	rules   []Rule
	rulesMu sync.RWMutex

	eventsAnalyzed atomic.Uint64
	indicators     atomic.Uint64
	stageFailures  atomic.Uint64
	responses      atomic.Uint64
}

// NewEngine creates a detection engine. The rules are validated; responder may
// be nil, in which case automated responses are only reported.
func NewEngine(cfg Config, store repository.EventStore, rules []Rule, responder Responder, m *metrics.Metrics, logger *slog.Logger, opts ...Option) (*Engine, error) {
	def := DefaultConfig()
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.ReputationThreshold <= 0 {
		cfg.ReputationThreshold = def.ReputationThreshold
	}
	if cfg.PasswordChangeTTL <= 0 {
		cfg.PasswordChangeTTL = def.PasswordChangeTTL
	}
	if cfg.ProfileCacheSize <= 0 {
		cfg.ProfileCacheSize = def.ProfileCacheSize
	}
	if cfg.ProfileTTL <= 0 {
		cfg.ProfileTTL = def.ProfileTTL
	}

	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeConfiguration, "invalid detection rule")
		}
	}

	profiles, err := NewProfileStore(store, cfg.ProfileCacheSize, cfg.ProfileTTL)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		locator:   PrefixLocator{},
		profiles:  profiles,
		observer:  DefaultFrequencyObserver(),
		intel:     NewStoreIntel(store),
		responder: responder,
		metrics:   m,
		logger:    logger.With("component", "detection-engine"),
		now:       time.Now,
		rules:     append([]Rule(nil), rules...),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// AnalyzeEvent returns the selected indicator for ev, or nil.
func (e *Engine) AnalyzeEvent(ctx context.Context, ev event.SecurityEvent) *event.ThreatIndicator {
	return e.Analyze(ctx, ev).Indicator
}

// Analyze runs rule evaluation, the behavioral check, the statistical check
// and threat intel correlation, selects the highest scoring indicator and runs
// its automated response, if any.
func (e *Engine) Analyze(ctx context.Context, ev event.SecurityEvent) Analysis {
	start := time.Now()
	now := e.now()
	ev = ev.Normalize(now)
	e.eventsAnalyzed.Add(1)
	defer func() {
		e.metrics.EventAnalyzed(string(ev.Type), time.Since(start).Seconds())
	}()

	if err := ev.Validate(); err != nil {
		e.logger.Warn("skipping invalid event", "error", err)
		return Analysis{}
	}

	var (
		candidates []*event.ThreatIndicator
		location   string
	)
	collect := func(ind *event.ThreatIndicator) {
		if ind != nil {
			candidates = append(candidates, ind)
		}
	}

	if ev.IPAddress != "" && e.locator != nil {
		e.stage(ctx, "locate", func(context.Context) error {
			var err error
			location, err = e.locator.Locate(ev.IPAddress)
			return err
		})
	}

	env := &evalEnv{store: e.store, location: location, now: now}
	for _, r := range e.Rules() {
		r := r
		if !r.Enabled || !r.appliesTo(ev.Type) {
			continue
		}
		e.stage(ctx, "rule:"+r.ID, func(ctx context.Context) error {
			ind, err := r.Condition.evaluate(ctx, env, &r, ev)
			if err != nil {
				return err
			}
			if ind != nil && r.SeverityThreshold != "" && !ind.Level.AtLeast(r.SeverityThreshold) {
				return nil
			}
			collect(ind)
			return nil
		})
	}

	if ev.Type == event.PasswordChange && ev.Success && ev.UserID != "" {
		e.stage(ctx, "password_change", func(ctx context.Context) error {
			return e.MarkPasswordChanged(ctx, ev.UserID)
		})
	}

	if ev.UserID != "" {
		e.stage(ctx, "behavioral", func(ctx context.Context) error {
			inds, err := e.behavioral(ctx, ev, location)
			for _, ind := range inds {
				collect(ind)
			}
			return err
		})
	}

	if e.scorer != nil && e.scorer.Trained() {
		e.stage(ctx, "statistical", func(context.Context) error {
			ind, err := e.statistical(ev)
			collect(ind)
			return err
		})
	}

	if e.intel != nil && ev.IPAddress != "" {
		e.stage(ctx, "threat_intel", func(ctx context.Context) error {
			ind, err := e.threatIntel(ctx, ev)
			collect(ind)
			return err
		})
	}

	var selected *event.ThreatIndicator
	for _, ind := range candidates {
		if ind.Outranks(selected) {
			selected = ind
		}
	}
	if selected == nil {
		return Analysis{}
	}

	e.indicators.Add(1)
	e.metrics.IndicatorSelected(string(selected.Category), string(selected.Level))
	e.logger.Info("threat detected",
		"indicator_id", selected.ID,
		"rule_id", selected.RuleID,
		"category", selected.Category,
		"level", selected.Level,
		"confidence", selected.Confidence,
		"candidates", len(candidates),
	)

	result := Analysis{Indicator: selected}
	if selected.AutomatedResponse != event.ActionNone && e.responder != nil {
		e.responses.Add(1)
		result.Response, result.ResponseErr = e.responder.Execute(ctx, selected, selected.AutomatedResponse)
		if result.ResponseErr != nil {
			e.logger.Error("automated response failed",
				"indicator_id", selected.ID,
				"action", selected.AutomatedResponse,
				"error", result.ResponseErr,
			)
		}
	}
	return result
}

// stage runs one detection stage under its own timeout, isolating panics
// and errors from the rest of the analysis.
func (e *Engine) stage(ctx context.Context, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx)
	}()
	if err == nil {
		return
	}

	e.stageFailures.Add(1)
	if apperrors.Is(err, apperrors.CodeStorage) {
		e.metrics.FailedOpen("detection")
	}
	e.logger.Warn("detection stage failed, continuing", "stage", name, "error", err)
}

func (e *Engine) behavioral(ctx context.Context, ev event.SecurityEvent, location string) ([]*event.ThreatIndicator, error) {
	var found []*event.ThreatIndicator
	_, err := e.profiles.Update(ctx, ev.UserID, func(profile *BehavioralProfile) *BehavioralProfile {
		found = e.deviations(profile, ev, location)
		return e.observer.Observe(profile, Observation{Event: ev, Location: location, Device: DeviceFingerprint(ev)})
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// deviations compares a successful login against an established baseline.
func (e *Engine) deviations(profile *BehavioralProfile, ev event.SecurityEvent, location string) []*event.ThreatIndicator {
	if !profile.BaselineEstablished || ev.Type != event.LoginSuccess {
		return nil
	}

	var found []*event.ThreatIndicator
	hour := ev.Timestamp.Hour()
	if !profile.typicalHour(hour) {
		ind := e.anomalyIndicator(RuleBehavioralHour, 0.6, ev)
		ind.Description = fmt.Sprintf("login by %s outside typical hours", ev.UserID)
		ind.Indicators = []string{fmt.Sprintf("Unusual login hour: %d", hour)}
		found = append(found, ind)
	}
	if location != "" && !profile.typicalLocation(location) {
		ind := e.anomalyIndicator(RuleBehavioralLocation, 0.7, ev)
		ind.Description = fmt.Sprintf("login by %s from an unfamiliar location", ev.UserID)
		ind.Indicators = []string{fmt.Sprintf("Unusual login location: %s", location)}
		found = append(found, ind)
	}
	return found
}

func (e *Engine) anomalyIndicator(ruleID string, confidence float64, ev event.SecurityEvent) *event.ThreatIndicator {
	ind := event.NewIndicator(ruleID, event.CategoryAnomalousBehavior, event.SeverityMedium, confidence, ev.Timestamp)
	ind.SourceIP = ev.IPAddress
	ind.UserID = ev.UserID
	ind.RecommendedActions = []event.Action{event.ActionAlertOnly}
	return ind
}

func (e *Engine) statistical(ev event.SecurityEvent) (*event.ThreatIndicator, error) {
	anomalous, score, err := e.scorer.Score(ev.Features())
	if err != nil || !anomalous {
		return nil, err
	}

	ind := event.NewIndicator(RuleStatisticalAnomaly, event.CategoryAnomalousBehavior, event.SeverityMedium, math.Min(1, math.Abs(score)/2), ev.Timestamp)
	ind.SourceIP = ev.IPAddress
	ind.UserID = ev.UserID
	ind.Description = "event deviates from the learned feature baseline"
	ind.Indicators = []string{fmt.Sprintf("Anomaly score: %.2f", score)}
	ind.RecommendedActions = []event.Action{event.ActionInvestigate}
	return ind, nil
}

func (e *Engine) threatIntel(ctx context.Context, ev event.SecurityEvent) (*event.ThreatIndicator, error) {
	bad, err := e.intel.IsKnownBad(ctx, ev.IPAddress)
	if err != nil {
		return nil, err
	}
	if bad {
		ind := event.NewIndicator(RuleKnownBadIP, event.CategoryMalware, event.SeverityHigh, 0.9, ev.Timestamp)
		ind.SourceIP = ev.IPAddress
		ind.UserID = ev.UserID
		ind.Description = fmt.Sprintf("%s is on the known-bad address list", ev.IPAddress)
		ind.Indicators = []string{"Known malicious IP: " + ev.IPAddress}
		ind.RecommendedActions = []event.Action{event.ActionBlockIP, event.ActionAlertOnly}
		ind.AutomatedResponse = event.ActionBlockIP
		return ind, nil
	}

	rep, err := e.intel.Reputation(ctx, ev.IPAddress)
	if err != nil {
		return nil, err
	}
	if rep >= e.cfg.ReputationThreshold {
		return nil, nil
	}
	ind := event.NewIndicator(RuleLowReputation, event.CategorySuspiciousIP, event.SeverityMedium, 1-rep, ev.Timestamp)
	ind.SourceIP = ev.IPAddress
	ind.UserID = ev.UserID
	ind.Description = fmt.Sprintf("%s has a poor reputation", ev.IPAddress)
	ind.Indicators = []string{fmt.Sprintf("IP reputation: %.2f", rep)}
	ind.RecommendedActions = []event.Action{event.ActionRateLimit}
	return ind, nil
}

// MarkPasswordChanged flags a recent password change for the takeover rule.
func (e *Engine) MarkPasswordChanged(ctx context.Context, userID string) error {
	return e.store.SetWithExpiry(ctx, passwordChangePrefix+userID, "1", e.cfg.PasswordChangeTTL)
}

// Profile returns the user's behavioral profile.
func (e *Engine) Profile(ctx context.Context, userID string) (*BehavioralProfile, error) {
	return e.profiles.Get(ctx, userID)
}

// Rules returns a snapshot of the loaded rules.
func (e *Engine) Rules() []Rule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// SetRuleEnabled enables or disables a rule by id.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == id {
			e.rules[i].Enabled = enabled
			e.logger.Info("detection rule updated", "rule_id", id, "enabled", enabled)
			return nil
		}
	}
	return apperrors.NotFound("detection rule " + id)
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]interface{} {
	return map[string]interface{}{
		"events_analyzed": e.eventsAnalyzed.Load(),
		"indicators":      e.indicators.Load(),
		"stage_failures":  e.stageFailures.Load(),
		"responses":       e.responses.Load(),
		"rules_count":     len(e.Rules()),
	}
}
