package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
	"github.com/siem-soar-platform/security-monitor/pkg/logger"
	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/response"
)

type call struct {
	indicator *event.ThreatIndicator
	action    event.Action
}

type fakeResponder struct {
	calls []call
	err   error
}

func (f *fakeResponder) Execute(_ context.Context, ind *event.ThreatIndicator, action event.Action) (*response.Result, error) {
	f.calls = append(f.calls, call{indicator: ind, action: action})
	return &response.Result{Action: action}, f.err
}

// stubCondition raises a fixed indicator for every login_failed event.
type stubCondition struct {
	level      event.Severity
	confidence float64
	panics     bool
}

func (c *stubCondition) Validate() error                 { return nil }
func (c *stubCondition) defaultCategory() event.Category { return event.CategoryBruteForce }
func (c *stubCondition) defaultEventTypes() []event.EventType {
	return []event.EventType{event.LoginFailed}
}

func (c *stubCondition) evaluate(_ context.Context, _ *evalEnv, r *Rule, ev event.SecurityEvent) (*event.ThreatIndicator, error) {
	if c.panics {
		panic("boom")
	}
	return r.indicator(c.level, c.confidence, ev), nil
}

func stubRule(id string, level event.Severity, confidence float64) Rule {
	return Rule{
		ID:        id,
		Kind:      KindBruteForce,
		Category:  event.CategoryBruteForce,
		Enabled:   true,
		Condition: &stubCondition{level: level, confidence: confidence},
	}
}

func ruleByID(id string) Rule {
	for _, r := range DefaultRules() {
		if r.ID == id {
			return r
		}
	}
	panic("no default rule " + id)
}

type EngineSuite struct {
	suite.Suite
	ctx       context.Context
	now       time.Time
	store     *repository.MemoryEventStore
	responder *fakeResponder
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	s.store = repository.NewMemoryEventStore(repository.WithClock(func() time.Time { return s.now }))
	s.responder = &fakeResponder{}
}

func (s *EngineSuite) engine(rules []Rule, opts ...Option) *Engine {
	e, err := NewEngine(DefaultConfig(), s.store, rules, s.responder, nil, logger.Nop(), opts...)
	s.Require().NoError(err)
	e.now = func() time.Time { return s.now }
	return e
}

func (s *EngineSuite) event(t event.EventType, user, ip string) event.SecurityEvent {
	return event.SecurityEvent{Type: t, Timestamp: s.now, UserID: user, IPAddress: ip}
}

func (s *EngineSuite) TestBruteForceThresholdBoundary() {
	e := s.engine(DefaultRules())

	for i := 1; i <= 4; i++ {
		ind := e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, fmt.Sprintf("user%d", i), "203.0.113.5"))
		s.Nil(ind, "attempt %d", i)
	}
	s.Empty(s.responder.calls)

	ind := e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, "user5", "203.0.113.5"))
	s.Require().NotNil(ind)
	s.Equal(event.CategoryBruteForce, ind.Category)
	s.Equal(event.SeverityHigh, ind.Level)
	s.Equal(1.0, ind.Confidence)
	s.Equal("brute-force", ind.RuleID)
	s.Equal([]string{"Failed login attempts: 5"}, ind.Indicators)
	s.Equal(event.ActionBlockIP, ind.AutomatedResponse)

	s.Require().Len(s.responder.calls, 1)
	s.Equal(event.ActionBlockIP, s.responder.calls[0].action)
	s.Same(ind, s.responder.calls[0].indicator)

	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, "x", "198.51.100.1")), "counters are per address")
}

func (s *EngineSuite) TestBruteForceWindowExpires() {
	e := s.engine([]Rule{ruleByID("brute-force")})
	for i := 0; i < 4; i++ {
		s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, "", "203.0.113.5")))
	}
	s.now = s.now.Add(301 * time.Second)
	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, "", "203.0.113.5")), "window restarted")
}

func (s *EngineSuite) TestSelectionByScore() {
	e := s.engine([]Rule{
		stubRule("a-high", event.SeverityHigh, 0.6),
		stubRule("b-medium", event.SeverityMedium, 1.0),
	})

	ind := e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, "", ""))
	s.Require().NotNil(ind)
	s.Equal("b-medium", ind.RuleID, "2 x 1.0 outranks 3 x 0.6")
}

func (s *EngineSuite) TestSelectionTieBreaksOnRuleID() {
	e := s.engine([]Rule{
		stubRule("zeta", event.SeverityHigh, 1),
		stubRule("alpha", event.SeverityHigh, 1),
	})
	for i := 0; i < 3; i++ {
		ind := e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, "", ""))
		s.Require().NotNil(ind)
		s.Equal("alpha", ind.RuleID)
	}
}

func (s *EngineSuite) TestFailOpen() {
	intel := NewStoreIntel(s.store)
	s.Require().NoError(intel.AddBadIPs(s.ctx, "203.0.113.5"))
	e := s.engine(DefaultRules())

	s.store.FailWith(errors.New("connection refused"))
	for i := 0; i < 10; i++ {
		s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, "alice", "203.0.113.5")))
	}
	s.Empty(s.responder.calls)
	s.Greater(e.Stats()["stage_failures"].(uint64), uint64(0))
}

func (s *EngineSuite) TestStagePanicIsIsolated() {
	broken := stubRule("broken", event.SeverityCritical, 1)
	broken.Condition = &stubCondition{panics: true}
	e := s.engine([]Rule{broken, stubRule("working", event.SeverityLow, 1)})

	ind := e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, "", ""))
	s.Require().NotNil(ind)
	s.Equal("working", ind.RuleID)
	s.Equal(uint64(1), e.Stats()["stage_failures"])
}

func (s *EngineSuite) TestRuleSeverityThreshold() {
	r := ruleByID("brute-force")
	r.SeverityThreshold = event.SeverityCritical
	e := s.engine([]Rule{r})
	for i := 0; i < 6; i++ {
		s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, "", "203.0.113.5")))
	}
}

func (s *EngineSuite) TestPasswordSpray() {
	e := s.engine([]Rule{ruleByID("password-spray")})

	for i := 0; i < 9; i++ {
		s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, fmt.Sprintf("user%d", i), "203.0.113.9")))
	}
	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, "user0", "203.0.113.9")), "repeated username")

	ind := e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, "user9", "203.0.113.9"))
	s.Require().NotNil(ind)
	s.Equal(event.CategoryBruteForce, ind.Category)
	s.Equal("password-spray", ind.RuleID)
	s.Equal([]string{"Unique usernames attempted: 10"}, ind.Indicators)

	ttl, err := s.store.TTL(s.ctx, sprayPrefix+"203.0.113.9")
	s.Require().NoError(err)
	s.Equal(300*time.Second, ttl)
}

func (s *EngineSuite) TestSprayUsesUsernameDetail() {
	e := s.engine([]Rule{ruleByID("password-spray")})
	var ind *event.ThreatIndicator
	for i := 0; i < 10; i++ {
		ev := s.event(event.LoginFailed, "", "203.0.113.9")
		ev.Details = map[string]interface{}{"username": fmt.Sprintf("u%d", i)}
		ind = e.AnalyzeEvent(s.ctx, ev)
	}
	s.NotNil(ind)
}

func (s *EngineSuite) TestAccountEnumeration() {
	e := s.engine([]Rule{ruleByID("account-enumeration")})

	var ind *event.ThreatIndicator
	for i := 0; i < 20; i++ {
		ind = e.AnalyzeEvent(s.ctx, s.event(event.UserNotFound, "", "198.51.100.7"))
		if i < 19 {
			s.Nil(ind)
		}
	}
	s.Require().NotNil(ind)
	s.Equal(event.CategoryAccountEnumeration, ind.Category)
	s.Equal(event.SeverityMedium, ind.Level)
	s.Equal(event.ActionNone, ind.AutomatedResponse)
	s.Equal([]event.Action{event.ActionRateLimit, event.ActionAlertOnly}, ind.RecommendedActions)
	s.Empty(s.responder.calls)
}

func (s *EngineSuite) login(e *Engine, ip, ua string) *event.ThreatIndicator {
	ev := s.event(event.LoginSuccess, "alice", ip)
	ev.Success = true
	ev.UserAgent = ua
	return e.AnalyzeEvent(s.ctx, ev)
}

func (s *EngineSuite) TestAccountTakeover() {
	e := s.engine([]Rule{ruleByID("account-takeover")})

	s.Nil(s.login(e, "10.0.0.1", "ua-1"), "first login has no history")
	s.Nil(s.login(e, "10.0.0.2", "ua-1"), "same /24 and device")
	s.Nil(s.login(e, "10.9.0.1", "ua-1"), "location alone is 0.4")

	ind := s.login(e, "10.8.0.1", "ua-2")
	s.Require().NotNil(ind)
	s.Equal(event.CategoryAccountTakeover, ind.Category)
	s.Equal(0.7, ind.Confidence)
	s.Equal(event.SeverityMedium, ind.Level, "0.7 is not above the high threshold")
	s.Equal([]event.Action{event.ActionRequireMFA, event.ActionAlertOnly}, ind.RecommendedActions)
	s.Equal(event.ActionNone, ind.AutomatedResponse, "takeovers are recommended, not enforced")
	s.Empty(s.responder.calls)

	auto := ruleByID("account-takeover")
	auto.AutoRespond = true
	e = s.engine([]Rule{auto})
	ind = s.login(e, "10.6.0.1", "ua-4")
	s.Require().NotNil(ind)
	s.Equal(event.ActionRequireMFA, ind.AutomatedResponse, "policy can opt in")

	s.Require().NoError(e.MarkPasswordChanged(s.ctx, "alice"))
	ind = s.login(e, "10.7.0.1", "ua-3")
	s.Require().NotNil(ind)
	s.Equal(1.0, ind.Confidence)
	s.Equal(event.SeverityHigh, ind.Level)
	s.Len(ind.Indicators, 3)
}

func (s *EngineSuite) TestPasswordChangeEventSetsFlag() {
	e := s.engine(nil)
	ev := s.event(event.PasswordChange, "alice", "10.0.0.1")
	ev.Success = true
	s.Nil(e.AnalyzeEvent(s.ctx, ev))

	ok, err := s.store.Exists(s.ctx, passwordChangePrefix+"alice")
	s.Require().NoError(err)
	s.True(ok)

	s.now = s.now.Add(25 * time.Hour)
	ok, err = s.store.Exists(s.ctx, passwordChangePrefix+"alice")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *EngineSuite) TestDataExfiltration() {
	e := s.engine([]Rule{ruleByID("data-exfiltration")})

	tests := []struct {
		name   string
		size   interface{}
		raised bool
	}{
		{name: "below threshold", size: 40.0},
		{name: "at threshold", size: 100},
		{name: "above threshold", size: 250.5, raised: true},
		{name: "numeric string", size: "512", raised: true},
		{name: "missing size"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			ev := s.event(event.DataExport, "bob", "10.0.0.3")
			if tt.size != nil {
				ev.Details = map[string]interface{}{"data_size_mb": tt.size, "resource_type": "report", "resource_id": "q3"}
			}
			ind := e.AnalyzeEvent(s.ctx, ev)
			if !tt.raised {
				s.Nil(ind)
				return
			}
			s.Require().NotNil(ind)
			s.Equal(event.SeverityCritical, ind.Level)
			s.Equal(1.0, ind.Confidence)
			s.Equal(event.ActionNone, ind.AutomatedResponse)
			s.Equal([]event.Action{event.ActionQuarantine, event.ActionEscalate}, ind.RecommendedActions)
			s.Equal([]string{"report:q3"}, ind.AffectedResources)
		})
	}

	auto := ruleByID("data-exfiltration")
	auto.AutoRespond = true
	e = s.engine([]Rule{auto})
	ev := s.event(event.DataDownload, "bob", "")
	ev.Details = map[string]interface{}{"data_size_mb": 1000}
	ind := e.AnalyzeEvent(s.ctx, ev)
	s.Require().NotNil(ind)
	s.Equal(event.ActionNone, ind.AutomatedResponse, "exfiltration always needs a human")
	s.Empty(s.responder.calls)
}

func (s *EngineSuite) TestPrivilegeEscalation() {
	e := s.engine([]Rule{ruleByID("privilege-escalation")})

	var ind *event.ThreatIndicator
	for i := 0; i < 10; i++ {
		ind = e.AnalyzeEvent(s.ctx, s.event(event.AccessDenied, "mallory", "10.0.0.4"))
	}
	s.Require().NotNil(ind)
	s.Equal(event.CategoryPrivilegeEscalation, ind.Category)
	s.Equal(event.ActionLockAccount, ind.AutomatedResponse)
	s.Require().Len(s.responder.calls, 1)

	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.AccessDenied, "", "10.0.0.4")), "needs a user")
}

func (s *EngineSuite) TestAPIAbuseSlidingWindow() {
	r := ruleByID("api-abuse")
	r.Condition = &APIAbuseCondition{Threshold: 3, WindowSeconds: 60}
	e := s.engine([]Rule{r})

	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.APIRequest, "carol", "")))
	s.now = s.now.Add(30 * time.Second)
	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.APIRequest, "carol", "")))
	s.now = s.now.Add(20 * time.Second)

	ind := e.AnalyzeEvent(s.ctx, s.event(event.APIRequest, "carol", ""))
	s.Require().NotNil(ind)
	s.Equal(event.CategoryAPIAbuse, ind.Category)
	s.Equal(event.ActionRateLimit, ind.AutomatedResponse)

	s.now = s.now.Add(45 * time.Second)
	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.APIRequest, "carol", "")), "the first two requests left the window")
	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.APIRequest, "", "")), "anonymous requests are not tracked")
}

func (s *EngineSuite) TestBehavioralAnomalies() {
	e := s.engine(nil)

	for i := 0; i < 20; i++ {
		s.Nil(s.login(e, "10.0.0.1", "ua-1"))
		s.now = s.now.Add(24 * time.Hour)
	}
	profile, err := e.Profile(s.ctx, "alice")
	s.Require().NoError(err)
	s.True(profile.BaselineEstablished)
	s.Equal([]int{9}, profile.TypicalLoginHours)
	s.Equal([]string{"10.0.0.0/24"}, profile.TypicalLocations)
	s.InDelta(0.4, profile.ConfidenceScore, 1e-9)

	s.Nil(s.login(e, "10.0.0.7", "ua-1"), "matches the baseline")

	s.now = s.now.Add(18 * time.Hour)
	ind := s.login(e, "10.0.0.1", "ua-1")
	s.Require().NotNil(ind)
	s.Equal(RuleBehavioralHour, ind.RuleID)
	s.Equal(event.CategoryAnomalousBehavior, ind.Category)
	s.Equal(event.SeverityMedium, ind.Level)
	s.Equal(0.6, ind.Confidence)
	s.Equal(event.ActionNone, ind.AutomatedResponse)

	s.now = s.now.Add(6 * time.Hour)
	ind = s.login(e, "192.0.2.10", "ua-1")
	s.Require().NotNil(ind)
	s.Equal(RuleBehavioralLocation, ind.RuleID)
	s.Equal(0.7, ind.Confidence)
	s.Empty(s.responder.calls)
}

type stubScorer struct {
	anomaly bool
	score   float64
}

func (s stubScorer) Trained() bool { return true }
func (s stubScorer) Score(features []float64) (bool, float64, error) {
	if len(features) != event.FeatureCount {
		return false, 0, fmt.Errorf("bad vector")
	}
	return s.anomaly, s.score, nil
}

func (s *EngineSuite) TestStatisticalAnomaly() {
	e := s.engine(nil, WithScorer(stubScorer{anomaly: true, score: -1.5}))
	ind := e.AnalyzeEvent(s.ctx, s.event(event.DataAccess, "", "10.0.0.1"))
	s.Require().NotNil(ind)
	s.Equal(RuleStatisticalAnomaly, ind.RuleID)
	s.Equal(0.75, ind.Confidence)
	s.Equal([]event.Action{event.ActionInvestigate}, ind.RecommendedActions)

	e = s.engine(nil, WithScorer(stubScorer{score: -0.2}))
	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.DataAccess, "", "10.0.0.1")))

	e = s.engine(nil, WithScorer(NewZScoreScorer(0)))
	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.DataAccess, "", "10.0.0.1")), "untrained scorer is skipped")
}

func (s *EngineSuite) TestThreatIntel() {
	intel := NewStoreIntel(s.store)
	s.Require().NoError(intel.AddBadIPs(s.ctx, "203.0.113.66"))
	s.Require().NoError(intel.SetReputation(s.ctx, "198.51.100.20", 0.1))
	s.Require().NoError(intel.SetReputation(s.ctx, "198.51.100.21", 0.8))
	e := s.engine(nil)

	ind := e.AnalyzeEvent(s.ctx, s.event(event.APIRequest, "", "203.0.113.66"))
	s.Require().NotNil(ind)
	s.Equal(event.CategoryMalware, ind.Category)
	s.Equal(event.SeverityHigh, ind.Level)
	s.Equal(0.9, ind.Confidence)
	s.Equal(event.ActionBlockIP, ind.AutomatedResponse)
	s.Require().Len(s.responder.calls, 1)

	ind = e.AnalyzeEvent(s.ctx, s.event(event.APIRequest, "", "198.51.100.20"))
	s.Require().NotNil(ind)
	s.Equal(event.CategorySuspiciousIP, ind.Category)
	s.Equal(event.SeverityMedium, ind.Level)
	s.Equal([]event.Action{event.ActionRateLimit}, ind.RecommendedActions)
	s.Equal(event.ActionNone, ind.AutomatedResponse)

	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.APIRequest, "", "198.51.100.21")))
	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.APIRequest, "", "192.0.2.1")), "no score means trusted")
	s.Len(s.responder.calls, 1)
}

func (s *EngineSuite) TestResponderErrorIsReported() {
	s.responder.err = apperrors.Storage("set flag", errors.New("down"))
	e := s.engine([]Rule{stubRule("r", event.SeverityHigh, 1)})
	e.rules[0].AutoRespond = true
	e.rules[0].Actions = []event.Action{event.ActionBlockIP}

	res := e.Analyze(s.ctx, s.event(event.LoginFailed, "", "10.0.0.1"))
	s.Require().NotNil(res.Indicator)
	s.NotNil(res.Response)
	s.True(apperrors.Is(res.ResponseErr, apperrors.CodeStorage))
}

func (s *EngineSuite) TestInvalidEventIsSkipped() {
	e := s.engine(DefaultRules())
	s.Nil(e.AnalyzeEvent(s.ctx, event.SecurityEvent{Type: "teleport", IPAddress: "10.0.0.1"}))
}

func (s *EngineSuite) TestSetRuleEnabled() {
	e := s.engine([]Rule{stubRule("r", event.SeverityHigh, 1)})
	s.Require().NoError(e.SetRuleEnabled("r", false))
	s.Nil(e.AnalyzeEvent(s.ctx, s.event(event.LoginFailed, "", "")))
	s.False(e.Rules()[0].Enabled)

	s.True(apperrors.Is(e.SetRuleEnabled("missing", true), apperrors.CodeNotFound))
}

func TestNewEngineRejectsInvalidRules(t *testing.T) {
	r := ruleByID("brute-force")
	r.Condition = &BruteForceCondition{Threshold: 0, WindowSeconds: 60}
	_, err := NewEngine(DefaultConfig(), repository.NewMemoryEventStore(), []Rule{r}, nil, nil, logger.Nop())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeConfiguration))
}

func TestProfileUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	profiles, err := NewProfileStore(repository.NewMemoryEventStore(), 16, time.Hour)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := profiles.Update(ctx, "alice", func(p *BehavioralProfile) *BehavioralProfile {
				p.Logins++
				return p
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := profiles.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 20, p.Logins)
}

func TestZScoreScorer(t *testing.T) {
	z := NewZScoreScorer(0)
	assert.False(t, z.Trained())
	_, _, err := z.Score(make([]float64, event.FeatureCount))
	assert.Error(t, err)

	base := []float64{9, 1, 60, 1, 4, 300, 2}
	var samples [][]float64
	for _, hour := range []float64{9, 10, 11} {
		s := append([]float64(nil), base...)
		s[0] = hour
		samples = append(samples, s)
	}
	require.NoError(t, z.Fit(samples))
	assert.True(t, z.Trained())

	normal := append([]float64(nil), base...)
	normal[0] = 10
	anomaly, score, err := z.Score(normal)
	require.NoError(t, err)
	assert.False(t, anomaly)
	assert.Equal(t, 0.0, score)

	odd := append([]float64(nil), base...)
	odd[0] = 30
	odd[6] = 9
	anomaly, score, err = z.Score(odd)
	require.NoError(t, err)
	assert.True(t, anomaly, "zero-variance dimensions are ignored, hour is 20 sigma out")
	assert.InDelta(t, -20, score, 1e-9)

	_, _, err = z.Score([]float64{1, 2})
	assert.Error(t, err)
	assert.Error(t, z.Fit(samples[:1]))
}

func TestPrefixLocator(t *testing.T) {
	tests := []struct {
		ip   string
		want string
		err  bool
	}{
		{ip: "203.0.113.5", want: "203.0.113.0/24"},
		{ip: "203.0.113.250", want: "203.0.113.0/24"},
		{ip: "2001:db8:1:2::1", want: "2001:db8:1::/48"},
		{ip: "not-an-ip", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			got, err := PrefixLocator{}.Locate(tt.ip)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeviceFingerprint(t *testing.T) {
	ev := event.SecurityEvent{UserAgent: "Mozilla/5.0"}
	fp := DeviceFingerprint(ev)
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, DeviceFingerprint(ev))

	ev.Details = map[string]interface{}{"device_fingerprint": "dev-42"}
	assert.Equal(t, "dev-42", DeviceFingerprint(ev))
	assert.Empty(t, DeviceFingerprint(event.SecurityEvent{}))
}
