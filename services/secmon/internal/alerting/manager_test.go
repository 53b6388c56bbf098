package alerting

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
	"github.com/siem-soar-platform/security-monitor/pkg/logger"
	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSender struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (r *recordingSender) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// interleavingStore runs between once the first time key is read after
// arming, before the reader gets to write.
type interleavingStore struct {
	*repository.MemoryEventStore
	key     string
	armed   atomic.Bool
	between func()
}

func (s *interleavingStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.MemoryEventStore.Get(ctx, key)
	if key == s.key && s.armed.CompareAndSwap(true, false) {
		s.between()
	}
	return v, err
}

type ManagerSuite struct {
	suite.Suite
	ctx       context.Context
	clock     *clock
	store     *repository.MemoryEventStore
	dashboard *recordingSender
	syslog    *recordingSender
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	s.store = repository.NewMemoryEventStore(repository.WithClock(s.clock.Now))
	s.dashboard = &recordingSender{}
	s.syslog = &recordingSender{}
}

func (s *ManagerSuite) newManager(rules []Rule) *Manager {
	senders := map[Channel]Sender{
		ChannelDashboard: s.dashboard,
		ChannelSyslog:    s.syslog,
	}
	m := NewManager(DefaultConfig(), s.store, rules, DefaultPolicies(), senders, nil, logger.Nop())
	m.now = s.clock.Now
	return m
}

func indicator(category event.Category, level event.Severity, confidence float64, ip string) *event.ThreatIndicator {
	ind := event.NewIndicator("rule-"+string(category), category, level, confidence, time.Now())
	ind.SourceIP = ip
	ind.Description = "test indicator"
	ind.Indicators = []string{"Failed login attempts: 5"}
	return ind
}

func (s *ManagerSuite) TestNoMatchingRuleCreatesNothing() {
	m := s.newManager([]Rule{{
		ID: "critical-only", Enabled: true, SeverityThreshold: event.SeverityCritical,
		Channels: []Channel{ChannelDashboard},
	}})

	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, "10.0.0.1"))
	s.Require().NoError(err)
	s.Nil(alert)

	stats, err := m.GetAlertStatistics(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(0), stats.Total)
	s.Equal(0, s.dashboard.count())
}

func (s *ManagerSuite) TestDisabledRuleDoesNotMatch() {
	m := s.newManager([]Rule{{ID: "r", Enabled: true, Channels: []Channel{ChannelDashboard}}})
	s.Require().NoError(m.SetRuleEnabled("r", false))

	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, "10.0.0.1"))
	s.Require().NoError(err)
	s.Nil(alert)

	err = m.SetRuleEnabled("missing", true)
	s.True(apperrors.Is(err, apperrors.CodeNotFound))
}

func (s *ManagerSuite) TestThrottleStoresEveryAlertButNotifiesOnce() {
	m := s.newManager([]Rule{{
		ID: "high", Enabled: true, SeverityThreshold: event.SeverityHigh,
		Channels: []Channel{ChannelDashboard}, ThrottleMinutes: 5,
	}})

	first, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, "10.0.0.1"))
	s.Require().NoError(err)
	s.Require().NotNil(first)

	s.clock.Advance(2 * time.Minute)
	second, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, "10.0.0.1"))
	s.Require().NoError(err)
	s.Require().NotNil(second)

	alerts, err := m.GetRecentAlerts(s.ctx, 10, "")
	s.Require().NoError(err)
	s.Len(alerts, 2)
	s.Equal(1, s.dashboard.count())

	s.clock.Advance(4 * time.Minute)
	_, err = m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, "10.0.0.1"))
	s.Require().NoError(err)
	s.Equal(2, s.dashboard.count(), "cooldown elapsed")
}

func (s *ManagerSuite) TestHourlyCap() {
	m := s.newManager([]Rule{{
		ID: "capped", Enabled: true, Channels: []Channel{ChannelDashboard}, MaxAlertsPerHour: 2,
	}})

	for i := 0; i < 4; i++ {
		_, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryAPIAbuse, event.SeverityMedium, 1, "10.0.0.2"))
		s.Require().NoError(err)
	}
	s.Equal(2, s.dashboard.count())
	s.Equal(int64(2), m.Stats()["throttled"])
}

func (s *ManagerSuite) TestSuppressedNotificationsDoNotConsumeLimits() {
	m := s.newManager([]Rule{{
		ID: "limited", Enabled: true, Channels: []Channel{ChannelDashboard},
		ThrottleMinutes: 5, MaxAlertsPerHour: 2,
	}})
	raise := func() {
		_, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryAPIAbuse, event.SeverityMedium, 1, "10.0.0.3"))
		s.Require().NoError(err)
	}

	raise() // 10:00 sent
	s.clock.Advance(time.Minute)
	raise() // 10:01 throttled, hands its hourly slot back
	s.clock.Advance(5 * time.Minute)
	raise() // 10:06 sent, second slot of the hour
	s.Equal(2, s.dashboard.count())

	s.clock.Advance(52 * time.Minute)
	raise() // 10:58 over the hourly cap, must not restart the cooldown
	s.Equal(2, s.dashboard.count())

	s.clock.Advance(3 * time.Minute)
	raise() // 11:01 new hour, last cooldown ended at 10:11
	s.Equal(3, s.dashboard.count())
	s.Equal(int64(2), m.Stats()["throttled"])
}

func (s *ManagerSuite) TestCorrelationWithinWindow() {
	m := s.newManager([]Rule{{ID: "all", Enabled: true, Channels: []Channel{ChannelDashboard}}})

	first, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, "10.0.0.3"))
	s.Require().NoError(err)
	s.Empty(first.CorrelationID)

	s.clock.Advance(time.Minute)
	second, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, "10.0.0.3"))
	s.Require().NoError(err)
	s.Equal(first.ID, second.CorrelationID)
	s.Equal([]string{first.ID}, second.RelatedAlerts)

	other, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryMalware, event.SeverityHigh, 1, "10.0.0.3"))
	s.Require().NoError(err)
	s.Empty(other.CorrelationID, "different category")

	s.clock.Advance(10 * time.Minute)
	late, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, "10.0.0.3"))
	s.Require().NoError(err)
	s.Empty(late.CorrelationID, "outside the correlation window")
}

func (s *ManagerSuite) TestChannelFailuresAreIsolated() {
	s.syslog.err = errors.New("syslog down")
	m := s.newManager([]Rule{{
		ID: "fanout", Enabled: true,
		Channels: []Channel{ChannelSyslog, ChannelSMS, ChannelDashboard},
	}})

	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, "10.0.0.4"))
	s.Require().NoError(err)
	s.Require().NotNil(alert)

	s.Equal(1, s.syslog.count())
	s.Equal(1, s.dashboard.count())
	stats := m.Stats()
	s.Equal(int64(1), stats["notifications_sent"])
	s.Equal(int64(1), stats["notifications_failed"])
}

func (s *ManagerSuite) TestPersistFailureReturnsStorageError() {
	m := s.newManager([]Rule{{ID: "all", Enabled: true, Channels: []Channel{ChannelDashboard}}})
	s.store.FailWith(errors.New("connection refused"))

	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, "10.0.0.5"))
	s.Nil(alert)
	s.True(apperrors.Is(err, apperrors.CodeStorage))
	s.Equal(0, s.dashboard.count())
}

func (s *ManagerSuite) TestStatusTransitions() {
	m := s.newManager([]Rule{{ID: "all", Enabled: true}})

	tests := []struct {
		name     string
		path     []Status
		next     Status
		wantCode apperrors.ErrorCode
	}{
		{name: "open to acknowledged", next: StatusAcknowledged},
		{name: "open to investigating skips ahead", next: StatusInvestigating},
		{name: "backward", path: []Status{StatusInvestigating}, next: StatusAcknowledged, wantCode: apperrors.CodeConflict},
		{name: "terminal to terminal", path: []Status{StatusResolved}, next: StatusClosed, wantCode: apperrors.CodeConflict},
		{name: "terminal to open", path: []Status{StatusFalsePositive}, next: StatusOpen, wantCode: apperrors.CodeConflict},
		{name: "unknown status", next: Status("snoozed"), wantCode: apperrors.CodeValidation},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, ""))
			s.Require().NoError(err)
			for _, st := range tt.path {
				_, err := m.UpdateAlertStatus(s.ctx, alert.ID, st, "")
				s.Require().NoError(err)
			}

			updated, err := m.UpdateAlertStatus(s.ctx, alert.ID, tt.next, "")
			if tt.wantCode != "" {
				s.True(apperrors.Is(err, tt.wantCode), "got %v", err)
				return
			}
			s.Require().NoError(err)
			s.Equal(tt.next, updated.Status)
		})
	}
}

func (s *ManagerSuite) TestStatusTimestampsSetOnce() {
	m := s.newManager([]Rule{{ID: "all", Enabled: true}})
	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, ""))
	s.Require().NoError(err)

	s.clock.Advance(time.Minute)
	acked, err := m.UpdateAlertStatus(s.ctx, alert.ID, StatusAcknowledged, "analyst-1")
	s.Require().NoError(err)
	s.Require().NotNil(acked.AcknowledgedAt)
	ackTime := *acked.AcknowledgedAt
	s.Equal("analyst-1", acked.AssignedTo)
	s.Nil(acked.ResolvedAt)

	s.clock.Advance(time.Minute)
	same, err := m.UpdateAlertStatus(s.ctx, alert.ID, StatusAcknowledged, "")
	s.Require().NoError(err)
	s.Equal(ackTime, *same.AcknowledgedAt)
	s.Equal("analyst-1", same.AssignedTo, "empty assignee does not clear")

	s.clock.Advance(time.Minute)
	closed, err := m.UpdateAlertStatus(s.ctx, alert.ID, StatusClosed, "analyst-2")
	s.Require().NoError(err)
	s.Require().NotNil(closed.ResolvedAt)
	s.Require().NotNil(closed.ClosedAt)
	s.Equal(ackTime, *closed.AcknowledgedAt)
	s.Equal("analyst-2", closed.AssignedTo)

	stored, err := m.GetAlert(s.ctx, alert.ID)
	s.Require().NoError(err)
	s.Equal(StatusClosed, stored.Status)
}

func (s *ManagerSuite) TestUpdateUnknownAlert() {
	m := s.newManager(nil)
	_, err := m.UpdateAlertStatus(s.ctx, "does-not-exist", StatusAcknowledged, "")
	s.True(apperrors.Is(err, apperrors.CodeNotFound))
}

func (s *ManagerSuite) TestReopen() {
	m := s.newManager([]Rule{{ID: "all", Enabled: true}})
	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, ""))
	s.Require().NoError(err)

	_, err = m.ReopenAlert(s.ctx, alert.ID)
	s.True(apperrors.Is(err, apperrors.CodeConflict), "open alerts cannot be reopened")

	_, err = m.UpdateAlertStatus(s.ctx, alert.ID, StatusResolved, "")
	s.Require().NoError(err)

	reopened, err := m.ReopenAlert(s.ctx, alert.ID)
	s.Require().NoError(err)
	s.Equal(StatusOpen, reopened.Status)
	s.Contains(reopened.Tags, "reopened")
	s.NotNil(reopened.ResolvedAt)
}

func (s *ManagerSuite) TestEscalateIsMonotonicAndCapped() {
	m := s.newManager([]Rule{{ID: "crit", Enabled: true, EscalationPolicy: "critical-response"}})
	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryMalware, event.SeverityCritical, 1, ""))
	s.Require().NoError(err)
	s.Equal(LevelL1, alert.EscalationLevel)

	want := []EscalationLevel{LevelL2, LevelL3, LevelL4, LevelExecutive, LevelExecutive}
	for _, level := range want {
		got, err := m.Escalate(s.ctx, alert.ID)
		s.Require().NoError(err)
		s.Equal(level, got.EscalationLevel)
	}
	// L2 notifies dashboard and syslog, L3 through executive notify syslog.
	s.Equal(1, s.dashboard.count())
	s.Equal(4, s.syslog.count())
}

func (s *ManagerSuite) TestEscalationQueue() {
	m := s.newManager([]Rule{{ID: "high", Enabled: true, EscalationPolicy: "standard"}})
	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, ""))
	s.Require().NoError(err)

	due, err := m.DueEscalations(s.ctx, s.clock.Now())
	s.Require().NoError(err)
	s.Empty(due)

	s.clock.Advance(31 * time.Minute)
	due, err = m.DueEscalations(s.ctx, s.clock.Now())
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal(alert.ID, due[0].AlertID)
	s.Equal(0, due[0].CurrentLevel)

	next, err := m.CompleteEscalation(s.ctx, due[0])
	s.Require().NoError(err)
	s.Require().NotNil(next)
	s.Equal(1, next.CurrentLevel)

	escalated, err := m.GetAlert(s.ctx, alert.ID)
	s.Require().NoError(err)
	s.Equal(LevelL2, escalated.EscalationLevel)

	_, err = m.UpdateAlertStatus(s.ctx, alert.ID, StatusAcknowledged, "analyst")
	s.Require().NoError(err)

	s.clock.Advance(61 * time.Minute)
	due, err = m.DueEscalations(s.ctx, s.clock.Now())
	s.Require().NoError(err)
	s.Require().Len(due, 1)

	next, err = m.CompleteEscalation(s.ctx, due[0])
	s.Require().NoError(err)
	s.Nil(next, "acknowledged alerts stop escalating")

	due, err = m.DueEscalations(s.ctx, s.clock.Now().Add(24*time.Hour))
	s.Require().NoError(err)
	s.Empty(due)
}

func (s *ManagerSuite) TestCompleteEscalationIsClaimedOnce() {
	m := s.newManager([]Rule{{ID: "high", Enabled: true, EscalationPolicy: "standard"}})
	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, ""))
	s.Require().NoError(err)

	s.clock.Advance(31 * time.Minute)
	due, err := m.DueEscalations(s.ctx, s.clock.Now())
	s.Require().NoError(err)
	s.Require().Len(due, 1)

	// Two pollers picked up the same record.
	first, err := m.CompleteEscalation(s.ctx, due[0])
	s.Require().NoError(err)
	s.Require().NotNil(first)
	second, err := m.CompleteEscalation(s.ctx, due[0])
	s.Require().NoError(err)
	s.Nil(second)

	got, err := m.GetAlert(s.ctx, alert.ID)
	s.Require().NoError(err)
	s.Equal(LevelL2, got.EscalationLevel)

	queued, err := m.DueEscalations(s.ctx, s.clock.Now().Add(24*time.Hour))
	s.Require().NoError(err)
	s.Len(queued, 1)
}

func (s *ManagerSuite) TestCompleteEscalationStopsAtLastStep() {
	m := s.newManager([]Rule{{ID: "high", Enabled: true}})
	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, ""))
	s.Require().NoError(err)
	_, err = m.Escalate(s.ctx, alert.ID)
	s.Require().NoError(err)
	_, err = m.Escalate(s.ctx, alert.ID)
	s.Require().NoError(err)

	policy := m.policies["standard"]
	rec, err := m.schedule(s.ctx, alert.ID, policy, len(policy.Steps)-1)
	s.Require().NoError(err)

	next, err := m.CompleteEscalation(s.ctx, *rec)
	s.Require().NoError(err)
	s.Nil(next)

	got, err := m.GetAlert(s.ctx, alert.ID)
	s.Require().NoError(err)
	s.Equal(LevelL3, got.EscalationLevel, "the standard policy ends at L3")

	queued, err := m.DueEscalations(s.ctx, s.clock.Now().Add(24*time.Hour))
	s.Require().NoError(err)
	s.Empty(queued)
}

func (s *ManagerSuite) TestStatusUpdateDuringEscalationIsKept() {
	store := &interleavingStore{MemoryEventStore: s.store}
	m := NewManager(DefaultConfig(), store, []Rule{{ID: "high", Enabled: true}}, DefaultPolicies(), nil, nil, logger.Nop())
	m.now = s.clock.Now

	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, ""))
	s.Require().NoError(err)

	store.key = alertKeyPrefix + alert.ID
	store.between = func() {
		_, err := m.UpdateAlertStatus(s.ctx, alert.ID, StatusAcknowledged, "analyst")
		s.Require().NoError(err)
	}
	store.armed.Store(true)

	escalated, err := m.Escalate(s.ctx, alert.ID)
	s.Require().NoError(err)
	s.False(store.armed.Load())

	for _, got := range []*Alert{escalated, s.reload(m, alert.ID)} {
		s.Equal(StatusAcknowledged, got.Status)
		s.NotNil(got.AcknowledgedAt)
		s.Equal("analyst", got.AssignedTo)
		s.Equal(LevelL2, got.EscalationLevel)
	}
}

func (s *ManagerSuite) TestConcurrentUpdatesAreNotLost() {
	m := s.newManager([]Rule{{ID: "high", Enabled: true}})
	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, ""))
	s.Require().NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := m.Escalate(s.ctx, alert.ID)
			s.NoError(err)
		}()
		go func() {
			defer wg.Done()
			_, err := m.UpdateAlertStatus(s.ctx, alert.ID, StatusAcknowledged, "analyst")
			s.NoError(err)
		}()
	}
	wg.Wait()

	got := s.reload(m, alert.ID)
	s.Equal(LevelL4, got.EscalationLevel, "three escalations from L1")
	s.Equal(StatusAcknowledged, got.Status)
	s.Equal("analyst", got.AssignedTo)
}

func (s *ManagerSuite) reload(m *Manager, id string) *Alert {
	got, err := m.GetAlert(s.ctx, id)
	s.Require().NoError(err)
	return got
}

func (s *ManagerSuite) TestUnknownEscalationPolicyIsSkipped() {
	m := s.newManager([]Rule{{
		ID: "broken", Enabled: true, Channels: []Channel{ChannelDashboard}, EscalationPolicy: "nobody",
	}})

	alert, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityHigh, 1, ""))
	s.Require().NoError(err)
	s.NotNil(alert)
	s.Equal(1, s.dashboard.count())
}

func (s *ManagerSuite) TestEscalateIndicatorWithoutRule() {
	m := s.newManager(nil)
	alert, err := m.EscalateIndicator(s.ctx, indicator(event.CategoryDataExfiltration, event.SeverityCritical, 1, "10.0.0.9"))
	s.Require().NoError(err)
	s.Equal(LevelL2, alert.EscalationLevel)
	s.Equal(StatusOpen, alert.Status)
}

func (s *ManagerSuite) TestRecentAlertsAndStatistics() {
	m := s.newManager([]Rule{{ID: "all", Enabled: true}, {ID: "off", Enabled: false}})

	levels := []event.Severity{event.SeverityLow, event.SeverityHigh, event.SeverityHigh, event.SeverityCritical}
	var ids []string
	for _, lvl := range levels {
		a, err := m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, lvl, 1, ""))
		s.Require().NoError(err)
		ids = append(ids, a.ID)
		s.clock.Advance(time.Second)
	}

	recent, err := m.GetRecentAlerts(s.ctx, 2, "")
	s.Require().NoError(err)
	s.Require().Len(recent, 2)
	s.Equal(ids[3], recent[0].ID)
	s.Equal(ids[2], recent[1].ID)

	high, err := m.GetRecentAlerts(s.ctx, 10, event.SeverityHigh)
	s.Require().NoError(err)
	s.Len(high, 2)

	s.clock.Advance(25 * time.Hour)
	_, err = m.ProcessIndicator(s.ctx, indicator(event.CategoryBruteForce, event.SeverityMedium, 1, ""))
	s.Require().NoError(err)

	stats, err := m.GetAlertStatistics(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(5), stats.Total)
	s.Equal(int64(2), stats.BySeverity[event.SeverityHigh])
	s.Equal(int64(1), stats.BySeverity[event.SeverityMedium])
	s.Equal(int64(1), stats.Recent24h)
	s.Equal(1, stats.ActiveRules)
}

func TestStatusOrdering(t *testing.T) {
	assert.True(t, StatusOpen.rank() < StatusAcknowledged.rank())
	assert.True(t, StatusAcknowledged.rank() < StatusInvestigating.rank())
	assert.True(t, StatusResolved.Terminal())
	assert.True(t, StatusFalsePositive.Terminal())
	assert.False(t, StatusInvestigating.Terminal())

	s, err := ParseStatus(" Acknowledged ")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, s)
	_, err = ParseStatus("gone")
	assert.Error(t, err)
}

func TestRuleMatches(t *testing.T) {
	ind := event.NewIndicator("r", event.CategoryBruteForce, event.SeverityHigh, 0.6, time.Now())

	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{"empty conditions", Rule{Enabled: true}, true},
		{"disabled", Rule{}, false},
		{"threshold met", Rule{Enabled: true, SeverityThreshold: event.SeverityHigh}, true},
		{"threshold above", Rule{Enabled: true, SeverityThreshold: event.SeverityCritical}, false},
		{"category listed", Rule{Enabled: true, Conditions: Conditions{Categories: []event.Category{event.CategoryMalware, event.CategoryBruteForce}}}, true},
		{"category missing", Rule{Enabled: true, Conditions: Conditions{Categories: []event.Category{event.CategoryMalware}}}, false},
		{"severity missing", Rule{Enabled: true, Conditions: Conditions{Severities: []event.Severity{event.SeverityLow}}}, false},
		{"confidence too low", Rule{Enabled: true, Conditions: Conditions{MinConfidence: 0.7}}, false},
		{"confidence equal", Rule{Enabled: true, Conditions: Conditions{MinConfidence: 0.6}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Matches(ind))
		})
	}
}

func TestEscalationLevelNext(t *testing.T) {
	assert.Equal(t, LevelL2, LevelL1.Next())
	assert.Equal(t, LevelExecutive, LevelL4.Next())
	assert.Equal(t, LevelExecutive, LevelExecutive.Next())
	assert.Equal(t, LevelL1, EscalationLevel("").Next())
}
