package response

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
	"github.com/siem-soar-platform/security-monitor/pkg/logger"
	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/alerting"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/audit"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
)

type fakeAlerter struct {
	processed []*event.ThreatIndicator
	escalated []*event.ThreatIndicator
	err       error
}

func (f *fakeAlerter) ProcessIndicator(_ context.Context, ind *event.ThreatIndicator) (*alerting.Alert, error) {
	f.processed = append(f.processed, ind)
	if f.err != nil {
		return nil, f.err
	}
	return &alerting.Alert{ID: "alert-" + ind.ID, Status: alerting.StatusOpen}, nil
}

func (f *fakeAlerter) EscalateIndicator(_ context.Context, ind *event.ThreatIndicator) (*alerting.Alert, error) {
	f.escalated = append(f.escalated, ind)
	if f.err != nil {
		return nil, f.err
	}
	return &alerting.Alert{ID: "alert-" + ind.ID, EscalationLevel: alerting.LevelL2}, nil
}

type OrchestratorSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	store   *repository.MemoryEventStore
	repo    *repository.MemoryAuditRepository
	alerter *fakeAlerter
	orch    *Orchestrator
	flags   *Flags
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	s.store = repository.NewMemoryEventStore(repository.WithClock(func() time.Time { return s.now }))
	s.repo = repository.NewMemoryAuditRepository()
	auditSvc := audit.NewService(audit.DefaultConfig(), s.repo, s.store, nil, nil, logger.Nop())
	s.alerter = &fakeAlerter{}
	s.orch = NewOrchestrator(DefaultConfig(), s.store, s.alerter, auditSvc, nil, logger.Nop())
	s.orch.now = func() time.Time { return s.now }
	s.flags = NewFlags(s.store, nil, logger.Nop())
}

func (s *OrchestratorSuite) indicator() *event.ThreatIndicator {
	ind := event.NewIndicator("brute-force", event.CategoryBruteForce, event.SeverityHigh, 1, s.now)
	ind.SourceIP = "203.0.113.5"
	ind.UserID = "alice"
	return ind
}

func (s *OrchestratorSuite) auditEntries() []*repository.AuditRecord {
	records, err := s.repo.Search(s.ctx, repository.AuditFilter{}, 0, 0)
	s.Require().NoError(err)
	return records
}

func (s *OrchestratorSuite) TestBlockIP() {
	ind := s.indicator()
	res, err := s.orch.Execute(s.ctx, ind, event.ActionBlockIP)
	s.Require().NoError(err)
	s.Equal("203.0.113.5", res.Target)
	s.Equal(time.Hour, res.Duration)
	s.False(res.Delegated)
	s.NotEmpty(res.AuditID)
	s.NoError(res.AuditError)

	s.True(s.flags.IsIPBlocked(s.ctx, "203.0.113.5"))
	s.False(s.flags.IsIPBlocked(s.ctx, "203.0.113.6"))

	records := s.auditEntries()
	s.Require().Len(records, 1)
	rec := records[0]
	s.Equal(string(audit.EventSecurityViolation), rec.EventType)
	s.Equal("response.block_ip", rec.Action)
	s.Equal(ind.ID, rec.ResourceID)
	s.True(rec.Success)

	var data map[string]interface{}
	s.Require().NoError(json.Unmarshal(rec.AdditionalData, &data))
	s.Equal(ind.ID, data["indicator_id"])
	s.Equal("brute-force", data["rule_id"])
	s.Equal(float64(3600), data["duration_seconds"])

	s.now = s.now.Add(61 * time.Minute)
	s.False(s.flags.IsIPBlocked(s.ctx, "203.0.113.5"), "block expires")
}

func (s *OrchestratorSuite) TestBlockingOnlyExtends() {
	ind := s.indicator()
	_, err := s.orch.Execute(s.ctx, ind, event.ActionBlockIP)
	s.Require().NoError(err)

	s.now = s.now.Add(10 * time.Minute)
	_, err = s.orch.Execute(s.ctx, ind, event.ActionBlockRequestAndAlert)
	s.Require().NoError(err)

	ttl, err := s.store.TTL(s.ctx, BlockedIPKey(ind.SourceIP))
	s.Require().NoError(err)
	s.Equal(50*time.Minute, ttl, "shorter block does not shorten the existing one")

	s.now = s.now.Add(20 * time.Minute)
	s.Require().NoError(s.orch.BlockIP(s.ctx, ind.SourceIP, 2*time.Hour, "repeat offender"))
	ttl, err = s.store.TTL(s.ctx, BlockedIPKey(ind.SourceIP))
	s.Require().NoError(err)
	s.Equal(2*time.Hour, ttl)
}

func (s *OrchestratorSuite) TestAccountActions() {
	ind := s.indicator()

	res, err := s.orch.Execute(s.ctx, ind, event.ActionLockAccount)
	s.Require().NoError(err)
	s.Equal(30*time.Minute, res.Duration)
	s.True(s.flags.IsAccountLocked(s.ctx, "alice"))

	res, err = s.orch.Execute(s.ctx, ind, event.ActionRequireMFA)
	s.Require().NoError(err)
	s.Equal(24*time.Hour, res.Duration)
	s.True(s.flags.IsMFARequired(s.ctx, "alice"))

	s.Require().NoError(s.orch.UnlockAccount(s.ctx, "alice", "admin"))
	s.False(s.flags.IsAccountLocked(s.ctx, "alice"))
	s.Require().NoError(s.orch.ClearMFARequirement(s.ctx, "alice", "admin"))
	s.False(s.flags.IsMFARequired(s.ctx, "alice"))

	records := s.auditEntries()
	s.Len(records, 4)
	admin := 0
	for _, rec := range records {
		if rec.EventType == string(audit.EventAuthorization) {
			admin++
		}
	}
	s.Equal(2, admin)
}

func (s *OrchestratorSuite) TestAccountActionWithoutUser() {
	ind := s.indicator()
	ind.UserID = ""

	res, err := s.orch.Execute(s.ctx, ind, event.ActionLockAccount)
	s.True(apperrors.Is(err, apperrors.CodeValidation))
	s.Require().NotNil(res)

	records := s.auditEntries()
	s.Require().Len(records, 1, "failed actions are audited too")
	s.False(records[0].Success)
}

func (s *OrchestratorSuite) TestRateLimitWritesOverride() {
	ind := s.indicator()
	res, err := s.orch.Execute(s.ctx, ind, event.ActionRateLimit)
	s.Require().NoError(err)
	s.Equal("user:alice", res.Target)

	o, ok := s.flags.RateOverride(s.ctx, "user:alice")
	s.Require().True(ok)
	s.Equal(10, o.Limit)
	s.Equal(60, o.WindowSeconds)
	s.Equal(ind.ID, o.IndicatorID)

	s.now = s.now.Add(2 * time.Hour)
	_, ok = s.flags.RateOverride(s.ctx, "user:alice")
	s.False(ok)
}

func (s *OrchestratorSuite) TestDelegatingActions() {
	tests := []struct {
		action    event.Action
		escalated bool
		blocks    bool
	}{
		{action: event.ActionAlertOnly},
		{action: event.ActionQuarantine},
		{action: event.ActionInvestigate},
		{action: event.ActionEscalate, escalated: true},
		{action: event.ActionBlockRequestAndAlert, blocks: true},
	}

	for _, tt := range tests {
		s.Run(string(tt.action), func() {
			s.SetupTest()
			res, err := s.orch.Execute(s.ctx, s.indicator(), tt.action)
			s.Require().NoError(err)
			s.True(res.Delegated)
			s.Require().NotNil(res.Alert)
			if tt.escalated {
				s.Len(s.alerter.escalated, 1)
				s.Empty(s.alerter.processed)
			} else {
				s.Len(s.alerter.processed, 1)
			}
			s.Equal(tt.blocks, s.flags.IsIPBlocked(s.ctx, "203.0.113.5"))
			if tt.blocks {
				s.Equal(time.Minute, res.Duration)
			}
		})
	}
}

func (s *OrchestratorSuite) TestAlertFailurePropagates() {
	s.alerter.err = apperrors.Storage("persist alert", errors.New("down"))
	res, err := s.orch.Execute(s.ctx, s.indicator(), event.ActionAlertOnly)
	s.True(apperrors.Is(err, apperrors.CodeStorage))
	s.False(res.Delegated)
}

func (s *OrchestratorSuite) TestUnknownAction() {
	_, err := s.orch.Execute(s.ctx, s.indicator(), event.Action("nuke"))
	s.True(apperrors.Is(err, apperrors.CodeValidation))
	_, err = s.orch.Execute(s.ctx, nil, event.ActionBlockIP)
	s.True(apperrors.Is(err, apperrors.CodeValidation))
}

func (s *OrchestratorSuite) TestAuditFailureDoesNotUndoAction() {
	s.repo.FailWith(errors.New("postgres down"))
	res, err := s.orch.Execute(s.ctx, s.indicator(), event.ActionBlockIP)
	s.Require().NoError(err)
	s.Error(res.AuditError)
	s.True(s.flags.IsIPBlocked(s.ctx, "203.0.113.5"))
}

func (s *OrchestratorSuite) TestStoreFailure() {
	s.store.FailWith(errors.New("redis down"))
	_, err := s.orch.Execute(s.ctx, s.indicator(), event.ActionBlockIP)
	s.True(apperrors.Is(err, apperrors.CodeStorage))
	s.Equal(int64(1), s.orch.Stats()["failed"])
}

func TestFlagsFailOpen(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryEventStore()
	flags := NewFlags(store, nil, logger.Nop())

	require.NoError(t, store.SetWithExpiry(ctx, BlockedIPKey("10.0.0.1"), "x", time.Hour))
	require.NoError(t, store.SetWithExpiry(ctx, OverrideKey("ip:10.0.0.1"), `{"limit":5,"window":30}`, time.Hour))
	assert.True(t, flags.IsIPBlocked(ctx, "10.0.0.1"))
	o, ok := flags.RateOverride(ctx, "ip:10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, 5, o.Limit)

	store.FailWith(errors.New("timeout"))
	assert.False(t, flags.IsIPBlocked(ctx, "10.0.0.1"))
	assert.False(t, flags.IsAccountLocked(ctx, "bob"))
	assert.False(t, flags.IsMFARequired(ctx, "bob"))
	_, ok = flags.RateOverride(ctx, "ip:10.0.0.1")
	assert.False(t, ok)
}

func TestFlagsIgnoreMalformedOverride(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryEventStore()
	flags := NewFlags(store, nil, logger.Nop())

	for _, raw := range []string{`not json`, `{"limit":0,"window":60}`, `{"limit":5}`} {
		require.NoError(t, store.SetWithExpiry(ctx, OverrideKey("user:x"), raw, 0))
		_, ok := flags.RateOverride(ctx, "user:x")
		assert.False(t, ok, raw)
	}
	assert.False(t, flags.IsIPBlocked(ctx, ""))
}
