package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/metrics"
)

// Stream and channel names used for real-time consumers.
const (
	StreamGlobal     = "audit:stream"
	CriticalChannel  = "security:critical"
	defaultStreamCap = 10000
)

// Config holds audit service configuration.
type Config struct {
	StreamMaxLen  int64 `json:"stream_max_len" yaml:"stream_max_len"`
	DefaultLimit  int   `json:"default_limit" yaml:"default_limit"`
	MaxLimit      int   `json:"max_limit" yaml:"max_limit"`
	TopUsers      int   `json:"top_users" yaml:"top_users"`
	RetentionDays int   `json:"retention_days" yaml:"retention_days"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		StreamMaxLen:  defaultStreamCap,
		DefaultLimit:  100,
		MaxLimit:      1000,
		TopUsers:      10,
		RetentionDays: DefaultRetentionDays,
	}
}

// Filter selects entries for Search. Absent fields do not filter.
type Filter struct {
	UserID       string      `json:"user_id,omitempty"`
	EventTypes   []EventType `json:"event_types,omitempty"`
	Start        *time.Time  `json:"start,omitempty"`
	End          *time.Time  `json:"end,omitempty"`
	ResourceType string      `json:"resource_type,omitempty"`
	IPAddress    string      `json:"ip_address,omitempty"`
	Success      *bool       `json:"success,omitempty"`
}

// ExportedEvent is one entry of a compliance export with its verification result.
type ExportedEvent struct {
	*Entry
	IntegrityVerified bool `json:"integrity_verified"`
}

// Period is an inclusive time range.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ExportReport is the compliance handoff for a period.
type ExportReport struct {
	ExportID       string          `json:"export_id"`
	Period         Period          `json:"period"`
	TotalEvents    int             `json:"total_events"`
	TamperedEvents int             `json:"tampered_events"`
	Events         []ExportedEvent `json:"events"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// Service records and queries the audit trail. Persistence must succeed
// before anything is streamed; streaming is best effort.
type Service struct {
	config  Config
	repo    repository.AuditRepository
	store   repository.EventStore
	cipher  *PayloadCipher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	logged         atomic.Int64
	rejected       atomic.Int64
	storageFailed  atomic.Int64
	streamFailures atomic.Int64
}

// NewService creates an audit service. cipher and m may be nil.
func NewService(cfg Config, repo repository.AuditRepository, store repository.EventStore, cipher *PayloadCipher, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = defaultStreamCap
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 100
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = cfg.DefaultLimit
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	return &Service{
		config:  cfg,
		repo:    repo,
		store:   store,
		cipher:  cipher,
		metrics: m,
		logger:  logger.With("component", "audit"),
		now:     time.Now,
	}
}

// LogEvent validates, seals, hashes and persists entry, then streams it.
// It returns the entry id. The entry is updated in place with its final
// id, timestamp, hash and sealed payloads.
func (s *Service) LogEvent(ctx context.Context, entry *Entry) (string, error) {
	if entry == nil {
		return "", apperrors.Validation("audit entry is required")
	}
	if err := s.prepare(entry); err != nil {
		s.rejected.Add(1)
		s.metrics.AuditWritten(string(entry.EventType), err)
		return "", err
	}

	if err := s.repo.Insert(ctx, entry.toRecord()); err != nil {
		s.storageFailed.Add(1)
		s.metrics.AuditWritten(string(entry.EventType), err)
		s.logger.Error("audit persistence failed", "entry_id", entry.ID, "action", entry.Action, "error", err)
		if apperrors.Is(err, apperrors.CodeStorage) {
			return "", err
		}
		return "", apperrors.Storage("persist audit entry", err)
	}

	s.logged.Add(1)
	s.metrics.AuditWritten(string(entry.EventType), nil)
	s.stream(ctx, entry)
	return entry.ID, nil
}

// prepare validates entry and fills the derived fields.
func (s *Service) prepare(entry *Entry) error {
	if tag, field := entry.missingComplianceField(); tag != "" {
		return apperrors.Validation(fmt.Sprintf("%s requires %s", tag, field)).
			WithDetail("tag", tag).
			WithDetail("field", field)
	}
	if entry.Action == "" {
		return apperrors.Validation("audit action is required")
	}
	if entry.EventType == "" {
		entry.EventType = EventSystemAccess
	}
	if !entry.EventType.Valid() {
		return apperrors.Validation(fmt.Sprintf("unknown audit event type %q", entry.EventType))
	}
	if entry.Severity == "" {
		entry.Severity = event.SeverityLow
	}
	if !entry.Severity.Valid() {
		return apperrors.Validation(fmt.Sprintf("unknown severity %q", entry.Severity))
	}
	for name, payload := range map[string]json.RawMessage{
		"old_values":      entry.OldValues,
		"new_values":      entry.NewValues,
		"additional_data": entry.AdditionalData,
	} {
		if len(payload) > 0 && !entry.Encrypted && !json.Valid(payload) {
			return apperrors.Validation(name + " must be valid JSON")
		}
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	entry.Timestamp = normalizeTime(entry.Timestamp)
	if entry.RetentionDays <= 0 {
		entry.RetentionDays = s.config.RetentionDays
	}

	if s.cipher != nil && !entry.Encrypted {
		if err := s.seal(entry); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternalError, "seal audit payload")
		}
	}

	hash, err := ComputeHash(entry)
	if err != nil {
		return apperrors.Validation("audit payload is not canonicalizable").WithDetail("error", err.Error())
	}
	entry.IntegrityHash = hash
	return nil
}

func (s *Service) seal(entry *Entry) error {
	for _, p := range []*json.RawMessage{&entry.OldValues, &entry.NewValues, &entry.AdditionalData} {
		sealed, err := s.cipher.Seal(*p, entry.ID)
		if err != nil {
			return err
		}
		*p = sealed
	}
	entry.Encrypted = true
	return nil
}

// Decrypt returns a copy of entry with its payloads opened. Entries that
// were never sealed are returned unchanged.
func (s *Service) Decrypt(entry *Entry) (*Entry, error) {
	if !entry.Encrypted {
		return entry, nil
	}
	if s.cipher == nil {
		return nil, apperrors.Configuration("audit entry is encrypted but no key is configured")
	}
	out := *entry
	for _, p := range []*json.RawMessage{&out.OldValues, &out.NewValues, &out.AdditionalData} {
		plain, err := s.cipher.Open(*p, entry.ID)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "open audit payload")
		}
		*p = plain
	}
	out.Encrypted = false
	return &out, nil
}

// stream appends to the global, severity and type streams and raises the
// critical side channel. Failures are logged; the entry is already durable.
func (s *Service) stream(ctx context.Context, entry *Entry) {
	values := map[string]interface{}{
		"id":         entry.ID,
		"timestamp":  entry.Timestamp.Format(time.RFC3339Nano),
		"user_id":    entry.UserID,
		"action":     entry.Action,
		"event_type": string(entry.EventType),
		"severity":   string(entry.Severity),
		"success":    strconv.FormatBool(entry.Success),
		"hash":       entry.IntegrityHash,
	}

	streams := []string{
		StreamGlobal,
		StreamGlobal + ":severity:" + string(entry.Severity),
		StreamGlobal + ":type:" + string(entry.EventType),
	}
	for _, name := range streams {
		if _, err := s.store.StreamAppend(ctx, name, s.config.StreamMaxLen, values); err != nil {
			s.streamFailures.Add(1)
			s.logger.Warn("audit stream append failed", "stream", name, "entry_id", entry.ID, "error", err)
		}
	}

	if entry.Severity == event.SeverityCritical {
		payload, _ := json.Marshal(entry)
		if err := s.store.Publish(ctx, CriticalChannel, payload); err != nil {
			s.streamFailures.Add(1)
			s.logger.Warn("critical audit publish failed", "entry_id", entry.ID, "error", err)
		}
	}
}

// Search returns entries matching every set filter, newest first.
func (s *Service) Search(ctx context.Context, f Filter, limit, offset int) ([]*Entry, error) {
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}
	if limit > s.config.MaxLimit {
		limit = s.config.MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	records, err := s.repo.Search(ctx, toRepoFilter(f), limit, offset)
	if err != nil {
		return nil, err
	}
	return fromRecords(records), nil
}

// Statistics aggregates entries in the optional window.
func (s *Service) Statistics(ctx context.Context, start, end *time.Time) (*repository.AuditStats, error) {
	return s.repo.Statistics(ctx, start, end, s.config.TopUsers)
}

// Export materializes every entry in [start, end] and verifies each hash.
func (s *Service) Export(ctx context.Context, start, end time.Time) (*ExportReport, error) {
	if end.Before(start) {
		return nil, apperrors.Validation("export end precedes start")
	}

	records, err := s.repo.Search(ctx, repository.AuditFilter{Start: &start, End: &end}, 0, 0)
	if err != nil {
		return nil, err
	}

	report := &ExportReport{
		ExportID:    uuid.NewString(),
		Period:      Period{Start: start.UTC(), End: end.UTC()},
		TotalEvents: len(records),
		Events:      make([]ExportedEvent, 0, len(records)),
		GeneratedAt: s.now().UTC(),
	}
	for _, rec := range records {
		entry := fromRecord(rec)
		ok := VerifyIntegrity(entry)
		if !ok {
			report.TamperedEvents++
			s.logger.Error("audit entry failed integrity verification", "entry_id", entry.ID)
		}
		report.Events = append(report.Events, ExportedEvent{Entry: entry, IntegrityVerified: ok})
	}

	s.logger.Info("audit export generated",
		"export_id", report.ExportID,
		"events", report.TotalEvents,
		"tampered", report.TamperedEvents,
	)
	return report, nil
}

// RecentStream returns the newest entries of the global audit stream.
func (s *Service) RecentStream(ctx context.Context, count int64) ([]repository.StreamEntry, error) {
	if count <= 0 {
		count = 50
	}
	return s.store.StreamRevRange(ctx, StreamGlobal, count)
}

// Stats returns service counters.
func (s *Service) Stats() map[string]interface{} {
	return map[string]interface{}{
		"logged":          s.logged.Load(),
		"rejected":        s.rejected.Load(),
		"storage_failed":  s.storageFailed.Load(),
		"stream_failures": s.streamFailures.Load(),
		"encryption":      s.cipher != nil,
	}
}

func toRepoFilter(f Filter) repository.AuditFilter {
	types := make([]string, len(f.EventTypes))
	for i, t := range f.EventTypes {
		types[i] = string(t)
	}
	return repository.AuditFilter{
		UserID:       f.UserID,
		EventTypes:   types,
		Start:        f.Start,
		End:          f.End,
		ResourceType: f.ResourceType,
		IPAddress:    f.IPAddress,
		Success:      f.Success,
	}
}

func fromRecords(records []*repository.AuditRecord) []*Entry {
	out := make([]*Entry, len(records))
	for i, rec := range records {
		out[i] = fromRecord(rec)
	}
	return out
}
