package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
)

// MemoryAuditRepository keeps audit records in memory, ordered as PostgreSQL would.
type MemoryAuditRepository struct {
	mu      sync.RWMutex
	records []*AuditRecord
	failure error
}

// NewMemoryAuditRepository creates an empty repository.
func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

// FailWith makes every subsequent call fail with err. Passing nil restores normal operation.
func (r *MemoryAuditRepository) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = err
}

func (r *MemoryAuditRepository) Insert(_ context.Context, rec *AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return storageError("insert audit record", rec.ID, r.failure)
	}
	for _, existing := range r.records {
		if existing.ID == rec.ID {
			return apperrors.Conflict("audit record already exists").WithDetail("id", rec.ID)
		}
	}

	stored := cloneRecord(rec)
	r.records = append(r.records, stored)
	return nil
}

// Tamper replaces a stored record in place. It exists so integrity
// verification can be exercised against a modified row.
func (r *MemoryAuditRepository) Tamper(id string, mutate func(*AuditRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			mutate(rec)
			return true
		}
	}
	return false
}

func (r *MemoryAuditRepository) Search(_ context.Context, f AuditFilter, limit, offset int) ([]*AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return nil, storageError("search audit records", "memory", r.failure)
	}

	matched := make([]*AuditRecord, 0)
	for _, rec := range r.records {
		if matches(rec, f) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})

	if offset > 0 {
		if offset >= len(matched) {
			return []*AuditRecord{}, nil
		}
		matched = matched[offset:]
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*AuditRecord, len(matched))
	for i, rec := range matched {
		out[i] = cloneRecord(rec)
	}
	return out, nil
}

func (r *MemoryAuditRepository) Statistics(ctx context.Context, start, end *time.Time, topUsers int) (*AuditStats, error) {
	records, err := r.Search(ctx, AuditFilter{Start: start, End: end}, 0, 0)
	if err != nil {
		return nil, err
	}

	stats := &AuditStats{
		Total:     int64(len(records)),
		ByType:    make(map[string]int64),
		BySuccess: make(map[string]int64),
		TopUsers:  []UserCount{},
	}
	perUser := make(map[string]int64)
	for _, rec := range records {
		stats.ByType[rec.EventType]++
		stats.BySuccess[successLabel(rec.Success)]++
		if rec.UserID != "" {
			perUser[rec.UserID]++
		}
	}

	for user, n := range perUser {
		stats.TopUsers = append(stats.TopUsers, UserCount{UserID: user, Count: n})
	}
	sort.Slice(stats.TopUsers, func(i, j int) bool {
		if stats.TopUsers[i].Count != stats.TopUsers[j].Count {
			return stats.TopUsers[i].Count > stats.TopUsers[j].Count
		}
		return stats.TopUsers[i].UserID < stats.TopUsers[j].UserID
	})
	if topUsers >= 0 && len(stats.TopUsers) > topUsers {
		stats.TopUsers = stats.TopUsers[:topUsers]
	}
	return stats, nil
}

// Ping reports the injected failure, if any.
func (r *MemoryAuditRepository) Ping(_ context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failure
}

// IsHealthy returns true unless a failure has been injected.
func (r *MemoryAuditRepository) IsHealthy(ctx context.Context) bool {
	return r.Ping(ctx) == nil
}

func matches(rec *AuditRecord, f AuditFilter) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if rec.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Start != nil && rec.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && rec.Timestamp.After(*f.End) {
		return false
	}
	if f.ResourceType != "" && rec.ResourceType != f.ResourceType {
		return false
	}
	if f.IPAddress != "" && rec.IPAddress != f.IPAddress {
		return false
	}
	if f.Success != nil && rec.Success != *f.Success {
		return false
	}
	return true
}

func cloneRecord(rec *AuditRecord) *AuditRecord {
	c := *rec
	c.OldValues = append([]byte(nil), rec.OldValues...)
	c.NewValues = append([]byte(nil), rec.NewValues...)
	c.AdditionalData = append([]byte(nil), rec.AdditionalData...)
	c.ComplianceTags = append([]string(nil), rec.ComplianceTags...)
	return &c
}
