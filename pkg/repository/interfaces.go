package repository

import (
	"context"
	"time"
)

// ============================================================================
// Event Store
// ============================================================================

// ScoredMember is a sorted set member with its score.
type ScoredMember struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// Message is a pub/sub payload received on a subscription.
type Message struct {
	Channel string
	Payload []byte
}

// StreamEntry is one record of a capped append-only stream.
type StreamEntry struct {
	ID     string                 `json:"id"`
	Values map[string]interface{} `json:"values"`
}

// Subscription delivers messages published on the channels it was opened for.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// EventStore is the shared, concurrently accessed store every security
// component builds its counters, flags and queues on. Implementations provide
// atomicity themselves; callers never add locking around these calls.
//
// A ttl of zero means the key never expires. Failures are reported as
// CodeStorage errors; a missing key on Get is ErrKeyNotFound.
type EventStore interface {
	// Counters
	IncrementWithExpiry(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)

	// Sorted sets
	SortedSetAdd(ctx context.Context, key, member string, score float64) error
	SortedSetRemove(ctx context.Context, key string, members ...string) (int64, error)
	SortedSetRemoveRangeByScore(ctx context.Context, key string, min, max float64) error
	SortedSetCount(ctx context.Context, key string, min, max float64) (int64, error)
	SortedSetRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	SortedSetRevRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	SortedSetRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error)
	// SortedSetAddWithinLimit drops members scored at or below trimBelow, then
	// adds member only while fewer than limit remain. It returns whether member
	// was added and the resulting cardinality.
	SortedSetAddWithinLimit(ctx context.Context, key, member string, score, trimBelow float64, limit int64, ttl time.Duration) (bool, int64, error)

	// Sets
	SetAdd(ctx context.Context, key string, members ...string) error
	SetCardinality(ctx context.Context, key string) (int64, error)
	SetIsMember(ctx context.Context, key, member string) (bool, error)

	// Keys
	Get(ctx context.Context, key string) (string, error)
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error
	ExtendWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	// CompareAndSwap writes value only while key still holds old. An empty
	// old matches a missing key.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)

	// Messaging
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	StreamAppend(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error)
	StreamRevRange(ctx context.Context, stream string, count int64) ([]StreamEntry, error)
}

// ============================================================================
// Audit Repository
// ============================================================================

// AuditRecord is the persisted form of an audit log entry.
type AuditRecord struct {
	ID             string    `db:"id" json:"id"`
	Timestamp      time.Time `db:"timestamp" json:"timestamp"`
	UserID         string    `db:"user_id" json:"user_id,omitempty"`
	Action         string    `db:"action" json:"action"`
	EventType      string    `db:"event_type" json:"event_type"`
	ResourceType   string    `db:"resource_type" json:"resource_type,omitempty"`
	ResourceID     string    `db:"resource_id" json:"resource_id,omitempty"`
	IPAddress      string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent      string    `db:"user_agent" json:"user_agent,omitempty"`
	SessionID      string    `db:"session_id" json:"session_id,omitempty"`
	Success        bool      `db:"success" json:"success"`
	OldValues      []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues      []byte    `db:"new_values" json:"new_values,omitempty"`
	AdditionalData []byte    `db:"additional_data" json:"additional_data,omitempty"`
	Severity       string    `db:"severity" json:"severity"`
	ComplianceTags []string  `db:"-" json:"compliance_tags,omitempty"`
	RetentionDays  int       `db:"retention_days" json:"retention_days"`
	IntegrityHash  string    `db:"integrity_hash" json:"integrity_hash"`
	Encrypted      bool      `db:"encrypted" json:"encrypted"`
}

// AuditFilter narrows an audit search. Zero-valued fields do not filter.
type AuditFilter struct {
	UserID       string
	EventTypes   []string
	Start        *time.Time
	End          *time.Time
	ResourceType string
	IPAddress    string
	Success      *bool
}

// UserCount is one row of the top-users aggregate.
type UserCount struct {
	UserID string `db:"user_id" json:"user_id"`
	Count  int64  `db:"count" json:"count"`
}

// AuditStats aggregates audit records over a window.
type AuditStats struct {
	Total     int64            `json:"total"`
	ByType    map[string]int64 `json:"by_type"`
	BySuccess map[string]int64 `json:"by_success"`
	TopUsers  []UserCount      `json:"top_users"`
}

// AuditRepository persists audit records append-only.
// Search orders by (timestamp, id) descending; limit <= 0 returns every match.
type AuditRepository interface {
	Insert(ctx context.Context, record *AuditRecord) error
	Search(ctx context.Context, filter AuditFilter, limit, offset int) ([]*AuditRecord, error)
	Statistics(ctx context.Context, start, end *time.Time, topUsers int) (*AuditStats, error)
}
