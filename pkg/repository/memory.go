package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// In-memory Event Store
// ============================================================================

type memoryKind int

const (
	kindString memoryKind = iota
	kindZSet
	kindSet
	kindStream
)

type memoryItem struct {
	kind      memoryKind
	str       string
	zset      map[string]float64
	set       map[string]struct{}
	stream    []StreamEntry
	expiresAt time.Time // zero means no expiry
}

// MemoryEventStore is a single-process EventStore. It is used in tests and for
// local development; a mutex provides the atomicity Redis provides in production.
type MemoryEventStore struct {
	mu          sync.Mutex
	items       map[string]*memoryItem
	subscribers map[string][]*memorySubscription
	streamSeq   int64
	failure     error
	now         func() time.Time
}

// MemoryOption configures a MemoryEventStore.
type MemoryOption func(*MemoryEventStore)

// WithClock replaces the clock used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryEventStore) {
		s.now = now
	}
}

// NewMemoryEventStore creates an empty in-memory store.
func NewMemoryEventStore(opts ...MemoryOption) *MemoryEventStore {
	s := &MemoryEventStore{
		items:       make(map[string]*memoryItem),
		subscribers: make(map[string][]*memorySubscription),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailWith makes every subsequent call return err wrapped as a storage error.
// Passing nil restores normal operation.
func (s *MemoryEventStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// check must be called with mu held.
func (s *MemoryEventStore) check(op, key string) error {
	if s.failure != nil {
		return storageError(op, key, s.failure)
	}
	return nil
}

// lookup returns the live item for key, evicting it if expired. Caller holds mu.
func (s *MemoryEventStore) lookup(key string) *memoryItem {
	item, ok := s.items[key]
	if !ok {
		return nil
	}
	if !item.expiresAt.IsZero() && !s.now().Before(item.expiresAt) {
		delete(s.items, key)
		return nil
	}
	return item
}

func (s *MemoryEventStore) lookupKind(key string, kind memoryKind) (*memoryItem, error) {
	item := s.lookup(key)
	if item == nil {
		return nil, nil
	}
	if item.kind != kind {
		return nil, fmt.Errorf("WRONGTYPE operation against key %q", key)
	}
	return item, nil
}

func (s *MemoryEventStore) getOrCreate(key string, kind memoryKind) (*memoryItem, error) {
	item, err := s.lookupKind(key, kind)
	if err != nil {
		return nil, err
	}
	if item == nil {
		item = &memoryItem{kind: kind}
		switch kind {
		case kindZSet:
			item.zset = make(map[string]float64)
		case kindSet:
			item.set = make(map[string]struct{})
		}
		s.items[key] = item
	}
	return item, nil
}

func (s *MemoryEventStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryEventStore) IncrementWithExpiry(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("increment", key); err != nil {
		return 0, err
	}

	item, err := s.lookupKind(key, kindString)
	if err != nil {
		return 0, storageError("increment", key, err)
	}
	var current int64
	if item == nil {
		item = &memoryItem{kind: kindString, expiresAt: s.expiry(ttl)}
		s.items[key] = item
	} else {
		current, err = strconv.ParseInt(item.str, 10, 64)
		if err != nil {
			return 0, storageError("increment", key, fmt.Errorf("value is not an integer"))
		}
		if item.expiresAt.IsZero() && ttl > 0 {
			item.expiresAt = s.expiry(ttl)
		}
	}
	current += amount
	item.str = strconv.FormatInt(current, 10)
	return current, nil
}

func (s *MemoryEventStore) SortedSetAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("zadd", key); err != nil {
		return err
	}

	item, err := s.getOrCreate(key, kindZSet)
	if err != nil {
		return storageError("zadd", key, err)
	}
	item.zset[member] = score
	return nil
}

func (s *MemoryEventStore) SortedSetRemove(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("zrem", key); err != nil {
		return 0, err
	}

	item, err := s.lookupKind(key, kindZSet)
	if err != nil {
		return 0, storageError("zrem", key, err)
	}
	if item == nil {
		return 0, nil
	}
	var removed int64
	for _, m := range members {
		if _, ok := item.zset[m]; ok {
			delete(item.zset, m)
			removed++
		}
	}
	s.dropIfEmpty(key, item)
	return removed, nil
}

func (s *MemoryEventStore) SortedSetAddWithinLimit(_ context.Context, key, member string, score, trimBelow float64, limit int64, ttl time.Duration) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("zadd-limit", key); err != nil {
		return false, 0, err
	}

	item, err := s.getOrCreate(key, kindZSet)
	if err != nil {
		return false, 0, storageError("zadd-limit", key, err)
	}
	for m, sc := range item.zset {
		if sc <= trimBelow {
			delete(item.zset, m)
		}
	}
	count := int64(len(item.zset))
	if count >= limit {
		s.dropIfEmpty(key, item)
		return false, count, nil
	}
	item.zset[member] = score
	item.expiresAt = s.expiry(ttl)
	return true, count + 1, nil
}

func (s *MemoryEventStore) SortedSetRemoveRangeByScore(_ context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("zremrangebyscore", key); err != nil {
		return err
	}

	item, err := s.lookupKind(key, kindZSet)
	if err != nil {
		return storageError("zremrangebyscore", key, err)
	}
	if item == nil {
		return nil
	}
	for m, score := range item.zset {
		if score >= min && score <= max {
			delete(item.zset, m)
		}
	}
	s.dropIfEmpty(key, item)
	return nil
}

func (s *MemoryEventStore) SortedSetCount(_ context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("zcount", key); err != nil {
		return 0, err
	}

	item, err := s.lookupKind(key, kindZSet)
	if err != nil {
		return 0, storageError("zcount", key, err)
	}
	if item == nil {
		return 0, nil
	}
	var n int64
	for _, score := range item.zset {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (s *MemoryEventStore) SortedSetRange(_ context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	return s.zrange("zrange", key, start, stop, false)
}

func (s *MemoryEventStore) SortedSetRevRange(_ context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	return s.zrange("zrevrange", key, start, stop, true)
}

func (s *MemoryEventStore) zrange(op, key string, start, stop int64, reverse bool) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(op, key); err != nil {
		return nil, err
	}

	item, err := s.lookupKind(key, kindZSet)
	if err != nil {
		return nil, storageError(op, key, err)
	}
	if item == nil {
		return []ScoredMember{}, nil
	}
	sorted := sortedMembers(item.zset, reverse)

	n := int64(len(sorted))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []ScoredMember{}, nil
	}
	return sorted[start : stop+1], nil
}

func (s *MemoryEventStore) SortedSetRangeByScore(_ context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("zrangebyscore", key); err != nil {
		return nil, err
	}

	item, err := s.lookupKind(key, kindZSet)
	if err != nil {
		return nil, storageError("zrangebyscore", key, err)
	}
	out := []ScoredMember{}
	if item == nil {
		return out, nil
	}
	for _, m := range sortedMembers(item.zset, false) {
		if m.Score < min || m.Score > max {
			continue
		}
		out = append(out, m)
		if limit > 0 && int64(len(out)) == limit {
			break
		}
	}
	return out, nil
}

// sortedMembers orders by score, then member, as Redis does.
func sortedMembers(zset map[string]float64, reverse bool) []ScoredMember {
	out := make([]ScoredMember, 0, len(zset))
	for m, score := range zset {
		out = append(out, ScoredMember{Member: m, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			if reverse {
				return out[i].Score > out[j].Score
			}
			return out[i].Score < out[j].Score
		}
		if reverse {
			return out[i].Member > out[j].Member
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (s *MemoryEventStore) SetAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("sadd", key); err != nil {
		return err
	}

	item, err := s.getOrCreate(key, kindSet)
	if err != nil {
		return storageError("sadd", key, err)
	}
	for _, m := range members {
		item.set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryEventStore) SetCardinality(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("scard", key); err != nil {
		return 0, err
	}

	item, err := s.lookupKind(key, kindSet)
	if err != nil {
		return 0, storageError("scard", key, err)
	}
	if item == nil {
		return 0, nil
	}
	return int64(len(item.set)), nil
}

func (s *MemoryEventStore) SetIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("sismember", key); err != nil {
		return false, err
	}

	item, err := s.lookupKind(key, kindSet)
	if err != nil {
		return false, storageError("sismember", key, err)
	}
	if item == nil {
		return false, nil
	}
	_, ok := item.set[member]
	return ok, nil
}

func (s *MemoryEventStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get", key); err != nil {
		return "", err
	}

	item, err := s.lookupKind(key, kindString)
	if err != nil {
		return "", storageError("get", key, err)
	}
	if item == nil {
		return "", ErrKeyNotFound
	}
	return item.str, nil
}

func (s *MemoryEventStore) SetWithExpiry(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set", key); err != nil {
		return err
	}

	s.items[key] = &memoryItem{kind: kindString, str: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryEventStore) CompareAndSwap(_ context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("cas", key); err != nil {
		return false, err
	}

	item, err := s.lookupKind(key, kindString)
	if err != nil {
		return false, storageError("cas", key, err)
	}
	switch {
	case item == nil && old != "":
		return false, nil
	case item != nil && item.str != old:
		return false, nil
	}
	s.items[key] = &memoryItem{kind: kindString, str: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryEventStore) ExtendWithExpiry(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("extend", key); err != nil {
		return err
	}

	item := s.lookup(key)
	if item == nil {
		s.items[key] = &memoryItem{kind: kindString, str: value, expiresAt: s.expiry(ttl)}
		return nil
	}
	if item.expiresAt.IsZero() {
		return nil
	}
	if ttl <= 0 {
		item.expiresAt = time.Time{}
		return nil
	}
	if candidate := s.expiry(ttl); candidate.After(item.expiresAt) {
		item.expiresAt = candidate
	}
	return nil
}

func (s *MemoryEventStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(keys) > 0 {
		if err := s.check("del", keys[0]); err != nil {
			return err
		}
	}
	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

func (s *MemoryEventStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("exists", key); err != nil {
		return false, err
	}
	return s.lookup(key) != nil, nil
}

func (s *MemoryEventStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("expire", key); err != nil {
		return err
	}
	if item := s.lookup(key); item != nil {
		item.expiresAt = s.expiry(ttl)
	}
	return nil
}

func (s *MemoryEventStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ttl", key); err != nil {
		return 0, err
	}
	item := s.lookup(key)
	if item == nil {
		return 0, ErrKeyNotFound
	}
	if item.expiresAt.IsZero() {
		return 0, nil
	}
	return item.expiresAt.Sub(s.now()), nil
}

func (s *MemoryEventStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("publish", channel); err != nil {
		return err
	}

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, sub := range s.subscribers[channel] {
		select {
		case sub.out <- msg:
		default:
			// Slow subscribers lose messages, matching Redis pub/sub delivery.
		}
	}
	return nil
}

func (s *MemoryEventStore) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("subscribe", fmt.Sprint(channels)); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		store:    s,
		channels: channels,
		out:      make(chan Message, 64),
	}
	for _, c := range channels {
		s.subscribers[c] = append(s.subscribers[c], sub)
	}
	return sub, nil
}

func (s *MemoryEventStore) StreamAppend(_ context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("xadd", stream); err != nil {
		return "", err
	}

	item, err := s.getOrCreate(stream, kindStream)
	if err != nil {
		return "", storageError("xadd", stream, err)
	}
	s.streamSeq++
	id := fmt.Sprintf("%d-%d", s.now().UnixMilli(), s.streamSeq)

	copied := make(map[string]interface{}, len(values))
	for k, v := range values {
		copied[k] = v
	}
	item.stream = append(item.stream, StreamEntry{ID: id, Values: copied})
	if maxLen > 0 && int64(len(item.stream)) > maxLen {
		item.stream = item.stream[int64(len(item.stream))-maxLen:]
	}
	return id, nil
}

func (s *MemoryEventStore) StreamRevRange(_ context.Context, stream string, count int64) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("xrevrange", stream); err != nil {
		return nil, err
	}

	item, err := s.lookupKind(stream, kindStream)
	if err != nil {
		return nil, storageError("xrevrange", stream, err)
	}
	out := []StreamEntry{}
	if item == nil {
		return out, nil
	}
	for i := len(item.stream) - 1; i >= 0; i-- {
		out = append(out, item.stream[i])
		if count > 0 && int64(len(out)) == count {
			break
		}
	}
	return out, nil
}

// Ping reports the configured failure, if any.
func (s *MemoryEventStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("ping", "")
}

// IsHealthy returns true unless a failure has been injected.
func (s *MemoryEventStore) IsHealthy(ctx context.Context) bool {
	return s.Ping(ctx) == nil
}

func (s *MemoryEventStore) dropIfEmpty(key string, item *memoryItem) {
	if item.kind == kindZSet && len(item.zset) == 0 {
		delete(s.items, key)
	}
}

type memorySubscription struct {
	store     *MemoryEventStore
	channels  []string
	out       chan Message
	closeOnce sync.Once
}

func (m *memorySubscription) Messages() <-chan Message {
	return m.out
}

func (m *memorySubscription) Close() error {
	m.closeOnce.Do(func() {
		s := m.store
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range m.channels {
			subs := s.subscribers[c]
			for i, sub := range subs {
				if sub == m {
					s.subscribers[c] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		close(m.out)
	})
	return nil
}
