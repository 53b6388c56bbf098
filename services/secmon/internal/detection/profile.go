package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
)

const profilePrefix = "profile:"

// BehavioralProfile is a user's activity baseline.
type BehavioralProfile struct {
	UserID                   string    `json:"user_id"`
	TypicalLoginHours        []int     `json:"typical_login_hours"`
	TypicalLocations         []string  `json:"typical_locations"`
	TypicalDevices           []string  `json:"typical_devices"`
	AvgSessionDuration       float64   `json:"avg_session_duration"`
	TypicalEndpoints         []string  `json:"typical_endpoints"`
	AvgRequestsPerSession    float64   `json:"avg_requests_per_session"`
	SensitiveAccessFrequency float64   `json:"sensitive_access_frequency"`
	BaselineEstablished      bool      `json:"baseline_established"`
	LastUpdated              time.Time `json:"last_updated"`
	ConfidenceScore          float64   `json:"confidence_score"`

	// Raw tallies the typical sets are derived from.
	Logins            int            `json:"logins"`
	HourCounts        map[int]int    `json:"hour_counts,omitempty"`
	LocationCounts    map[string]int `json:"location_counts,omitempty"`
	DeviceCounts      map[string]int `json:"device_counts,omitempty"`
	EndpointCounts    map[string]int `json:"endpoint_counts,omitempty"`
	SessionSamples    int            `json:"session_samples"`
	APIRequests       int            `json:"api_requests"`
	SensitiveAccesses int            `json:"sensitive_accesses"`
}

func newProfile(userID string) *BehavioralProfile {
	return &BehavioralProfile{
		UserID:         userID,
		HourCounts:     map[int]int{},
		LocationCounts: map[string]int{},
		DeviceCounts:   map[string]int{},
		EndpointCounts: map[string]int{},
	}
}

// typicalHour reports whether logins at hour h are part of the baseline.
func (p *BehavioralProfile) typicalHour(h int) bool {
	for _, v := range p.TypicalLoginHours {
		if v == h {
			return true
		}
	}
	return false
}

func (p *BehavioralProfile) typicalLocation(loc string) bool {
	for _, v := range p.TypicalLocations {
		if v == loc {
			return true
		}
	}
	return false
}

func (p *BehavioralProfile) clone() *BehavioralProfile {
	c := *p
	c.TypicalLoginHours = append([]int(nil), p.TypicalLoginHours...)
	c.TypicalLocations = append([]string(nil), p.TypicalLocations...)
	c.TypicalDevices = append([]string(nil), p.TypicalDevices...)
	c.TypicalEndpoints = append([]string(nil), p.TypicalEndpoints...)
	c.HourCounts = make(map[int]int, len(p.HourCounts))
	for k, v := range p.HourCounts {
		c.HourCounts[k] = v
	}
	c.LocationCounts = copyCounts(p.LocationCounts)
	c.DeviceCounts = copyCounts(p.DeviceCounts)
	c.EndpointCounts = copyCounts(p.EndpointCounts)
	return &c
}

func copyCounts(m map[string]int) map[string]int {
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Observation is one event as seen by a profile observer.
type Observation struct {
	Event    event.SecurityEvent
	Location string
	Device   string
}

// Observer folds an observation into a profile, returning the updated
// profile. Implementations must not modify the profile passed in.
type Observer interface {
	Observe(p *BehavioralProfile, obs Observation) *BehavioralProfile
}

// FrequencyObserver keeps occurrence counts and treats values seen at least
// MinOccurrences times as typical.
type FrequencyObserver struct {
	BaselineLogins   int
	ConfidenceLogins int
	MinOccurrences   int
}

// DefaultFrequencyObserver establishes a baseline after 20 logins and reaches
// full confidence at 50.
func DefaultFrequencyObserver() FrequencyObserver {
	return FrequencyObserver{BaselineLogins: 20, ConfidenceLogins: 50, MinOccurrences: 2}
}

func (o FrequencyObserver) Observe(p *BehavioralProfile, obs Observation) *BehavioralProfile {
	next := p.clone()
	ev := obs.Event

	switch ev.Type {
	case event.LoginSuccess:
		next.Logins++
		next.HourCounts[ev.Timestamp.Hour()]++
		if obs.Location != "" {
			next.LocationCounts[obs.Location]++
		}
		if obs.Device != "" {
			next.DeviceCounts[obs.Device]++
		}
	case event.APIRequest, event.APIBulkRequest:
		next.APIRequests++
		if ep := ev.DetailString("endpoint"); ep != "" {
			next.EndpointCounts[ep]++
		}
	case event.DataAccess, event.DataExport, event.DataDownload:
		if ev.DetailBool("sensitive") || ev.Type != event.DataAccess {
			next.SensitiveAccesses++
		}
	}
	if d, ok := ev.DetailFloat("session_duration"); ok && d > 0 {
		next.AvgSessionDuration = (next.AvgSessionDuration*float64(next.SessionSamples) + d) / float64(next.SessionSamples+1)
		next.SessionSamples++
	}

	next.TypicalLoginHours = o.typicalHours(next.HourCounts)
	next.TypicalLocations = o.typical(next.LocationCounts)
	next.TypicalDevices = o.typical(next.DeviceCounts)
	next.TypicalEndpoints = o.typical(next.EndpointCounts)
	if next.Logins > 0 {
		next.AvgRequestsPerSession = float64(next.APIRequests) / float64(next.Logins)
		next.SensitiveAccessFrequency = float64(next.SensitiveAccesses) / float64(next.Logins)
	}
	next.BaselineEstablished = next.Logins >= o.BaselineLogins
	next.ConfidenceScore = math.Min(1, float64(next.Logins)/float64(o.ConfidenceLogins))
	next.LastUpdated = ev.Timestamp
	return next
}

func (o FrequencyObserver) typicalHours(counts map[int]int) []int {
	hours := make([]int, 0, len(counts))
	for h, n := range counts {
		if n >= o.MinOccurrences {
			hours = append(hours, h)
		}
	}
	sort.Ints(hours)
	return hours
}

func (o FrequencyObserver) typical(counts map[string]int) []string {
	values := make([]string, 0, len(counts))
	for v, n := range counts {
		if n >= o.MinOccurrences {
			values = append(values, v)
		}
	}
	sort.Strings(values)
	return values
}

// ProfileStore loads and saves profiles on the event store behind a local
// LRU cache. The cache may be stale; the store is authoritative.
type ProfileStore struct {
	store repository.EventStore
	cache *lru.Cache[string, *BehavioralProfile]
	ttl   time.Duration
}

// NewProfileStore creates a profile store caching up to size profiles.
func NewProfileStore(store repository.EventStore, size int, ttl time.Duration) (*ProfileStore, error) {
	cache, err := lru.New[string, *BehavioralProfile](size)
	if err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	return &ProfileStore{store: store, cache: cache, ttl: ttl}, nil
}

// Get returns the user's profile, creating an empty one when none exists.
// The result is a private copy.
func (s *ProfileStore) Get(ctx context.Context, userID string) (*BehavioralProfile, error) {
	if p, ok := s.cache.Get(userID); ok {
		return p.clone(), nil
	}

	raw, err := s.store.Get(ctx, profilePrefix+userID)
	if errors.Is(err, repository.ErrKeyNotFound) {
		return newProfile(userID), nil
	}
	if err != nil {
		return nil, err
	}

	p, err := decodeProfile(userID, raw)
	if err != nil {
		return nil, err
	}
	s.cache.Add(userID, p)
	return p.clone(), nil
}

func decodeProfile(userID, raw string) (*BehavioralProfile, error) {
	p := newProfile(userID)
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	if p.HourCounts == nil {
		p.HourCounts = map[int]int{}
	}
	return p, nil
}

// Update reads the stored profile, bypassing the cache, and saves what fn
// returns for it. An update that raced another instance is retried against
// the newer profile. The cached copy is dropped so the next Get rereads it.
func (s *ProfileStore) Update(ctx context.Context, userID string, fn func(*BehavioralProfile) *BehavioralProfile) (*BehavioralProfile, error) {
	var updated *BehavioralProfile
	_, err := repository.Update(ctx, s.store, profilePrefix+userID, s.ttl, func(raw string, found bool) (string, error) {
		current := newProfile(userID)
		if found {
			var err error
			if current, err = decodeProfile(userID, raw); err != nil {
				return "", err
			}
		}
		updated = fn(current)
		data, err := json.Marshal(updated)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Remove(userID)
	return updated, nil
}
