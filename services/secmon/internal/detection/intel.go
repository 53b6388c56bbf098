package detection

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/siem-soar-platform/security-monitor/pkg/repository"
)

const (
	badIPSetKey      = "ti:bad_ips"
	reputationPrefix = "ti:reputation:"
)

// IntelProvider answers threat intelligence questions about an address.
type IntelProvider interface {
	IsKnownBad(ctx context.Context, ip string) (bool, error)
	// Reputation is in [0, 1]; 1 is fully trusted.
	Reputation(ctx context.Context, ip string) (float64, error)
}

// StoreIntel reads intelligence that feed loaders publish into the event store.
type StoreIntel struct {
	store repository.EventStore
}

func NewStoreIntel(store repository.EventStore) *StoreIntel {
	return &StoreIntel{store: store}
}

func (s *StoreIntel) IsKnownBad(ctx context.Context, ip string) (bool, error) {
	return s.store.SetIsMember(ctx, badIPSetKey, ip)
}

// Reputation defaults to 1 for addresses with no recorded score.
func (s *StoreIntel) Reputation(ctx context.Context, ip string) (float64, error) {
	raw, err := s.store.Get(ctx, reputationPrefix+ip)
	if errors.Is(err, repository.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("reputation for %s: %w", ip, err)
	}
	return score, nil
}

// AddBadIPs records addresses as known bad.
func (s *StoreIntel) AddBadIPs(ctx context.Context, ips ...string) error {
	return s.store.SetAdd(ctx, badIPSetKey, ips...)
}

// SetReputation records an address reputation; score is clamped to [0, 1].
func (s *StoreIntel) SetReputation(ctx context.Context, ip string, score float64) error {
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	return s.store.SetWithExpiry(ctx, reputationPrefix+ip, strconv.FormatFloat(score, 'f', -1, 64), 0)
}
