package detection

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
)

// AnomalyScorer scores an event feature vector (see event.Features).
// A negative score is more anomalous.
type AnomalyScorer interface {
	Trained() bool
	Score(features []float64) (anomaly bool, score float64, err error)
}

// ZScoreScorer flags vectors whose largest per-dimension z-score exceeds
// Threshold. Dimensions with no variance in the training data are ignored.
type ZScoreScorer struct {
	Threshold float64

	mu     sync.RWMutex
	means  []float64
	stdevs []float64
}

// NewZScoreScorer returns an untrained scorer; threshold <= 0 means 3.
func NewZScoreScorer(threshold float64) *ZScoreScorer {
	if threshold <= 0 {
		threshold = 3
	}
	return &ZScoreScorer{Threshold: threshold}
}

// Fit learns the per-dimension mean and standard deviation of samples.
func (z *ZScoreScorer) Fit(samples [][]float64) error {
	if len(samples) < 2 {
		return fmt.Errorf("need at least 2 samples, got %d", len(samples))
	}

	means := make([]float64, event.FeatureCount)
	stdevs := make([]float64, event.FeatureCount)
	column := make([]float64, len(samples))
	for d := 0; d < event.FeatureCount; d++ {
		for i, s := range samples {
			if len(s) != event.FeatureCount {
				return fmt.Errorf("sample %d has %d features, want %d", i, len(s), event.FeatureCount)
			}
			column[i] = s[d]
		}
		means[d], stdevs[d] = stat.MeanStdDev(column, nil)
	}

	z.mu.Lock()
	z.means, z.stdevs = means, stdevs
	z.mu.Unlock()
	return nil
}

func (z *ZScoreScorer) Trained() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.means != nil
}

func (z *ZScoreScorer) Score(features []float64) (bool, float64, error) {
	z.mu.RLock()
	defer z.mu.RUnlock()

	if z.means == nil {
		return false, 0, fmt.Errorf("scorer is not trained")
	}
	if len(features) != len(z.means) {
		return false, 0, fmt.Errorf("got %d features, want %d", len(features), len(z.means))
	}

	var maxZ float64
	for d, x := range features {
		if z.stdevs[d] == 0 || math.IsNaN(z.stdevs[d]) {
			continue
		}
		maxZ = math.Max(maxZ, math.Abs(x-z.means[d])/z.stdevs[d])
	}
	return maxZ > z.Threshold, -maxZ, nil
}
