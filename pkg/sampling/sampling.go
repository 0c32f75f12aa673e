// Package sampling implements the four batch-selection strategies of the
// labeling loop. Strategies are pure over their inputs: callers hand in the
// current unlabeled pool, a batch size, and (for seeded strategies) a
// session-scoped random source, and get back exactly min(k, |pool|)
// distinct clip ids.
//
// The strategy set is closed. Dispatch happens through Select's exhaustive
// switch rather than through polymorphic strategy objects, so adding a
// strategy is a compile-visible change.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/tbellor/clipscout/pkg/classifier"
	"github.com/tbellor/clipscout/pkg/math/vector"
)

// Strategy names the batch-selection policy that first proposed a candidate.
type Strategy string

const (
	StrategyNearDuplicate  Strategy = "near_duplicate"
	StrategyBoundary       Strategy = "boundary"
	StrategyDiverse        Strategy = "diverse"
	StrategyActiveLearning Strategy = "active_learning"
)

// ErrNoClassifier is returned when active_learning sampling is requested
// before a classifier has been trained on both classes. Callers fall back
// to boundary or diverse sampling.
var ErrNoClassifier = errors.New("active_learning sampling requires a trained classifier")

// Candidate is the slice of a pool entry that sampling needs: identity,
// percentile rank within the current unlabeled pool, and the embedding
// vector for diversity and margin computations.
type Candidate struct {
	ClipID     string
	Normalized float64
	Vector     []float32
}

// Config carries the tunable parameters of the boundary strategy.
type Config struct {
	// BoundaryLow/BoundaryHigh bound the initial percentile band.
	BoundaryLow  float64
	BoundaryHigh float64
	// WidenStep is how far each side of the band grows when the band holds
	// fewer than k candidates.
	WidenStep float64
}

// DefaultConfig matches the documented boundary band of [0.4, 0.6].
func DefaultConfig() Config {
	return Config{BoundaryLow: 0.4, BoundaryHigh: 0.6, WidenStep: 0.05}
}

// Select dispatches to the named strategy. rng must be the session-scoped
// source for boundary and diverse; clf may be nil for everything except
// active_learning.
func Select(ctx context.Context, strategy Strategy, pool []Candidate, k int, rng *rand.Rand, clf *classifier.Classifier, cfg Config) ([]string, error) {
	switch strategy {
	case StrategyNearDuplicate:
		return NearDuplicate(pool, k), nil
	case StrategyBoundary:
		return Boundary(pool, k, rng, cfg), nil
	case StrategyDiverse:
		return Diverse(ctx, pool, k, rng)
	case StrategyActiveLearning:
		return ActiveLearning(pool, k, clf)
	default:
		return nil, fmt.Errorf("unknown sampling strategy %q", strategy)
	}
}

// NearDuplicate returns the k candidates with the highest normalized score,
// ties broken by clip id. Deterministic given the pool.
func NearDuplicate(pool []Candidate, k int) []string {
	ordered := make([]Candidate, len(pool))
	copy(ordered, pool)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Normalized == ordered[j].Normalized {
			return ordered[i].ClipID < ordered[j].ClipID
		}
		return ordered[i].Normalized > ordered[j].Normalized
	})
	return clipIDs(ordered, k)
}

// Boundary draws k candidates uniformly at random from the percentile band
// around the decision frontier. When the band holds fewer than k candidates
// it widens symmetrically by cfg.WidenStep per side until satisfied or the
// whole pool is in the band.
func Boundary(pool []Candidate, k int, rng *rand.Rand, cfg Config) []string {
	if k > len(pool) {
		k = len(pool)
	}
	if k <= 0 {
		return nil
	}

	low, high := cfg.BoundaryLow, cfg.BoundaryHigh
	step := cfg.WidenStep
	if step <= 0 {
		step = 0.05
	}

	var band []Candidate
	for {
		band = band[:0]
		for _, c := range pool {
			if c.Normalized >= low && c.Normalized <= high {
				band = append(band, c)
			}
		}
		if len(band) >= k || (low <= 0 && high >= 1) {
			break
		}
		low = math.Max(0, low-step)
		high = math.Min(1, high+step)
	}

	// Fixed order before shuffling so identical pool + seed gives an
	// identical batch regardless of the caller's slice order.
	sort.Slice(band, func(i, j int) bool { return band[i].ClipID < band[j].ClipID })
	rng.Shuffle(len(band), func(i, j int) { band[i], band[j] = band[j], band[i] })
	return clipIDs(band, k)
}

// Diverse selects k candidates by farthest-first traversal: the first pick
// is random (session-scoped seed), each later pick maximizes its minimum
// embedding-space distance to the picks so far. This is the only strategy
// with O(k·|pool|) cost; ctx is checked between picks so a caller timeout
// can abort mid-traversal.
func Diverse(ctx context.Context, pool []Candidate, k int, rng *rand.Rand) ([]string, error) {
	if k > len(pool) {
		k = len(pool)
	}
	if k <= 0 {
		return nil, nil
	}

	ordered := make([]Candidate, len(pool))
	copy(ordered, pool)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ClipID < ordered[j].ClipID })

	chosen := make([]string, 0, k)
	seed := rng.Intn(len(ordered))
	chosen = append(chosen, ordered[seed].ClipID)

	// minDist[i] tracks the distance from ordered[i] to the closest chosen
	// candidate, updated incrementally as picks accumulate.
	minDist := make([]float64, len(ordered))
	for i := range ordered {
		minDist[i] = vector.EuclideanDistance(ordered[i].Vector, ordered[seed].Vector)
	}
	minDist[seed] = -1 // taken

	for len(chosen) < k {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		best := -1
		for i, d := range minDist {
			if d < 0 {
				continue
			}
			if best == -1 || d > minDist[best] {
				best = i
			}
		}
		if best == -1 {
			break
		}

		chosen = append(chosen, ordered[best].ClipID)
		pick := ordered[best]
		minDist[best] = -1
		for i, d := range minDist {
			if d < 0 {
				continue
			}
			if nd := vector.EuclideanDistance(ordered[i].Vector, pick.Vector); nd < d {
				minDist[i] = nd
			}
		}
	}
	return chosen, nil
}

// ActiveLearning returns the k candidates with the smallest absolute margin
// under the trained classifier — the standard uncertainty-sampling
// acquisition rule. Fails with ErrNoClassifier before the first successful
// training round.
func ActiveLearning(pool []Candidate, k int, clf *classifier.Classifier) ([]string, error) {
	if clf == nil || !clf.Trained() {
		return nil, ErrNoClassifier
	}

	type scored struct {
		id     string
		margin float64
	}
	margins := make([]scored, len(pool))
	for i, c := range pool {
		margins[i] = scored{id: c.ClipID, margin: math.Abs(clf.Margin(c.Vector))}
	}
	sort.Slice(margins, func(i, j int) bool {
		if margins[i].margin == margins[j].margin {
			return margins[i].id < margins[j].id
		}
		return margins[i].margin < margins[j].margin
	})

	if k > len(margins) {
		k = len(margins)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = margins[i].id
	}
	return out, nil
}

func clipIDs(pool []Candidate, k int) []string {
	if k > len(pool) {
		k = len(pool)
	}
	if k <= 0 {
		return nil
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = pool[i].ClipID
	}
	return out
}
