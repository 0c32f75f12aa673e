// Package scoring computes raw reference similarity scores and converts a
// pool of raw scores into percentile ranks comparable across metrics.
package scoring

import (
	"fmt"
	"sort"

	"github.com/tbellor/clipscout/pkg/math/vector"
	"github.com/tbellor/clipscout/pkg/modelspace"
)

// Scored pairs a clip id with its metric-native raw score. Raw is a
// similarity for cosine (higher = closer) and a distance for euclidean
// (lower = closer); a single pool never mixes the two.
type Scored struct {
	ClipID string
	Raw    float64
}

// BestScore returns the most similar raw score of candidate against any of
// the reference vectors. A candidate only needs to be close to one reference
// to be proposed.
func BestScore(metric modelspace.Metric, refs [][]float32, candidate []float32) (float64, error) {
	if len(refs) == 0 {
		return 0, fmt.Errorf("scoring requires at least one reference vector")
	}
	best := rawScore(metric, refs[0], candidate)
	for _, ref := range refs[1:] {
		if s := rawScore(metric, ref, candidate); metric.MoreSimilar(s, best) {
			best = s
		}
	}
	return best, nil
}

func rawScore(metric modelspace.Metric, ref, candidate []float32) float64 {
	if metric == modelspace.MetricEuclidean {
		return vector.EuclideanDistance(ref, candidate)
	}
	return vector.CosineSimilarity(ref, candidate)
}

// PercentileRanks maps each clip id in pool to the percentile rank of its
// raw score, in [0,1] and monotonic in the metric's "more similar"
// direction (1 = most similar candidate in the pool). Ties are broken by
// clip id so repeated calls over the same pool are deterministic.
//
// Ranks are relative to the provided pool only. The session recomputes them
// each round over the remaining unlabeled candidates, so "boundary" always
// means the middle of what is left.
func PercentileRanks(metric modelspace.Metric, pool []Scored) map[string]float64 {
	ranks := make(map[string]float64, len(pool))
	if len(pool) == 0 {
		return ranks
	}
	if len(pool) == 1 {
		ranks[pool[0].ClipID] = 1
		return ranks
	}

	ordered := make([]Scored, len(pool))
	copy(ordered, pool)
	// Least similar first, so ascending index is ascending similarity.
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Raw == ordered[j].Raw {
			return ordered[i].ClipID < ordered[j].ClipID
		}
		return metric.MoreSimilar(ordered[j].Raw, ordered[i].Raw)
	})

	denom := float64(len(ordered) - 1)
	for i, s := range ordered {
		ranks[s.ClipID] = float64(i) / denom
	}
	return ranks
}
