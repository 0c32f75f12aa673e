package sampling

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbellor/clipscout/pkg/classifier"
)

// rankedPool builds n candidates with evenly spaced normalized scores and
// 2D vectors spread along a line.
func rankedPool(n int) []Candidate {
	pool := make([]Candidate, n)
	for i := 0; i < n; i++ {
		pool[i] = Candidate{
			ClipID:     fmt.Sprintf("clip-%03d", i),
			Normalized: float64(i) / float64(n-1),
			Vector:     []float32{float32(i), float32(i) * 0.5},
		}
	}
	return pool
}

func TestNearDuplicate(t *testing.T) {
	pool := rankedPool(20)

	t.Run("returns the k highest ranked", func(t *testing.T) {
		got := NearDuplicate(pool, 3)
		assert.Equal(t, []string{"clip-019", "clip-018", "clip-017"}, got)
	})

	t.Run("k larger than pool", func(t *testing.T) {
		got := NearDuplicate(pool[:2], 10)
		assert.Len(t, got, 2)
	})

	t.Run("ties broken by clip id", func(t *testing.T) {
		tied := []Candidate{
			{ClipID: "b", Normalized: 0.5},
			{ClipID: "a", Normalized: 0.5},
		}
		assert.Equal(t, []string{"a", "b"}, NearDuplicate(tied, 2))
	})
}

func TestBoundary(t *testing.T) {
	pool := rankedPool(100)
	cfg := DefaultConfig()

	t.Run("stays inside the band when it is large enough", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		got := Boundary(pool, 5, rng, cfg)
		require.Len(t, got, 5)

		byID := make(map[string]Candidate, len(pool))
		for _, c := range pool {
			byID[c.ClipID] = c
		}
		for _, id := range got {
			c := byID[id]
			assert.GreaterOrEqual(t, c.Normalized, cfg.BoundaryLow, "clip %s outside band", id)
			assert.LessOrEqual(t, c.Normalized, cfg.BoundaryHigh, "clip %s outside band", id)
		}
	})

	t.Run("same seed gives the same batch", func(t *testing.T) {
		first := Boundary(pool, 8, rand.New(rand.NewSource(42)), cfg)
		second := Boundary(pool, 8, rand.New(rand.NewSource(42)), cfg)
		assert.Equal(t, first, second)
	})

	t.Run("widens when the band is too small", func(t *testing.T) {
		// Only 2 candidates inside [0.4, 0.6]; asking for 10 forces widening.
		sparse := []Candidate{
			{ClipID: "in-1", Normalized: 0.45},
			{ClipID: "in-2", Normalized: 0.55},
			{ClipID: "edge-1", Normalized: 0.34},
			{ClipID: "edge-2", Normalized: 0.66},
			{ClipID: "far-1", Normalized: 0.05},
			{ClipID: "far-2", Normalized: 0.95},
		}
		got := Boundary(sparse, 4, rand.New(rand.NewSource(1)), cfg)
		require.Len(t, got, 4)
		assert.Contains(t, got, "in-1")
		assert.Contains(t, got, "in-2")
		// Two widenings reach [0.3, 0.7], admitting the edges but not the
		// extremes.
		assert.NotContains(t, got, "far-1")
		assert.NotContains(t, got, "far-2")
	})

	t.Run("empty pool", func(t *testing.T) {
		assert.Nil(t, Boundary(nil, 5, rand.New(rand.NewSource(1)), cfg))
	})
}

func TestDiverse(t *testing.T) {
	pool := rankedPool(50)

	t.Run("returns k distinct ids", func(t *testing.T) {
		got, err := Diverse(context.Background(), pool, 10, rand.New(rand.NewSource(3)))
		require.NoError(t, err)
		require.Len(t, got, 10)
		seen := make(map[string]bool)
		for _, id := range got {
			assert.False(t, seen[id], "clip %s picked twice", id)
			seen[id] = true
		}
	})

	t.Run("same seed gives the same traversal", func(t *testing.T) {
		first, err := Diverse(context.Background(), pool, 6, rand.New(rand.NewSource(9)))
		require.NoError(t, err)
		second, err := Diverse(context.Background(), pool, 6, rand.New(rand.NewSource(9)))
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("spreads across the embedding space", func(t *testing.T) {
		// With points on a line, farthest-first from any seed must take both
		// endpoints within the first three picks.
		got, err := Diverse(context.Background(), pool, 3, rand.New(rand.NewSource(5)))
		require.NoError(t, err)
		assert.Contains(t, got, "clip-000")
		assert.Contains(t, got, "clip-049")
	})

	t.Run("canceled context aborts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Diverse(ctx, pool, 10, rand.New(rand.NewSource(1)))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestActiveLearning(t *testing.T) {
	t.Run("requires a trained classifier", func(t *testing.T) {
		_, err := ActiveLearning(rankedPool(5), 3, nil)
		assert.ErrorIs(t, err, ErrNoClassifier)

		_, err = ActiveLearning(rankedPool(5), 3, classifier.New(2))
		assert.ErrorIs(t, err, ErrNoClassifier)
	})

	t.Run("picks the smallest absolute margins", func(t *testing.T) {
		clf := classifier.New(2)
		_, err := clf.Train(context.Background(), []classifier.Example{
			{ClipID: "p1", Vector: []float32{1, 1}, Positive: true},
			{ClipID: "p2", Vector: []float32{1.2, 0.9}, Positive: true},
			{ClipID: "n1", Vector: []float32{-1, -1}, Positive: false},
			{ClipID: "n2", Vector: []float32{-0.9, -1.2}, Positive: false},
		}, 1)
		require.NoError(t, err)

		pool := []Candidate{
			{ClipID: "confident-pos", Vector: []float32{2, 2}},
			{ClipID: "confident-neg", Vector: []float32{-2, -2}},
			{ClipID: "uncertain", Vector: []float32{0.01, -0.01}},
		}
		got, err := ActiveLearning(pool, 1, clf)
		require.NoError(t, err)
		assert.Equal(t, []string{"uncertain"}, got)
	})
}

func TestSelect(t *testing.T) {
	pool := rankedPool(10)
	rng := rand.New(rand.NewSource(1))

	t.Run("dispatches each strategy", func(t *testing.T) {
		for _, strategy := range []Strategy{StrategyNearDuplicate, StrategyBoundary, StrategyDiverse} {
			got, err := Select(context.Background(), strategy, pool, 3, rng, nil, DefaultConfig())
			require.NoError(t, err, "strategy %s", strategy)
			assert.Len(t, got, 3, "strategy %s", strategy)
		}
	})

	t.Run("active_learning without classifier fails", func(t *testing.T) {
		_, err := Select(context.Background(), StrategyActiveLearning, pool, 3, rng, nil, DefaultConfig())
		assert.ErrorIs(t, err, ErrNoClassifier)
	})

	t.Run("unknown strategy fails", func(t *testing.T) {
		_, err := Select(context.Background(), Strategy("random"), pool, 3, rng, nil, DefaultConfig())
		assert.Error(t, err)
	})
}
