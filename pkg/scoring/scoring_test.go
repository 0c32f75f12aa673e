package scoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbellor/clipscout/pkg/modelspace"
)

func TestBestScore(t *testing.T) {
	t.Run("requires at least one reference", func(t *testing.T) {
		_, err := BestScore(modelspace.MetricCosine, nil, []float32{1, 0})
		require.Error(t, err)
	})

	t.Run("cosine picks the highest similarity", func(t *testing.T) {
		refs := [][]float32{
			{1, 0}, // orthogonal to candidate
			{0, 1}, // identical to candidate
		}
		got, err := BestScore(modelspace.MetricCosine, refs, []float32{0, 1})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, got, 1e-6)
	})

	t.Run("euclidean picks the lowest distance", func(t *testing.T) {
		refs := [][]float32{
			{10, 10},
			{1, 1},
		}
		got, err := BestScore(modelspace.MetricEuclidean, refs, []float32{1, 1})
		require.NoError(t, err)
		assert.Zero(t, got)
	})
}

func TestPercentileRanks(t *testing.T) {
	t.Run("empty pool", func(t *testing.T) {
		assert.Empty(t, PercentileRanks(modelspace.MetricCosine, nil))
	})

	t.Run("single candidate ranks 1", func(t *testing.T) {
		ranks := PercentileRanks(modelspace.MetricCosine, []Scored{{ClipID: "a", Raw: 0.3}})
		assert.Equal(t, 1.0, ranks["a"])
	})

	t.Run("cosine is monotonic in similarity", func(t *testing.T) {
		pool := []Scored{
			{ClipID: "low", Raw: 0.1},
			{ClipID: "mid", Raw: 0.5},
			{ClipID: "high", Raw: 0.9},
		}
		ranks := PercentileRanks(modelspace.MetricCosine, pool)
		assert.Equal(t, 0.0, ranks["low"])
		assert.Equal(t, 0.5, ranks["mid"])
		assert.Equal(t, 1.0, ranks["high"])
	})

	t.Run("euclidean inverts the direction", func(t *testing.T) {
		pool := []Scored{
			{ClipID: "near", Raw: 0.2},
			{ClipID: "far", Raw: 9.0},
		}
		ranks := PercentileRanks(modelspace.MetricEuclidean, pool)
		assert.Equal(t, 1.0, ranks["near"])
		assert.Equal(t, 0.0, ranks["far"])
	})

	t.Run("bounds and determinism", func(t *testing.T) {
		pool := make([]Scored, 100)
		for i := range pool {
			pool[i] = Scored{ClipID: fmt.Sprintf("clip-%03d", i), Raw: float64(i%10) / 10}
		}
		first := PercentileRanks(modelspace.MetricCosine, pool)
		second := PercentileRanks(modelspace.MetricCosine, pool)
		require.Len(t, first, 100)
		for id, rank := range first {
			assert.GreaterOrEqual(t, rank, 0.0)
			assert.LessOrEqual(t, rank, 1.0)
			assert.Equal(t, rank, second[id], "rank for %s changed between calls", id)
		}
	})

	t.Run("ties broken by clip id", func(t *testing.T) {
		pool := []Scored{
			{ClipID: "b", Raw: 0.5},
			{ClipID: "a", Raw: 0.5},
			{ClipID: "c", Raw: 0.5},
		}
		ranks := PercentileRanks(modelspace.MetricCosine, pool)
		assert.Equal(t, 0.0, ranks["a"])
		assert.Equal(t, 0.5, ranks["b"])
		assert.Equal(t, 1.0, ranks["c"])
	})
}
