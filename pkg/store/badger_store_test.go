package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadger(t *testing.T) *BadgerStore {
	t.Helper()
	bs, err := OpenBadger(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })
	return bs
}

func TestPutAndFetchVectors(t *testing.T) {
	bs := newBadger(t)
	ctx := context.Background()

	vectors := map[string][]float32{
		"site-a/clip-001": {0.1, 0.2, 0.3},
		"site-a/clip-002": {0.4, 0.5, 0.6},
		"site-b/clip-001": {0.7, 0.8, 0.9},
	}
	require.NoError(t, bs.PutVectors(ctx, "run-1", vectors))

	t.Run("fetch returns stored vectors", func(t *testing.T) {
		got, err := bs.FetchVectors(ctx, "run-1", []string{"site-a/clip-001", "site-b/clip-001"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, vectors["site-a/clip-001"], got["site-a/clip-001"])
	})

	t.Run("missing clips are skipped", func(t *testing.T) {
		got, err := bs.FetchVectors(ctx, "run-1", []string{"site-a/clip-001", "nope"})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("runs are isolated", func(t *testing.T) {
		got, err := bs.FetchVectors(ctx, "run-2", []string{"site-a/clip-001"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("clip ids with colon are rejected", func(t *testing.T) {
		err := bs.PutVectors(ctx, "run-1", map[string][]float32{"bad:id": {1}})
		assert.Error(t, err)
	})
}

func TestScanPool(t *testing.T) {
	bs := newBadger(t)
	ctx := context.Background()

	vectors := make(map[string][]float32, 20)
	for i := 0; i < 10; i++ {
		vectors[fmt.Sprintf("north/clip-%02d", i)] = []float32{float32(i)}
		vectors[fmt.Sprintf("south/clip-%02d", i)] = []float32{float32(i) + 100}
	}
	require.NoError(t, bs.PutVectors(ctx, "run-1", vectors))

	t.Run("full scan", func(t *testing.T) {
		var count int
		err := bs.ScanPool(ctx, "run-1", DatasetScope{}, func(clipID string, vec []float32) error {
			assert.Equal(t, vectors[clipID], vec)
			count++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 20, count)
	})

	t.Run("clip prefix narrows the scan", func(t *testing.T) {
		var ids []string
		err := bs.ScanPool(ctx, "run-1", DatasetScope{ClipPrefix: "north/"}, func(clipID string, _ []float32) error {
			ids = append(ids, clipID)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, ids, 10)
		for _, id := range ids {
			assert.Contains(t, id, "north/")
		}
	})

	t.Run("limit caps the scan", func(t *testing.T) {
		var count int
		err := bs.ScanPool(ctx, "run-1", DatasetScope{Limit: 5}, func(string, []float32) error {
			count++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 5, count)
	})

	t.Run("ErrStopScan ends the scan cleanly", func(t *testing.T) {
		var count int
		err := bs.ScanPool(ctx, "run-1", DatasetScope{}, func(string, []float32) error {
			count++
			if count == 3 {
				return ErrStopScan
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("dataset scope guards the run", func(t *testing.T) {
		require.NoError(t, bs.PutRun(RunInfo{RunID: "run-1", Model: "birdnet", Dataset: "summer", Dimensions: 1}))

		var count int
		err := bs.ScanPool(ctx, "run-1", DatasetScope{Dataset: "summer"}, func(string, []float32) error {
			count++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 20, count)

		err = bs.ScanPool(ctx, "run-1", DatasetScope{Dataset: "winter"}, func(string, []float32) error {
			return nil
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "summer")

		// Unknown run with a dataset scope fails rather than scanning blind.
		err = bs.ScanPool(ctx, "run-9", DatasetScope{Dataset: "summer"}, func(string, []float32) error {
			return nil
		})
		assert.Error(t, err)
	})

	t.Run("callback errors propagate", func(t *testing.T) {
		wantErr := fmt.Errorf("boom")
		err := bs.ScanPool(ctx, "run-1", DatasetScope{}, func(string, []float32) error {
			return wantErr
		})
		assert.ErrorIs(t, err, wantErr)
	})

	t.Run("canceled context aborts", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		err := bs.ScanPool(canceled, "run-1", DatasetScope{}, func(string, []float32) error {
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRunInfo(t *testing.T) {
	bs := newBadger(t)

	info := RunInfo{
		RunID:       "run-7",
		Model:       "birdnet",
		Dataset:     "summer-2025",
		Dimensions:  1024,
		CompletedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, bs.PutRun(info))

	got, err := bs.GetRun("run-7")
	require.NoError(t, err)
	assert.Equal(t, info.Model, got.Model)
	assert.Equal(t, info.Dimensions, got.Dimensions)
	assert.True(t, info.CompletedAt.Equal(got.CompletedAt))

	_, err = bs.GetRun("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
}
