// Package store holds the persistence adapters: the embedding stores the
// engine reads vectors from (badger-backed local, qdrant-backed remote) and
// the relational store that owns session, pool, and label rows.
package store

import (
	"context"
	"errors"
)

// ErrStopScan can be returned from a ScanPool callback to end the scan
// early without surfacing an error.
var ErrStopScan = errors.New("stop scan")

// DatasetScope restricts a pool scan to a slice of the persisted clips.
// Zero value means the whole model run.
type DatasetScope struct {
	// Dataset optionally names the source dataset the clips must belong
	// to. The badger store checks it against the run's recorded dataset;
	// the qdrant store filters points by their dataset payload.
	Dataset string
	// ClipPrefix optionally restricts the scan to clip ids with this prefix.
	ClipPrefix string
	// Limit caps the number of scanned clips; 0 means unlimited.
	Limit int
}

// EmbeddingStore is the read-only view over persisted
// (clip_id, model_run_id) → vector pairs.
//
// ScanPool streams the scoped pool one clip at a time: the sequence is
// finite, lazily produced, and restartable (every call begins a fresh
// iteration). FetchVectors bulk-resolves vectors for an explicit id set;
// ids without a stored vector are absent from the result rather than an
// error.
type EmbeddingStore interface {
	FetchVectors(ctx context.Context, modelRunID string, clipIDs []string) (map[string][]float32, error)
	ScanPool(ctx context.Context, modelRunID string, scope DatasetScope, fn func(clipID string, vec []float32) error) error
}
