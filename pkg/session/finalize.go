package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tbellor/clipscout/pkg/classifier"
	"github.com/tbellor/clipscout/pkg/store"
)

// LabeledClip is one hard-labeled clip in the finalized export, ready for
// conversion into a persisted annotation set downstream.
type LabeledClip struct {
	ClipID    string    `json:"clip_id"`
	Positive  bool      `json:"positive"`
	LabeledAt time.Time `json:"labeled_at"`
}

// Artifact is the durable output of a closed session: the final classifier
// snapshot (empty when the ledger never covered both classes) and the
// flattened hard-label export. Once produced it never changes; Finalize on
// a closed session returns the identical artifact.
type Artifact struct {
	SessionID   string        `json:"session_id"`
	Round       int           `json:"round_number"`
	Snapshot    []byte        `json:"snapshot,omitempty"`
	Export      []LabeledClip `json:"export"`
	FinalizedAt time.Time     `json:"finalized_at"`
}

// Finalize converts the session's accumulated labels into its durable
// artifact and closes the session. Valid from sampling or awaiting_labels;
// calling it again on a closed session returns the stored artifact without
// recomputation.
func (e *Engine) Finalize(ctx context.Context, id string) (*Artifact, error) {
	s, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if !s.tryAcquire() {
		return nil, &BusyError{SessionID: s.ID, Round: s.round}
	}
	defer s.release()

	if s.status == StatusClosed {
		if s.artifact != nil {
			return s.artifact, nil
		}
		return e.loadArtifact(s)
	}
	if s.status != StatusSampling && s.status != StatusAwaitingLabels {
		return nil, &InvalidStateError{SessionID: s.ID, Round: s.round, Current: s.status, Expected: []Status{StatusSampling, StatusAwaitingLabels}}
	}

	prev := s.status
	s.mu.Lock()
	s.status = StatusFinalizing
	s.mu.Unlock()

	artifact, err := e.buildArtifact(ctx, s)
	if err != nil {
		// Finalization failed mid-way (e.g. canceled training). Restore
		// the pre-call state so the caller can retry Finalize.
		s.mu.Lock()
		s.status = prev
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.artifact = artifact
	s.status = StatusClosed
	s.mu.Unlock()

	e.persistArtifact(s, artifact)
	e.persistSession(s)
	e.logger.Info("session finalized",
		zap.String("session_id", s.ID),
		zap.Int("round", s.round),
		zap.Int("exported_labels", len(artifact.Export)))
	return artifact, nil
}

func (e *Engine) buildArtifact(ctx context.Context, s *Session) (*Artifact, error) {
	// Prefer the last trained snapshot; otherwise fit one final time from
	// whatever hard labels exist (a partial round still yields a usable
	// boundary). A ledger missing one class simply finalizes without a
	// snapshot.
	snap := s.snapshot
	if snap == nil {
		fitted, err := s.clf.Train(ctx, s.hardExamples(), s.round)
		if err != nil {
			var insufficient *classifier.InsufficientDataError
			if !errors.As(err, &insufficient) {
				return nil, fmt.Errorf("session %s: final train: %w", s.ID, err)
			}
		} else {
			snap = fitted
		}
	}

	var snapBytes []byte
	if snap != nil {
		encoded, err := snap.Encode()
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", s.ID, err)
		}
		snapBytes = encoded
	}

	export := make([]LabeledClip, 0, len(s.labels))
	for clipID, rec := range s.labels {
		if !rec.Hard() {
			continue
		}
		export = append(export, LabeledClip{
			ClipID:    clipID,
			Positive:  !rec.IsNegative,
			LabeledAt: rec.LabeledAt,
		})
	}
	sort.Slice(export, func(i, j int) bool { return export[i].ClipID < export[j].ClipID })

	return &Artifact{
		SessionID:   s.ID,
		Round:       s.round,
		Snapshot:    snapBytes,
		Export:      export,
		FinalizedAt: e.nowFunc().UTC(),
	}, nil
}

func (e *Engine) persistArtifact(s *Session, artifact *Artifact) {
	if e.db == nil {
		return
	}
	exportJSON, err := json.Marshal(artifact.Export)
	if err != nil {
		e.logger.Warn("encode artifact export", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	if err := e.db.SaveArtifact(store.ArtifactRow{
		SessionID:   s.ID,
		Snapshot:    artifact.Snapshot,
		ExportJSON:  string(exportJSON),
		FinalizedAt: artifact.FinalizedAt,
	}); err != nil {
		e.logger.Warn("persist artifact", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (e *Engine) loadArtifact(s *Session) (*Artifact, error) {
	if e.db == nil {
		return nil, fmt.Errorf("session %s: closed session has no cached artifact", s.ID)
	}
	row, err := e.db.GetArtifact(s.ID)
	if err != nil {
		return nil, fmt.Errorf("session %s: load artifact: %w", s.ID, err)
	}
	if row == nil {
		return nil, fmt.Errorf("session %s: closed session has no stored artifact", s.ID)
	}
	var export []LabeledClip
	if err := json.Unmarshal([]byte(row.ExportJSON), &export); err != nil {
		return nil, fmt.Errorf("session %s: decode artifact export: %w", s.ID, err)
	}
	artifact := &Artifact{
		SessionID:   s.ID,
		Round:       s.round,
		Snapshot:    row.Snapshot,
		Export:      export,
		FinalizedAt: row.FinalizedAt,
	}
	s.mu.Lock()
	s.artifact = artifact
	s.mu.Unlock()
	return artifact, nil
}
