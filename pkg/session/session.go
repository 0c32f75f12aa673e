// Package session owns the active-learning search session: its lifecycle
// state machine, the candidate pool, the label ledger, and the round
// orchestration that ties scoring, sampling, and the classifier together.
package session

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbellor/clipscout/pkg/classifier"
	"github.com/tbellor/clipscout/pkg/modelspace"
	"github.com/tbellor/clipscout/pkg/sampling"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusCreated        Status = "created"
	StatusSampling       Status = "sampling"
	StatusAwaitingLabels Status = "awaiting_labels"
	StatusRetraining     Status = "retraining"
	StatusFinalizing     Status = "finalizing"
	StatusClosed         Status = "closed"
	StatusAbandoned      Status = "abandoned"
)

// transitions is the full lifecycle table. Every state-mutating call
// validates against it; there is no other way to change Status.
var transitions = map[Status][]Status{
	StatusCreated:        {StatusSampling, StatusAbandoned},
	StatusSampling:       {StatusAwaitingLabels, StatusFinalizing, StatusAbandoned},
	StatusAwaitingLabels: {StatusRetraining, StatusFinalizing, StatusAbandoned},
	StatusRetraining:     {StatusSampling, StatusAbandoned},
	StatusFinalizing:     {StatusClosed, StatusAbandoned},
	StatusClosed:         {},
	StatusAbandoned:      {},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CandidateScore is one pool entry. SampleType records why the candidate
// was first selected and is never overwritten afterwards.
type CandidateScore struct {
	ClipID     string
	ModelRunID string
	// Raw is metric-native: cosine similarity or euclidean distance,
	// never mixed within one pool.
	Raw float64
	// Normalized is the percentile rank of Raw within the unlabeled pool
	// at the most recent sampling round, always in [0,1].
	Normalized float64
	SampleType sampling.Strategy

	vector []float32
}

// LabelRecord is one ledger entry. A skipped record carries no training
// signal; an uncertain record is excluded from training but counted in
// uncertainty statistics; otherwise the record is a hard positive or hard
// negative.
type LabelRecord struct {
	ClipID      string    `json:"clip_id"`
	IsNegative  bool      `json:"is_negative"`
	IsUncertain bool      `json:"is_uncertain"`
	IsSkipped   bool      `json:"is_skipped"`
	LabeledAt   time.Time `json:"labeled_at"`
}

// Hard reports whether the record contributes training signal.
func (r LabelRecord) Hard() bool {
	return !r.IsSkipped && !r.IsUncertain
}

// Session holds one search session's full state. All mutation goes through
// the Engine's lifecycle calls; readers use the Engine's view methods.
type Session struct {
	ID         string
	ModelRunID string
	Model      modelspace.ModelSpec
	Metric     modelspace.Metric

	status Status
	round  int
	// degraded marks that the last retrain could not fit the classifier,
	// so the next batch uses a non-classifier strategy.
	degraded bool

	refs   [][]float32
	pool   map[string]*CandidateScore
	labels map[string]LabelRecord

	clf      *classifier.Classifier
	snapshot *classifier.Snapshot
	artifact *Artifact

	rng  *rand.Rand
	seed int64

	// busy serializes mutating calls; a second concurrent mutator fails
	// fast instead of queueing. mu guards reads against the apply phase
	// of a mutation.
	busy int32
	mu   sync.RWMutex
}

func (s *Session) tryAcquire() bool {
	return atomic.CompareAndSwapInt32(&s.busy, 0, 1)
}

func (s *Session) release() {
	atomic.StoreInt32(&s.busy, 0)
}

// unlabeled returns the pool entries absent from the label ledger. Skipped
// and uncertain clips have ledger entries, so they are never re-offered.
func (s *Session) unlabeled() []*CandidateScore {
	out := make([]*CandidateScore, 0, len(s.pool))
	for id, c := range s.pool {
		if _, labeled := s.labels[id]; !labeled {
			out = append(out, c)
		}
	}
	return out
}

// hardExamples converts the ledger's hard labels into training examples.
func (s *Session) hardExamples() []classifier.Example {
	out := make([]classifier.Example, 0, len(s.labels))
	for id, rec := range s.labels {
		if !rec.Hard() {
			continue
		}
		cand, ok := s.pool[id]
		if !ok {
			continue
		}
		out = append(out, classifier.Example{
			ClipID:   id,
			Vector:   cand.vector,
			Positive: !rec.IsNegative,
		})
	}
	return out
}

// View is the read-only progress summary exposed to the application layer.
type View struct {
	ID             string            `json:"id"`
	ModelRunID     string            `json:"model_run_id"`
	Model          string            `json:"model"`
	Metric         modelspace.Metric `json:"distance_metric"`
	Status         Status            `json:"status"`
	Round          int               `json:"round_number"`
	PoolSize       int               `json:"pool_size"`
	LabeledCount   int               `json:"labeled_count"`
	HardPositives  int               `json:"hard_positives"`
	HardNegatives  int               `json:"hard_negatives"`
	UncertainCount int               `json:"uncertain_count"`
	SkippedCount   int               `json:"skipped_count"`
	Degraded       bool              `json:"degraded"`
}

func (s *Session) view() View {
	v := View{
		ID:           s.ID,
		ModelRunID:   s.ModelRunID,
		Model:        s.Model.Name,
		Metric:       s.Metric,
		Status:       s.status,
		Round:        s.round,
		PoolSize:     len(s.pool),
		LabeledCount: len(s.labels),
		Degraded:     s.degraded,
	}
	for _, rec := range s.labels {
		switch {
		case rec.IsSkipped:
			v.SkippedCount++
		case rec.IsUncertain:
			v.UncertainCount++
		case rec.IsNegative:
			v.HardNegatives++
		default:
			v.HardPositives++
		}
	}
	return v
}
