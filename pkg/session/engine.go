package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tbellor/clipscout/pkg/classifier"
	"github.com/tbellor/clipscout/pkg/modelspace"
	"github.com/tbellor/clipscout/pkg/sampling"
	"github.com/tbellor/clipscout/pkg/scoring"
	"github.com/tbellor/clipscout/pkg/store"
)

// EngineConfig wires the engine's collaborators. Embeddings and Registry
// are required; DB may be nil for purely in-memory operation (tests).
type EngineConfig struct {
	Embeddings store.EmbeddingStore
	DB         *store.SQLStore
	Registry   *modelspace.Registry
	Sampling   sampling.Config
	Logger     *zap.Logger
}

// Engine tracks search sessions and orchestrates their lifecycle. Sessions
// are fully independent of each other: operations on different sessions run
// in parallel, while mutating calls on one session are serialized through
// its busy flag.
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	embeddings store.EmbeddingStore
	db         *store.SQLStore
	registry   *modelspace.Registry
	sampling   sampling.Config
	logger     *zap.Logger

	nowFunc  func() time.Time
	idFunc   func() string
	seedFunc func() int64
}

// NewEngine creates an engine from its configuration.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Embeddings == nil {
		return nil, fmt.Errorf("engine requires an embedding store")
	}
	if cfg.Registry == nil {
		cfg.Registry = modelspace.DefaultRegistry()
	}
	if cfg.Sampling == (sampling.Config{}) {
		cfg.Sampling = sampling.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		sessions:   make(map[string]*Session),
		embeddings: cfg.Embeddings,
		db:         cfg.DB,
		registry:   cfg.Registry,
		sampling:   cfg.Sampling,
		logger:     cfg.Logger,
		nowFunc:    time.Now,
		idFunc:     uuid.NewString,
		seedFunc:   func() int64 { return time.Now().UnixNano() },
	}, nil
}

// CreateParams describes a new session: which model run to search, the
// metric, the reference embeddings defining "similar", and the scope of the
// candidate pool.
type CreateParams struct {
	Model      string
	ModelRunID string
	Metric     string
	References [][]float32
	Scope      store.DatasetScope
	// Seed fixes the session's random source; 0 draws a fresh seed.
	Seed int64
}

// Create builds the initial scored pool and registers the session in
// sampling state at round 1.
func (e *Engine) Create(ctx context.Context, params CreateParams) (View, error) {
	id := e.idFunc()

	spec, ok := e.registry.Lookup(params.Model)
	if !ok {
		return View{}, fmt.Errorf("session %s: unknown model %q", id, params.Model)
	}
	metric := spec.DefaultMetric
	if params.Metric != "" {
		m, err := modelspace.ParseMetric(params.Metric)
		if err != nil {
			return View{}, fmt.Errorf("session %s: %w", id, err)
		}
		metric = m
	}
	if len(params.References) == 0 {
		return View{}, fmt.Errorf("session %s: at least one reference embedding is required", id)
	}
	refs := make([][]float32, len(params.References))
	for i, ref := range params.References {
		if len(ref) != spec.Dimensions {
			return View{}, &DimensionMismatchError{SessionID: id, Round: 0, Expected: spec.Dimensions, Got: len(ref)}
		}
		refs[i] = append([]float32(nil), ref...)
	}

	// Score the scoped pool in one streaming pass.
	pool := make(map[string]*CandidateScore)
	scored := make([]scoring.Scored, 0, 1024)
	var scanErr error
	err := e.embeddings.ScanPool(ctx, params.ModelRunID, params.Scope, func(clipID string, vec []float32) error {
		if len(vec) != spec.Dimensions {
			scanErr = &DimensionMismatchError{SessionID: id, Round: 0, Expected: spec.Dimensions, Got: len(vec)}
			return scanErr
		}
		raw, err := scoring.BestScore(metric, refs, vec)
		if err != nil {
			return err
		}
		pool[clipID] = &CandidateScore{
			ClipID:     clipID,
			ModelRunID: params.ModelRunID,
			Raw:        raw,
			vector:     append([]float32(nil), vec...),
		}
		scored = append(scored, scoring.Scored{ClipID: clipID, Raw: raw})
		return nil
	})
	if err != nil {
		if scanErr != nil {
			return View{}, scanErr
		}
		return View{}, fmt.Errorf("session %s: scan pool: %w", id, err)
	}

	for clipID, rank := range scoring.PercentileRanks(metric, scored) {
		pool[clipID].Normalized = rank
	}

	seed := params.Seed
	if seed == 0 {
		seed = e.seedFunc()
	}

	s := &Session{
		ID:         id,
		ModelRunID: params.ModelRunID,
		Model:      spec,
		Metric:     metric,
		status:     StatusCreated,
		round:      1,
		refs:       refs,
		pool:       pool,
		labels:     make(map[string]LabelRecord),
		clf:        classifier.New(spec.Dimensions),
		rng:        rand.New(rand.NewSource(seed)),
		seed:       seed,
	}
	// created -> sampling happens as part of creation itself.
	s.status = StatusSampling

	if err := e.persistNewSession(s); err != nil {
		return View{}, fmt.Errorf("session %s: persist: %w", id, err)
	}

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()

	e.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("model", spec.Name),
		zap.String("metric", string(metric)),
		zap.Int("pool_size", len(pool)))
	return s.view(), nil
}

// Get returns the progress view for a session. Safe to call concurrently
// with mutating calls; the view reflects either the pre- or post-mutation
// state.
func (e *Engine) Get(id string) (View, error) {
	s, err := e.lookup(id)
	if err != nil {
		return View{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view(), nil
}

// List returns views for all tracked sessions sorted by id.
func (e *Engine) List() []View {
	e.mu.RLock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	out := make([]View, 0, len(sessions))
	for _, s := range sessions {
		s.mu.RLock()
		out = append(out, s.view())
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Labels returns a copy of the session's label ledger.
func (e *Engine) Labels(id string) ([]LabelRecord, error) {
	s, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LabelRecord, 0, len(s.labels))
	for _, rec := range s.labels {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClipID < out[j].ClipID })
	return out, nil
}

// BatchItem is one proposed candidate in a labeling batch.
type BatchItem struct {
	ClipID     string            `json:"clip_id"`
	RawScore   float64           `json:"raw_score"`
	Normalized float64           `json:"normalized_score"`
	SampleType sampling.Strategy `json:"sample_type"`
}

// NextBatch selects the next labeling batch. Valid only in sampling state;
// transitions the session to awaiting_labels. Percentile ranks are
// recomputed over the current unlabeled pool before selection, so the
// boundary band always refers to what remains.
//
// strategy overrides the round policy when non-empty; with the empty
// strategy, round 1 issues the stratified near_duplicate + boundary +
// diverse mix and later rounds use active_learning (or boundary while the
// session is degraded).
func (e *Engine) NextBatch(ctx context.Context, id string, k int, strategy sampling.Strategy) ([]BatchItem, error) {
	s, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if !s.tryAcquire() {
		return nil, &BusyError{SessionID: s.ID, Round: s.round}
	}
	defer s.release()

	if s.status != StatusSampling {
		return nil, &InvalidStateError{SessionID: s.ID, Round: s.round, Current: s.status, Expected: []Status{StatusSampling}}
	}
	if k <= 0 {
		return nil, fmt.Errorf("session %s: batch size must be > 0", s.ID)
	}

	unlabeled := s.unlabeled()
	if len(unlabeled) == 0 {
		return nil, &EmptyPoolError{SessionID: s.ID, Round: s.round}
	}

	// Recompute ranks over the remaining unlabeled pool.
	scored := make([]scoring.Scored, len(unlabeled))
	for i, c := range unlabeled {
		scored[i] = scoring.Scored{ClipID: c.ClipID, Raw: c.Raw}
	}
	ranks := scoring.PercentileRanks(s.Metric, scored)

	candidates := make([]sampling.Candidate, len(unlabeled))
	for i, c := range unlabeled {
		candidates[i] = sampling.Candidate{ClipID: c.ClipID, Normalized: ranks[c.ClipID], Vector: c.vector}
	}

	selection, err := e.selectBatch(ctx, s, candidates, k, strategy)
	if err != nil {
		// Canceled or failed selections leave the session in sampling
		// state with nothing mutated.
		return nil, err
	}

	// Apply: update ranks, stamp first-selection sample types, transition.
	s.mu.Lock()
	for clipID, rank := range ranks {
		s.pool[clipID].Normalized = rank
	}
	items := make([]BatchItem, 0, len(selection.ids))
	for _, clipID := range selection.ids {
		cand := s.pool[clipID]
		if cand.SampleType == "" {
			cand.SampleType = selection.types[clipID]
			e.persistSampleType(s.ID, clipID, string(cand.SampleType))
		}
		items = append(items, BatchItem{
			ClipID:     clipID,
			RawScore:   cand.Raw,
			Normalized: cand.Normalized,
			SampleType: cand.SampleType,
		})
	}
	s.status = StatusAwaitingLabels
	s.mu.Unlock()

	e.persistSession(s)
	e.logger.Debug("batch selected",
		zap.String("session_id", s.ID),
		zap.Int("round", s.round),
		zap.Int("batch_size", len(items)))
	return items, nil
}

type batchSelection struct {
	ids   []string
	types map[string]sampling.Strategy
}

// selectBatch applies the round policy: round 1 issues the stratified
// cold-start mix, later rounds use the classifier unless the last retrain
// degraded the session to boundary sampling.
func (e *Engine) selectBatch(ctx context.Context, s *Session, candidates []sampling.Candidate, k int, override sampling.Strategy) (batchSelection, error) {
	sel := batchSelection{types: make(map[string]sampling.Strategy)}

	take := func(strategy sampling.Strategy, pool []sampling.Candidate, n int) ([]sampling.Candidate, error) {
		ids, err := sampling.Select(ctx, strategy, pool, n, s.rng, s.clf, e.sampling)
		if err != nil {
			return pool, err
		}
		chosen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			sel.ids = append(sel.ids, id)
			sel.types[id] = strategy
			chosen[id] = struct{}{}
		}
		rest := pool[:0:0]
		for _, c := range pool {
			if _, ok := chosen[c.ClipID]; !ok {
				rest = append(rest, c)
			}
		}
		return rest, nil
	}

	if override != "" {
		if _, err := take(override, candidates, k); err != nil {
			return sel, err
		}
		return sel, nil
	}

	if s.round == 1 {
		third := k / 3
		rest, err := take(sampling.StrategyNearDuplicate, candidates, third)
		if err != nil {
			return sel, err
		}
		rest, err = take(sampling.StrategyBoundary, rest, third)
		if err != nil {
			return sel, err
		}
		if _, err = take(sampling.StrategyDiverse, rest, k-len(sel.ids)); err != nil {
			return sel, err
		}
		return sel, nil
	}

	strategy := sampling.StrategyActiveLearning
	if s.degraded || !s.clf.Trained() {
		strategy = sampling.StrategyBoundary
	}
	if _, err := take(strategy, candidates, k); err != nil {
		if errors.Is(err, sampling.ErrNoClassifier) {
			sel = batchSelection{types: make(map[string]sampling.Strategy)}
			_, berr := take(sampling.StrategyBoundary, candidates, k)
			return sel, berr
		}
		return sel, err
	}
	return sel, nil
}

// SubmitLabels upserts label records into the ledger. Idempotent per clip
// id with last-write-wins semantics; valid only in awaiting_labels and
// transitions the session to retraining.
func (e *Engine) SubmitLabels(id string, records []LabelRecord) (View, error) {
	s, err := e.lookup(id)
	if err != nil {
		return View{}, err
	}
	if !s.tryAcquire() {
		return View{}, &BusyError{SessionID: s.ID, Round: s.round}
	}
	defer s.release()

	if s.status != StatusAwaitingLabels {
		return View{}, &InvalidStateError{SessionID: s.ID, Round: s.round, Current: s.status, Expected: []Status{StatusAwaitingLabels}}
	}
	for _, rec := range records {
		if _, ok := s.pool[rec.ClipID]; !ok {
			return View{}, fmt.Errorf("session %s: clip %s is not in the candidate pool", s.ID, rec.ClipID)
		}
	}

	now := e.nowFunc()
	s.mu.Lock()
	for _, rec := range records {
		if rec.LabeledAt.IsZero() {
			rec.LabeledAt = now
		}
		s.labels[rec.ClipID] = rec
		e.persistLabel(s.ID, rec)
	}
	s.status = StatusRetraining
	s.mu.Unlock()

	e.persistSession(s)
	return s.view(), nil
}

// AdvanceRound retrains the classifier from all hard labels so far. On
// success it increments the round and returns to sampling; when the ledger
// still lacks one of the classes it degrades to boundary sampling for the
// next round and reports the condition through the returned
// *InsufficientTrainingDataError (the session itself stays usable).
func (e *Engine) AdvanceRound(ctx context.Context, id string) (View, error) {
	s, err := e.lookup(id)
	if err != nil {
		return View{}, err
	}
	if !s.tryAcquire() {
		return View{}, &BusyError{SessionID: s.ID, Round: s.round}
	}
	defer s.release()

	if s.status != StatusRetraining {
		return View{}, &InvalidStateError{SessionID: s.ID, Round: s.round, Current: s.status, Expected: []Status{StatusRetraining}}
	}

	snap, err := s.clf.Train(ctx, s.hardExamples(), s.round)
	if err != nil {
		var insufficient *classifier.InsufficientDataError
		if errors.As(err, &insufficient) {
			s.mu.Lock()
			s.degraded = true
			s.status = StatusSampling
			s.mu.Unlock()
			e.persistSession(s)
			e.logger.Info("retrain degraded to boundary sampling",
				zap.String("session_id", s.ID),
				zap.Int("round", s.round),
				zap.Int("positives", insufficient.Positives),
				zap.Int("negatives", insufficient.Negatives))
			return s.view(), &InsufficientTrainingDataError{
				SessionID: s.ID,
				Round:     s.round,
				Positives: insufficient.Positives,
				Negatives: insufficient.Negatives,
			}
		}
		// Cancellation or a hard failure leaves the session untouched in
		// retraining state.
		return View{}, fmt.Errorf("session %s: train: %w", s.ID, err)
	}

	s.mu.Lock()
	s.snapshot = snap
	s.degraded = false
	s.round++
	s.status = StatusSampling
	s.mu.Unlock()

	e.persistSession(s)
	e.logger.Info("round advanced",
		zap.String("session_id", s.ID),
		zap.Int("round", s.round))
	return s.view(), nil
}

// Abandon terminally abandons a session from any non-closed state.
func (e *Engine) Abandon(id string) (View, error) {
	s, err := e.lookup(id)
	if err != nil {
		return View{}, err
	}
	if !s.tryAcquire() {
		return View{}, &BusyError{SessionID: s.ID, Round: s.round}
	}
	defer s.release()

	if !canTransition(s.status, StatusAbandoned) {
		return View{}, &InvalidStateError{SessionID: s.ID, Round: s.round, Current: s.status, Expected: []Status{StatusCreated, StatusSampling, StatusAwaitingLabels, StatusRetraining, StatusFinalizing}}
	}
	s.mu.Lock()
	s.status = StatusAbandoned
	s.mu.Unlock()

	e.persistSession(s)
	e.logger.Info("session abandoned", zap.String("session_id", s.ID))
	return s.view(), nil
}

func (e *Engine) lookup(id string) (*Session, error) {
	e.mu.RLock()
	s, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// Persistence helpers. The relational store is authoritative for restarts;
// row-level write failures are logged rather than poisoning in-memory
// session state that has already advanced.

func (e *Engine) persistNewSession(s *Session) error {
	if e.db == nil {
		return nil
	}
	now := e.nowFunc()
	if err := e.db.SaveSession(store.SessionRow{
		ID:             s.ID,
		ModelRunID:     s.ModelRunID,
		DistanceMetric: string(s.Metric),
		Status:         string(s.status),
		RoundNumber:    s.round,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return err
	}
	rows := make([]store.CandidateRow, 0, len(s.pool))
	for _, c := range s.pool {
		rows = append(rows, store.CandidateRow{
			SessionID:       s.ID,
			ClipID:          c.ClipID,
			ModelRunID:      c.ModelRunID,
			RawScore:        c.Raw,
			NormalizedScore: c.Normalized,
		})
	}
	return e.db.InsertCandidates(rows)
}

func (e *Engine) persistSession(s *Session) {
	if e.db == nil {
		return
	}
	if err := e.db.SaveSession(store.SessionRow{
		ID:             s.ID,
		ModelRunID:     s.ModelRunID,
		DistanceMetric: string(s.Metric),
		Status:         string(s.status),
		RoundNumber:    s.round,
		CreatedAt:      e.nowFunc(),
		UpdatedAt:      e.nowFunc(),
	}); err != nil {
		e.logger.Warn("persist session row", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (e *Engine) persistSampleType(sessionID, clipID, sampleType string) {
	if e.db == nil {
		return
	}
	if err := e.db.SetSampleType(sessionID, clipID, sampleType); err != nil {
		e.logger.Warn("persist sample type", zap.String("session_id", sessionID), zap.String("clip_id", clipID), zap.Error(err))
	}
}

func (e *Engine) persistLabel(sessionID string, rec LabelRecord) {
	if e.db == nil {
		return
	}
	if err := e.db.UpsertLabel(store.LabelRow{
		SessionID:   sessionID,
		ClipID:      rec.ClipID,
		IsNegative:  rec.IsNegative,
		IsUncertain: rec.IsUncertain,
		IsSkipped:   rec.IsSkipped,
		LabeledAt:   rec.LabeledAt,
	}); err != nil {
		e.logger.Warn("persist label", zap.String("session_id", sessionID), zap.String("clip_id", rec.ClipID), zap.Error(err))
	}
}
