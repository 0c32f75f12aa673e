package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLStore persists the rows the engine core requires from its relational
// collaborator: session state, candidate pool rows, the label ledger, and
// finalized artifacts. Backed by sqlite (pure Go driver) through sqlx.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// SessionRow mirrors the persisted session record.
type SessionRow struct {
	ID             string    `db:"id"`
	ModelRunID     string    `db:"model_run_id"`
	DistanceMetric string    `db:"distance_metric"`
	Status         string    `db:"status"`
	RoundNumber    int       `db:"round_number"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// CandidateRow is one pool entry, keyed (session_id, clip_id) unique.
type CandidateRow struct {
	SessionID       string  `db:"session_id"`
	ClipID          string  `db:"clip_id"`
	ModelRunID      string  `db:"model_run_id"`
	RawScore        float64 `db:"raw_score"`
	NormalizedScore float64 `db:"normalized_score"`
	SampleType      string  `db:"sample_type"`
}

// LabelRow is one ledger entry, keyed (session_id, clip_id) unique with
// last-write-wins semantics.
type LabelRow struct {
	SessionID   string    `db:"session_id"`
	ClipID      string    `db:"clip_id"`
	IsNegative  bool      `db:"is_negative"`
	IsUncertain bool      `db:"is_uncertain"`
	IsSkipped   bool      `db:"is_skipped"`
	LabeledAt   time.Time `db:"labeled_at"`
}

// ArtifactRow stores the finalized session artifact.
type ArtifactRow struct {
	SessionID   string    `db:"session_id"`
	Snapshot    []byte    `db:"snapshot"`
	ExportJSON  string    `db:"export_json"`
	FinalizedAt time.Time `db:"finalized_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	model_run_id    TEXT NOT NULL,
	distance_metric TEXT NOT NULL,
	status          TEXT NOT NULL,
	round_number    INTEGER NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS pool_candidates (
	session_id       TEXT NOT NULL,
	clip_id          TEXT NOT NULL,
	model_run_id     TEXT NOT NULL,
	raw_score        REAL NOT NULL,
	normalized_score REAL NOT NULL,
	sample_type      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, clip_id)
);
CREATE TABLE IF NOT EXISTS labels (
	session_id   TEXT NOT NULL,
	clip_id      TEXT NOT NULL,
	is_negative  INTEGER NOT NULL,
	is_uncertain INTEGER NOT NULL,
	is_skipped   INTEGER NOT NULL,
	labeled_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, clip_id)
);
CREATE TABLE IF NOT EXISTS artifacts (
	session_id   TEXT PRIMARY KEY,
	snapshot     BLOB NOT NULL,
	export_json  TEXT NOT NULL,
	finalized_at TIMESTAMP NOT NULL
);`

// OpenSQL opens (or creates) the relational store at path and applies the
// schema. Use path ":memory:" for tests.
func OpenSQL(path string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store at %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("relational store opened", zap.String("path", path))
	return &SQLStore{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// SaveSession inserts or updates the session row.
func (s *SQLStore) SaveSession(row SessionRow) error {
	_, err := s.db.NamedExec(`
		INSERT INTO sessions (id, model_run_id, distance_metric, status, round_number, created_at, updated_at)
		VALUES (:id, :model_run_id, :distance_metric, :status, :round_number, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			round_number = excluded.round_number,
			updated_at = excluded.updated_at`, row)
	return err
}

// ListSessions returns all session rows, newest first.
func (s *SQLStore) ListSessions() ([]SessionRow, error) {
	var rows []SessionRow
	err := s.db.Select(&rows, `SELECT * FROM sessions ORDER BY created_at DESC`)
	return rows, err
}

// InsertCandidates writes the initial pool in one transaction.
func (s *SQLStore) InsertCandidates(rows []CandidateRow) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, row := range rows {
		if _, err := tx.NamedExec(`
			INSERT INTO pool_candidates (session_id, clip_id, model_run_id, raw_score, normalized_score, sample_type)
			VALUES (:session_id, :clip_id, :model_run_id, :raw_score, :normalized_score, :sample_type)
			ON CONFLICT(session_id, clip_id) DO UPDATE SET
				raw_score = excluded.raw_score,
				normalized_score = excluded.normalized_score`, row); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetSampleType records why a candidate was first selected. The value is
// write-once: a row with a sample_type already set is left unchanged.
func (s *SQLStore) SetSampleType(sessionID, clipID, sampleType string) error {
	_, err := s.db.Exec(`
		UPDATE pool_candidates SET sample_type = ?
		WHERE session_id = ? AND clip_id = ? AND sample_type = ''`,
		sampleType, sessionID, clipID)
	return err
}

// UpsertLabel applies one ledger write with last-write-wins semantics.
func (s *SQLStore) UpsertLabel(row LabelRow) error {
	_, err := s.db.NamedExec(`
		INSERT INTO labels (session_id, clip_id, is_negative, is_uncertain, is_skipped, labeled_at)
		VALUES (:session_id, :clip_id, :is_negative, :is_uncertain, :is_skipped, :labeled_at)
		ON CONFLICT(session_id, clip_id) DO UPDATE SET
			is_negative = excluded.is_negative,
			is_uncertain = excluded.is_uncertain,
			is_skipped = excluded.is_skipped,
			labeled_at = excluded.labeled_at`, row)
	return err
}

// Labels returns the session's ledger ordered by clip id.
func (s *SQLStore) Labels(sessionID string) ([]LabelRow, error) {
	var rows []LabelRow
	err := s.db.Select(&rows, `SELECT * FROM labels WHERE session_id = ? ORDER BY clip_id`, sessionID)
	return rows, err
}

// SaveArtifact stores the finalized artifact. Inserting twice keeps the
// first row so a finalized session's artifact never changes.
func (s *SQLStore) SaveArtifact(row ArtifactRow) error {
	_, err := s.db.NamedExec(`
		INSERT INTO artifacts (session_id, snapshot, export_json, finalized_at)
		VALUES (:session_id, :snapshot, :export_json, :finalized_at)
		ON CONFLICT(session_id) DO NOTHING`, row)
	return err
}

// GetArtifact returns the finalized artifact, or (nil, nil) when the
// session has not been finalized.
func (s *SQLStore) GetArtifact(sessionID string) (*ArtifactRow, error) {
	var row ArtifactRow
	err := s.db.Get(&row, `SELECT * FROM artifacts WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
