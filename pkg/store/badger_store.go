package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Key layout:
//
//	emb:<model_run_id>:<clip_id>  -> msgpack []float32
//	run:<model_run_id>            -> msgpack RunInfo
//
// Clip ids may not contain the ':' separator; PutVectors rejects them.

func embeddingKey(modelRunID, clipID string) []byte {
	return []byte("emb:" + modelRunID + ":" + clipID)
}

func embeddingPrefix(modelRunID, clipPrefix string) []byte {
	return []byte("emb:" + modelRunID + ":" + clipPrefix)
}

func runKey(modelRunID string) []byte {
	return []byte("run:" + modelRunID)
}

// RunInfo records a completed embedding run: which extractor produced the
// vectors, over which dataset, and when.
type RunInfo struct {
	RunID       string    `msgpack:"run_id"`
	Model       string    `msgpack:"model"`
	Dataset     string    `msgpack:"dataset"`
	Dimensions  int       `msgpack:"dims"`
	CompletedAt time.Time `msgpack:"completed_at"`
}

// BadgerStore is the local embedding store. It satisfies EmbeddingStore and
// additionally supports ingestion (PutVectors) and run bookkeeping.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadger opens (or creates) the store at dir.
func OpenBadger(dir string, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %s: %w", dir, err)
	}
	logger.Info("embedding store opened", zap.String("dir", dir))
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close releases the underlying badger database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// PutVectors writes a batch of clip vectors for a model run. Existing
// vectors for the same (run, clip) are replaced.
func (s *BadgerStore) PutVectors(ctx context.Context, modelRunID string, vectors map[string][]float32) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for clipID, vec := range vectors {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if bytes.ContainsRune([]byte(clipID), ':') {
			return fmt.Errorf("clip id %q must not contain ':'", clipID)
		}
		data, err := encodeVector(vec)
		if err != nil {
			return fmt.Errorf("encode vector for clip %s: %w", clipID, err)
		}
		if err := wb.Set(embeddingKey(modelRunID, clipID), data); err != nil {
			return fmt.Errorf("write vector for clip %s: %w", clipID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush vector batch: %w", err)
	}
	return nil
}

// PutRun records run metadata after an embedding phase completes.
func (s *BadgerStore) PutRun(info RunInfo) error {
	data, err := msgpack.Marshal(&info)
	if err != nil {
		return fmt.Errorf("encode run info: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(info.RunID), data)
	})
}

// GetRun returns the recorded metadata for a model run.
func (s *BadgerStore) GetRun(modelRunID string) (*RunInfo, error) {
	var info RunInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(modelRunID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &info)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("unknown model run %q", modelRunID)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// FetchVectors implements EmbeddingStore. Missing clips are skipped.
func (s *BadgerStore) FetchVectors(ctx context.Context, modelRunID string, clipIDs []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(clipIDs))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, clipID := range clipIDs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			item, err := txn.Get(embeddingKey(modelRunID, clipID))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var vec []float32
			if err := item.Value(func(val []byte) error {
				v, derr := decodeVector(val)
				vec = v
				return derr
			}); err != nil {
				return fmt.Errorf("decode vector for clip %s: %w", clipID, err)
			}
			out[clipID] = vec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanPool implements EmbeddingStore with a prefix iteration over the run's
// keyspace. Each call starts a fresh iterator, so the sequence is
// restartable by construction.
func (s *BadgerStore) ScanPool(ctx context.Context, modelRunID string, scope DatasetScope, fn func(clipID string, vec []float32) error) error {
	// A run holds exactly one dataset, so the dataset scope is a guard on
	// the run's metadata rather than a per-clip filter.
	if scope.Dataset != "" {
		info, err := s.GetRun(modelRunID)
		if err != nil {
			return err
		}
		if info.Dataset != scope.Dataset {
			return fmt.Errorf("model run %s holds dataset %q, not %q", modelRunID, info.Dataset, scope.Dataset)
		}
	}

	prefix := embeddingPrefix(modelRunID, scope.ClipPrefix)
	seen := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if scope.Limit > 0 && seen >= scope.Limit {
				return nil
			}

			item := it.Item()
			clipID := clipIDFromKey(item.Key(), modelRunID)
			var vec []float32
			if err := item.Value(func(val []byte) error {
				v, derr := decodeVector(val)
				vec = v
				return derr
			}); err != nil {
				return fmt.Errorf("decode vector for clip %s: %w", clipID, err)
			}
			if err := fn(clipID, vec); err != nil {
				return err
			}
			seen++
		}
		return nil
	})
	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}

func clipIDFromKey(key []byte, modelRunID string) string {
	return string(key[len("emb:")+len(modelRunID)+1:])
}

func encodeVector(vec []float32) ([]byte, error) {
	return msgpack.Marshal(vec)
}

func decodeVector(data []byte) ([]float32, error) {
	var vec []float32
	if err := msgpack.Unmarshal(data, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}
