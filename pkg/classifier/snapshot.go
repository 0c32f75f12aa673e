package classifier

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// snapshotFormatVersion is written into every encoded snapshot. Decoding a
// snapshot with a different version fails so the caller retrains instead of
// loading a boundary it cannot interpret.
const snapshotFormatVersion = 1

// Snapshot is the serialized decision boundary produced by one training
// round. It is immutable once created; the session keeps the latest one for
// active-learning acquisition and finalization.
type Snapshot struct {
	Round      int       `msgpack:"round"`
	Dimensions int       `msgpack:"dims"`
	Weights    []float64 `msgpack:"weights"`
	Bias       float64   `msgpack:"bias"`
	Positives  int       `msgpack:"positives"`
	Negatives  int       `msgpack:"negatives"`
	TrainedAt  time.Time `msgpack:"trained_at"`
}

type snapshotEnvelope struct {
	Version  int      `msgpack:"version"`
	Snapshot Snapshot `msgpack:"snapshot"`
}

// Margin evaluates the snapshot's boundary directly, without a Classifier.
// Used by finalization consumers that only hold the serialized artifact.
func (s *Snapshot) Margin(vec []float32) float64 {
	return s.Bias + dotMixed(s.Weights, vec)
}

// Encode serializes the snapshot to msgpack bytes. Encoding the same
// snapshot twice yields identical bytes.
func (s *Snapshot) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(snapshotEnvelope{Version: snapshotFormatVersion, Snapshot: *s}); err != nil {
		return nil, fmt.Errorf("encode classifier snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot deserializes snapshot bytes produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var env snapshotEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode classifier snapshot: %w", err)
	}
	if env.Version != snapshotFormatVersion {
		return nil, fmt.Errorf("unsupported classifier snapshot version %d", env.Version)
	}
	snap := env.Snapshot
	return &snap, nil
}
