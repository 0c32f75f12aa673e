package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned by engine lookups for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// InvalidStateError reports a lifecycle call made in the wrong session
// state. Always a caller bug; never retried.
type InvalidStateError struct {
	SessionID string
	Round     int
	Current   Status
	Expected  []Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session %s (round %d): operation requires state %v, session is %s", e.SessionID, e.Round, e.Expected, e.Current)
}

// EmptyPoolError reports that no unlabeled candidates remain. Terminal for
// the sampling phase; the caller should finalize.
type EmptyPoolError struct {
	SessionID string
	Round     int
}

func (e *EmptyPoolError) Error() string {
	return fmt.Sprintf("session %s (round %d): no unlabeled candidates remain", e.SessionID, e.Round)
}

// InsufficientTrainingDataError reports that the classifier could not train
// because a class is still unrepresented. The session degrades to a
// non-classifier strategy rather than blocking.
type InsufficientTrainingDataError struct {
	SessionID string
	Round     int
	Positives int
	Negatives int
}

func (e *InsufficientTrainingDataError) Error() string {
	return fmt.Sprintf("session %s (round %d): classifier needs both classes (have %d positive, %d negative); falling back to non-classifier sampling", e.SessionID, e.Round, e.Positives, e.Negatives)
}

// BusyError reports a concurrent mutating call on the same session. The
// caller should retry after backoff.
type BusyError struct {
	SessionID string
	Round     int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("session %s (round %d): another mutating call is in flight", e.SessionID, e.Round)
}

// DimensionMismatchError reports that a reference or candidate embedding
// disagrees with the model run's dimensionality. Fatal configuration error.
type DimensionMismatchError struct {
	SessionID string
	Round     int
	Expected  int
	Got       int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("session %s (round %d): embedding has %d dimensions, model run expects %d", e.SessionID, e.Round, e.Got, e.Expected)
}
