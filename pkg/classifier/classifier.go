// Package classifier implements the online binary discriminator that drives
// active-learning acquisition. It is a logistic model over raw embedding
// vectors: the sign of the margin gives the predicted class (accept /
// reject) and the magnitude gives confidence.
package classifier

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// InsufficientDataError reports that training was attempted before both
// classes had at least one hard-labeled example.
type InsufficientDataError struct {
	Positives int
	Negatives int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("classifier needs at least one positive and one negative example (have %d positive, %d negative)", e.Positives, e.Negatives)
}

// Example is one hard-labeled training vector. Uncertain and skipped labels
// never reach the classifier.
type Example struct {
	ClipID   string
	Vector   []float32
	Positive bool
}

// Training hyperparameters. Fixed values keep a retrain deterministic for a
// given example set, which the session layer relies on for reproducible
// snapshots.
const (
	trainEpochs  = 60
	learningRate = 0.05
	l2Penalty    = 1e-4
)

// Classifier is a logistic discriminator trained incrementally each round.
// Retraining warm-starts from the previous weights when dimensions match;
// callers observe only the resulting snapshot.
type Classifier struct {
	dims    int
	weights []float64
	bias    float64
	trained bool
}

// New creates an untrained classifier for the given embedding dimensionality.
func New(dims int) *Classifier {
	return &Classifier{dims: dims}
}

// Dimensions returns the embedding dimensionality the classifier expects.
func (c *Classifier) Dimensions() int { return c.dims }

// Trained reports whether at least one successful Train has completed.
func (c *Classifier) Trained() bool { return c.trained }

// Train fits the model on all provided hard-labeled examples and returns a
// snapshot versioned by round. It fails with *InsufficientDataError unless
// both classes are represented, and checks ctx between epochs so a caller
// timeout can abort a long fit; an aborted fit leaves the previous weights
// untouched.
func (c *Classifier) Train(ctx context.Context, examples []Example, round int) (*Snapshot, error) {
	var pos, neg int
	for _, ex := range examples {
		if len(ex.Vector) != c.dims {
			return nil, fmt.Errorf("example %s has %d dimensions, classifier expects %d", ex.ClipID, len(ex.Vector), c.dims)
		}
		if ex.Positive {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return nil, &InsufficientDataError{Positives: pos, Negatives: neg}
	}

	// Fixed iteration order for determinism.
	ordered := make([]Example, len(examples))
	copy(ordered, examples)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ClipID < ordered[j].ClipID })

	// Warm start from the current weights; fall back to zeros on first fit.
	w := make([]float64, c.dims)
	copy(w, c.weights)
	b := c.bias

	for epoch := 0; epoch < trainEpochs; epoch++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		for _, ex := range ordered {
			margin := b
			for i, x := range ex.Vector {
				margin += w[i] * float64(x)
			}
			y := 0.0
			if ex.Positive {
				y = 1.0
			}
			grad := sigmoid(margin) - y
			for i, x := range ex.Vector {
				w[i] -= learningRate * (grad*float64(x) + l2Penalty*w[i])
			}
			b -= learningRate * grad
		}
	}

	c.weights = w
	c.bias = b
	c.trained = true

	return &Snapshot{
		Round:      round,
		Dimensions: c.dims,
		Weights:    append([]float64(nil), w...),
		Bias:       b,
		Positives:  pos,
		Negatives:  neg,
		TrainedAt:  time.Now().UTC(),
	}, nil
}

// Margin returns the signed distance of vec from the decision boundary.
// Positive margins predict accept, negative reject. Calling Margin on an
// untrained classifier returns 0 for every vector.
func (c *Classifier) Margin(vec []float32) float64 {
	if !c.trained {
		return 0
	}
	return c.bias + dotMixed(c.weights, vec)
}

// Restore replaces the model state from a snapshot, e.g. when resuming a
// persisted session.
func (c *Classifier) Restore(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}
	if snap.Dimensions != c.dims {
		return fmt.Errorf("snapshot has %d dimensions, classifier expects %d", snap.Dimensions, c.dims)
	}
	c.weights = append([]float64(nil), snap.Weights...)
	c.bias = snap.Bias
	c.trained = true
	return nil
}

func dotMixed(w []float64, v []float32) float64 {
	n := len(w)
	if len(v) < n {
		n = len(v)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += w[i] * float64(v[i])
	}
	return sum
}

func sigmoid(x float64) float64 {
	// Clamp to keep exp well-behaved on extreme margins.
	if x > 30 {
		return 1
	}
	if x < -30 {
		return 0
	}
	return 1 / (1 + math.Exp(-x))
}
