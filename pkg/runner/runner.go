// Package runner abstracts the foundation models that produce embeddings
// and predictions. The engine never loads model weights: each phase is a
// fire-and-forget invocation of an external process, split in two so that
// the engine's CPU-bound work never contends with model memory.
package runner

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunConfig describes one embedding run: which extractor to invoke and
// which dataset to embed.
type RunConfig struct {
	Model   string
	Dataset string
	// BatchSize bounds the extractor's per-step clip count to cap peak
	// memory; 0 lets the extractor choose.
	BatchSize int
}

// ModelRunner is the two-phase interface consumed by the engine. The
// engine only ever reads completed embeddings through the embedding store;
// it never inspects a run's progress.
type ModelRunner interface {
	RunEmbeddings(ctx context.Context, cfg RunConfig) (runID string, err error)
	RunPredictions(ctx context.Context, runID string) error
}

// CommandRunner invokes configured external executables for each phase.
type CommandRunner struct {
	// EmbedCmd and PredictCmd are the executables for the two phases.
	EmbedCmd   string
	PredictCmd string
	Logger     *zap.Logger
}

// NewCommandRunner builds a runner around the two phase executables.
func NewCommandRunner(embedCmd, predictCmd string, logger *zap.Logger) *CommandRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandRunner{EmbedCmd: embedCmd, PredictCmd: predictCmd, Logger: logger}
}

// RunEmbeddings launches the embedding phase and returns the new run id.
// The process receives the run id, model, and dataset as arguments and is
// responsible for writing vectors into the embedding store. ctx covers only
// the start window: once spawned, the process is detached and outlives the
// caller (a run started from an HTTP handler keeps going after the request
// context is canceled).
func (r *CommandRunner) RunEmbeddings(ctx context.Context, cfg RunConfig) (string, error) {
	if r.EmbedCmd == "" {
		return "", fmt.Errorf("no embedding command configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	runID := uuid.NewString()
	args := []string{"--run-id", runID, "--model", cfg.Model, "--dataset", cfg.Dataset}
	if cfg.BatchSize > 0 {
		args = append(args, "--batch-size", strconv.Itoa(cfg.BatchSize))
	}

	cmd := exec.Command(r.EmbedCmd, args...)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start embedding run: %w", err)
	}
	r.Logger.Info("embedding run started",
		zap.String("run_id", runID),
		zap.String("model", cfg.Model),
		zap.String("dataset", cfg.Dataset),
		zap.Int("pid", cmd.Process.Pid))
	// Fire-and-forget: reap the process in the background so it does not
	// linger as a zombie.
	go func() { _ = cmd.Wait() }()
	return runID, nil
}

// RunPredictions launches the prediction phase for a completed run. As with
// RunEmbeddings, the process is detached once started.
func (r *CommandRunner) RunPredictions(ctx context.Context, runID string) error {
	if r.PredictCmd == "" {
		return fmt.Errorf("no prediction command configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := exec.Command(r.PredictCmd, "--run-id", runID)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start prediction run: %w", err)
	}
	r.Logger.Info("prediction run started",
		zap.String("run_id", runID),
		zap.Int("pid", cmd.Process.Pid))
	go func() { _ = cmd.Wait() }()
	return nil
}

// StubRunner records invocations without launching anything. Test double.
type StubRunner struct {
	mu          sync.Mutex
	EmbedRuns   []RunConfig
	PredictRuns []string
}

func (r *StubRunner) RunEmbeddings(_ context.Context, cfg RunConfig) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.EmbedRuns = append(r.EmbedRuns, cfg)
	return uuid.NewString(), nil
}

func (r *StubRunner) RunPredictions(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PredictRuns = append(r.PredictRuns, runID)
	return nil
}
