package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tbellor/clipscout/pkg/config"
	"github.com/tbellor/clipscout/pkg/store"
)

// ingestRecord is one line of the JSONL ingest format.
type ingestRecord struct {
	ClipID string    `json:"clip_id"`
	Vector []float32 `json:"vector"`
}

const ingestFlushSize = 1000

func newIngestCmd() *cobra.Command {
	var (
		runID   string
		model   string
		dataset string
	)

	cmd := &cobra.Command{
		Use:   "ingest <vectors.jsonl>",
		Short: "Bulk-load embedding vectors into the local store",
		Long: `Reads newline-delimited JSON records of the form
{"clip_id": "...", "vector": [...]} and writes them into the badger
embedding store under the given model run. When --run-id is omitted a
fresh run id is generated and printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if runID == "" {
				runID = uuid.NewString()
			}

			bs, err := store.OpenBadger(cfg.DataDir, logger)
			if err != nil {
				return err
			}
			defer func() { _ = bs.Close() }()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()

			ctx := cmd.Context()
			var (
				batch = make(map[string][]float32, ingestFlushSize)
				total int
				dims  int
				line  int
			)
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
			for scanner.Scan() {
				line++
				if len(scanner.Bytes()) == 0 {
					continue
				}
				var rec ingestRecord
				if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
					return fmt.Errorf("line %d: %w", line, err)
				}
				if rec.ClipID == "" || len(rec.Vector) == 0 {
					return fmt.Errorf("line %d: clip_id and vector are required", line)
				}
				if dims == 0 {
					dims = len(rec.Vector)
				} else if len(rec.Vector) != dims {
					return fmt.Errorf("line %d: clip %s has %d dimensions, expected %d", line, rec.ClipID, len(rec.Vector), dims)
				}
				batch[rec.ClipID] = rec.Vector
				if len(batch) >= ingestFlushSize {
					if err := bs.PutVectors(ctx, runID, batch); err != nil {
						return err
					}
					total += len(batch)
					batch = make(map[string][]float32, ingestFlushSize)
				}
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			if len(batch) > 0 {
				if err := bs.PutVectors(ctx, runID, batch); err != nil {
					return err
				}
				total += len(batch)
			}

			if err := bs.PutRun(store.RunInfo{
				RunID:       runID,
				Model:       model,
				Dataset:     dataset,
				Dimensions:  dims,
				CompletedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}

			logger.Info("ingest complete",
				zap.String("run_id", runID),
				zap.Int("clips", total),
				zap.Int("dimensions", dims))
			fmt.Fprintln(cmd.OutOrStdout(), runID)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "model run id to ingest under (generated when empty)")
	cmd.Flags().StringVar(&model, "model", "", "embedding model name recorded with the run")
	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset name recorded with the run")
	return cmd
}
