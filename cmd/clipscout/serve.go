package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tbellor/clipscout/pkg/config"
	"github.com/tbellor/clipscout/pkg/modelspace"
	"github.com/tbellor/clipscout/pkg/runner"
	"github.com/tbellor/clipscout/pkg/sampling"
	"github.com/tbellor/clipscout/pkg/server"
	"github.com/tbellor/clipscout/pkg/session"
	"github.com/tbellor/clipscout/pkg/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			embeddings, cleanup, err := openEmbeddings(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			db, err := store.OpenSQL(cfg.SQLitePath, logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			samplingCfg := sampling.DefaultConfig()
			samplingCfg.BoundaryLow = cfg.BoundaryLow
			samplingCfg.BoundaryHigh = cfg.BoundaryHigh

			models := modelspace.DefaultRegistry()
			engine, err := session.NewEngine(session.EngineConfig{
				Embeddings: embeddings,
				DB:         db,
				Registry:   models,
				Sampling:   samplingCfg,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			var modelRunner runner.ModelRunner
			if cfg.EmbedCmd != "" || cfg.PredictCmd != "" {
				modelRunner = runner.NewCommandRunner(cfg.EmbedCmd, cfg.PredictCmd, logger)
			}

			srv := server.New(engine, models, modelRunner, cfg.DefaultBatchSize, logger)
			return srv.Run(cfg.ListenAddr)
		},
	}
}

// openEmbeddings builds the configured embedding store and returns a
// cleanup func that closes whatever was opened.
func openEmbeddings(cfg config.Config, logger *zap.Logger) (store.EmbeddingStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendBadger:
		bs, err := store.OpenBadger(cfg.DataDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return bs, func() { _ = bs.Close() }, nil
	case config.BackendQdrant:
		conn, err := grpc.NewClient(cfg.QdrantAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("dial qdrant %s: %w", cfg.QdrantAddr, err)
		}
		qs := store.NewQdrantStore(conn, cfg.QdrantCollectionPrefix, logger)
		return qs, func() { _ = conn.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
