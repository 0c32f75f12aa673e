// Package config loads the clipscout service configuration from a YAML
// file with CLIPSCOUT_* environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
)

// Backend selects the embedding store implementation.
type Backend string

const (
	BackendBadger Backend = "badger"
	BackendQdrant Backend = "qdrant"
)

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the HTTP bind address for the session API.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds the badger embedding store.
	DataDir string `yaml:"data_dir"`

	// SQLitePath is the relational store location.
	SQLitePath string `yaml:"sqlite_path"`

	// StoreBackend chooses badger (local) or qdrant (remote) embeddings.
	StoreBackend Backend `yaml:"store_backend"`

	// QdrantAddr is the qdrant gRPC endpoint, used when StoreBackend is
	// qdrant.
	QdrantAddr string `yaml:"qdrant_addr"`

	// QdrantCollectionPrefix prefixes per-run collection names.
	QdrantCollectionPrefix string `yaml:"qdrant_collection_prefix"`

	// DefaultBatchSize is the labeling batch size when a request does not
	// specify one.
	DefaultBatchSize int `yaml:"default_batch_size"`

	// BoundaryLow/BoundaryHigh bound the boundary sampling band.
	BoundaryLow  float64 `yaml:"boundary_low"`
	BoundaryHigh float64 `yaml:"boundary_high"`

	// EmbedCmd/PredictCmd are the external model runner executables.
	EmbedCmd   string `yaml:"embed_cmd"`
	PredictCmd string `yaml:"predict_cmd"`

	// LogLevel is a zap level string (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() Config {
	return Config{
		ListenAddr:             ":8425",
		DataDir:                "./data/embeddings",
		SQLitePath:             "./data/clipscout.db",
		StoreBackend:           BackendBadger,
		QdrantAddr:             "127.0.0.1:6334",
		QdrantCollectionPrefix: "clipscout_",
		DefaultBatchSize:       12,
		BoundaryLow:            0.4,
		BoundaryHigh:           0.6,
		LogLevel:               "info",
	}
}

// Load reads the YAML file at path (missing file is fine — defaults apply)
// and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendBadger, BackendQdrant:
	default:
		return fmt.Errorf("unsupported store backend %q", c.StoreBackend)
	}
	if c.BoundaryLow < 0 || c.BoundaryHigh > 1 || c.BoundaryLow >= c.BoundaryHigh {
		return fmt.Errorf("boundary band [%v, %v] must satisfy 0 <= low < high <= 1", c.BoundaryLow, c.BoundaryHigh)
	}
	if c.DefaultBatchSize <= 0 {
		return fmt.Errorf("default batch size must be > 0")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "CLIPSCOUT_LISTEN_ADDR")
	setString(&cfg.DataDir, "CLIPSCOUT_DATA_DIR")
	setString(&cfg.SQLitePath, "CLIPSCOUT_SQLITE_PATH")
	if v := os.Getenv("CLIPSCOUT_STORE_BACKEND"); v != "" {
		cfg.StoreBackend = Backend(v)
	}
	setString(&cfg.QdrantAddr, "CLIPSCOUT_QDRANT_ADDR")
	setString(&cfg.QdrantCollectionPrefix, "CLIPSCOUT_QDRANT_COLLECTION_PREFIX")
	setInt(&cfg.DefaultBatchSize, "CLIPSCOUT_DEFAULT_BATCH_SIZE")
	setFloat(&cfg.BoundaryLow, "CLIPSCOUT_BOUNDARY_LOW")
	setFloat(&cfg.BoundaryHigh, "CLIPSCOUT_BOUNDARY_HIGH")
	setString(&cfg.EmbedCmd, "CLIPSCOUT_EMBED_CMD")
	setString(&cfg.PredictCmd, "CLIPSCOUT_PREDICT_CMD")
	setString(&cfg.LogLevel, "CLIPSCOUT_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
