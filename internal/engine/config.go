// Package engine is the top-level DriftDB engine (§2A): it wires the
// segment/wal/catalog/snapshot/index/mvcc/planner/recovery packages
// together behind begin/commit/abort, row CRUD, query planning/execution,
// checkpointing, and backup/restore.
//
// What: Open(Config) -> *Engine; Begin/Commit/Abort; Insert/Patch/Delete/
// Get; Query/Explain/ExplainAnalyze (with the AS OF time-travel
// extension); Checkpoint; Backup/Restore.
// How: generalizes tinySQL's storage.Database (the type that owns a
// MVCCManager, an AdvancedWAL, and a Catalog together) into the
// event-sourced shape this spec calls for, and its minimal internal SQL
// surface exists *only* to parse the `AS OF` extension clause, in
// tinySQL's own lexer.go/parser.go idiom — everything else about a query
// arrives as a planner.Query value the external SQL front-end (out of
// scope, §1) would have already produced.
// Why: every other package in this module is a leaf with no knowledge of
// the others; something has to own the lifecycle (which table directories
// exist, which WAL sequence a table's segments are at, when a checkpoint
// is due) and that something is this package.
package engine

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftdb/driftdb/internal/driftdberr"
	"github.com/driftdb/driftdb/internal/mvcc"
)

// Config is the single top-level configuration struct (§6), constructed by
// flags (cmd/driftdbd, via cobra) or loaded from a YAML file.
type Config struct {
	DataRoot             string        `yaml:"data_root"`
	SegmentMaxBytes      int64         `yaml:"segment_max_bytes"`
	WALCheckpointEvery   uint64        `yaml:"wal_checkpoint_every"`
	MaxWALRecoveryTime   time.Duration `yaml:"max_wal_recovery_time"`
	CheckpointInterval   time.Duration `yaml:"checkpoint_interval"`
	IndexRebuildInterval time.Duration `yaml:"index_rebuild_interval"`
	PruneInterval        time.Duration `yaml:"prune_interval"`
	DefaultIsolation     string        `yaml:"default_isolation"`
	MVCC                 mvcc.Config   `yaml:"mvcc"`
}

// DefaultConfig returns the engine's zero-config defaults, the values a
// fresh `driftdbd serve` run starts from absent a config file.
func DefaultConfig(dataRoot string) Config {
	return Config{
		DataRoot:             dataRoot,
		SegmentMaxBytes:      64 * 1024 * 1024,
		WALCheckpointEvery:   1000,
		MaxWALRecoveryTime:   30 * time.Second,
		CheckpointInterval:   time.Minute,
		IndexRebuildInterval: 5 * time.Minute,
		PruneInterval:        2 * time.Minute,
		DefaultIsolation:     "snapshot",
		MVCC: mvcc.Config{
			MaxTransactionDuration: 30 * time.Second,
			MinVersionsToKeep:      1,
			LockTimeout:            5 * time.Second,
			DeadlockCheckInterval:  100 * time.Millisecond,
			ReapInterval:           time.Second,
		},
	}
}

// LoadConfig reads a YAML config file and overlays it on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig(".")
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, driftdberr.Wrap(driftdberr.KindIO, "read engine config", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, driftdberr.Wrap(driftdberr.KindCorruption, "parse engine config", err)
	}
	return cfg, nil
}

// isolationLevel resolves the config's default_isolation string to the
// mvcc.IsolationLevel it names, defaulting to Snapshot (RepeatableRead).
func (c Config) isolationLevel() mvcc.IsolationLevel {
	switch c.DefaultIsolation {
	case "read_uncommitted":
		return mvcc.ReadUncommitted
	case "read_committed":
		return mvcc.ReadCommitted
	case "serializable":
		return mvcc.Serializable
	default:
		return mvcc.RepeatableRead
	}
}
