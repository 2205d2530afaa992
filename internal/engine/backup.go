// Backup/restore (§4.7A): a full backup copies every table's segment
// history from sequence 0; an incremental backup copies only what changed
// since its parent's EndingSequence (internal/recovery.ResolveStartingSequence
// resolves that starting point explicitly rather than guessing). Restore
// replays a full backup followed by zero or more incrementals, in order,
// into a fresh data root.
package engine

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/driftdb/driftdb/internal/catalog"
	"github.com/driftdb/driftdb/internal/recovery"
	"github.com/driftdb/driftdb/internal/segment"
)

// Backup copies every named table's segment history up to its current
// sequence into destDir — from sequence 0 for a full backup, from
// startingSequence+1 (the parent's EndingSequence plus one) for an
// incremental — and writes a BackupMeta describing it.
// tables nil means every table currently open on the engine.
func (e *Engine) Backup(destDir string, backupType recovery.BackupType, parent *recovery.BackupMeta, tables []string) (*recovery.BackupMeta, error) {
	if err := e.Checkpoint(); err != nil {
		return nil, err
	}

	startSeq := recovery.ResolveStartingSequence(backupType, parent)
	fromSeq := startSeq
	if parent != nil {
		// parent.EndingSequence was already captured by the parent backup;
		// this incremental only needs what comes strictly after it.
		fromSeq = startSeq + 1
	}

	e.mu.RLock()
	var targets []*tableState
	if len(tables) == 0 {
		for _, ts := range e.tables {
			targets = append(targets, ts)
		}
	} else {
		for _, name := range tables {
			if ts, ok := e.tables[name]; ok {
				targets = append(targets, ts)
			}
		}
	}
	e.mu.RUnlock()

	meta := &recovery.BackupMeta{
		BackupID:         uuid.NewString(),
		Type:             backupType,
		StartingSequence: startSeq,
		Compression:      "none",
		CreatedAt:        time.Now().UTC(),
	}
	if parent != nil {
		meta.ParentBackupID = parent.BackupID
	}

	var endingSeq uint64
	for _, ts := range targets {
		meta.Tables = append(meta.Tables, ts.name)
		if err := backupTable(destDir, ts, fromSeq); err != nil {
			return nil, err
		}
		ts.mu.Lock()
		seq := ts.nextSeq
		ts.mu.Unlock()
		if seq > endingSeq {
			endingSeq = seq
		}
	}
	meta.EndingSequence = endingSeq

	if err := recovery.WriteBackupMeta(filepath.Join(destDir, "backup_meta.json"), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func backupTable(destDir string, ts *tableState, fromSequence uint64) error {
	meta, err := ts.dir.ReadSchema()
	if err != nil {
		return err
	}
	dir, err := catalog.NewDir(destDir, ts.name)
	if err != nil {
		return err
	}
	if err := dir.WriteSchema(meta); err != nil {
		return err
	}

	segDest, err := segment.Open(dir.SegmentsDir(), 64*1024*1024)
	if err != nil {
		return err
	}
	defer segDest.Close()

	var maxSeq uint64
	err = ts.segments.ScanAll(fromSequence, func(e *segment.Event) error {
		if _, _, err := segDest.Append(e, segment.FSync); err != nil {
			return err
		}
		if e.Sequence > maxSeq {
			maxSeq = e.Sequence
		}
		return nil
	})
	if err != nil {
		return err
	}
	return dir.UpdateLastSequence(maxSeq)
}

// Restore replays a full backup followed by zero or more incrementals, in
// order, into destDataRoot. Each dir in dirs must hold the layout Backup
// wrote (tables/<name>/{schema.yaml,segments/}, backup_meta.json). The
// caller is responsible for ordering dirs full-first, then incrementals by
// StartingSequence.
func Restore(destDataRoot string, dirs []string) error {
	for _, srcDir := range dirs {
		meta, err := recovery.ReadBackupMeta(filepath.Join(srcDir, "backup_meta.json"))
		if err != nil {
			return err
		}
		for _, table := range meta.Tables {
			if err := restoreTableFrom(destDataRoot, srcDir, table); err != nil {
				return err
			}
		}
	}
	return nil
}

func restoreTableFrom(destDataRoot, srcDir, table string) error {
	srcDir2, err := catalog.NewDir(srcDir, table)
	if err != nil {
		return err
	}
	srcMeta, err := srcDir2.ReadSchema()
	if err != nil {
		return err
	}
	srcSegs, err := segment.Open(srcDir2.SegmentsDir(), 64*1024*1024)
	if err != nil {
		return err
	}
	defer srcSegs.Close()

	destDir, err := catalog.NewDir(destDataRoot, table)
	if err != nil {
		return err
	}
	if !destDir.Exists() {
		if err := destDir.WriteSchema(srcMeta); err != nil {
			return err
		}
	}
	destSegs, err := segment.Open(destDir.SegmentsDir(), 64*1024*1024)
	if err != nil {
		return err
	}
	defer destSegs.Close()

	var maxSeq uint64
	err = srcSegs.ScanAll(0, func(e *segment.Event) error {
		if _, _, err := destSegs.Append(e, segment.FSync); err != nil {
			return err
		}
		if e.Sequence > maxSeq {
			maxSeq = e.Sequence
		}
		return nil
	})
	if err != nil {
		return err
	}
	return destDir.UpdateLastSequence(maxSeq)
}
