package engine

// RebuildIndexes rescans every table's segment history and rebuilds each of
// its secondary indexes from scratch (§4.4: indexes are disposable and carry
// no incremental-update path). Meant to be called repeatedly on a schedule
// by internal/maintenance; unlike recovery.LazyIndex's rebuild-on-first-
// lookup, this always rebuilds regardless of whether anything looked the
// index up yet.
func (e *Engine) RebuildIndexes() error {
	e.mu.RLock()
	tables := make([]*tableState, 0, len(e.tables))
	for _, ts := range e.tables {
		tables = append(tables, ts)
	}
	e.mu.RUnlock()

	for _, ts := range tables {
		for column, idx := range ts.rawIndexes {
			if err := idx.Rebuild(ts.segments, column); err != nil {
				return err
			}
		}
	}
	return nil
}

// PruneVersions drops MVCC version-chain entries no longer visible to any
// active or future transaction (§4.5), returning the number of versions
// reclaimed across all tables.
func (e *Engine) PruneVersions() int {
	return e.mv.PruneVersionChains()
}
