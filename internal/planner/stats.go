package planner

// TableStats is whatever the engine can tell the planner about a table's
// shape, used to drive the cost model and index-selection scoring (§4.4,
// §4.6). A thin interface rather than a concrete struct because the
// engine's catalog/segment/index packages own the real numbers; the
// planner only ever needs to ask for them.
type TableStats interface {
	RowCount(table string) int64
	PageCount(table string) int64 // sequential-scan IO unit
	// IndexInfo reports whether column has a secondary index and, if so,
	// its estimated distinct-value count and uniqueness. ok is false if no
	// index exists on column.
	IndexInfo(table, column string) (distinct int64, unique bool, ok bool)
}

// Default selectivity constants from §4.4/§4.6, used whenever a better
// estimate (distinct_count-derived, or real stats) isn't available.
const (
	selectivityMissingStats = 0.5
	selectivityRangeDefault = 0.33
	selectivityLikeDefault  = 0.20
	joinSelectivityDefault  = 0.1

	cpuOpCost = 1.0 // unit cost of one row-level comparison/hash op
)

// estimateSelectivity scores how much of a table column equality/range op
// filters out, per §4.4's defaults: 1/distinct_count for equality with
// known stats, the fixed range/LIKE defaults otherwise, and 0.5 if no
// stats exist at all for the column.
func estimateSelectivity(op BinOp, distinct int64, hasStats bool) float64 {
	if !hasStats {
		return selectivityMissingStats
	}
	switch op {
	case OpEq:
		if distinct <= 0 {
			return selectivityMissingStats
		}
		return 1.0 / float64(distinct)
	case OpLt, OpLte, OpGt, OpGte:
		return selectivityRangeDefault
	case OpLike:
		return selectivityLikeDefault
	default:
		return selectivityMissingStats
	}
}
