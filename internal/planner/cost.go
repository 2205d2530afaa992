package planner

import "math"

// workMem bounds the build-side size a HashJoin will accept before the
// join-algorithm-selection rule instead picks sort-merge (§4.6 rule 4).
// Exported as a var, not a const, so a future config surface can tune it;
// nothing in this package mutates it today.
var workMem float64 = 16 << 20 // 16MiB, matching a conservative single-join budget

// avgRowBytes estimates a row's footprint when no real stats are
// available, used only to size-compare join inputs against workMem.
const avgRowBytes = 256

// costSeqScan implements §4.6's sequential-scan cost model.
func costSeqScan(pages, rows int64) Cost {
	return Cost{
		IO:   float64(pages),
		CPU:  0.01 * float64(rows),
		Rows: float64(rows),
		Size: rowSize(rows, avgRowBytes),
	}
}

// costIndexScan implements §4.6's index-scan cost model.
func costIndexScan(indexPages, dataPages, tableRows int64, selectivity float64) Cost {
	rows := float64(tableRows) * selectivity
	return Cost{
		IO:   float64(indexPages + dataPages),
		CPU:  0.005 * rows,
		Rows: rows,
		Size: rows * avgRowBytes,
	}
}

// costHashJoin implements §4.6's hash-join cost model: build the smaller
// side, probe with the larger.
func costHashJoin(left, right Cost) Cost {
	outRows := left.Rows * right.Rows * joinSelectivityDefault
	buildSize := left.Size
	if right.Size < left.Size {
		buildSize = right.Size
	}
	return Cost{
		IO:     left.IO + right.IO,
		CPU:    2 * (left.Rows + right.Rows) * cpuOpCost,
		Memory: buildSize,
		Rows:   outRows,
		Size:   outRows * avgRowBytes,
	}
}

// costNestedLoopJoin scores the naive product-scan cost: every outer row
// rescans the inner input.
func costNestedLoopJoin(outer, inner Cost) Cost {
	outRows := outer.Rows * inner.Rows * joinSelectivityDefault
	return Cost{
		IO:   outer.IO + outer.Rows*inner.IO,
		CPU:  outer.Rows * inner.Rows * cpuOpCost,
		Rows: outRows,
		Size: outRows * avgRowBytes,
	}
}

// costSortMergeJoin adds an n*log2(n) sort cost to each side on top of the
// hash-join shaped IO/output estimate (§4.6 "Sort-merge: adds n*log2n*cpu_op
// for each side").
func costSortMergeJoin(left, right Cost) Cost {
	base := costHashJoin(left, right)
	base.CPU += sortCPU(left.Rows) + sortCPU(right.Rows)
	base.Memory = 0 // sort-merge streams rather than building a hash table
	return base
}

func sortCPU(rows float64) float64 {
	if rows <= 1 {
		return 0
	}
	return rows * math.Log2(rows) * cpuOpCost
}

func rowSize(tableRows, avgRowBytes int64) float64 {
	return float64(tableRows * avgRowBytes)
}
