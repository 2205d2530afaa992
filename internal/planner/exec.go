package planner

import (
	"fmt"
	"sort"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"

	"github.com/driftdb/driftdb/internal/driftdberr"
)

// Row is one output row: column name -> value. Join output rows carry
// both sides' columns; a naming collision is resolved by the later side
// winning, mirroring tinySQL optimizations.go's mergeRows/addNulls
// behavior this executor's join strategies are grounded on.
type Row map[string]any

// DataSource is the storage surface the executor needs: a full-table
// scan and a point index lookup. The engine package implements this over
// internal/segment + internal/snapshot (or internal/mvcc for a
// transaction's own view) and internal/index; the planner itself never
// imports those directly, so it has no opinion on MVCC visibility or
// time travel beyond the rows it's handed.
type DataSource interface {
	Scan(table string) ([]Row, error)
	IndexLookup(table, column string, value any) ([]Row, error)
}

// Executor walks an optimized PlanNode tree and produces rows, recording
// each node's wall-clock latency into a per-node histogram for EXPLAIN
// ANALYZE (§4.6A).
type Executor struct {
	DataSource DataSource
	histograms map[PlanNode]*hdrhistogram.Histogram
}

// NewExecutor returns an Executor ready for a single Execute call (or
// several, accumulating histogram samples across calls for amortized
// EXPLAIN ANALYZE accuracy).
func NewExecutor(ds DataSource) *Executor {
	return &Executor{DataSource: ds, histograms: map[PlanNode]*hdrhistogram.Histogram{}}
}

// Execute runs the plan tree, dispatching on node kind.
func (e *Executor) Execute(node PlanNode) ([]Row, error) {
	start := time.Now()
	rows, err := e.execute(node)
	e.record(node, time.Since(start))
	return rows, err
}

func (e *Executor) record(node PlanNode, d time.Duration) {
	h := e.histograms[node]
	if h == nil {
		h = hdrhistogram.New(histMinValue, histMaxValue, histSigFigs)
		e.histograms[node] = h
	}
	_ = h.RecordValue(d.Microseconds())
}

func (e *Executor) execute(node PlanNode) ([]Row, error) {
	switch n := node.(type) {
	case *TableScan:
		rows, err := e.DataSource.Scan(n.Table)
		if err != nil {
			return nil, err
		}
		return applyFilter(rows, n.Filter)
	case *IndexScan:
		if n.Op != OpEq {
			// DataSource offers point lookups only, so a range or LIKE
			// IndexScan reads the table and applies its predicate.
			rows, err := e.DataSource.Scan(n.Table)
			if err != nil {
				return nil, err
			}
			return applyFilter(rows, n.Filter)
		}
		rows, err := e.DataSource.IndexLookup(n.Table, n.Column, n.Value)
		if err != nil {
			return nil, err
		}
		return applyFilter(rows, n.Filter)
	case *HashJoin:
		return e.execHashJoin(n)
	case *NestedLoopJoin:
		return e.execNestedLoopJoin(n)
	case *SortMergeJoin:
		return e.execSortMergeJoin(n)
	case *Filter:
		rows, err := e.Execute(n.Input)
		if err != nil {
			return nil, err
		}
		return applyFilter(rows, n.Predicate)
	case *Sort:
		rows, err := e.Execute(n.Input)
		if err != nil {
			return nil, err
		}
		return applySort(rows, n.Keys), nil
	case *Aggregate:
		rows, err := e.Execute(n.Input)
		if err != nil {
			return nil, err
		}
		return applyAggregate(rows, n.GroupBy, n.Aggs), nil
	case *Project:
		rows, err := e.Execute(n.Input)
		if err != nil {
			return nil, err
		}
		return applyProject(rows, n.Columns), nil
	case *Limit:
		rows, err := e.Execute(n.Input)
		if err != nil {
			return nil, err
		}
		return applyLimit(rows, n.Count, n.Offset), nil
	case *Materialize:
		return e.Execute(n.Input)
	default:
		return nil, driftdberr.New(driftdberr.KindInternal, fmt.Sprintf("planner: unhandled node kind %s", node.Kind()))
	}
}

// execHashJoin builds a hash table on the smaller side and probes with
// the larger, the exact build/probe split tinySQL's
// HashJoinOptimizer.processHashJoin uses, generalized to this package's
// Row/Expr shapes.
func (e *Executor) execHashJoin(n *HashJoin) ([]Row, error) {
	left, err := e.Execute(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := e.Execute(n.Right)
	if err != nil {
		return nil, err
	}
	leftCol, rightCol, ok := joinColumns(n.Condition)
	if !ok {
		return e.nestedLoop(left, right, n.Condition)
	}

	build, probe := left, right
	buildCol, probeCol := leftCol, rightCol
	buildIsLeft := true
	if len(right) < len(left) {
		build, probe = right, left
		buildCol, probeCol = rightCol, leftCol
		buildIsLeft = false
	}

	table := make(map[any][]Row, len(build))
	for _, r := range build {
		k := r[buildCol]
		table[k] = append(table[k], r)
	}

	var out []Row
	for _, probeRow := range probe {
		for _, buildRow := range table[probeRow[probeCol]] {
			if buildIsLeft {
				out = append(out, mergeRows(buildRow, probeRow))
			} else {
				out = append(out, mergeRows(probeRow, buildRow))
			}
		}
	}
	return out, nil
}

// execNestedLoopJoin is the naive product-with-predicate fallback for
// non-equi join conditions, grounded on
// HashJoinOptimizer.processNestedLoopJoin.
func (e *Executor) execNestedLoopJoin(n *NestedLoopJoin) ([]Row, error) {
	left, err := e.Execute(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := e.Execute(n.Right)
	if err != nil {
		return nil, err
	}
	return e.nestedLoop(left, right, n.Condition)
}

func (e *Executor) nestedLoop(left, right []Row, cond Expr) ([]Row, error) {
	var out []Row
	for _, l := range left {
		for _, r := range right {
			merged := mergeRows(l, r)
			if cond == nil {
				out = append(out, merged)
				continue
			}
			ok, err := evalPredicate(cond, merged)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, merged)
			}
		}
	}
	return out, nil
}

// execSortMergeJoin sorts both sides on the join key and merges, falling
// back to a nested loop when the condition isn't a simple equi-join.
func (e *Executor) execSortMergeJoin(n *SortMergeJoin) ([]Row, error) {
	left, err := e.Execute(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := e.Execute(n.Right)
	if err != nil {
		return nil, err
	}
	leftCol, rightCol, ok := joinColumns(n.Condition)
	if !ok {
		return e.nestedLoop(left, right, n.Condition)
	}
	l := append([]Row(nil), left...)
	r := append([]Row(nil), right...)
	sortRowsByKey(l, leftCol)
	sortRowsByKey(r, rightCol)

	var out []Row
	i, j := 0, 0
	for i < len(l) && j < len(r) {
		cmp := compareValues(l[i][leftCol], r[j][rightCol])
		switch {
		case cmp < 0:
			i++
		case cmp > 0:
			j++
		default:
			// emit the full matching run on both sides for this key
			jEnd := j
			for jEnd < len(r) && compareValues(l[i][leftCol], r[jEnd][rightCol]) == 0 {
				jEnd++
			}
			for ; i < len(l) && compareValues(l[i][leftCol], r[j][rightCol]) == 0; i++ {
				for k := j; k < jEnd; k++ {
					out = append(out, mergeRows(l[i], r[k]))
				}
			}
			j = jEnd
		}
	}
	return out, nil
}

func joinColumns(cond Expr) (leftCol, rightCol string, ok bool) {
	b, isBin := cond.(*BinaryExpr)
	if !isBin {
		return "", "", false
	}
	l, r, eq := b.IsEquiJoin()
	if !eq {
		return "", "", false
	}
	return l.Column, r.Column, true
}

// mergeRows combines two rows into one, right's keys winning on
// collision, exactly tinySQL optimizations.go's mergeRows contract.
func mergeRows(left, right Row) Row {
	out := make(Row, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, v := range right {
		out[k] = v
	}
	return out
}

func sortRowsByKey(rows []Row, col string) {
	sort.Slice(rows, func(i, j int) bool {
		return compareValues(rows[i][col], rows[j][col]) < 0
	})
}

func applyFilter(rows []Row, predicate Expr) ([]Row, error) {
	if predicate == nil {
		return rows, nil
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		ok, err := evalPredicate(predicate, r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func applySort(rows []Row, keys []SortKey) []Row {
	out := append([]Row(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			cmp := compareValues(out[i][k.Column], out[j][k.Column])
			if cmp == 0 {
				continue
			}
			if k.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return out
}

func applyLimit(rows []Row, count, offset int) []Row {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if count > 0 && count < len(rows) {
		rows = rows[:count]
	}
	return rows
}

func applyProject(rows []Row, columns []string) []Row {
	if len(columns) == 0 {
		return rows
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		projected := make(Row, len(columns))
		for _, c := range columns {
			projected[c] = r[c]
		}
		out[i] = projected
	}
	return out
}

func applyAggregate(rows []Row, groupBy []string, aggs []AggExpr) []Row {
	type bucket struct {
		key  string
		base Row
		sums map[string]float64
		cnts map[string]int64
		mins map[string]float64
		maxs map[string]float64
	}
	buckets := map[string]*bucket{}
	var order []string

	for _, r := range rows {
		key := groupKey(r, groupBy)
		b, ok := buckets[key]
		if !ok {
			base := make(Row, len(groupBy))
			for _, g := range groupBy {
				base[g] = r[g]
			}
			b = &bucket{key: key, base: base, sums: map[string]float64{}, cnts: map[string]int64{}, mins: map[string]float64{}, maxs: map[string]float64{}}
			buckets[key] = b
			order = append(order, key)
		}
		for _, a := range aggs {
			name := aggOutputName(a)
			b.cnts[name]++
			if a.Column == "" {
				continue
			}
			v, ok := toFloat(r[a.Column])
			if !ok {
				continue
			}
			b.sums[name] += v
			if _, seen := b.mins[name]; !seen || v < b.mins[name] {
				b.mins[name] = v
			}
			if _, seen := b.maxs[name]; !seen || v > b.maxs[name] {
				b.maxs[name] = v
			}
		}
	}

	out := make([]Row, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		row := make(Row, len(b.base)+len(aggs))
		for k, v := range b.base {
			row[k] = v
		}
		for _, a := range aggs {
			name := aggOutputName(a)
			switch a.Func {
			case AggCount:
				row[name] = b.cnts[name]
			case AggSum:
				row[name] = b.sums[name]
			case AggAvg:
				if b.cnts[name] > 0 {
					row[name] = b.sums[name] / float64(b.cnts[name])
				} else {
					row[name] = 0.0
				}
			case AggMin:
				row[name] = b.mins[name]
			case AggMax:
				row[name] = b.maxs[name]
			}
		}
		out = append(out, row)
	}
	return out
}

func aggOutputName(a AggExpr) string {
	if a.Alias != "" {
		return a.Alias
	}
	return string(a.Func) + "(" + a.Column + ")"
}

func groupKey(r Row, groupBy []string) string {
	if len(groupBy) == 0 {
		return ""
	}
	key := ""
	for _, g := range groupBy {
		key += fmt.Sprintf("%v\x00", r[g])
	}
	return key
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
