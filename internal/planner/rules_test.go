package planner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	rows    map[string]int64
	pages   map[string]int64
	indexes map[string]map[string]struct {
		distinct int64
		unique   bool
	}
}

func (f *fakeStats) RowCount(table string) int64  { return f.rows[table] }
func (f *fakeStats) PageCount(table string) int64 { return f.pages[table] }
func (f *fakeStats) IndexInfo(table, column string) (int64, bool, bool) {
	cols, ok := f.indexes[table]
	if !ok {
		return 0, false, false
	}
	info, ok := cols[column]
	if !ok {
		return 0, false, false
	}
	return info.distinct, info.unique, true
}

func newFakeStats() *fakeStats {
	return &fakeStats{
		rows:    map[string]int64{},
		pages:   map[string]int64{},
		indexes: map[string]map[string]struct {
			distinct int64
			unique   bool
		}{},
	}
}

func (f *fakeStats) withTable(name string, rows, pages int64) *fakeStats {
	f.rows[name] = rows
	f.pages[name] = pages
	return f
}

func (f *fakeStats) withIndex(table, column string, distinct int64, unique bool) *fakeStats {
	if f.indexes[table] == nil {
		f.indexes[table] = map[string]struct {
			distinct int64
			unique   bool
		}{}
	}
	f.indexes[table][column] = struct {
		distinct int64
		unique   bool
	}{distinct, unique}
	return f
}

func TestCostTotalCombinesVector(t *testing.T) {
	c := Cost{IO: 10, CPU: 200, Network: 5}
	require.InDelta(t, 10+0.01*200+2*5, c.Total(), 0.0001)
}

func TestPushdownPredicatesPartitionsLeftRightCross(t *testing.T) {
	stats := newFakeStats().withTable("orders", 1000, 10).withTable("customers", 100, 2)
	naive := buildNaiveTree(Query{
		Tables: []string{"orders", "customers"},
		Where: &BinaryExpr{Op: OpAnd,
			Left: &BinaryExpr{Op: OpEq, Left: &ColumnRef{Table: "orders", Column: "status"}, Right: &Literal{Value: "open"}},
			Right: &BinaryExpr{Op: OpEq, Left: &ColumnRef{Table: "orders", Column: "customer_id"}, Right: &ColumnRef{Table: "customers", Column: "id"}},
		},
	}, stats)

	pushed := PushdownPredicates(naive)
	leaves, residual := collectLeaves(pushed)
	require.NotNil(t, leaves["orders"].(*TableScan).Filter, "single-table predicate must push down onto its scan")
	require.NotNil(t, residual, "cross-table predicate must remain as the stranded residual")
}

func TestReorderJoinsPicksCheaperOrderForThreeTables(t *testing.T) {
	stats := newFakeStats().
		withTable("a", 10, 1).
		withTable("b", 100000, 5000).
		withTable("c", 20, 1)
	leaves := map[string]PlanNode{
		"a": newTableScan("a", nil, stats),
		"b": newTableScan("b", nil, stats),
		"c": newTableScan("c", nil, stats),
	}
	edges := []JoinEdge{
		{Left: "a", Right: "b", LeftCol: "id", RightCol: "a_id"},
		{Left: "b", Right: "c", LeftCol: "c_id", RightCol: "id"},
	}
	plan := ReorderJoins(leaves, edges, stats)
	require.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, plan.Tables())
	require.Greater(t, plan.Cost().Total(), 0.0)
}

func TestReorderJoinsSingleTableReturnsLeafDirectly(t *testing.T) {
	stats := newFakeStats().withTable("a", 5, 1)
	leaves := map[string]PlanNode{"a": newTableScan("a", nil, stats)}
	plan := ReorderJoins(leaves, nil, stats)
	_, ok := plan.(*TableScan)
	require.True(t, ok)
}

func TestSelectIndexesRewritesEqualityScanWithGoodIndex(t *testing.T) {
	stats := newFakeStats().withTable("orders", 1_000_000, 50_000).withIndex("orders", "customer_id", 100_000, false)
	scan := newTableScan("orders", &BinaryExpr{Op: OpEq, Left: &ColumnRef{Column: "customer_id"}, Right: &Literal{Value: 42}}, stats)

	rewritten := SelectIndexes(scan, stats)
	idx, ok := rewritten.(*IndexScan)
	require.True(t, ok, "a highly selective equality predicate with a matching index should rewrite to IndexScan")
	require.Equal(t, "customer_id", idx.Column)
	require.Less(t, idx.Cost().Total(), scan.Cost().Total())
}

func TestSelectIndexesLeavesScanWhenNoIndex(t *testing.T) {
	stats := newFakeStats().withTable("orders", 1000, 10)
	scan := newTableScan("orders", &BinaryExpr{Op: OpEq, Left: &ColumnRef{Column: "status"}, Right: &Literal{Value: "open"}}, stats)
	rewritten := SelectIndexes(scan, stats)
	_, ok := rewritten.(*TableScan)
	require.True(t, ok)
}

func TestChooseJoinAlgorithmsPicksNestedLoopForSmallInputs(t *testing.T) {
	small := &TableScan{Table: "a", cost: Cost{Rows: 5, Size: 500}}
	small2 := &TableScan{Table: "b", cost: Cost{Rows: 10, Size: 1000}}
	joined := chooseAlgoFor(small, small2, nil)
	require.Equal(t, KindNestedLoopJoin, joined.Kind())
}

func TestChooseJoinAlgorithmsPicksHashJoinWhenFitsWorkMem(t *testing.T) {
	left := &TableScan{Table: "a", cost: Cost{Rows: 50000, Size: 1 << 20}}
	right := &TableScan{Table: "b", cost: Cost{Rows: 2000, Size: 1 << 20}}
	joined := chooseAlgoFor(left, right, nil)
	require.Equal(t, KindHashJoin, joined.Kind())
}

func TestChooseJoinAlgorithmsPicksSortMergeWhenNeitherFits(t *testing.T) {
	left := &TableScan{Table: "a", cost: Cost{Rows: 50000, Size: 1 << 40}}
	right := &TableScan{Table: "b", cost: Cost{Rows: 20000, Size: 1 << 40}}
	joined := chooseAlgoFor(left, right, nil)
	require.Equal(t, KindSortMergeJoin, joined.Kind())
}

func TestPlanEndToEndAttachesShapeAndMaterialize(t *testing.T) {
	stats := newFakeStats().withTable("orders", 100, 5)
	q := Query{
		Tables:  []string{"orders"},
		Project: []string{"id", "status"},
		Limit:   10,
	}
	plan := Plan(q, stats)
	mat, ok := plan.(*Materialize)
	require.True(t, ok, "Plan must preserve the identity materialize hook at the root")
	proj, ok := mat.Input.(*Project)
	require.True(t, ok)
	require.Equal(t, []string{"id", "status"}, proj.Columns)
}

func TestGosperNextEnumeratesAllMasksOfGivenPopcount(t *testing.T) {
	n := 5
	for k := 1; k <= n; k++ {
		count := 0
		for mask := gosperFirst(k); mask < (uint(1) << uint(n)); mask = gosperNext(mask) {
			count++
		}
		want := binomial(n, k)
		require.Equal(t, want, count, "popcount-%d mask count over n=%d bits", k, n)
	}
}

func binomial(n, k int) int {
	if k == 0 || k == n {
		return 1
	}
	return binomial(n-1, k-1) + binomial(n-1, k)
}
