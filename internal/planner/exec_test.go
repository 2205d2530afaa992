package planner

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDataSource struct {
	tables map[string][]Row
}

func (f *fakeDataSource) Scan(table string) ([]Row, error) {
	return f.tables[table], nil
}

func (f *fakeDataSource) IndexLookup(table, column string, value any) ([]Row, error) {
	var out []Row
	for _, r := range f.tables[table] {
		if compareValues(r[column], value) == 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestExecutorFilterAndProject(t *testing.T) {
	ds := &fakeDataSource{tables: map[string][]Row{
		"orders": {
			{"id": 1, "status": "open"},
			{"id": 2, "status": "closed"},
			{"id": 3, "status": "open"},
		},
	}}
	plan := &Project{
		Columns: []string{"id"},
		Input: &Filter{
			Predicate: &BinaryExpr{Op: OpEq, Left: &ColumnRef{Column: "status"}, Right: &Literal{Value: "open"}},
			Input:     &TableScan{Table: "orders"},
		},
	}
	exec := NewExecutor(ds)
	rows, err := exec.Execute(plan)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 1, rows[0]["id"])
	require.Equal(t, 3, rows[1]["id"])
}

func TestExecutorHashJoinMatchesOnEquiCondition(t *testing.T) {
	ds := &fakeDataSource{tables: map[string][]Row{
		"orders":    {{"id": 1, "customer_id": 10}, {"id": 2, "customer_id": 20}},
		"customers": {{"id": 10, "name": "alice"}, {"id": 20, "name": "bob"}},
	}}
	join := &HashJoin{joinBase{
		Left:      &TableScan{Table: "orders"},
		Right:     &TableScan{Table: "customers"},
		Condition: &BinaryExpr{Op: OpEq, Left: &ColumnRef{Table: "orders", Column: "customer_id"}, Right: &ColumnRef{Table: "customers", Column: "id"}},
	}}
	exec := NewExecutor(ds)
	rows, err := exec.Execute(join)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	names := []string{rows[0]["name"].(string), rows[1]["name"].(string)}
	sort.Strings(names)
	require.Equal(t, []string{"alice", "bob"}, names)
}

func TestExecutorNestedLoopJoinOnNonEquiCondition(t *testing.T) {
	ds := &fakeDataSource{tables: map[string][]Row{
		"a": {{"id": 1, "v": 5}, {"id": 2, "v": 15}},
		"b": {{"id": 10, "threshold": 10}},
	}}
	join := &NestedLoopJoin{joinBase{
		Left:      &TableScan{Table: "a"},
		Right:     &TableScan{Table: "b"},
		Condition: &BinaryExpr{Op: OpGt, Left: &ColumnRef{Column: "v"}, Right: &ColumnRef{Column: "threshold"}},
	}}
	exec := NewExecutor(ds)
	rows, err := exec.Execute(join)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// "id" exists on both sides and the right side's value wins in the
	// merged row, so the matched row of a is identified by its v.
	require.Equal(t, 15, rows[0]["v"])
}

func TestExecutorSortMergeJoin(t *testing.T) {
	ds := &fakeDataSource{tables: map[string][]Row{
		"a": {{"k": 2}, {"k": 1}, {"k": 3}},
		"b": {{"k": 1, "tag": "x"}, {"k": 3, "tag": "y"}},
	}}
	join := &SortMergeJoin{joinBase{
		Left:      &TableScan{Table: "a"},
		Right:     &TableScan{Table: "b"},
		Condition: &BinaryExpr{Op: OpEq, Left: &ColumnRef{Column: "k"}, Right: &ColumnRef{Column: "k"}},
	}}
	exec := NewExecutor(ds)
	rows, err := exec.Execute(join)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestExecutorAggregateGroupBy(t *testing.T) {
	ds := &fakeDataSource{tables: map[string][]Row{
		"sales": {
			{"region": "east", "amount": 10.0},
			{"region": "east", "amount": 5.0},
			{"region": "west", "amount": 7.0},
		},
	}}
	plan := &Aggregate{
		Input:   &TableScan{Table: "sales"},
		GroupBy: []string{"region"},
		Aggs:    []AggExpr{{Func: AggSum, Column: "amount", Alias: "total"}},
	}
	exec := NewExecutor(ds)
	rows, err := exec.Execute(plan)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	totals := map[string]float64{}
	for _, r := range rows {
		totals[r["region"].(string)] = r["total"].(float64)
	}
	require.InDelta(t, 15.0, totals["east"], 0.001)
	require.InDelta(t, 7.0, totals["west"], 0.001)
}

func TestExecutorLimitAndSort(t *testing.T) {
	ds := &fakeDataSource{tables: map[string][]Row{
		"t": {{"v": 3}, {"v": 1}, {"v": 2}},
	}}
	plan := &Limit{
		Count: 2,
		Input: &Sort{
			Keys:  []SortKey{{Column: "v"}},
			Input: &TableScan{Table: "t"},
		},
	}
	exec := NewExecutor(ds)
	rows, err := exec.Execute(plan)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 1, rows[0]["v"])
	require.Equal(t, 2, rows[1]["v"])
}

func TestExplainProducesIndentedTree(t *testing.T) {
	plan := &Filter{
		Predicate: &BinaryExpr{Op: OpEq, Left: &ColumnRef{Column: "status"}, Right: &Literal{Value: "open"}},
		Input:     &TableScan{Table: "orders"},
	}
	out := Explain(plan, true)
	require.Contains(t, out, "Filter")
	require.Contains(t, out, "TableScan(orders)")
}

func TestExplainAnalyzeRecordsActualRowsAndLatency(t *testing.T) {
	ds := &fakeDataSource{tables: map[string][]Row{
		"orders": {{"id": 1}, {"id": 2}},
	}}
	plan := &TableScan{Table: "orders", cost: Cost{Rows: 2}}
	rows, stats, err := ExplainAnalyze(ds, plan)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Len(t, stats, 1)
	require.EqualValues(t, 2, stats[0].ActualRows)
	require.InDelta(t, 1.0, stats[0].Accuracy, 0.0001)
}

func TestLikeMatchWildcards(t *testing.T) {
	require.True(t, likeMatch("hello", "h%"))
	require.True(t, likeMatch("hello", "h_llo"))
	require.False(t, likeMatch("hello", "world"))
	require.True(t, likeMatch("", "%"))
}
