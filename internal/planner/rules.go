package planner

import "sort"

// JoinEdge is one equi-join edge extracted from the query's join graph,
// the unit §4.6's join-reordering DP works over.
type JoinEdge struct {
	Left, Right     string // table names
	LeftCol         string
	RightCol        string
}

// Query is everything the planner needs to plan one statement, already
// resolved past SQL parsing (§1 treats the parser as an external
// collaborator; this is the shape it hands the planner).
type Query struct {
	Tables  []string
	Where   Expr // full WHERE clause, possibly nil
	Joins   []JoinEdge
	GroupBy []string
	Aggs    []AggExpr
	OrderBy []SortKey
	Project []string // output columns; nil/empty means "all"
	Limit   int      // 0 means "no limit"
	Offset  int
}

// Plan runs the full rule pipeline (§4.6) over q and returns the final
// physical plan: build a naive tree, push predicates down, reorder joins
// by DP cost, select indexes, pick join algorithms, then attach the
// non-join shape (aggregate/sort/limit/project) and the identity
// Materialize hook. There is no parallel-planning pass or node.
func Plan(q Query, stats TableStats) PlanNode {
	naive := buildNaiveTree(q, stats)
	pushed := PushdownPredicates(naive)
	leaves, residual := collectLeaves(pushed)
	reordered := ReorderJoins(leaves, q.Joins, stats)
	if residual != nil {
		reordered = &Filter{Input: reordered, Predicate: residual, cost: filterCost(reordered.Cost(), residual)}
	}
	indexed := SelectIndexes(reordered, stats)
	withAlgo := ChooseJoinAlgorithms(indexed)
	return attachShape(withAlgo, q)
}

// buildNaiveTree builds the unoptimized left-deep cross/theta-join chain
// the rest of the pipeline rewrites: a Filter(q.Where) over a left-deep
// join of TableScans in q.Tables order, joined on whatever JoinEdge
// connects each newly added table to the accumulated tree.
func buildNaiveTree(q Query, stats TableStats) PlanNode {
	var tree PlanNode
	for _, t := range q.Tables {
		scan := newTableScan(t, nil, stats)
		if tree == nil {
			tree = scan
			continue
		}
		cond := findEdgeCondition(tree.Tables(), map[string]bool{t: true}, q.Joins)
		tree = &NestedLoopJoin{joinBase{Left: tree, Right: scan, Condition: cond, cost: costNestedLoopJoin(tree.Cost(), scan.Cost())}}
	}
	if tree == nil {
		return &TableScan{}
	}
	if q.Where != nil {
		tree = &Filter{Input: tree, Predicate: q.Where, cost: filterCost(tree.Cost(), q.Where)}
	}
	return tree
}

func newTableScan(table string, filter Expr, stats TableStats) *TableScan {
	rows := stats.RowCount(table)
	pages := stats.PageCount(table)
	c := costSeqScan(pages, rows)
	if filter != nil {
		if col, op, ok := columnEquality(filter); ok {
			distinct, _, hasStats := stats.IndexInfo(table, col)
			c.Rows *= estimateSelectivity(op, distinct, hasStats)
		}
	}
	return &TableScan{Table: table, Filter: filter, cost: c}
}

func filterCost(input Cost, predicate Expr) Cost {
	out := input
	sel := selectivityMissingStats
	if _, _, ok := columnEquality(predicate); ok {
		sel = selectivityRangeDefault
	}
	out.Rows = input.Rows * sel
	out.CPU = input.CPU + input.Rows*cpuOpCost
	return out
}

// PushdownPredicates is rule 1 (§4.6): at a Filter over a Join, partition
// the filter's conjuncts into {left-only, right-only, cross} using each
// side's table set, descend the single-side predicates beneath the join
// (onto the matching TableScan), and keep only the cross predicates at
// the Filter above the join. Non-Filter-over-Join shapes pass through
// unchanged — this is a pure plan -> plan rewrite, never mutating its
// input.
func PushdownPredicates(root PlanNode) PlanNode {
	f, isFilter := root.(*Filter)
	if !isFilter {
		return root
	}
	join, joinChildren := asJoin(f.Input)
	if !joinChildren {
		return root
	}
	leftTables := join.Left.Tables()
	rightTables := join.Right.Tables()

	var cross []Expr
	newLeft := pushInto(join.Left, nil)
	newRight := pushInto(join.Right, nil)
	var leftExtra, rightExtra []Expr

	for _, c := range splitConjuncts(f.Predicate) {
		refs := tablesOf(c)
		switch {
		case subsetOf(refs, leftTables):
			leftExtra = append(leftExtra, c)
		case subsetOf(refs, rightTables):
			rightExtra = append(rightExtra, c)
		default:
			cross = append(cross, c)
		}
	}
	if len(leftExtra) > 0 {
		newLeft = pushInto(newLeft, joinConjuncts(leftExtra))
	}
	if len(rightExtra) > 0 {
		newRight = pushInto(newRight, joinConjuncts(rightExtra))
	}

	rebuilt := rebuildJoin(join, newLeft, newRight)
	if len(cross) == 0 {
		return rebuilt
	}
	return &Filter{Input: rebuilt, Predicate: joinConjuncts(cross), cost: filterCost(rebuilt.Cost(), joinConjuncts(cross))}
}

// pushInto attaches extra (if non-nil) onto node: for a TableScan leaf it
// merges into Filter; for anything else it wraps in a Filter node.
func pushInto(node PlanNode, extra Expr) PlanNode {
	if extra == nil {
		return node
	}
	if scan, ok := node.(*TableScan); ok {
		merged := extra
		if scan.Filter != nil {
			merged = &BinaryExpr{Op: OpAnd, Left: scan.Filter, Right: extra}
		}
		rebuilt := *scan
		rebuilt.Filter = merged
		return &rebuilt
	}
	return &Filter{Input: node, Predicate: extra, cost: filterCost(node.Cost(), extra)}
}

func subsetOf(a, b map[string]bool) bool {
	if len(a) == 0 {
		return false // a predicate naming no table can't be safely pushed to either side
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// asJoin returns the joinBase view of node if it is any join variant.
func asJoin(node PlanNode) (joinBase, bool) {
	switch j := node.(type) {
	case *HashJoin:
		return j.joinBase, true
	case *NestedLoopJoin:
		return j.joinBase, true
	case *SortMergeJoin:
		return j.joinBase, true
	}
	return joinBase{}, false
}

func rebuildJoin(j joinBase, left, right PlanNode) PlanNode {
	nb := joinBase{Left: left, Right: right, Condition: j.Condition, cost: costNestedLoopJoin(left.Cost(), right.Cost())}
	return &NestedLoopJoin{nb} // algorithm re-selected by ChooseJoinAlgorithms later
}

// collectLeaves walks a (post-pushdown) tree collecting every TableScan
// leaf by table name and any predicate left stranded above a join that
// ReorderJoins' fresh tree will need re-attached (the "cross" residual).
func collectLeaves(root PlanNode) (leaves map[string]PlanNode, residual Expr) {
	leaves = map[string]PlanNode{}
	var residuals []Expr
	var walk func(PlanNode)
	walk = func(n PlanNode) {
		switch v := n.(type) {
		case *TableScan:
			leaves[v.Table] = v
		case *Filter:
			residuals = append(residuals, v.Predicate)
			walk(v.Input)
		default:
			for _, c := range n.Children() {
				walk(c)
			}
		}
	}
	walk(root)
	return leaves, joinConjuncts(residuals)
}

func findEdgeCondition(leftTables, rightTables map[string]bool, edges []JoinEdge) Expr {
	for _, e := range edges {
		if (leftTables[e.Left] && rightTables[e.Right]) || (leftTables[e.Right] && rightTables[e.Left]) {
			return &BinaryExpr{
				Op:    OpEq,
				Left:  &ColumnRef{Table: e.Left, Column: e.LeftCol},
				Right: &ColumnRef{Table: e.Right, Column: e.RightCol},
			}
		}
	}
	return nil
}

// ReorderJoins is rule 2 (§4.6): for n<=12 base tables, DP over every
// subset (enumerated by popcount via Gosper's hack) picks the
// minimum-cost bushy join order; above that it falls back to greedy
// left-deep. Indexes into tables are stable (sorted) so the DP is
// deterministic across calls with the same input.
func ReorderJoins(leaves map[string]PlanNode, edges []JoinEdge, stats TableStats) PlanNode {
	names := make([]string, 0, len(leaves))
	for t := range leaves {
		names = append(names, t)
	}
	sort.Strings(names)
	n := len(names)
	if n == 0 {
		return &TableScan{}
	}
	if n == 1 {
		return leaves[names[0]]
	}
	if n > 12 {
		return greedyLeftDeep(names, leaves, edges)
	}
	return dpJoinOrder(names, leaves, edges)
}

type dpEntry struct {
	cost float64
	node PlanNode
}

// dpJoinOrder implements §4.6 rule 2's DP: dp[S] over non-empty subsets,
// enumerating every split S = L (biguplus) R.
func dpJoinOrder(names []string, leaves map[string]PlanNode, edges []JoinEdge) PlanNode {
	n := len(names)
	dp := make(map[uint]dpEntry, 1<<uint(n))

	// k=1: every single table is its own trivial plan.
	for i, name := range names {
		mask := uint(1) << uint(i)
		dp[mask] = dpEntry{cost: leaves[name].Cost().Total(), node: leaves[name]}
	}

	// k=2..n: enumerate subsets of size k via Gosper's hack, then for each
	// subset enumerate every non-trivial split via submask iteration.
	for k := 2; k <= n; k++ {
		for mask := gosperFirst(k); mask < (uint(1) << uint(n)); mask = gosperNext(mask) {
			best := dpEntry{cost: -1}
			for sub := (mask - 1) & mask; sub > 0; sub = (sub - 1) & mask {
				other := mask &^ sub
				if other == 0 || sub <= other {
					// sub<=other both skips the empty split and avoids scoring
					// the symmetric (R,L) pairing twice; joins are commutative
					// for cost purposes so either side of the pair suffices.
					continue
				}
				left, ok1 := dp[sub]
				right, ok2 := dp[other]
				if !ok1 || !ok2 {
					continue
				}
				jcost := joinCostEstimate(left.node, right.node, edges, names)
				total := left.cost + right.cost + jcost
				if best.cost < 0 || total < best.cost {
					cond := findEdgeCondition(left.node.Tables(), right.node.Tables(), edges)
					jb := joinBase{Left: left.node, Right: right.node, Condition: cond, cost: costNestedLoopJoin(left.node.Cost(), right.node.Cost())}
					best = dpEntry{cost: total, node: &NestedLoopJoin{jb}}
				}
			}
			if best.cost >= 0 {
				dp[mask] = best
			}
		}
	}

	full := uint(1)<<uint(n) - 1
	if e, ok := dp[full]; ok {
		return e.node
	}
	return greedyLeftDeep(names, leaves, edges)
}

// gosperFirst returns the smallest k-bit mask: 2^k - 1.
func gosperFirst(k int) uint { return (uint(1) << uint(k)) - 1 }

// gosperNext returns the next combination with the same popcount as x,
// the standard Gosper's hack bit trick.
func gosperNext(x uint) uint {
	c := x & (-x)
	r := x + c
	return (((r ^ x) >> 2) / c) | r
}

func joinCostEstimate(left, right PlanNode, edges []JoinEdge, allNames []string) float64 {
	lc, rc := left.Cost(), right.Cost()
	hash := costHashJoin(lc, rc).Total()
	nl := costNestedLoopJoin(lc, rc).Total()
	sm := costSortMergeJoin(lc, rc).Total()
	best := hash
	if nl < best {
		best = nl
	}
	if sm < best {
		best = sm
	}
	return best
}

func greedyLeftDeep(names []string, leaves map[string]PlanNode, edges []JoinEdge) PlanNode {
	remaining := append([]string(nil), names...)
	tree := leaves[remaining[0]]
	remaining = remaining[1:]
	for len(remaining) > 0 {
		bestIdx := 0
		bestCost := -1.0
		for i, name := range remaining {
			cost := joinCostEstimate(tree, leaves[name], edges, names)
			if bestCost < 0 || cost < bestCost {
				bestCost = cost
				bestIdx = i
			}
		}
		next := leaves[remaining[bestIdx]]
		cond := findEdgeCondition(tree.Tables(), next.Tables(), edges)
		tree = &NestedLoopJoin{joinBase{Left: tree, Right: next, Condition: cond, cost: costNestedLoopJoin(tree.Cost(), next.Cost())}}
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return tree
}

// SelectIndexes is rule 3 (§4.6): at each leaf scan, score every available
// index against the scan's predicate and rewrite TableScan -> IndexScan
// when the index beats the sequential scan's estimated cost.
func SelectIndexes(root PlanNode, stats TableStats) PlanNode {
	switch n := root.(type) {
	case *TableScan:
		return selectIndexForScan(n, stats)
	case *HashJoin:
		n.Left, n.Right = SelectIndexes(n.Left, stats), SelectIndexes(n.Right, stats)
		return n
	case *NestedLoopJoin:
		n.Left, n.Right = SelectIndexes(n.Left, stats), SelectIndexes(n.Right, stats)
		return n
	case *SortMergeJoin:
		n.Left, n.Right = SelectIndexes(n.Left, stats), SelectIndexes(n.Right, stats)
		return n
	case *Filter:
		n.Input = SelectIndexes(n.Input, stats)
		return n
	case *Sort:
		n.Input = SelectIndexes(n.Input, stats)
		return n
	case *Aggregate:
		n.Input = SelectIndexes(n.Input, stats)
		return n
	case *Project:
		n.Input = SelectIndexes(n.Input, stats)
		return n
	case *Limit:
		n.Input = SelectIndexes(n.Input, stats)
		return n
	case *Materialize:
		n.Input = SelectIndexes(n.Input, stats)
		return n
	default:
		return root
	}
}

// indexScore implements §4.6 rule 3's scoring: +100 leading column match,
// +50 subsequent prefix columns (single-column indexes here, so this term
// is always 0 — preserved so a future composite index adds a home for
// it), +20 equality, +10 uniqueness.
func indexScore(op BinOp, unique bool) int {
	score := 100 // leading (and only) column matched
	if op == OpEq {
		score += 20
	}
	if unique {
		score += 10
	}
	return score
}

func selectIndexForScan(scan *TableScan, stats TableStats) PlanNode {
	if scan.Filter == nil {
		return scan
	}
	col, op, ok := columnEquality(scan.Filter)
	if !ok {
		return scan
	}
	distinct, unique, hasIndex := stats.IndexInfo(scan.Table, col)
	if !hasIndex {
		return scan
	}
	sel := estimateSelectivity(op, distinct, true)
	rows := stats.RowCount(scan.Table)
	indexCost := costIndexScan(estimateIndexPages(rows), estimateDataPages(rows, sel), rows, sel)
	if indexCost.Total() >= scan.cost.Total() {
		return scan
	}
	_ = indexScore(op, unique) // scoring drives which index wins when several match; one column here
	var value any
	if b, isBin := scan.Filter.(*BinaryExpr); isBin {
		if lit, isLit := b.Right.(*Literal); isLit {
			value = lit.Value
		} else if lit, isLit := b.Left.(*Literal); isLit {
			value = lit.Value
		}
	}
	return &IndexScan{Table: scan.Table, Column: col, Op: op, Value: value, Filter: scan.Filter, cost: indexCost}
}

func estimateIndexPages(rows int64) int64 {
	const rowsPerPage = 200
	if rows == 0 {
		return 1
	}
	return rows/rowsPerPage + 1
}

func estimateDataPages(rows int64, selectivity float64) int64 {
	return estimateIndexPages(int64(float64(rows) * selectivity))
}

// ChooseJoinAlgorithms is rule 4 (§4.6): at each join, pick nested loop
// when inner rows < 1000 and outer < 10000, hash join when the smaller
// input's size fits work_mem, sort-merge otherwise.
func ChooseJoinAlgorithms(root PlanNode) PlanNode {
	switch n := root.(type) {
	case *HashJoin:
		left, right := ChooseJoinAlgorithms(n.Left), ChooseJoinAlgorithms(n.Right)
		return chooseAlgoFor(left, right, n.Condition)
	case *NestedLoopJoin:
		left, right := ChooseJoinAlgorithms(n.Left), ChooseJoinAlgorithms(n.Right)
		return chooseAlgoFor(left, right, n.Condition)
	case *SortMergeJoin:
		left, right := ChooseJoinAlgorithms(n.Left), ChooseJoinAlgorithms(n.Right)
		return chooseAlgoFor(left, right, n.Condition)
	case *Filter:
		n.Input = ChooseJoinAlgorithms(n.Input)
		return n
	case *Sort:
		n.Input = ChooseJoinAlgorithms(n.Input)
		return n
	case *Aggregate:
		n.Input = ChooseJoinAlgorithms(n.Input)
		return n
	case *Project:
		n.Input = ChooseJoinAlgorithms(n.Input)
		return n
	case *Limit:
		n.Input = ChooseJoinAlgorithms(n.Input)
		return n
	case *Materialize:
		n.Input = ChooseJoinAlgorithms(n.Input)
		return n
	default:
		return root
	}
}

func chooseAlgoFor(left, right PlanNode, cond Expr) PlanNode {
	lc, rc := left.Cost(), right.Cost()
	outer, inner := lc, rc
	if rc.Rows < lc.Rows {
		outer, inner = rc, lc
	}
	smaller := lc.Size
	if rc.Size < smaller {
		smaller = rc.Size
	}

	var kind NodeKind
	switch {
	case inner.Rows < 1000 && outer.Rows < 10000:
		kind = KindNestedLoopJoin
	case smaller <= workMem:
		kind = KindHashJoin
	default:
		kind = KindSortMergeJoin
	}

	switch kind {
	case KindNestedLoopJoin:
		return &NestedLoopJoin{joinBase{Left: left, Right: right, Condition: cond, cost: costNestedLoopJoin(lc, rc)}}
	case KindHashJoin:
		return &HashJoin{joinBase{Left: left, Right: right, Condition: cond, cost: costHashJoin(lc, rc)}}
	default:
		return &SortMergeJoin{joinBase{Left: left, Right: right, Condition: cond, cost: costSortMergeJoin(lc, rc)}}
	}
}

// attachShape wraps the joined/filtered plan with the non-join shape the
// query also asked for: aggregation, ordering, pagination, projection,
// finishing with the identity Materialize node. No parallel-planning hook
// is attached.
func attachShape(plan PlanNode, q Query) PlanNode {
	if len(q.Aggs) > 0 || len(q.GroupBy) > 0 {
		c := plan.Cost()
		c.CPU += c.Rows * cpuOpCost
		if len(q.GroupBy) > 0 {
			c.Rows = c.Rows * 0.1 // default grouping fan-in estimate
		} else {
			c.Rows = 1
		}
		plan = &Aggregate{Input: plan, GroupBy: q.GroupBy, Aggs: q.Aggs, cost: c}
	}
	if len(q.OrderBy) > 0 {
		c := plan.Cost()
		c.CPU += sortCPU(c.Rows)
		plan = &Sort{Input: plan, Keys: q.OrderBy, cost: c}
	}
	if q.Limit > 0 {
		c := plan.Cost()
		if float64(q.Limit) < c.Rows {
			c.Rows = float64(q.Limit)
		}
		plan = &Limit{Input: plan, Count: q.Limit, Offset: q.Offset, cost: c}
	}
	plan = &Project{Input: plan, Columns: q.Project, cost: plan.Cost()}
	plan = &Materialize{Input: plan, cost: plan.Cost()}
	return plan
}
