package planner

import "fmt"

// Cost is the estimated resource consumption of a PlanNode, carried
// through the rule pipeline so rules can compare alternative rewrites
// (§4.6 "each carries an estimated Cost").
type Cost struct {
	IO      float64
	CPU     float64
	Memory  float64
	Network float64
	Rows    float64
	Size    float64
}

// Total combines the cost vector into the single scalar the planner
// compares rewrites by: io + 0.01*cpu + 2*network.
func (c Cost) Total() float64 {
	return c.IO + 0.01*c.CPU + 2*c.Network
}

func (c Cost) String() string {
	return fmt.Sprintf("cost=%.2f rows=%.0f (io=%.2f cpu=%.2f mem=%.2f net=%.2f)",
		c.Total(), c.Rows, c.IO, c.CPU, c.Memory, c.Network)
}

// NodeKind tags the concrete PlanNode variant, used by EXPLAIN and the
// executor's type switch.
type NodeKind string

const (
	KindTableScan      NodeKind = "TableScan"
	KindIndexScan      NodeKind = "IndexScan"
	KindHashJoin       NodeKind = "HashJoin"
	KindNestedLoopJoin NodeKind = "NestedLoopJoin"
	KindSortMergeJoin  NodeKind = "SortMergeJoin"
	KindSort           NodeKind = "Sort"
	KindAggregate      NodeKind = "Aggregate"
	KindFilter         NodeKind = "Filter"
	KindProject        NodeKind = "Project"
	KindLimit          NodeKind = "Limit"
	KindMaterialize    NodeKind = "Materialize"
)

// PlanNode is one node of the plan tree. Every variant below implements
// it; rules rewrite the tree by constructing new nodes, never mutating
// one in place, so a rule can always fall back to its input unchanged.
type PlanNode interface {
	Kind() NodeKind
	Cost() Cost
	Children() []PlanNode
	Tables() map[string]bool
}

// TableScan reads every row of a table's current (or AS OF) visible state.
type TableScan struct {
	Table  string
	Filter Expr // optional residual predicate, nil if none
	cost   Cost
}

func (n *TableScan) Kind() NodeKind        { return KindTableScan }
func (n *TableScan) Cost() Cost            { return n.cost }
func (n *TableScan) Children() []PlanNode  { return nil }
func (n *TableScan) Tables() map[string]bool {
	return map[string]bool{n.Table: true}
}

// IndexScan reads a table through a secondary index, per §4.4/§4.6 index
// selection; Column/Op/Value describe the indexed predicate it satisfies,
// Filter carries any remaining residual predicate the index can't.
type IndexScan struct {
	Table  string
	Column string
	Op     BinOp
	Value  any
	Filter Expr
	cost   Cost
}

func (n *IndexScan) Kind() NodeKind       { return KindIndexScan }
func (n *IndexScan) Cost() Cost           { return n.cost }
func (n *IndexScan) Children() []PlanNode { return nil }
func (n *IndexScan) Tables() map[string]bool {
	return map[string]bool{n.Table: true}
}

// joinBase factors the fields every join variant shares.
type joinBase struct {
	Left      PlanNode
	Right     PlanNode
	Condition Expr // nil for a cross join
	cost      Cost
}

func (j joinBase) Children() []PlanNode { return []PlanNode{j.Left, j.Right} }
func (j joinBase) Cost() Cost           { return j.cost }
func (j joinBase) Tables() map[string]bool {
	out := map[string]bool{}
	for t := range j.Left.Tables() {
		out[t] = true
	}
	for t := range j.Right.Tables() {
		out[t] = true
	}
	return out
}

type HashJoin struct{ joinBase }

func (n *HashJoin) Kind() NodeKind { return KindHashJoin }

type NestedLoopJoin struct{ joinBase }

func (n *NestedLoopJoin) Kind() NodeKind { return KindNestedLoopJoin }

type SortMergeJoin struct{ joinBase }

func (n *SortMergeJoin) Kind() NodeKind { return KindSortMergeJoin }

// SortKey is one ORDER BY term.
type SortKey struct {
	Column string
	Desc   bool
}

type Sort struct {
	Input PlanNode
	Keys  []SortKey
	cost  Cost
}

func (n *Sort) Kind() NodeKind          { return KindSort }
func (n *Sort) Cost() Cost              { return n.cost }
func (n *Sort) Children() []PlanNode    { return []PlanNode{n.Input} }
func (n *Sort) Tables() map[string]bool { return n.Input.Tables() }

// AggFunc enumerates the aggregate functions Aggregate supports.
type AggFunc string

const (
	AggCount AggFunc = "COUNT"
	AggSum   AggFunc = "SUM"
	AggAvg   AggFunc = "AVG"
	AggMin   AggFunc = "MIN"
	AggMax   AggFunc = "MAX"
)

type AggExpr struct {
	Func   AggFunc
	Column string // empty for COUNT(*)
	Alias  string
}

type Aggregate struct {
	Input    PlanNode
	GroupBy  []string
	Aggs     []AggExpr
	cost     Cost
}

func (n *Aggregate) Kind() NodeKind          { return KindAggregate }
func (n *Aggregate) Cost() Cost              { return n.cost }
func (n *Aggregate) Children() []PlanNode    { return []PlanNode{n.Input} }
func (n *Aggregate) Tables() map[string]bool { return n.Input.Tables() }

type Filter struct {
	Input     PlanNode
	Predicate Expr
	cost      Cost
}

func (n *Filter) Kind() NodeKind          { return KindFilter }
func (n *Filter) Cost() Cost              { return n.cost }
func (n *Filter) Children() []PlanNode    { return []PlanNode{n.Input} }
func (n *Filter) Tables() map[string]bool { return n.Input.Tables() }

type Project struct {
	Input   PlanNode
	Columns []string
	cost    Cost
}

func (n *Project) Kind() NodeKind          { return KindProject }
func (n *Project) Cost() Cost              { return n.cost }
func (n *Project) Children() []PlanNode    { return []PlanNode{n.Input} }
func (n *Project) Tables() map[string]bool { return n.Input.Tables() }

type Limit struct {
	Input  PlanNode
	Count  int
	Offset int
	cost   Cost
}

func (n *Limit) Kind() NodeKind          { return KindLimit }
func (n *Limit) Cost() Cost              { return n.cost }
func (n *Limit) Children() []PlanNode    { return []PlanNode{n.Input} }
func (n *Limit) Tables() map[string]bool { return n.Input.Tables() }

// Materialize forces the plan to realize its input into a concrete row
// slice instead of streaming, a hook for a future spill-to-disk pass;
// identity in today's executor (§4.6 "materialization ... identity in the
// base implementation; hooks preserved").
type Materialize struct {
	Input PlanNode
	cost  Cost
}

func (n *Materialize) Kind() NodeKind          { return KindMaterialize }
func (n *Materialize) Cost() Cost              { return n.cost }
func (n *Materialize) Children() []PlanNode    { return []PlanNode{n.Input} }
func (n *Materialize) Tables() map[string]bool { return n.Input.Tables() }
