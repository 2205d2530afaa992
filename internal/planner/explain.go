package planner

import (
	"fmt"
	"strings"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// Explain pretty-prints a plan tree with depth-indented indentation,
// showing each node's operation, table/index identifiers, and cost tuple
// (§4.6 EXPLAIN). verbose additionally prints join conditions and sort
// keys.
func Explain(root PlanNode, verbose bool) string {
	var b strings.Builder
	explainNode(&b, root, 0, verbose)
	return b.String()
}

func explainNode(b *strings.Builder, n PlanNode, depth int, verbose bool) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s%s", indent, describeNode(n, verbose))
	fmt.Fprintf(b, "  %s\n", n.Cost())
	for _, c := range n.Children() {
		explainNode(b, c, depth+1, verbose)
	}
}

func describeNode(n PlanNode, verbose bool) string {
	switch v := n.(type) {
	case *TableScan:
		s := fmt.Sprintf("TableScan(%s)", v.Table)
		if verbose && v.Filter != nil {
			s += " filter=" + v.Filter.String()
		}
		return s
	case *IndexScan:
		s := fmt.Sprintf("IndexScan(%s on %s.%s %s)", v.Table, v.Table, v.Column, v.Op)
		if verbose && v.Filter != nil {
			s += " filter=" + v.Filter.String()
		}
		return s
	case *HashJoin:
		return "HashJoin" + condSuffix(v.Condition, verbose)
	case *NestedLoopJoin:
		return "NestedLoopJoin" + condSuffix(v.Condition, verbose)
	case *SortMergeJoin:
		return "SortMergeJoin" + condSuffix(v.Condition, verbose)
	case *Sort:
		s := "Sort"
		if verbose {
			var keys []string
			for _, k := range v.Keys {
				dir := "ASC"
				if k.Desc {
					dir = "DESC"
				}
				keys = append(keys, k.Column+" "+dir)
			}
			s += " by=" + strings.Join(keys, ", ")
		}
		return s
	case *Aggregate:
		return fmt.Sprintf("Aggregate(group_by=%v, aggs=%d)", v.GroupBy, len(v.Aggs))
	case *Filter:
		s := "Filter"
		if verbose {
			s += " " + v.Predicate.String()
		}
		return s
	case *Project:
		return fmt.Sprintf("Project(%v)", v.Columns)
	case *Limit:
		return fmt.Sprintf("Limit(count=%d, offset=%d)", v.Count, v.Offset)
	case *Materialize:
		return "Materialize"
	default:
		return string(n.Kind())
	}
}

func condSuffix(cond Expr, verbose bool) string {
	if !verbose || cond == nil {
		return ""
	}
	return " on=" + cond.String()
}

// NodeStats is one PlanNode's EXPLAIN ANALYZE measurement: actual wall
// time (with p50/p99 from its histogram, per §4.6A), actual row count,
// and the actual/estimated accuracy ratio the spec calls for.
type NodeStats struct {
	Node        PlanNode
	WallTime    time.Duration
	P50         time.Duration
	P99         time.Duration
	ActualRows  int64
	Estimated   float64
	Accuracy    float64 // actual/estimated, 0 if estimated is 0
}

// histMinValue/histMaxValue/histSigFigs match dreamsxin-wal's bench
// harness histogram construction idiom: microsecond-to-ten-second range,
// 3 significant decimal digits.
const (
	histMinValue = 1           // 1 microsecond
	histMaxValue = 10_000_000  // 10 seconds, in microseconds
	histSigFigs  = 3
)

// ExplainAnalyze runs the executor over root, recording each node's
// wall-clock latency into a per-node hdrhistogram.Histogram, and returns
// both the output rows and one NodeStats per node in the tree (pre-order).
func ExplainAnalyze(ds DataSource, root PlanNode) ([]Row, []NodeStats, error) {
	exec := &Executor{DataSource: ds, histograms: map[PlanNode]*hdrhistogram.Histogram{}}
	rows, err := exec.Execute(root)
	if err != nil {
		return nil, nil, err
	}
	var stats []NodeStats
	var walk func(PlanNode)
	walk = func(n PlanNode) {
		h := exec.histograms[n]
		s := NodeStats{Node: n, Estimated: n.Cost().Rows}
		if h != nil {
			s.WallTime = time.Duration(h.Mean()) * time.Microsecond
			s.P50 = time.Duration(h.ValueAtQuantile(50)) * time.Microsecond
			s.P99 = time.Duration(h.ValueAtQuantile(99)) * time.Microsecond
			s.ActualRows = h.TotalCount()
		}
		if s.Estimated > 0 {
			s.Accuracy = float64(s.ActualRows) / s.Estimated
		}
		stats = append(stats, s)
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(root)
	return rows, stats, nil
}

// ExplainAnalyzeString renders ExplainAnalyze's output in the same
// indented shape as Explain, with actual/estimated appended per node.
func ExplainAnalyzeString(ds DataSource, root PlanNode, verbose bool) (string, error) {
	_, stats, err := ExplainAnalyze(ds, root)
	if err != nil {
		return "", err
	}
	byNode := map[PlanNode]NodeStats{}
	for _, s := range stats {
		byNode[s.Node] = s
	}
	var b strings.Builder
	var walk func(n PlanNode, depth int)
	walk = func(n PlanNode, depth int) {
		indent := strings.Repeat("  ", depth)
		s := byNode[n]
		fmt.Fprintf(&b, "%s%s  %s  actual_rows=%d actual_time=%s accuracy=%.2f\n",
			indent, describeNode(n, verbose), n.Cost(), s.ActualRows, s.WallTime, s.Accuracy)
		for _, c := range n.Children() {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	return b.String(), nil
}
