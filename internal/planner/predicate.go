package planner

import (
	"fmt"

	"github.com/driftdb/driftdb/internal/driftdberr"
)

// evalPredicate evaluates a boolean Expr against a single row.
func evalPredicate(e Expr, row Row) (bool, error) {
	v, err := evalScalar(e, row)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, driftdberr.New(driftdberr.KindInternal, fmt.Sprintf("planner: expression %s did not evaluate to bool", e))
	}
	return b, nil
}

func evalScalar(e Expr, row Row) (any, error) {
	switch v := e.(type) {
	case *Literal:
		return v.Value, nil
	case *ColumnRef:
		if val, ok := row[v.Column]; ok {
			return val, nil
		}
		if v.Table != "" {
			if val, ok := row[v.Table+"."+v.Column]; ok {
				return val, nil
			}
		}
		return nil, nil
	case *BinaryExpr:
		return evalBinary(v, row)
	default:
		return nil, driftdberr.New(driftdberr.KindInternal, fmt.Sprintf("planner: unhandled expression %T", e))
	}
}

func evalBinary(b *BinaryExpr, row Row) (any, error) {
	switch b.Op {
	case OpAnd:
		l, err := evalPredicate(b.Left, row)
		if err != nil {
			return nil, err
		}
		if !l {
			return false, nil
		}
		return evalPredicate(b.Right, row)
	case OpOr:
		l, err := evalPredicate(b.Left, row)
		if err != nil {
			return nil, err
		}
		if l {
			return true, nil
		}
		return evalPredicate(b.Right, row)
	}

	lv, err := evalScalar(b.Left, row)
	if err != nil {
		return nil, err
	}
	rv, err := evalScalar(b.Right, row)
	if err != nil {
		return nil, err
	}
	cmp := compareValues(lv, rv)
	switch b.Op {
	case OpEq:
		return cmp == 0, nil
	case OpNeq:
		return cmp != 0, nil
	case OpLt:
		return cmp < 0, nil
	case OpLte:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGte:
		return cmp >= 0, nil
	case OpLike:
		return evalLike(lv, rv), nil
	default:
		return nil, driftdberr.New(driftdberr.KindInternal, fmt.Sprintf("planner: unsupported operator %s", b.Op))
	}
}

// compareValues orders two row values: numerically if both sides coerce
// to float64, lexically by their %v text otherwise. nil compares equal to
// nil and less than everything else, so ORDER BY and range
// predicates degrade gracefully instead of panicking on mixed types.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func evalLike(value, pattern any) bool {
	vs, vok := value.(string)
	ps, pok := pattern.(string)
	if !vok || !pok {
		return false
	}
	return likeMatch(vs, ps)
}

// likeMatch implements SQL LIKE's two wildcards (% and _) via simple
// recursive backtracking, sufficient for the single-column predicates
// the planner's index-selection and filter evaluation need.
func likeMatch(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatch(s[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatch(s[1:], pattern[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return likeMatch(s[1:], pattern[1:])
	}
}
