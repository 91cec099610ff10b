// Package condition implements the small predicate algebra the execution
// engine uses to evaluate a step's `when` guard: literals, fact
// references, comparisons, boolean connectives, and `in`.
//
// spec.md §9 flags the teacher's equivalent as a macro-captured comparison
// AST; this package is the redesign the spec calls for — an explicit sum
// type the (out-of-scope) DSL collaborator builds and this package
// interprets, with no macro expansion in the core.
package condition

import "fmt"

// Op is a comparison or boolean operator.
type Op string

const (
	OpEq  Op = "=="
	OpNeq Op = "!="
	OpLt  Op = "<"
	OpGt  Op = ">"
	OpLte Op = "<="
	OpGte Op = ">="
	OpAnd Op = "and"
	OpOr  Op = "or"
	OpNot Op = "not"
	OpIn  Op = "in"
)

// Expr is the predicate AST. Exactly one of the fields below is
// meaningful, selected by Kind.
type Expr struct {
	Kind ExprKind

	// Literal holds a literal value (ExprLiteral).
	Literal any

	// Fact holds a fact-reference name (ExprFact); looked up in the
	// Context passed to Eval.
	Fact string

	// Op, Left, Right are used by ExprBinary (comparisons, and, or) and
	// ExprIn (Op is ignored, Left is the needle, Right is the haystack
	// list literal or fact).
	Op    Op
	Left  *Expr
	Right *Expr

	// Operand is used by ExprNot.
	Operand *Expr
}

// ExprKind discriminates an Expr.
type ExprKind int

const (
	ExprLiteral ExprKind = iota
	ExprFact
	ExprBinary
	ExprNot
	ExprIn
)

// Literal builds a literal-value expression.
func Literal(v any) *Expr { return &Expr{Kind: ExprLiteral, Literal: v} }

// FactRef builds a fact-lookup expression.
func FactRef(name string) *Expr { return &Expr{Kind: ExprFact, Fact: name} }

// Eq, Neq, Lt, Gt, Lte, Gte build comparison expressions.
func Eq(l, r *Expr) *Expr  { return &Expr{Kind: ExprBinary, Op: OpEq, Left: l, Right: r} }
func Neq(l, r *Expr) *Expr { return &Expr{Kind: ExprBinary, Op: OpNeq, Left: l, Right: r} }
func Lt(l, r *Expr) *Expr  { return &Expr{Kind: ExprBinary, Op: OpLt, Left: l, Right: r} }
func Gt(l, r *Expr) *Expr  { return &Expr{Kind: ExprBinary, Op: OpGt, Left: l, Right: r} }
func Lte(l, r *Expr) *Expr { return &Expr{Kind: ExprBinary, Op: OpLte, Left: l, Right: r} }
func Gte(l, r *Expr) *Expr { return &Expr{Kind: ExprBinary, Op: OpGte, Left: l, Right: r} }

// And, Or build boolean connectives.
func And(l, r *Expr) *Expr { return &Expr{Kind: ExprBinary, Op: OpAnd, Left: l, Right: r} }
func Or(l, r *Expr) *Expr  { return &Expr{Kind: ExprBinary, Op: OpOr, Left: l, Right: r} }

// Not negates operand.
func Not(operand *Expr) *Expr { return &Expr{Kind: ExprNot, Operand: operand} }

// In builds a membership test: needle in haystack.
func In(needle, haystack *Expr) *Expr { return &Expr{Kind: ExprIn, Left: needle, Right: haystack} }

// missing is the sentinel yielded by a fact reference that isn't present
// in the Context. It compares unequal to every literal and is false in
// every relational operator.
type missing struct{}

// Context supplies fact values to Eval. A missing key must return
// (nil, false), which Eval turns into the `missing` sentinel.
type Context interface {
	Fact(name string) (any, bool)
}

// MapContext is the common-case Context backed by a plain map.
type MapContext map[string]any

func (m MapContext) Fact(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Eval interprets expr against ctx, returning its truthiness. A non-boolean
// result is coerced per spec.md §4.8: false and nil are false, everything
// else is true. Eval never returns an error for a well-formed Expr tree —
// malformed trees (nil nodes, unknown Op) panic, since they indicate a bug
// in the (out-of-scope) DSL builder, not a runtime condition.
func Eval(ctx Context, expr *Expr) bool {
	return truthy(evalValue(ctx, expr))
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case missing:
		return false
	case bool:
		return t
	default:
		return true
	}
}

func evalValue(ctx Context, expr *Expr) any {
	if expr == nil {
		panic("condition: nil expression")
	}
	switch expr.Kind {
	case ExprLiteral:
		return expr.Literal
	case ExprFact:
		if v, ok := ctx.Fact(expr.Fact); ok {
			return v
		}
		return missing{}
	case ExprNot:
		return !truthy(evalValue(ctx, expr.Operand))
	case ExprBinary:
		return evalBinary(ctx, expr)
	case ExprIn:
		return evalIn(ctx, expr)
	default:
		panic(fmt.Sprintf("condition: unknown expr kind %v", expr.Kind))
	}
}

func evalBinary(ctx Context, expr *Expr) any {
	switch expr.Op {
	case OpAnd:
		return truthy(evalValue(ctx, expr.Left)) && truthy(evalValue(ctx, expr.Right))
	case OpOr:
		return truthy(evalValue(ctx, expr.Left)) || truthy(evalValue(ctx, expr.Right))
	}

	l := evalValue(ctx, expr.Left)
	r := evalValue(ctx, expr.Right)
	switch expr.Op {
	case OpEq:
		return compareEq(l, r)
	case OpNeq:
		return !compareEq(l, r)
	case OpLt, OpGt, OpLte, OpGte:
		return compareOrdered(expr.Op, l, r)
	default:
		panic(fmt.Sprintf("condition: unknown binary op %v", expr.Op))
	}
}

func evalIn(ctx Context, expr *Expr) any {
	needle := evalValue(ctx, expr.Left)
	if _, ok := needle.(missing); ok {
		return false
	}
	haystack := evalValue(ctx, expr.Right)
	list, ok := toSlice(haystack)
	if !ok {
		return false
	}
	for _, item := range list {
		if compareEq(needle, item) {
			return true
		}
	}
	return false
}

func toSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// compareEq implements == for literals, coercing numeric types so 1 ==
// 1.0 holds; missing never equals anything.
func compareEq(l, r any) bool {
	if isMissing(l) || isMissing(r) {
		return false
	}
	if lf, lok := asFloat(l); lok {
		if rf, rok := asFloat(r); rok {
			return lf == rf
		}
	}
	return l == r
}

func isMissing(v any) bool {
	_, ok := v.(missing)
	return ok
}

// compareOrdered implements <, >, <=, >= over numeric or string operands.
// A missing operand, or a type mismatch, yields false.
func compareOrdered(op Op, l, r any) bool {
	if isMissing(l) || isMissing(r) {
		return false
	}
	if lf, lok := asFloat(l); lok {
		if rf, rok := asFloat(r); rok {
			return orderedFloat(op, lf, rf)
		}
	}
	if ls, lok := l.(string); lok {
		if rs, rok := r.(string); rok {
			return orderedString(op, ls, rs)
		}
	}
	return false
}

func orderedFloat(op Op, l, r float64) bool {
	switch op {
	case OpLt:
		return l < r
	case OpGt:
		return l > r
	case OpLte:
		return l <= r
	case OpGte:
		return l >= r
	}
	return false
}

func orderedString(op Op, l, r string) bool {
	switch op {
	case OpLt:
		return l < r
	case OpGt:
		return l > r
	case OpLte:
		return l <= r
	case OpGte:
		return l >= r
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}
