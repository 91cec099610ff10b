package condition_test

import (
	"testing"

	"github.com/nexus-run/nexus/internal/condition"
	"github.com/stretchr/testify/assert"
)

func TestEval_Literals(t *testing.T) {
	t.Parallel()

	ctx := condition.MapContext{}
	assert.True(t, condition.Eval(ctx, condition.Literal(true)))
	assert.False(t, condition.Eval(ctx, condition.Literal(false)))
	assert.False(t, condition.Eval(ctx, condition.Literal(nil)))
	assert.True(t, condition.Eval(ctx, condition.Literal("anything")))
	assert.True(t, condition.Eval(ctx, condition.Literal(0)))
}

func TestEval_Comparisons(t *testing.T) {
	t.Parallel()

	ctx := condition.MapContext{"os_family": "debian", "cpu_count": 4, "mem_gb": 16.0}

	tests := []struct {
		name string
		expr *condition.Expr
		want bool
	}{
		{"eq string match", condition.Eq(condition.FactRef("os_family"), condition.Literal("debian")), true},
		{"eq string mismatch", condition.Eq(condition.FactRef("os_family"), condition.Literal("rhel")), false},
		{"neq", condition.Neq(condition.FactRef("os_family"), condition.Literal("rhel")), true},
		{"lt", condition.Lt(condition.FactRef("cpu_count"), condition.Literal(8)), true},
		{"gt false", condition.Gt(condition.FactRef("cpu_count"), condition.Literal(8)), false},
		{"gte equal", condition.Gte(condition.FactRef("cpu_count"), condition.Literal(4)), true},
		{"lte float", condition.Lte(condition.FactRef("mem_gb"), condition.Literal(16)), true},
		{"int float eq", condition.Eq(condition.Literal(1), condition.Literal(1.0)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, condition.Eval(ctx, tt.expr))
		})
	}
}

func TestEval_MissingFact(t *testing.T) {
	t.Parallel()

	ctx := condition.MapContext{}
	assert.False(t, condition.Eval(ctx, condition.Eq(condition.FactRef("nope"), condition.Literal("x"))))
	assert.True(t, condition.Eval(ctx, condition.Neq(condition.FactRef("nope"), condition.Literal("x"))))
	assert.False(t, condition.Eval(ctx, condition.Gt(condition.FactRef("nope"), condition.Literal(1))))
	assert.False(t, condition.Eval(ctx, condition.FactRef("nope")))
}

func TestEval_BooleanConnectives(t *testing.T) {
	t.Parallel()

	ctx := condition.MapContext{"a": true, "b": false}
	assert.False(t, condition.Eval(ctx, condition.And(condition.FactRef("a"), condition.FactRef("b"))))
	assert.True(t, condition.Eval(ctx, condition.Or(condition.FactRef("a"), condition.FactRef("b"))))
	assert.True(t, condition.Eval(ctx, condition.Not(condition.FactRef("b"))))
}

func TestEval_In(t *testing.T) {
	t.Parallel()

	ctx := condition.MapContext{"os_family": "debian"}
	haystack := condition.Literal([]any{"debian", "ubuntu"})
	assert.True(t, condition.Eval(ctx, condition.In(condition.FactRef("os_family"), haystack)))

	otherHaystack := condition.Literal([]any{"rhel", "centos"})
	assert.False(t, condition.Eval(ctx, condition.In(condition.FactRef("os_family"), otherHaystack)))

	assert.False(t, condition.Eval(ctx, condition.In(condition.FactRef("missing"), haystack)))
}

func TestEval_ShortCircuit(t *testing.T) {
	t.Parallel()

	// A missing left operand to Or must not prevent the right side from
	// being consulted.
	ctx := condition.MapContext{"b": true}
	assert.True(t, condition.Eval(ctx, condition.Or(condition.FactRef("missing"), condition.FactRef("b"))))
}
