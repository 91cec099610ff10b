package configio

import (
	"testing"

	"github.com/nexus-run/nexus/internal/condition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eval(t *testing.T, s string, facts map[string]any) bool {
	t.Helper()
	expr, err := parseWhen(s)
	require.NoError(t, err)
	return condition.Eval(condition.MapContext(facts), expr)
}

func TestParseWhen_SimpleEquality(t *testing.T) {
	t.Parallel()

	assert.True(t, eval(t, `env == "prod"`, map[string]any{"env": "prod"}))
	assert.False(t, eval(t, `env == "prod"`, map[string]any{"env": "staging"}))
}

func TestParseWhen_AndOrPrecedence(t *testing.T) {
	t.Parallel()

	// "and" binds tighter than "or".
	assert.True(t, eval(t, `a == 1 or b == 1 and c == 2`, map[string]any{
		"a": 9.0, "b": 1.0, "c": 2.0,
	}))
	assert.False(t, eval(t, `a == 1 or b == 1 and c == 2`, map[string]any{
		"a": 9.0, "b": 1.0, "c": 9.0,
	}))
}

func TestParseWhen_Not(t *testing.T) {
	t.Parallel()

	assert.True(t, eval(t, `not enabled`, map[string]any{"enabled": false}))
	assert.False(t, eval(t, `not enabled`, map[string]any{"enabled": true}))
}

func TestParseWhen_Parentheses(t *testing.T) {
	t.Parallel()

	assert.True(t, eval(t, `(a == 1 or a == 2) and b == "x"`, map[string]any{
		"a": 2.0, "b": "x",
	}))
}

func TestParseWhen_InList(t *testing.T) {
	t.Parallel()

	assert.True(t, eval(t, `region in ["us-east", "us-west"]`, map[string]any{"region": "us-west"}))
	assert.False(t, eval(t, `region in ["us-east", "us-west"]`, map[string]any{"region": "eu-west"}))
}

func TestParseWhen_NumericComparison(t *testing.T) {
	t.Parallel()

	assert.True(t, eval(t, `replicas >= 3`, map[string]any{"replicas": 5.0}))
	assert.False(t, eval(t, `replicas >= 3`, map[string]any{"replicas": 1.0}))
}

func TestParseWhen_BareFactIsTruthy(t *testing.T) {
	t.Parallel()

	assert.True(t, eval(t, `maintenance_mode`, map[string]any{"maintenance_mode": true}))
}

func TestParseWhen_UnterminatedStringErrors(t *testing.T) {
	t.Parallel()

	_, err := parseWhen(`env == "prod`)
	require.Error(t, err)
}

func TestParseWhen_TrailingGarbageErrors(t *testing.T) {
	t.Parallel()

	_, err := parseWhen(`env == "prod" )`)
	require.Error(t, err)
}
