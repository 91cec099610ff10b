package dag_test

import (
	"testing"

	"github.com/nexus-run/nexus/internal/core"
	"github.com/nexus-run/nexus/internal/dag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(name string, deps ...string) core.Task {
	return core.Task{Name: name, Deps: deps}
}

func TestBuild_LinearPipeline(t *testing.T) {
	t.Parallel()

	cfg := core.Config{Tasks: map[string]core.Task{
		"deps":    task("deps"),
		"compile": task("compile", "deps"),
		"test":    task("test", "compile"),
	}}

	g, err := dag.Build(cfg)
	require.NoError(t, err)

	set, err := g.RequiredSet([]string{"test"})
	require.NoError(t, err)
	assert.Equal(t, []string{"compile", "deps", "test"}, set)

	phases := g.ExecutionPhases(set)
	assert.Equal(t, [][]string{{"deps"}, {"compile"}, {"test"}}, phases)
}

func TestBuild_DiamondWithParallelism(t *testing.T) {
	t.Parallel()

	cfg := core.Config{Tasks: map[string]core.Task{
		"a": task("a"),
		"b": task("b", "a"),
		"c": task("c", "a"),
		"d": task("d", "b", "c"),
	}}

	g, err := dag.Build(cfg)
	require.NoError(t, err)

	set, err := g.RequiredSet([]string{"d"})
	require.NoError(t, err)
	phases := g.ExecutionPhases(set)
	require.Len(t, phases, 3)
	assert.Equal(t, []string{"a"}, phases[0])
	assert.Equal(t, []string{"b", "c"}, phases[1])
	assert.Equal(t, []string{"d"}, phases[2])
}

func TestBuild_CycleDetection(t *testing.T) {
	t.Parallel()

	cfg := core.Config{Tasks: map[string]core.Task{
		"a": task("a", "b"),
		"b": task("b", "a"),
	}}

	_, err := dag.Build(cfg)
	require.Error(t, err)

	var cycleErr *dag.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Len(t, cycleErr.Path, 3)
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[2])
}

func TestBuild_UnknownDependency(t *testing.T) {
	t.Parallel()

	cfg := core.Config{Tasks: map[string]core.Task{
		"a": task("a", "ghost"),
	}}

	_, err := dag.Build(cfg)
	require.Error(t, err)
	var unknownErr *dag.UnknownTasksError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, []string{"ghost"}, unknownErr.Names)
}

func TestRequiredSet_UnknownTarget(t *testing.T) {
	t.Parallel()

	cfg := core.Config{Tasks: map[string]core.Task{"a": task("a")}}
	g, err := dag.Build(cfg)
	require.NoError(t, err)

	_, err = g.RequiredSet([]string{"ghost"})
	require.Error(t, err)
	var unknownErr *dag.UnknownTasksError
	require.ErrorAs(t, err, &unknownErr)
}

func TestExecutionPhases_IsolatedTaskIsLayerZero(t *testing.T) {
	t.Parallel()

	cfg := core.Config{Tasks: map[string]core.Task{"lonely": task("lonely")}}
	g, err := dag.Build(cfg)
	require.NoError(t, err)

	set, err := g.RequiredSet([]string{"lonely"})
	require.NoError(t, err)
	phases := g.ExecutionPhases(set)
	assert.Equal(t, [][]string{{"lonely"}}, phases)
}

func TestRequiredSet_EmptyTargets(t *testing.T) {
	t.Parallel()

	cfg := core.Config{Tasks: map[string]core.Task{"a": task("a")}}
	g, err := dag.Build(cfg)
	require.NoError(t, err)

	set, err := g.RequiredSet(nil)
	require.NoError(t, err)
	assert.Empty(t, set)
	assert.Empty(t, g.ExecutionPhases(set))
}
