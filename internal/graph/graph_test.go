package graph

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func securityGraph(t *testing.T) *Graph {
	t.Helper()
	g := New()
	require.NoError(t, g.AddStage("lint"))
	require.NoError(t, g.AddStage("secretScan"))
	require.NoError(t, g.AddStage("imageScan", "lint", "secretScan"))
	return g
}

func TestAddStageUnknownDependency(t *testing.T) {
	g := New()
	err := g.AddStage("imageScan", "build")
	require.Error(t, err)
	assert.True(t, IsUnknownDependency(err))
	assert.False(t, g.Has("imageScan"))
}

func TestAddStageSelfDependency(t *testing.T) {
	g := New()
	err := g.AddStage("lint", "lint")
	require.Error(t, err)
	assert.True(t, IsCycle(err))
}

func TestAddStageDuplicate(t *testing.T) {
	g := securityGraph(t)
	err := g.AddStage("lint")
	assert.True(t, IsDuplicateStage(err))
}

func TestAddDependencyClosingCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.AddStage("a"))
	require.NoError(t, g.AddStage("b", "a"))
	require.NoError(t, g.AddStage("c", "b"))

	err := g.AddDependency("a", "c")
	require.Error(t, err)
	require.True(t, IsCycle(err))

	cycle := err.(*CycleError)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle.Path)
	assert.Empty(t, g.Prerequisites("a"), "failed edge must not be added")

	assert.True(t, IsCycle(g.AddDependency("b", "b")))
	assert.NoError(t, g.AddDependency("c", "a"))
	assert.Equal(t, []string{"a", "b"}, g.Prerequisites("c"))
}

func TestAddDependencyRandomCyclesAlwaysFail(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 50; iter++ {
		g := New()
		names := []string{"s0"}
		require.NoError(t, g.AddStage("s0"))
		for i := 1; i < 8; i++ {
			name := names[len(names)-1] + "x"
			// every stage depends on its predecessor, forming a chain
			require.NoError(t, g.AddStage(name, names[len(names)-1]))
			names = append(names, name)
		}
		from := rng.Intn(len(names) - 1)
		to := from + 1 + rng.Intn(len(names)-from-1)
		// names[to] transitively needs names[from]; the reverse edge closes a cycle
		err := g.AddDependency(names[from], names[to])
		assert.True(t, IsCycle(err), "edge %s <- %s", names[from], names[to])
	}
}

func TestBuildAnyOrder(t *testing.T) {
	g, err := Build([]Decl{
		{Name: "publish", Needs: []string{"imageScan"}},
		{Name: "imageScan", Needs: []string{"build", "build"}},
		{Name: "build"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"publish", "imageScan", "build"}, g.Stages())
	assert.Equal(t, []string{"build"}, g.Prerequisites("imageScan"))
	assert.Equal(t, []string{"imageScan"}, g.Dependents("build"))
}

func TestBuildDetectsDefects(t *testing.T) {
	_, err := Build([]Decl{{Name: "a", Needs: []string{"ghost"}}})
	assert.True(t, IsUnknownDependency(err))

	_, err = Build([]Decl{{Name: "a"}, {Name: "a"}})
	assert.True(t, IsDuplicateStage(err))

	_, err = Build([]Decl{
		{Name: "a", Needs: []string{"c"}},
		{Name: "b", Needs: []string{"a"}},
		{Name: "c", Needs: []string{"b"}},
	})
	require.True(t, IsCycle(err))
	path := err.(*CycleError).Path
	assert.Equal(t, path[0], path[len(path)-1])
	assert.Len(t, path, 4)
}

func TestRunnableStages(t *testing.T) {
	g := securityGraph(t)

	assert.Equal(t, []string{"lint", "secretScan"}, g.RunnableStages(map[string]bool{}))
	assert.Equal(t, []string{"secretScan"}, g.RunnableStages(map[string]bool{"lint": true}))
	assert.Equal(t, []string{"imageScan"}, g.RunnableStages(map[string]bool{"lint": true, "secretScan": true}))
	assert.Empty(t, g.RunnableStages(map[string]bool{"lint": true, "secretScan": true, "imageScan": true}))
}

func TestRunnableStagesLiveness(t *testing.T) {
	g, err := Build([]Decl{
		{Name: "e", Needs: []string{"c", "d"}},
		{Name: "a"},
		{Name: "b", Needs: []string{"a"}},
		{Name: "c", Needs: []string{"a"}},
		{Name: "d", Needs: []string{"b", "c"}},
		{Name: "f"},
	})
	require.NoError(t, err)

	completed := make(map[string]bool)
	seen := make(map[string]int)
	var order []string
	for len(completed) < g.Len() {
		frontier := g.RunnableStages(completed)
		require.NotEmpty(t, frontier, "frontier must not stall on an acyclic graph")
		for _, name := range frontier {
			seen[name]++
			order = append(order, name)
		}
		for _, name := range frontier {
			completed[name] = true
		}
	}

	for _, name := range g.Stages() {
		assert.Equal(t, 1, seen[name], name)
	}
	assert.Equal(t, []string{"a", "f", "b", "c", "d", "e"}, order)
}

func TestClosure(t *testing.T) {
	g, err := Build([]Decl{
		{Name: "build"},
		{Name: "lint"},
		{Name: "imageScan", Needs: []string{"build"}},
		{Name: "publish", Needs: []string{"imageScan"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"build", "imageScan"}, g.Closure([]string{"imageScan"}))
	assert.Equal(t, []string{"lint", "ghost"}, g.Closure([]string{"lint", "ghost"}))
}
