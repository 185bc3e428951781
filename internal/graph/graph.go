// Package graph holds the prerequisite relation between pipeline stages.
//
// Stages are kept in declaration order and every query that returns several
// stages returns them in that order, so run logs are reproducible.
package graph

import (
	"sort"

	"golang.org/x/exp/slices"
)

type node struct {
	name       string
	index      int
	needs      []string
	dependents []string
}

type Graph struct {
	nodes map[string]*node
	order []string
}

type Decl struct {
	Name  string
	Needs []string
}

func New() *Graph {
	return &Graph{
		nodes: make(map[string]*node),
	}
}

// AddStage registers a stage whose prerequisites are already registered.
func (g *Graph) AddStage(name string, needs ...string) error {
	if _, found := g.nodes[name]; found {
		return &DuplicateStageError{name}
	}
	for _, dep := range needs {
		if dep == name {
			return &CycleError{Path: []string{name, name}}
		}
		if _, found := g.nodes[dep]; !found {
			return &UnknownDependencyError{Stage: name, Dependency: dep}
		}
	}

	g.insert(name)
	for _, dep := range dedup(needs) {
		g.link(dep, name)
	}
	return nil
}

// AddDependency makes stage wait for prerequisite. Both must be registered.
func (g *Graph) AddDependency(stage, prerequisite string) error {
	if _, found := g.nodes[stage]; !found {
		return &UnknownDependencyError{Stage: prerequisite, Dependency: stage}
	}
	if _, found := g.nodes[prerequisite]; !found {
		return &UnknownDependencyError{Stage: stage, Dependency: prerequisite}
	}
	if slices.Contains(g.nodes[stage].needs, prerequisite) {
		return nil
	}
	// The new edge prerequisite -> stage closes a cycle iff prerequisite
	// already (transitively) waits for stage.
	if path := g.path(stage, prerequisite); path != nil {
		return &CycleError{Path: append(path, stage)}
	}
	g.link(prerequisite, stage)
	return nil
}

// Build validates a complete set of declarations at once. Unlike AddStage it
// accepts dependents declared before their prerequisites.
func Build(decls []Decl) (*Graph, error) {
	g := New()
	for _, decl := range decls {
		if _, found := g.nodes[decl.Name]; found {
			return nil, &DuplicateStageError{decl.Name}
		}
		g.insert(decl.Name)
	}
	for _, decl := range decls {
		for _, dep := range decl.Needs {
			if _, found := g.nodes[dep]; !found {
				return nil, &UnknownDependencyError{Stage: decl.Name, Dependency: dep}
			}
		}
	}
	for _, decl := range decls {
		for _, dep := range dedup(decl.Needs) {
			g.link(dep, decl.Name)
		}
	}
	if err := g.DetectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) insert(name string) {
	g.nodes[name] = &node{name: name, index: len(g.order)}
	g.order = append(g.order, name)
}

func (g *Graph) link(from, to string) {
	g.nodes[to].needs = append(g.nodes[to].needs, from)
	g.nodes[from].dependents = append(g.nodes[from].dependents, to)
}

// path returns a dependency chain from -> ... -> to following dependents
// edges, or nil if to is not reachable from from.
func (g *Graph) path(from, to string) []string {
	visited := make(map[string]bool)
	var walk func(name string) []string
	walk = func(name string) []string {
		if name == to {
			return []string{name}
		}
		if visited[name] {
			return nil
		}
		visited[name] = true
		for _, next := range g.nodes[name].dependents {
			if rest := walk(next); rest != nil {
				return append([]string{name}, rest...)
			}
		}
		return nil
	}
	return walk(from)
}

// DetectCycles runs a depth-first search with temporary and permanent marks.
func (g *Graph) DetectCycles() error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)
	var stack []string

	var visit func(n *node) error
	visit = func(n *node) error {
		if permanent[n.name] {
			return nil
		}
		if temporary[n.name] {
			start := slices.Index(stack, n.name)
			cycle := append([]string{}, stack[start:]...)
			return &CycleError{Path: append(cycle, n.name)}
		}

		temporary[n.name] = true
		stack = append(stack, n.name)
		for _, dependent := range n.dependents {
			if err := visit(g.nodes[dependent]); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		delete(temporary, n.name)
		permanent[n.name] = true
		return nil
	}

	for _, name := range g.order {
		if err := visit(g.nodes[name]); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) Has(name string) bool {
	_, found := g.nodes[name]
	return found
}

func (g *Graph) Len() int {
	return len(g.order)
}

// Stages returns all stage names in declaration order.
func (g *Graph) Stages() []string {
	return append([]string{}, g.order...)
}

func (g *Graph) Prerequisites(name string) []string {
	n, found := g.nodes[name]
	if !found {
		return nil
	}
	return g.sorted(n.needs)
}

func (g *Graph) Dependents(name string) []string {
	n, found := g.nodes[name]
	if !found {
		return nil
	}
	return g.sorted(n.dependents)
}

// RunnableStages returns the frontier: stages that are not completed and
// whose prerequisites all are.
func (g *Graph) RunnableStages(completed map[string]bool) []string {
	runnable := make([]string, 0)
	for _, name := range g.order {
		if completed[name] {
			continue
		}
		ready := true
		for _, dep := range g.nodes[name].needs {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			runnable = append(runnable, name)
		}
	}
	return runnable
}

// Closure returns names together with all their transitive prerequisites.
// Unknown names are kept as is.
func (g *Graph) Closure(names []string) []string {
	seen := make(map[string]bool)
	var unknown []string
	var visit func(name string)
	visit = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		n, found := g.nodes[name]
		if !found {
			unknown = append(unknown, name)
			return
		}
		for _, dep := range n.needs {
			visit(dep)
		}
	}
	for _, name := range names {
		visit(name)
	}

	closure := make([]string, 0, len(seen))
	for _, name := range g.order {
		if seen[name] {
			closure = append(closure, name)
		}
	}
	return append(closure, unknown...)
}

func (g *Graph) sorted(names []string) []string {
	res := append([]string{}, names...)
	sort.Slice(res, func(i, j int) bool {
		return g.nodes[res[i]].index < g.nodes[res[j]].index
	})
	return res
}

func dedup(names []string) []string {
	seen := make(map[string]bool, len(names))
	res := make([]string, 0, len(names))
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			res = append(res, name)
		}
	}
	return res
}
