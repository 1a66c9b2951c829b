package loaders

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stratadata/stratactl/pkg/platform"
)

// DependencyGraph orders resource kinds by their declared dependencies.
// An edge A -> B means B depends on A: A is deployed before B and
// cleaned after B.
type DependencyGraph struct {
	// dependents maps a kind to the kinds that depend on it
	dependents map[string][]string

	// dependencies maps a kind to the kinds it depends on
	dependencies map[string][]string

	// inDegree tracks the number of incoming edges for each kind
	inDegree map[string]int

	// order is the full topological order, computed once
	order []string
}

// newDependencyGraph validates the catalogue's dependency declarations
// and computes a deterministic topological order.
func newDependencyGraph(catalogue []Loader) (*DependencyGraph, error) {
	g := &DependencyGraph{
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		inDegree:     make(map[string]int),
	}

	for _, loader := range catalogue {
		kind := loader.Kind()
		if _, exists := g.inDegree[kind]; exists {
			return nil, platform.NewValidationError(fmt.Sprintf("duplicate kind in catalogue: %s", kind), nil).
				WithCode(platform.ErrCodeBadRequest)
		}
		g.inDegree[kind] = 0
	}

	for _, loader := range catalogue {
		kind := loader.Kind()
		for _, dep := range loader.DependsOn() {
			if _, exists := g.inDegree[dep]; !exists {
				return nil, platform.NewValidationError(
					fmt.Sprintf("kind %s depends on unknown kind %s", kind, dep), nil).
					WithCode(platform.ErrCodeBadRequest)
			}
			g.dependents[dep] = append(g.dependents[dep], kind)
			g.dependencies[kind] = append(g.dependencies[kind], dep)
			g.inDegree[kind]++
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	if err := g.computeOrder(); err != nil {
		return nil, err
	}
	return g, nil
}

// DeployOrder filters the topological order down to the given kinds.
// Dependencies come before dependents.
func (g *DependencyGraph) DeployOrder(kinds []string) []string {
	want := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		want[k] = struct{}{}
	}
	ordered := make([]string, 0, len(kinds))
	for _, k := range g.order {
		if _, ok := want[k]; ok {
			ordered = append(ordered, k)
		}
	}
	return ordered
}

// CleanOrder is DeployOrder reversed: dependents are removed before the
// kinds they point at.
func (g *DependencyGraph) CleanOrder(kinds []string) []string {
	ordered := g.DeployOrder(kinds)
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return ordered
}

// Dependencies returns the kinds the given kind directly depends on.
func (g *DependencyGraph) Dependencies(kind string) []string {
	return g.dependencies[kind]
}

// detectCycles uses depth-first search over the dependents edges.
func (g *DependencyGraph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	kinds := make([]string, 0, len(g.inDegree))
	for kind := range g.inDegree {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		if !visited[kind] {
			if cycle := g.visit(kind, visited, recStack, nil); cycle != nil {
				return platform.NewValidationError(
					fmt.Sprintf("circular kind dependency: %s", strings.Join(cycle, " -> ")), nil).
					WithCode(platform.ErrCodeBadRequest)
			}
		}
	}
	return nil
}

func (g *DependencyGraph) visit(kind string, visited, recStack map[string]bool, path []string) []string {
	visited[kind] = true
	recStack[kind] = true
	path = append(path, kind)

	for _, dependent := range g.dependents[kind] {
		if !visited[dependent] {
			if cycle := g.visit(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, k := range path {
				if k == dependent {
					return append(path[i:], dependent)
				}
			}
		}
	}

	recStack[kind] = false
	return nil
}

// computeOrder runs Kahn's algorithm. Kinds with equal precedence are
// ordered by name so the traversal is stable across runs.
func (g *DependencyGraph) computeOrder() error {
	inDegree := make(map[string]int, len(g.inDegree))
	for kind, degree := range g.inDegree {
		inDegree[kind] = degree
	}

	current := make([]string, 0)
	for kind, degree := range inDegree {
		if degree == 0 {
			current = append(current, kind)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		g.order = append(g.order, current...)

		next := make([]string, 0)
		for _, kind := range current {
			for _, dependent := range g.dependents[kind] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if len(g.order) != len(g.inDegree) {
		return platform.NewValidationError("failed to order all kinds, dependency cycle suspected", nil).
			WithCode(platform.ErrCodeInternal)
	}
	return nil
}
