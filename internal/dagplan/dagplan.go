// Package dagplan builds a topological execution plan over a DAG of nodes
// with dependencies, detects cycles, and drives parallel execution on an
// executor.Executor. It generalises the teacher's BuildLabel-specific
// cycle detector (src/core/cycle_detector.go) to an arbitrary comparable
// node id, as the check engine's graph is a separate arena of check ids
// rather than build labels.
package dagplan

import (
	"context"
	"errors"
	"sort"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/future-io/sw/internal/executor"
)

var log = logging.MustGetLogger("dagplan")

// ErrCycle is returned by Execute when the graph could not be linearised
// because it contains a dependency cycle.
var ErrCycle = errors.New("dagplan: dependency cycle detected")

// A Plan is a validated view over a dependency graph, ready to execute.
type Plan[T comparable] struct {
	depsOf     map[T][]T // node -> the nodes it depends on
	dependents map[T][]T // node -> the nodes that depend on it
	less       func(a, b T) bool
}

// New builds a Plan from a map of node -> its dependencies. less is an
// optional tie-break comparator used when more nodes are eligible than fit
// in the executor's worker pool at once (fewer dependencies first, more
// dependents second is the usual choice); nil uses map iteration order.
func New[T comparable](depsOf map[T][]T, less func(a, b T) bool) *Plan[T] {
	p := &Plan[T]{
		depsOf:     make(map[T][]T, len(depsOf)),
		dependents: make(map[T][]T),
		less:       less,
	}
	for node, deps := range depsOf {
		p.depsOf[node] = append([]T(nil), deps...)
		if _, ok := p.dependents[node]; !ok {
			p.dependents[node] = nil
		}
		for _, d := range deps {
			p.dependents[d] = append(p.dependents[d], node)
		}
	}
	return p
}

// LessByDepsThenDependents returns a comparator implementing the
// tie-break rule from the spec: fewer dependencies (as registered in p)
// first, ties broken by more dependents first.
func LessByDepsThenDependents[T comparable](p *Plan[T]) func(a, b T) bool {
	return func(a, b T) bool {
		da, db := len(p.depsOf[a]), len(p.depsOf[b])
		if da != db {
			return da < db
		}
		return len(p.dependents[a]) > len(p.dependents[b])
	}
}

// Execute runs run(ctx, node) for every node in dependency order, never
// starting a node before all its dependencies have completed successfully.
// On a node failure, its dependents are never released (they remain
// unprocessed); in-flight siblings still run to completion. If the run
// finishes with a non-empty unprocessed set and no task reported an error,
// the graph had a cycle: Execute returns ErrCycle and the unprocessed set
// (for the caller to render a diagnostic, see WriteGraphviz).
func (p *Plan[T]) Execute(ctx context.Context, ex *executor.Executor, run func(context.Context, T) error) ([]T, error) {
	var mu sync.Mutex
	remaining := map[T]int{}
	for node, deps := range p.depsOf {
		remaining[node] = len(deps)
	}
	done := map[T]bool{}
	failed := false

	var schedule func(id T)
	schedule = func(id T) {
		ex.Submit(func(ctx context.Context) error {
			err := run(ctx, id)

			mu.Lock()
			if err != nil {
				failed = true
				mu.Unlock()
				return err
			}
			done[id] = true
			var ready []T
			for _, dep := range p.dependents[id] {
				remaining[dep]--
				if remaining[dep] == 0 {
					ready = append(ready, dep)
				}
			}
			stop := failed
			mu.Unlock()

			if stop {
				return nil
			}
			sortNodes(ready, p.less)
			for _, r := range ready {
				schedule(r)
			}
			return nil
		})
	}

	var initial []T
	for node, n := range remaining {
		if n == 0 {
			initial = append(initial, node)
		}
	}
	sortNodes(initial, p.less)
	for _, id := range initial {
		schedule(id)
	}

	err := ex.Wait()

	mu.Lock()
	defer mu.Unlock()
	var unprocessed []T
	for node := range p.depsOf {
		if !done[node] {
			unprocessed = append(unprocessed, node)
		}
	}
	if err != nil {
		return unprocessed, err
	}
	if len(unprocessed) > 0 {
		log.Warning("dagplan: %d node(s) never became eligible, assuming a cycle", len(unprocessed))
		return unprocessed, ErrCycle
	}
	return nil, nil
}

func sortNodes[T comparable](nodes []T, less func(a, b T) bool) {
	if less == nil || len(nodes) < 2 {
		return
	}
	sort.Slice(nodes, func(i, j int) bool { return less(nodes[i], nodes[j]) })
}

// DepsOf returns the dependencies originally registered for node - used by
// WriteGraphviz to render the unresolved edges of a cycle.
func (p *Plan[T]) DepsOf(node T) []T {
	return p.depsOf[node]
}
