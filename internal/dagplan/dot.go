package dagplan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// WriteGraphviz writes a Graphviz digraph of the unprocessed node set after
// a cycle is detected: nodes are named via name(node), edges are the
// dependency edges among nodes that are themselves still unprocessed (the
// ones implicated in the cycle).
func WriteGraphviz[T comparable](path string, unprocessed []T, plan *Plan[T], name func(T) string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	inCycle := make(map[T]bool, len(unprocessed))
	for _, n := range unprocessed {
		inCycle[n] = true
	}

	var b strings.Builder
	b.WriteString("digraph cycle {\n")
	names := make([]string, 0, len(unprocessed))
	nameOf := make(map[T]string, len(unprocessed))
	for _, n := range unprocessed {
		nm := name(n)
		nameOf[n] = nm
		names = append(names, nm)
	}
	sort.Strings(names)
	for _, nm := range names {
		fmt.Fprintf(&b, "  %q;\n", nm)
	}
	type edge struct{ from, to string }
	var edges []edge
	for _, n := range unprocessed {
		for _, d := range plan.DepsOf(n) {
			if inCycle[d] {
				edges = append(edges, edge{nameOf[n], nameOf[d]})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].from != edges[j].from {
			return edges[i].from < edges[j].from
		}
		return edges[i].to < edges[j].to
	})
	for _, e := range edges {
		fmt.Fprintf(&b, "  %q -> %q;\n", e.from, e.to)
	}
	b.WriteString("}\n")
	return os.WriteFile(path, []byte(b.String()), 0644)
}
