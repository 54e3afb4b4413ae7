package manager

import (
	"slices"

	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/logging"
)

// Subgraphs returns the readiness groups of g: the connected components of
// the graph formed by linking every member of a group to every other member.
// Non-blocking agents and names missing from the graph are left out, so they
// never gate anyone. A group of one blocking agent is its own component.
//
// Components come out in the order their first member appears in g.Groups;
// members are sorted.
func Subgraphs(g *graph.Graph, logger logging.Logger) [][]string {
	if g == nil {
		return nil
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	eligible := func(name string) bool {
		a, ok := g.Agents[name]
		if !ok {
			logger.Warn("manager.subgraph.unknown_member", "agent_id", name)
			return false
		}
		if !a.IsBlocking() {
			logger.Debug("manager.subgraph.non_blocking_skipped", "agent_id", name)
			return false
		}
		return true
	}

	adj := make(map[string][]string)
	var order []string
	for _, group := range g.Groups {
		var members []string
		for _, name := range group {
			if eligible(name) && !slices.Contains(members, name) {
				members = append(members, name)
			}
		}
		for _, a := range members {
			if _, seen := adj[a]; !seen {
				adj[a] = nil
				order = append(order, a)
			}
			for _, b := range members {
				if a != b && !slices.Contains(adj[a], b) {
					adj[a] = append(adj[a], b)
				}
			}
		}
	}

	visited := make(map[string]bool, len(adj))
	var out [][]string
	for _, start := range order {
		if visited[start] {
			continue
		}
		visited[start] = true

		component := []string{start}
		stack := slices.Clone(adj[start])
		for len(stack) > 0 {
			next := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[next] {
				continue
			}
			visited[next] = true
			component = append(component, next)
			stack = append(stack, adj[next]...)
		}

		slices.Sort(component)
		out = append(out, component)
	}
	return out
}
