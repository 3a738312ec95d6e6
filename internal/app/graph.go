package app

import "sort"

// topoSort orders app names so every dependency precedes its
// dependents. Ready apps are taken in lexicographic order, so the
// result is deterministic for a given graph. The second return lists
// apps that cannot initialize: members of a dependency cycle, apps
// naming a missing dependency, and everything downstream of either.
func topoSort(defs map[string]Definition) (order []string, excluded []string) {
	// indegree counts unmet dependencies; dependents is the forward
	// adjacency.
	indegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string, len(defs))

	for name := range defs {
		indegree[name] = 0
	}
	missing := make(map[string]bool)
	for name, def := range defs {
		for _, dep := range def.Dependencies {
			if _, ok := defs[dep]; !ok {
				missing[name] = true
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 && !missing[name] {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	done := make(map[string]bool, len(defs))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		done[name] = true

		inserted := false
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 && !missing[next] {
				ready = append(ready, next)
				inserted = true
			}
		}
		if inserted {
			sort.Strings(ready)
		}
	}

	for name := range defs {
		if !done[name] {
			excluded = append(excluded, name)
		}
	}
	sort.Strings(excluded)
	return order, excluded
}

// reverse returns a reversed copy.
func reverse(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[len(names)-1-i] = name
	}
	return out
}
