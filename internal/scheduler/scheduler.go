// Package scheduler resolves dependency order for decomposed tasks and sub-agents.
// All functions are pure over the snapshot passed in.
package scheduler

import (
	"sort"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

// Node is anything schedulable with declared dependencies
type Node interface {
	NodeID() string
	DependsOn() []string
	IsPending() bool
	PriorityRank() int
	SortOrder() int
}

// readier is implemented by nodes that decide readiness themselves
type readier interface {
	IsReady(completed map[string]bool) bool
}

// Executable returns pending nodes whose every dependency is in completed,
// ordered by priority, then by how much work they unblock, then by SortOrder
func Executable[T Node](nodes []T, completed map[string]bool) []T {
	var ready []T
	for _, n := range nodes {
		if isReady(n, completed) {
			ready = append(ready, n)
		}
	}

	dependents := dependentsOf(nodes)
	sort.SliceStable(ready, func(i, j int) bool {
		// 1. Priority (high > normal > low)
		pi, pj := ready[i].PriorityRank(), ready[j].PriorityRank()
		if pi != pj {
			return pi < pj
		}

		// 2. Dependency depth (unblocks more work)
		di := dependencyDepth(ready[i].NodeID(), dependents)
		dj := dependencyDepth(ready[j].NodeID(), dependents)
		if di != dj {
			return di > dj
		}

		// 3. Declared order
		return ready[i].SortOrder() < ready[j].SortOrder()
	})

	return ready
}

func isReady(n Node, completed map[string]bool) bool {
	if r, ok := n.(readier); ok {
		return r.IsReady(completed)
	}
	if !n.IsPending() {
		return false
	}
	for _, dep := range n.DependsOn() {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Limit returns at most n nodes; n <= 0 means no limit
func Limit[T Node](nodes []T, n int) []T {
	if n <= 0 || len(nodes) <= n {
		return nodes
	}
	return nodes[:n]
}

// Validate checks that every dependency resolves to a sibling and that the
// dependency relation is acyclic
func Validate[T Node](nodes []T) error {
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.NodeID()] = true
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn() {
			if !ids[dep] {
				return &domain.GraphError{Kind: domain.DanglingDependency, NodeID: n.NodeID(), Missing: dep}
			}
		}
	}
	if cycle := findCycle(nodes); cycle != nil {
		return &domain.GraphError{Kind: domain.CycleDetected, NodeID: cycle[0], Cycle: cycle}
	}
	return nil
}

// findCycle runs a depth-first traversal with a recursion-stack marker and
// returns the first cycle found, closing node repeated at the end
func findCycle[T Node](nodes []T) []string {
	edges := make(map[string][]string, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		edges[n.NodeID()] = n.DependsOn()
		order = append(order, n.NodeID())
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, dep := range edges[id] {
			if onStack[dep] {
				// back edge: slice the stack from dep to here
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						break
					}
				}
				return true
			}
			if !visited[dep] && visit(dep) {
				return true
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return false
	}

	for _, id := range order {
		if !visited[id] && visit(id) {
			return cycle
		}
	}
	return nil
}

// Unreachable returns the IDs of pending nodes that can never run because a
// direct or transitive dependency ended without completing. blocked reports
// whether a node ID is in such a state (failed, skipped, cancelled).
func Unreachable[T Node](nodes []T, blocked func(id string) bool) []string {
	byID := make(map[string]T, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID()] = n
	}

	memo := make(map[string]bool)
	var dead func(id string, seen map[string]bool) bool
	dead = func(id string, seen map[string]bool) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		n, ok := byID[id]
		if !ok {
			return true
		}
		result := false
		for _, dep := range n.DependsOn() {
			if blocked(dep) {
				result = true
				break
			}
			if dn, ok := byID[dep]; ok && dn.IsPending() && dead(dep, seen) {
				result = true
				break
			}
		}
		memo[id] = result
		return result
	}

	var out []string
	for _, n := range nodes {
		if n.IsPending() && dead(n.NodeID(), make(map[string]bool)) {
			out = append(out, n.NodeID())
		}
	}
	return out
}

// TopologicalSort returns nodes in dependency order, ties broken by SortOrder
func TopologicalSort[T Node](nodes []T) ([]T, error) {
	if err := Validate(nodes); err != nil {
		return nil, err
	}

	byID := make(map[string]T, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID()] = n
		inDegree[n.NodeID()] = len(n.DependsOn())
	}
	dependents := dependentsOf(nodes)

	var queue []T
	for _, n := range nodes {
		if inDegree[n.NodeID()] == 0 {
			queue = append(queue, n)
		}
	}

	result := make([]T, 0, len(nodes))
	for len(queue) > 0 {
		sort.SliceStable(queue, func(i, j int) bool { return queue[i].SortOrder() < queue[j].SortOrder() })
		n := queue[0]
		queue = queue[1:]
		result = append(result, n)

		for _, depID := range dependents[n.NodeID()] {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				queue = append(queue, byID[depID])
			}
		}
	}

	return result, nil
}

// dependentsOf maps node -> nodes that depend on it
func dependentsOf[T Node](nodes []T) map[string][]string {
	graph := make(map[string][]string)
	for _, n := range nodes {
		for _, dep := range n.DependsOn() {
			graph[dep] = append(graph[dep], n.NodeID())
		}
	}
	return graph
}

// dependencyDepth returns how many nodes depend (transitively) on this node
func dependencyDepth(id string, dependents map[string][]string) int {
	visited := make(map[string]bool)
	return countDependents(id, dependents, visited)
}

func countDependents(id string, dependents map[string][]string, visited map[string]bool) int {
	count := 0
	for _, depID := range dependents[id] {
		if visited[depID] {
			continue
		}
		visited[depID] = true
		count += 1 + countDependents(depID, dependents, visited)
	}
	return count
}
