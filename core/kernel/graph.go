package kernel

import (
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/plugin"

	"container/heap"
	"errors"
	"fmt"
	"sort"
)

// Plan is the resolved load order of a descriptor set.
type Plan struct {
	// Order lists loadable modules; every module comes after all of its dependencies,
	// ties broken by discovery order.
	Order []*plugin.Descriptor
	// Failures maps each rejected module to its ModuleLoadError.
	Failures map[string]error
}

// FailedNames returns the rejected module names, sorted.
func (p *Plan) FailedNames() []string {
	names := make([]string, 0, len(p.Failures))
	for n := range p.Failures {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve orders descs, given in discovery order. available holds name to version for
// modules already loaded outside the set; they satisfy dependencies but are not
// ordered. Failure is isolated: a cycle fails exactly its strongly connected
// component, a missing dependency fails its dependent, and anything depending on a
// failed module fails with DependencyFailed. Everything else is ordered. Names are
// expected to be unique; a repeated name after the first is ignored.
func Resolve(descs []*plugin.Descriptor, available map[string]string) *Plan {
	plan := &Plan{Failures: make(map[string]error)}
	idx := make(map[string]int, len(descs))
	for i, d := range descs {
		if _, dup := idx[d.Name]; !dup {
			idx[d.Name] = i
		}
	}
	first := func(i int) bool { return idx[descs[i].Name] == i }

	adj := make([][]int, len(descs))
	for i, d := range descs {
		if !first(i) {
			continue
		}
		var missing []string
		var reasons []error
		for _, dep := range d.Deps() {
			version, found := available[dep.Name]
			if j, ok := idx[dep.Name]; ok {
				version, found = descs[j].Version, true
				adj[i] = append(adj[i], j)
			}
			switch {
			case !found:
				missing = append(missing, dep.Name)
			case !dep.Allows(version):
				missing = append(missing, dep.Name)
				reasons = append(reasons, fmt.Errorf("%s %s does not satisfy %s", dep.Name, version, dep))
			}
		}
		if len(missing) > 0 {
			plan.Failures[d.Name] = &coreerrors.ModuleLoadError{
				Module:  d.Name,
				Kind:    coreerrors.MissingDependency,
				Related: missing,
				Err:     errors.Join(reasons...),
			}
		}
	}

	for _, component := range stronglyConnected(adj) {
		if len(component) < 2 {
			continue
		}
		members := make([]string, len(component))
		for k, i := range component {
			members[k] = descs[i].Name
		}
		sort.Strings(members)
		for _, name := range members {
			plan.Failures[name] = &coreerrors.ModuleLoadError{
				Module:  name,
				Kind:    coreerrors.CircularDependency,
				Related: members,
			}
		}
	}

	// Fail everything downstream of a failure.
	for changed := true; changed; {
		changed = false
		for i, d := range descs {
			if !first(i) || plan.Failures[d.Name] != nil {
				continue
			}
			var failed []string
			for _, j := range adj[i] {
				if plan.Failures[descs[j].Name] != nil {
					failed = append(failed, descs[j].Name)
				}
			}
			if len(failed) > 0 {
				plan.Failures[d.Name] = &coreerrors.ModuleLoadError{
					Module:  d.Name,
					Kind:    coreerrors.DependencyFailed,
					Related: failed,
				}
				changed = true
			}
		}
	}

	// Kahn's algorithm, always taking the earliest-discovered ready module.
	indegree := make([]int, len(descs))
	dependents := make([][]int, len(descs))
	ready := &indexHeap{}
	for i, d := range descs {
		if !first(i) || plan.Failures[d.Name] != nil {
			continue
		}
		indegree[i] = len(adj[i])
		for _, j := range adj[i] {
			dependents[j] = append(dependents[j], i)
		}
		if indegree[i] == 0 {
			heap.Push(ready, i)
		}
	}
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		plan.Order = append(plan.Order, descs[i])
		for _, k := range dependents[i] {
			indegree[k]--
			if indegree[k] == 0 {
				heap.Push(ready, k)
			}
		}
	}
	return plan
}

// stronglyConnected is Tarjan's algorithm over an adjacency list.
func stronglyConnected(adj [][]int) [][]int {
	var (
		next       int
		index      = make([]int, len(adj))
		low        = make([]int, len(adj))
		onStack    = make([]bool, len(adj))
		stack      []int
		components [][]int
		visit      func(v int)
	)
	for i := range index {
		index[i] = -1
	}
	visit = func(v int) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range adj[v] {
			if index[w] < 0 {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] != index[v] {
			return
		}
		var component []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		components = append(components, component)
	}
	for v := range adj {
		if index[v] < 0 {
			visit(v)
		}
	}
	return components
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
