// Package graphx provides the small directed, edge-kinded graph that backs
// the initiator chains, the action space, and the site snapshots, plus a
// GraphML codec for persistence.
package graphx

import "sort"

// Edge kinds used across the engine. Snapshot files carry further kinds
// (dom, actor, requestor, ...) which travel through as opaque strings.
const (
	EdgeInitiator  = "initiator"
	EdgeFinerGrain = "finer_grain"
	EdgeVirtual    = "virtual"
)

// Graph is a directed graph with one payload per node and a kind string per
// edge. Node iteration order is always sorted by id so that every consumer
// is deterministic without extra bookkeeping.
type Graph[N any] struct {
	nodes map[string]N
	succ  map[string]map[string]string
	pred  map[string]map[string]struct{}
}

// New returns an empty graph.
func New[N any]() *Graph[N] {
	return &Graph[N]{
		nodes: make(map[string]N),
		succ:  make(map[string]map[string]string),
		pred:  make(map[string]map[string]struct{}),
	}
}

// AddNode inserts or replaces the payload for id.
func (g *Graph[N]) AddNode(id string, data N) {
	g.nodes[id] = data
	if g.succ[id] == nil {
		g.succ[id] = make(map[string]string)
	}
	if g.pred[id] == nil {
		g.pred[id] = make(map[string]struct{})
	}
}

// Node returns the payload for id.
func (g *Graph[N]) Node(id string) (N, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Has reports whether id is a node.
func (g *Graph[N]) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// AddEdge adds a directed edge from u to v with the given kind. Both
// endpoints must already be nodes; unknown endpoints are ignored so callers
// can filter nodes first and edges fall out naturally.
func (g *Graph[N]) AddEdge(u, v, kind string) {
	if !g.Has(u) || !g.Has(v) {
		return
	}
	g.succ[u][v] = kind
	g.pred[v][u] = struct{}{}
}

// HasEdge reports whether the edge u->v exists.
func (g *Graph[N]) HasEdge(u, v string) bool {
	_, ok := g.succ[u][v]
	return ok
}

// EdgeKind returns the kind of edge u->v.
func (g *Graph[N]) EdgeKind(u, v string) (string, bool) {
	k, ok := g.succ[u][v]
	return k, ok
}

// RemoveEdge deletes the edge u->v if present.
func (g *Graph[N]) RemoveEdge(u, v string) {
	delete(g.succ[u], v)
	delete(g.pred[v], u)
}

// RemoveNode deletes id and every incident edge.
func (g *Graph[N]) RemoveNode(id string) {
	for p := range g.pred[id] {
		delete(g.succ[p], id)
	}
	for s := range g.succ[id] {
		delete(g.pred[s], id)
	}
	delete(g.nodes, id)
	delete(g.succ, id)
	delete(g.pred, id)
}

// Nodes returns all node ids in sorted order.
func (g *Graph[N]) Nodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of nodes.
func (g *Graph[N]) Len() int { return len(g.nodes) }

// EdgeCount returns the number of edges.
func (g *Graph[N]) EdgeCount() int {
	n := 0
	for _, m := range g.succ {
		n += len(m)
	}
	return n
}

// Successors returns the out-neighbors of id in sorted order.
func (g *Graph[N]) Successors(id string) []string {
	out := make([]string, 0, len(g.succ[id]))
	for s := range g.succ[id] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Predecessors returns the in-neighbors of id in sorted order.
func (g *Graph[N]) Predecessors(id string) []string {
	in := make([]string, 0, len(g.pred[id]))
	for p := range g.pred[id] {
		in = append(in, p)
	}
	sort.Strings(in)
	return in
}

// InDegree returns the number of in-edges of id.
func (g *Graph[N]) InDegree(id string) int { return len(g.pred[id]) }

// OutDegree returns the number of out-edges of id.
func (g *Graph[N]) OutDegree(id string) int { return len(g.succ[id]) }

// HasPath reports whether v is reachable from u (including u == v).
func (g *Graph[N]) HasPath(u, v string) bool {
	if !g.Has(u) || !g.Has(v) {
		return false
	}
	if u == v {
		return true
	}
	seen := map[string]struct{}{u: {}}
	queue := []string{u}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for s := range g.succ[cur] {
			if s == v {
				return true
			}
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				queue = append(queue, s)
			}
		}
	}
	return false
}

// Ancestors returns every node from which id is reachable, excluding id.
func (g *Graph[N]) Ancestors(id string) []string {
	seen := map[string]struct{}{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for p := range g.pred[cur] {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				queue = append(queue, p)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Copy returns a structural copy of the graph. Payload values are copied by
// assignment; callers holding pointer payloads pass a clone function to
// CopyWith instead.
func (g *Graph[N]) Copy() *Graph[N] {
	return g.CopyWith(func(n N) N { return n })
}

// CopyWith returns a copy of the graph with each payload passed through
// clone.
func (g *Graph[N]) CopyWith(clone func(N) N) *Graph[N] {
	out := New[N]()
	for id, n := range g.nodes {
		out.AddNode(id, clone(n))
	}
	for u, m := range g.succ {
		for v, kind := range m {
			out.AddEdge(u, v, kind)
		}
	}
	return out
}

// RemoveNodeAndConnect deletes v while preserving every path through it:
// for each predecessor s and successor t with s != t an edge (s, t) of kind
// EdgeVirtual is inserted before v is removed.
func RemoveNodeAndConnect[N any](g *Graph[N], v string) {
	preds := g.Predecessors(v)
	succs := g.Successors(v)
	for _, s := range preds {
		for _, t := range succs {
			if s == t {
				continue
			}
			if !g.HasEdge(s, t) {
				g.AddEdge(s, t, EdgeVirtual)
			}
		}
	}
	g.RemoveNode(v)
}
