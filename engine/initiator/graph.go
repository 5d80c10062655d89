package initiator

import (
	"github.com/UCI-Networking-Group/AutoFR/engine/internal/graphx"
	"github.com/UCI-Networking-Group/AutoFR/engine/urlkit"
)

// NodeInfo is the payload of one initiator-chain node: the URL and its
// variant decomposition. The synthetic root carries IsRoot.
type NodeInfo struct {
	URL        string
	Variants   urlkit.Variants
	IsMainSite bool
	IsRoot     bool
}

// Variant returns the node's variant string at the given granularity; the
// root answers its own label at every level.
func (n NodeInfo) Variant(g urlkit.Granularity) string {
	if n.IsRoot {
		return n.URL
	}
	return n.Variants.At(g)
}

// Graph is a directed initiator-chain graph.
type Graph = graphx.Graph[NodeInfo]

// BuildGraph constructs the raw initiator graph for one iteration. The root
// label is the page eSLD; every node without a predecessor is attached to
// it.
func BuildGraph(events []RequestEvent, rootESLD string) *Graph {
	g := graphx.New[NodeInfo]()
	g.AddNode(rootESLD, NodeInfo{URL: rootESLD, IsRoot: true})

	byRequestID := make(map[string]RequestEvent, len(events))
	for _, ev := range events {
		if ev.RequestID != "" {
			byRequestID[ev.RequestID] = ev
		}
	}

	addNode := func(rawURL string) bool {
		if g.Has(rawURL) {
			return true
		}
		v, err := urlkit.Decompose(rawURL)
		if err != nil {
			return false
		}
		g.AddNode(rawURL, NodeInfo{URL: rawURL, Variants: v, IsMainSite: v.ESLD == rootESLD})
		return true
	}

	for _, ev := range events {
		rawURL := ev.Request.URL
		if rawURL == "" || urlkit.ShouldSkipURL(rawURL) {
			continue
		}
		if isJS, hasExt := urlkit.IsJSRequest(rawURL); hasExt && !isJS {
			continue
		}
		if !addNode(rawURL) {
			continue
		}
		parent := parentURL(ev, byRequestID)
		if parent == "" {
			g.AddEdge(rootESLD, rawURL, graphx.EdgeInitiator)
			continue
		}
		if addNode(parent) {
			g.AddEdge(parent, rawURL, graphx.EdgeInitiator)
		}
	}

	for _, id := range g.Nodes() {
		if id != rootESLD && g.InDegree(id) == 0 {
			g.AddEdge(rootESLD, id, graphx.EdgeInitiator)
		}
	}
	return g
}

// ByType projects the raw graph onto one granularity:
//
//  1. nodes whose variant equals the page root are removed while preserving
//     paths through them,
//  2. leaves whose variant already appears on an ancestor along a root path
//     are removed iteratively (coarser duplicates win),
//  3. remaining nodes collapse to their variant strings,
//  4. where a projected node has several in-edges and one comes from the
//     root, the root edge dominates and the others are dropped.
func ByType(raw *Graph, t urlkit.Granularity, rootESLD string) *Graph {
	g := raw.Copy()

	for _, id := range g.Nodes() {
		n, _ := g.Node(id)
		if !n.IsRoot && n.Variant(t) == rootESLD {
			graphx.RemoveNodeAndConnect(g, id)
		}
	}

	pruneDuplicateLeaves(g, t, rootESLD)

	projected := project(g, t, rootESLD)

	for _, id := range projected.Nodes() {
		preds := projected.Predecessors(id)
		if len(preds) < 2 {
			continue
		}
		fromRoot := false
		for _, p := range preds {
			if p == rootESLD {
				fromRoot = true
				break
			}
		}
		if !fromRoot {
			continue
		}
		for _, p := range preds {
			if p != rootESLD {
				projected.RemoveEdge(p, id)
			}
		}
	}
	return projected
}

// pruneDuplicateLeaves repeatedly removes leaves whose variant is already
// carried by an ancestor on a root path, so a variant only survives at its
// topmost occurrence. The working copy shrinks by all leaves each sweep,
// which guarantees termination even with request cycles.
func pruneDuplicateLeaves(g *Graph, t urlkit.Granularity, rootESLD string) {
	work := g.Copy()
	for {
		var leaves []string
		for _, id := range work.Nodes() {
			if work.OutDegree(id) == 0 && work.InDegree(id) >= 1 {
				leaves = append(leaves, id)
			}
		}
		if len(leaves) == 0 {
			return
		}
		removed := false
		for _, leaf := range leaves {
			ln, _ := work.Node(leaf)
			if ln.IsRoot {
				continue
			}
			variant := ln.Variant(t)
			for _, anc := range work.Ancestors(leaf) {
				if anc == rootESLD || anc == leaf {
					continue
				}
				an, _ := work.Node(anc)
				if !an.IsRoot && an.Variant(t) == variant && work.HasPath(rootESLD, anc) {
					if g.Has(leaf) {
						graphx.RemoveNodeAndConnect(g, leaf)
					}
					removed = true
					break
				}
			}
		}
		if !removed {
			return
		}
		for _, leaf := range leaves {
			work.RemoveNode(leaf)
		}
	}
}

// project collapses every node onto its variant string at level t. Nodes
// with an absent variant are bridged out afterwards so their parents connect
// straight to their children.
func project(g *Graph, t urlkit.Granularity, rootESLD string) *Graph {
	out := graphx.New[NodeInfo]()
	out.AddNode(rootESLD, NodeInfo{URL: rootESLD, IsRoot: true})

	valueOf := func(id string) string {
		n, _ := g.Node(id)
		if n.IsRoot {
			return rootESLD
		}
		return n.Variant(t)
	}
	addValue := func(value string) {
		if value == rootESLD || out.Has(value) {
			return
		}
		v, _ := urlkit.Decompose(value)
		out.AddNode(value, NodeInfo{URL: value, Variants: v, IsMainSite: v.ESLD == rootESLD})
	}

	for _, id := range g.Nodes() {
		n, _ := g.Node(id)
		if n.IsRoot {
			continue
		}
		value := n.Variant(t)
		addValue(value)
		for _, parent := range g.Predecessors(id) {
			parentValue := valueOf(parent)
			addValue(parentValue)
			if parentValue != value {
				out.AddEdge(parentValue, value, graphx.EdgeInitiator)
			}
		}
	}

	if out.Has("") {
		graphx.RemoveNodeAndConnect(out, "")
	}
	return out
}

// Transfer merges initiator information from src into dst at granularity t,
// refusing any edge that would close a cycle (the reverse path already
// represents the relationship). Children of the src root are returned for
// the caller to attach.
func Transfer(dst *Graph, t urlkit.Granularity, rootESLD string, src *Graph) []string {
	consider := func(id string) bool {
		if id == "" {
			return false
		}
		switch t {
		case urlkit.ESLD:
			return true
		case urlkit.FQDN:
			v, err := urlkit.Decompose(id)
			if err != nil {
				return false
			}
			return !dst.Has(id) && urlkit.IsRealFQDN(id, []string{v.ESLD})
		case urlkit.FQDNPath:
			v, err := urlkit.Decompose(id)
			if err != nil {
				return false
			}
			return !dst.Has(id) && v.Path != ""
		}
		return true
	}

	var rootChildren []string
	for _, id := range src.Nodes() {
		if id == rootESLD {
			rootChildren = append(rootChildren, src.Predecessors(id)...)
			continue
		}
		if !consider(id) {
			continue
		}
		if !dst.Has(id) {
			n, _ := src.Node(id)
			dst.AddNode(id, n)
		}
		for _, parent := range src.Predecessors(id) {
			if parent == rootESLD {
				rootChildren = append(rootChildren, id)
				continue
			}
			if !consider(parent) {
				continue
			}
			if !dst.Has(parent) {
				pn, _ := src.Node(parent)
				dst.AddNode(parent, pn)
			}
			if !dst.HasEdge(parent, id) && !dst.HasPath(id, parent) {
				dst.AddEdge(parent, id, graphx.EdgeInitiator)
			}
		}
	}
	return rootChildren
}

// BuildGraphForNode restricts g to the nodes whose variant at level t
// matches owner (www prefixes ignored), preserving paths through removed
// nodes.
func BuildGraphForNode(g *Graph, t urlkit.Granularity, owner string) *Graph {
	out := g.Copy()
	want := urlkit.StripWWW(owner)
	for _, id := range out.Nodes() {
		n, _ := out.Node(id)
		if n.IsRoot {
			continue
		}
		if urlkit.StripWWW(n.Variant(t)) != want {
			graphx.RemoveNodeAndConnect(out, id)
		}
	}
	return out
}
