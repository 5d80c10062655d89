// Package snapshot loads and queries recorded per-page dependency graphs.
// Snapshots are produced by an external trace parser and persisted as
// GraphML; once loaded they are immutable and freely shared.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/UCI-Networking-Group/AutoFR/engine/autofrerr"
	"github.com/UCI-Networking-Group/AutoFR/engine/internal/graphx"
	"github.com/UCI-Networking-Group/AutoFR/engine/urlkit"
	"github.com/sirupsen/logrus"
)

// Node kinds in a snapshot graph.
const (
	NodeKindNode   = "NODE"
	NodeKindURL    = "URL"
	NodeKindScript = "SCRIPT"
)

// Edge kinds in a snapshot graph (beyond graphx.EdgeVirtual).
const (
	EdgeDom           = "dom"
	EdgeActor         = "actor"
	EdgeRequestor     = "requestor"
	EdgeAttachedLater = "attached_later"
	EdgeNodeToScript  = "node_to_script"
	EdgeScriptUsedBy  = "script_used_by"
)

const iframeInfo = "iframe"

// NodeData is the payload of one snapshot node.
type NodeData struct {
	ID           string
	Kind         string
	Info         string
	RequestedURL string
	Ad           bool
	Image        bool
	TextNode     bool
	Root         bool
}

// URL returns the URL a node carries, if any: the requested URL, or the
// info label of URL-kind nodes.
func (n NodeData) URL() string {
	if n.Kind == NodeKindURL && n.Info != "" {
		return n.Info
	}
	return n.RequestedURL
}

// IsIframe reports whether the node represents an iframe element.
func (n NodeData) IsIframe() bool {
	return strings.EqualFold(n.Info, iframeInfo)
}

// Snapshot is one loaded page graph.
type Snapshot struct {
	name string
	url  string
	root string
	g    *graphx.Graph[NodeData]

	ads       int
	images    int
	textNodes int
}

// New wraps an already-built graph as a snapshot, adding the root sentinel
// and virtual orphan edges if absent. Used by the loader and by tests that
// assemble graphs directly.
func New(name, siteURL string, g *graphx.Graph[NodeData]) *Snapshot {
	s := &Snapshot{name: name, url: siteURL, g: g}
	s.ensureRoot()
	for _, id := range g.Nodes() {
		n, _ := g.Node(id)
		if n.Root {
			continue
		}
		if n.Ad {
			s.ads++
		}
		if n.Image {
			s.images++
		}
		if n.TextNode {
			s.textNodes++
		}
	}
	return s
}

func (s *Snapshot) ensureRoot() {
	for _, id := range s.g.Nodes() {
		n, _ := s.g.Node(id)
		if n.Root || strings.HasSuffix(id, "_ROOT") {
			n.Root = true
			s.g.AddNode(id, n)
			s.root = id
			break
		}
	}
	if s.root == "" {
		s.root = s.url + "_ROOT"
		s.g.AddNode(s.root, NodeData{ID: s.root, Root: true})
	}
	for _, id := range s.g.Nodes() {
		if id != s.root && s.g.InDegree(id) == 0 {
			s.g.AddEdge(s.root, id, graphx.EdgeVirtual)
		}
	}
}

// Name returns the snapshot's file-derived name.
func (s *Snapshot) Name() string { return s.name }

// Root returns the root sentinel id.
func (s *Snapshot) Root() string { return s.root }

// Graph exposes the underlying graph for traversal. Callers must not
// mutate it.
func (s *Snapshot) Graph() *graphx.Graph[NodeData] { return s.g }

// AdCount returns the number of ad-flagged nodes.
func (s *Snapshot) AdCount() int { return s.ads }

// ImageCount returns the number of image-flagged nodes.
func (s *Snapshot) ImageCount() int { return s.images }

// TextNodeCount returns the number of text-flagged nodes.
func (s *Snapshot) TextNodeCount() int { return s.textNodes }

// IsValid reports whether the snapshot is usable: it must show at least one
// ad and some page content to compare against.
func (s *Snapshot) IsValid() bool {
	return s.ads > 0 && (s.images > 0 || s.textNodes > 0)
}

// HasURLVariant reports whether any URL-bearing node matches the given
// variant at granularity t. The candidate URL is decomposed and compared by
// equality, so sibling labels such as ads-example.com never match
// example.com.
func (s *Snapshot) HasURLVariant(variant string, t urlkit.Granularity) bool {
	for _, id := range s.g.Nodes() {
		n, _ := s.g.Node(id)
		u := n.URL()
		if u == "" || !strings.Contains(u, variant) {
			continue
		}
		v, err := urlkit.Decompose(u)
		if err != nil {
			continue
		}
		if v.At(t) == variant {
			return true
		}
	}
	return false
}

// HasNonDomPredecessor reports whether id has an incoming edge that is
// neither dom nor virtual, ignoring edges that close a cycle back to id.
func (s *Snapshot) HasNonDomPredecessor(id string) bool {
	for _, parent := range s.g.Predecessors(id) {
		kind, _ := s.g.EdgeKind(parent, id)
		if kind == EdgeDom || kind == graphx.EdgeVirtual {
			continue
		}
		if s.g.HasPath(id, parent) {
			continue
		}
		return true
	}
	return false
}

// ExtractAdIframeScriptURLs collects, for every ad-flagged node, the URLs
// of scripts wired into its descendant subgraph via node_to_script edges.
// These feed the iframe-scoped rule lists.
func (s *Snapshot) ExtractAdIframeScriptURLs() []string {
	found := map[string]struct{}{}
	for _, id := range s.g.Nodes() {
		n, _ := s.g.Node(id)
		if !n.Ad {
			continue
		}
		inSub := map[string]struct{}{id: {}}
		queue := []string{id}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, succ := range s.g.Successors(cur) {
				if _, ok := inSub[succ]; !ok {
					inSub[succ] = struct{}{}
					queue = append(queue, succ)
				}
			}
		}
		for member := range inSub {
			mn, _ := s.g.Node(member)
			if mn.Kind != NodeKindScript {
				continue
			}
			for _, pred := range s.g.Predecessors(member) {
				kind, _ := s.g.EdgeKind(pred, member)
				if kind != EdgeNodeToScript {
					continue
				}
				pn, _ := s.g.Node(pred)
				if strings.HasPrefix(pn.Info, "http") {
					found[pn.Info] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(found))
	for u := range found {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Load reads one snapshot from a GraphML file.
func Load(path, siteURL string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", autofrerr.ErrSnapshotMissing, path, err)
	}
	defer f.Close()

	doc, err := graphx.DecodeGraphML(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", autofrerr.ErrSnapshotMissing, path, err)
	}
	g := graphx.New[NodeData]()
	for _, dn := range doc.Nodes {
		n := NodeData{
			ID:           dn.ID,
			Info:         dn.Attrs["info"],
			RequestedURL: dn.Attrs["requested_url"],
			Kind:         dn.Attrs["node_type"],
			Ad:           dn.Attrs["flg-ad"] == "true",
			Image:        dn.Attrs["flg-image"] == "true",
			TextNode:     dn.Attrs["flg-textnode"] == "true",
			Root:         dn.Attrs["root"] == "true",
		}
		if n.Kind == "" {
			if i := strings.Index(dn.ID, "_"); i > 0 {
				n.Kind = dn.ID[:i]
			}
		}
		g.AddNode(dn.ID, n)
	}
	for _, de := range doc.Edges {
		g.AddEdge(de.Source, de.Target, de.Kind)
	}
	return New(filepath.Base(path), siteURL, g), nil
}

// LoadDir reads every *.graphml snapshot under dir, sorted by name.
// Invalid snapshots are skipped with a warning; loading aborts once
// maxConsecutiveNoAds snapshots in a row show no ads.
func LoadDir(dir, siteURL string, maxConsecutiveNoAds int, log *logrus.Entry) ([]*Snapshot, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.graphml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []*Snapshot
	consecutiveNoAds := 0
	for _, p := range paths {
		s, err := Load(p, siteURL)
		if err != nil {
			log.Warnf("skipping snapshot %s: %v", p, err)
			continue
		}
		if !s.IsValid() {
			log.Warnf("skipping invalid snapshot %s (ads=%d images=%d textnodes=%d): %v",
				s.Name(), s.AdCount(), s.ImageCount(), s.TextNodeCount(), autofrerr.ErrSnapshotInvalid)
			if s.AdCount() == 0 {
				consecutiveNoAds++
				if maxConsecutiveNoAds > 0 && consecutiveNoAds >= maxConsecutiveNoAds {
					return out, fmt.Errorf("%w: %d consecutive snapshots without ads", autofrerr.ErrInvalidSiteFeedback, consecutiveNoAds)
				}
			}
			continue
		}
		consecutiveNoAds = 0
		out = append(out, s)
	}
	return out, nil
}
