package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UCI-Networking-Group/AutoFR/engine/internal/graphx"
	"github.com/UCI-Networking-Group/AutoFR/engine/urlkit"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func adPage() *graphx.Graph[NodeData] {
	g := graphx.New[NodeData]()
	g.AddNode("URL_1", NodeData{ID: "URL_1", Kind: NodeKindURL, Info: "https://adserver.com/ads.js", Ad: true})
	g.AddNode("URL_2", NodeData{ID: "URL_2", Kind: NodeKindURL, Info: "https://site.com/img.png", Image: true})
	g.AddNode("NODE_3", NodeData{ID: "NODE_3", Kind: NodeKindNode, Info: "P", TextNode: true})
	g.AddEdge("URL_2", "NODE_3", EdgeDom)
	return g
}

func TestNewAddsRootAndCounts(t *testing.T) {
	s := New("snap-1", "https://site.com", adPage())

	assert.Equal(t, "https://site.com_ROOT", s.Root())
	assert.Equal(t, 1, s.AdCount())
	assert.Equal(t, 1, s.ImageCount())
	assert.Equal(t, 1, s.TextNodeCount())
	assert.True(t, s.IsValid())

	// Orphans hang off the root over virtual edges.
	for _, id := range []string{"URL_1", "URL_2"} {
		kind, ok := s.Graph().EdgeKind(s.Root(), id)
		require.True(t, ok, "expected virtual edge to %s", id)
		assert.Equal(t, graphx.EdgeVirtual, kind)
	}
}

func TestIsValidNeedsAdsAndContent(t *testing.T) {
	g := graphx.New[NodeData]()
	g.AddNode("URL_1", NodeData{ID: "URL_1", Kind: NodeKindURL, Info: "https://x.com/a", Ad: true})
	s := New("ads-only", "https://site.com", g)
	assert.False(t, s.IsValid(), "an ad with no content to protect is unusable")

	g2 := graphx.New[NodeData]()
	g2.AddNode("URL_1", NodeData{ID: "URL_1", Kind: NodeKindURL, Info: "https://x.com/a", Image: true})
	s2 := New("content-only", "https://site.com", g2)
	assert.False(t, s2.IsValid())
}

func TestHasURLVariantGuardsAgainstOverMatch(t *testing.T) {
	g := graphx.New[NodeData]()
	g.AddNode("URL_1", NodeData{ID: "URL_1", Kind: NodeKindURL, Info: "https://ads-twitter.com/u.js", Ad: true})
	g.AddNode("URL_2", NodeData{ID: "URL_2", Kind: NodeKindURL, Info: "https://sub.adserver.com/x/y", Image: true})
	s := New("snap", "https://site.com", g)

	assert.False(t, s.HasURLVariant("twitter.com", urlkit.ESLD),
		"twitter.com must not match ads-twitter.com")
	assert.True(t, s.HasURLVariant("ads-twitter.com", urlkit.ESLD))
	assert.True(t, s.HasURLVariant("adserver.com", urlkit.ESLD))
	assert.True(t, s.HasURLVariant("sub.adserver.com", urlkit.FQDN))
	assert.True(t, s.HasURLVariant("sub.adserver.com/x/y", urlkit.FQDNPath))
	assert.False(t, s.HasURLVariant("adserver.com", urlkit.FQDN),
		"the FQDN of sub.adserver.com is not adserver.com")
}

func TestHasNonDomPredecessor(t *testing.T) {
	g := graphx.New[NodeData]()
	for _, id := range []string{"A", "B", "C"} {
		g.AddNode(id, NodeData{ID: id, Kind: NodeKindNode, Ad: id == "C"})
	}
	g.AddNode("URL_1", NodeData{ID: "URL_1", Kind: NodeKindURL, Info: "https://x.com/i.png", Image: true})
	g.AddEdge("A", "C", EdgeDom)
	g.AddEdge("B", "C", EdgeActor)
	s := New("snap", "https://site.com", g)

	assert.True(t, s.HasNonDomPredecessor("C"))
	assert.False(t, s.HasNonDomPredecessor("A"), "only the virtual root edge points here")
}

func TestHasNonDomPredecessorIgnoresCycles(t *testing.T) {
	g := graphx.New[NodeData]()
	for _, id := range []string{"A", "B"} {
		g.AddNode(id, NodeData{ID: id, Kind: NodeKindNode})
	}
	g.AddNode("URL_1", NodeData{ID: "URL_1", Kind: NodeKindURL, Info: "https://x.com/a", Ad: true, Image: true})
	g.AddEdge("A", "B", EdgeActor)
	g.AddEdge("B", "A", EdgeActor)
	s := New("snap", "https://site.com", g)

	assert.False(t, s.HasNonDomPredecessor("A"), "a cyclic actor edge is not a real owner")
}

func TestExtractAdIframeScriptURLs(t *testing.T) {
	g := graphx.New[NodeData]()
	g.AddNode("NODE_1", NodeData{ID: "NODE_1", Kind: NodeKindNode, Info: "iframe", Ad: true})
	g.AddNode("URL_2", NodeData{ID: "URL_2", Kind: NodeKindURL, Info: "https://adscripts.com/run.js"})
	g.AddNode("SCRIPT_3", NodeData{ID: "SCRIPT_3", Kind: NodeKindScript, Info: "function(){}"})
	g.AddEdge("NODE_1", "SCRIPT_3", EdgeAttachedLater)
	g.AddEdge("URL_2", "SCRIPT_3", EdgeNodeToScript)
	g.AddNode("URL_4", NodeData{ID: "URL_4", Kind: NodeKindURL, Info: "https://site.com/a.png", Image: true})
	s := New("snap", "https://site.com", g)

	assert.Equal(t, []string{"https://adscripts.com/run.js"}, s.ExtractAdIframeScriptURLs())
}

func TestLoadDirSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot := func(name string, g *graphx.Graph[NodeData]) {
		s := New(name, "https://site.com", g)
		doc := graphx.Document{}
		for _, id := range s.Graph().Nodes() {
			n, _ := s.Graph().Node(id)
			attrs := map[string]string{"id": n.ID, "node_type": n.Kind, "info": n.Info}
			if n.Root {
				attrs["root"] = "true"
			}
			if n.Ad {
				attrs["flg-ad"] = "true"
			}
			if n.Image {
				attrs["flg-image"] = "true"
			}
			if n.TextNode {
				attrs["flg-textnode"] = "true"
			}
			doc.Nodes = append(doc.Nodes, graphx.DocNode{ID: id, Attrs: attrs})
		}
		for _, u := range s.Graph().Nodes() {
			for _, v := range s.Graph().Successors(u) {
				kind, _ := s.Graph().EdgeKind(u, v)
				doc.Edges = append(doc.Edges, graphx.DocEdge{Source: u, Target: v, Kind: kind})
			}
		}
		f, err := os.Create(filepath.Join(dir, name+".graphml"))
		require.NoError(t, err)
		defer f.Close()
		require.NoError(t, graphx.EncodeGraphML(f, doc))
	}

	writeSnapshot("good", adPage())
	empty := graphx.New[NodeData]()
	empty.AddNode("URL_1", NodeData{ID: "URL_1", Kind: NodeKindURL, Info: "https://site.com/a.png", Image: true})
	writeSnapshot("no-ads", empty)

	snaps, err := LoadDir(dir, "https://site.com", 6, testLog())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "good.graphml", snaps[0].Name())
	assert.Equal(t, 1, snaps[0].AdCount())
	assert.True(t, snaps[0].Graph().HasEdge(snaps[0].Root(), "URL_1"))
}
