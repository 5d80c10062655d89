package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UCI-Networking-Group/AutoFR/engine/agent"
	"github.com/UCI-Networking-Group/AutoFR/engine/autofrerr"
	"github.com/UCI-Networking-Group/AutoFR/engine/internal/graphx"
	"github.com/UCI-Networking-Group/AutoFR/engine/snapshot"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// writeSnapshotFile persists a hand-built snapshot graph as GraphML the way
// the external trace parser would.
func writeSnapshotFile(t *testing.T, dir, name string, g *graphx.Graph[snapshot.NodeData]) {
	t.Helper()
	s := snapshot.New(name, "https://site.com", g)
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

func writeTraceFile(t *testing.T, dir string, urls ...string) {
	t.Helper()
	lines := ""
	for i, u := range urls {
		inner := map[string]any{
			"message": map[string]any{
				"method": "Network.requestWillBeSent",
				"params": map[string]any{
					"timestamp":   float64(i),
					"requestId":   u,
					"documentURL": "https://site.com/",
					"request":     map[string]any{"url": u},
					"initiator":   map[string]any{"type": "other"},
				},
			},
		}
		innerStr, err := jsoniter.MarshalToString(inner)
		require.NoError(t, err)
		outer, err := jsoniter.MarshalToString(map[string]string{"message": innerStr})
		require.NoError(t, err)
		lines += outer + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site--webrequests.json"), []byte(lines), 0o644))
}

func adSnapshotGraph() *graphx.Graph[snapshot.NodeData] {
	g := graphx.New[snapshot.NodeData]()
	g.AddNode("URL_1", snapshot.NodeData{ID: "URL_1", Kind: snapshot.NodeKindURL,
		Info: "https://adserver.com/ads.js", Ad: true})
	g.AddNode("URL_2", snapshot.NodeData{ID: "URL_2", Kind: snapshot.NodeKindURL,
		Info: "https://adserver.com/pixel.js", Ad: true})
	g.AddNode("URL_3", snapshot.NodeData{ID: "URL_3", Kind: snapshot.NodeKindURL,
		Info: "https://site.com/img.png", Image: true})
	return g
}

func testRunConfig(snapshotsDir, outputDir string) Config {
	cfg := Defaults()
	cfg.SiteURL = "https://site.com"
	cfg.SnapshotsDir = snapshotsDir
	cfg.OutputDir = outputDir
	cfg.IterationMultiplier = 4
	cfg.MaxRounds = 3
	cfg.Seed = 7
	return cfg
}

func TestEngineRunEndToEnd(t *testing.T) {
	snapsDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "out")
	writeSnapshotFile(t, snapsDir, "snap-1", adSnapshotGraph())
	writeTraceFile(t, snapsDir, "https://adserver.com/ads.js", "https://site.com/img.png")

	eng, err := New(testRunConfig(snapsDir, outDir), quietLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background()))
	require.True(t, eng.Completed())

	state := eng.State()
	assert.Contains(t, state.FinalRules, "adserver.com")
	assert.Equal(t, 1, state.SiteSnapshots)

	data, err := os.ReadFile(filepath.Join(outDir, agent.FinalRulesFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "||adserver.com^")

	for _, name := range []string{"action_space.graphml", "action_values.csv", "history.json",
		"low_q_rules.txt", "tracking_rules.txt", "unknown_rules.txt"} {
		_, err := os.Stat(filepath.Join(outDir, name))
		require.NoError(t, err, "missing %s", name)
	}
}

func TestEngineRunPersistsFeedbackCache(t *testing.T) {
	snapsDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "out")
	writeSnapshotFile(t, snapsDir, "snap-1", adSnapshotGraph())
	writeTraceFile(t, snapsDir, "https://adserver.com/ads.js")

	cfg := testRunConfig(snapsDir, outDir)
	cfg.PersistFeedbackCache = true
	eng, err := New(cfg, quietLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background()))

	_, err = os.Stat(filepath.Join(outDir, "site_feedback_cache"))
	require.NoError(t, err)
}

func TestEngineRunFailsWithoutSnapshots(t *testing.T) {
	snapsDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "out")
	writeTraceFile(t, snapsDir, "https://adserver.com/ads.js")

	eng, err := New(testRunConfig(snapsDir, outDir), quietLogger(), nil)
	require.NoError(t, err)
	err = eng.Run(context.Background())
	require.ErrorIs(t, err, autofrerr.ErrSnapshotMissing)
	assert.Equal(t, autofrerr.ExitNoSnapshots, autofrerr.ExitCode(err))
}

func TestEngineRunFailsBelowAdThreshold(t *testing.T) {
	snapsDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "out")

	g := graphx.New[snapshot.NodeData]()
	g.AddNode("URL_1", snapshot.NodeData{ID: "URL_1", Kind: snapshot.NodeKindURL,
		Info: "https://adserver.com/ads.js", Ad: true})
	g.AddNode("URL_2", snapshot.NodeData{ID: "URL_2", Kind: snapshot.NodeKindURL,
		Info: "https://site.com/img.png", Image: true})
	writeSnapshotFile(t, snapsDir, "snap-1", g)
	writeTraceFile(t, snapsDir, "https://adserver.com/ads.js")

	cfg := testRunConfig(snapsDir, outDir)
	cfg.MinAdThreshold = 2
	eng, err := New(cfg, quietLogger(), nil)
	require.NoError(t, err)
	err = eng.Run(context.Background())
	require.ErrorIs(t, err, autofrerr.ErrInvalidSiteFeedback)
}

func TestEngineRunNoViableArms(t *testing.T) {
	snapsDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "out")
	// The snapshot holds content from a different site entirely, so no arm
	// in the trace (nor the first party) survives the unknown check.
	g := graphx.New[snapshot.NodeData]()
	g.AddNode("URL_1", snapshot.NodeData{ID: "URL_1", Kind: snapshot.NodeKindURL,
		Info: "https://elsewhere.org/x.js", Ad: true})
	g.AddNode("URL_2", snapshot.NodeData{ID: "URL_2", Kind: snapshot.NodeKindURL,
		Info: "https://elsewhere.org/y.js", Ad: true})
	g.AddNode("URL_3", snapshot.NodeData{ID: "URL_3", Kind: snapshot.NodeKindURL,
		Info: "https://elsewhere.org/y.png", Image: true})
	writeSnapshotFile(t, snapsDir, "snap-1", g)
	writeTraceFile(t, snapsDir, "https://unused.com/gone.js")

	eng, err := New(testRunConfig(snapsDir, outDir), quietLogger(), nil)
	require.NoError(t, err)
	err = eng.Run(context.Background())
	require.ErrorIs(t, err, autofrerr.ErrNoViableArms)
	assert.Equal(t, autofrerr.ExitNoViableArms, autofrerr.ExitCode(err))
}
