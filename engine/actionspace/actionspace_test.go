package actionspace

import (
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
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

type traceEvent struct {
	url       string
	parentURL string
}

func writeTrace(t *testing.T, path string, events []traceEvent) {
	t.Helper()
	lines := ""
	for i, ev := range events {
		params := map[string]any{
			"timestamp":   float64(i),
			"requestId":   ev.url,
			"documentURL": "https://site.com/",
			"request":     map[string]any{"url": ev.url},
		}
		if ev.parentURL != "" {
			params["initiator"] = map[string]any{"type": "parser", "url": ev.parentURL}
		} else {
			params["initiator"] = map[string]any{"type": "other"}
		}
		inner := map[string]any{
			"message": map[string]any{"method": "Network.requestWillBeSent", "params": params},
		}
		innerStr, err := jsoniter.MarshalToString(inner)
		require.NoError(t, err)
		outer, err := jsoniter.MarshalToString(map[string]string{"message": innerStr})
		require.NoError(t, err)
		lines += outer + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
}

func buildTestSpace(t *testing.T, events []traceEvent) *Space {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "site--webrequests.json")
	writeTrace(t, path, events)
	space := New(0.2, testLog())
	require.NoError(t, space.Build("https://site.com", []string{path}))
	return space
}

func hierarchicalEvents() []traceEvent {
	return []traceEvent{
		{url: "https://a.b.c/x.js"},
		{url: "https://a.b.c/y.js", parentURL: "https://a.b.c/x.js"},
		{url: "https://d.b.c/x.js", parentURL: "https://a.b.c/x.js"},
		{url: "https://tracker.io/t.js", parentURL: "https://a.b.c/x.js"},
	}
}

func TestBuildCreatesGranularityHierarchy(t *testing.T) {
	space := buildTestSpace(t, hierarchicalEvents())

	// eSLD arms hang under the root.
	for _, arm := range []string{"b.c", "tracker.io", "site.com"} {
		st, ok := space.Get(arm)
		require.True(t, ok, "missing eSLD arm %s", arm)
		assert.Equal(t, urlkit.ESLD, st.Granularity)
	}

	// FQDN arms exist and their containing eSLD is an ancestor.
	for _, arm := range []string{"a.b.c", "d.b.c"} {
		st, ok := space.Get(arm)
		require.True(t, ok, "missing FQDN arm %s", arm)
		assert.Equal(t, urlkit.FQDN, st.Granularity)
		assert.True(t, space.Graph().HasPath("b.c", arm), "eSLD must be an ancestor of %s", arm)
	}

	// FQDN+path arms exist and their FQDN (or eSLD) is an ancestor.
	for _, arm := range []string{"a.b.c/x.js", "a.b.c/y.js", "d.b.c/x.js"} {
		st, ok := space.Get(arm)
		require.True(t, ok, "missing path arm %s", arm)
		assert.Equal(t, urlkit.FQDNPath, st.Granularity)
	}
	assert.True(t, space.Graph().HasPath("a.b.c", "a.b.c/x.js"))
	assert.True(t, space.Graph().HasPath("d.b.c", "d.b.c/x.js"))
}

func TestBuildInvariants(t *testing.T) {
	space := buildTestSpace(t, hierarchicalEvents())
	g := space.Graph()

	// Every non-root node is reachable from the root.
	for _, id := range g.Nodes() {
		if id == space.Root() {
			continue
		}
		assert.True(t, g.HasPath(space.Root(), id), "%s unreachable from root", id)
	}

	// Acyclic: no node can reach itself through an edge.
	for _, u := range g.Nodes() {
		for _, v := range g.Successors(u) {
			assert.False(t, g.HasPath(v, u), "cycle through %s -> %s", u, v)
		}
	}
}

func TestArmsToInitializeExcludesSleeping(t *testing.T) {
	space := buildTestSpace(t, hierarchicalEvents())
	arms := space.ArmsToInitialize()
	require.Contains(t, arms, "b.c")
	require.Contains(t, arms, "site.com")
	// tracker.io was initiated by b.c traffic, so it waits under b.c
	// rather than starting as a root arm.
	assert.NotContains(t, arms, "tracker.io")

	st, _ := space.Get("b.c")
	st.Sleeping = true
	arms = space.ArmsToInitialize()
	assert.NotContains(t, arms, "b.c")
}

func TestSuccessorsByGranularity(t *testing.T) {
	space := buildTestSpace(t, hierarchicalEvents())
	succ := space.Successors("b.c", urlkit.FQDN)
	assert.ElementsMatch(t, []string{"a.b.c", "d.b.c"}, succ)
}

func TestResetRestoresPristineState(t *testing.T) {
	space := buildTestSpace(t, hierarchicalEvents())

	st, _ := space.Get("b.c")
	st.Q = -0.7
	st.Attempts = 9
	st.Sleeping = true
	space.SetExplored([]string{"b.c"})

	require.NoError(t, space.Reset())

	st, ok := space.Get("b.c")
	require.True(t, ok)
	assert.Equal(t, 0.2, st.Q)
	assert.Equal(t, 0, st.Attempts)
	assert.False(t, st.Sleeping)
	assert.False(t, st.Explored)
}

func TestResetBeforeBuildFails(t *testing.T) {
	space := New(0.2, testLog())
	require.Error(t, space.Reset())
}

func TestBuildRejectsRootlessSite(t *testing.T) {
	space := New(0.2, testLog())
	err := space.Build("https:///nohost", nil)
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	space := buildTestSpace(t, hierarchicalEvents())
	st, _ := space.Get("b.c")
	st.Q = 0.65
	st.Attempts = 3
	space.SetExplored([]string{"b.c", "a.b.c"})

	dir := t.TempDir()
	require.NoError(t, space.Save(dir))

	loaded, err := Load(filepath.Join(dir, GraphFileName), "https://site.com", testLog())
	require.NoError(t, err)

	assert.Equal(t, space.NodeCount(), loaded.NodeCount())
	assert.Equal(t, space.EdgeCount(), loaded.EdgeCount())
	for _, id := range space.Graph().Nodes() {
		orig, _ := space.Get(id)
		got, ok := loaded.Get(id)
		require.True(t, ok, "missing node %s after reload", id)
		if orig.Root {
			assert.True(t, got.Root)
			continue
		}
		assert.Equal(t, orig.Granularity, got.Granularity, id)
		assert.InDelta(t, orig.Q, got.Q, 1e-9, id)
		assert.Equal(t, orig.Attempts, got.Attempts, id)
		assert.Equal(t, orig.Explored, got.Explored, id)
	}
	for _, u := range space.Graph().Nodes() {
		for _, v := range space.Graph().Successors(u) {
			origKind, _ := space.Graph().EdgeKind(u, v)
			gotKind, ok := loaded.Graph().EdgeKind(u, v)
			require.True(t, ok, "missing edge %s -> %s", u, v)
			assert.Equal(t, origKind, gotKind)
		}
	}

	// The values CSV lists exactly the explored arms.
	data, err := os.ReadFile(filepath.Join(dir, ValuesFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "b.c")
	assert.Contains(t, string(data), "a.b.c")
	assert.NotContains(t, string(data), "tracker.io")
}

func TestFinerGrainEdgesLinkCoarserVariants(t *testing.T) {
	space := buildTestSpace(t, hierarchicalEvents())
	g := space.Graph()

	// Wherever a finer_grain edge exists, the child's coarser variant
	// equals the parent string.
	for _, u := range g.Nodes() {
		for _, v := range g.Successors(u) {
			kind, _ := g.EdgeKind(u, v)
			if kind != graphx.EdgeFinerGrain {
				continue
			}
			variants, err := urlkit.Decompose(v)
			require.NoError(t, err)
			parentState, _ := space.Get(u)
			switch parentState.Granularity {
			case urlkit.ESLD:
				assert.Equal(t, u, variants.ESLD, "%s under %s", v, u)
			case urlkit.FQDN:
				assert.Equal(t, u, variants.FQDN, "%s under %s", v, u)
			}
		}
	}
}
