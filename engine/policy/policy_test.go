package policy

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UCI-Networking-Group/AutoFR/engine/actionspace"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// traceFile writes a minimal webrequests trace whose events load each URL
// from the site's document.
func traceFile(t *testing.T, dir string, urls ...string) string {
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
	path := filepath.Join(dir, "site--webrequests.json")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func buildSpace(t *testing.T, urls ...string) *actionspace.Space {
	t.Helper()
	dir := t.TempDir()
	path := traceFile(t, dir, urls...)
	space := actionspace.New(0.2, testLog())
	require.NoError(t, space.Build("https://site.com", []string{path}))
	return space
}

func TestChooseMaximizesUCB(t *testing.T) {
	space := buildSpace(t, "https://ads.net/a.js", "https://cdn.org/b.js")
	arms := space.ArmsToInitialize()
	require.Contains(t, arms, "ads.net")
	require.Contains(t, arms, "cdn.org")

	high, _ := space.Get("ads.net")
	high.Q = 0.9
	low, _ := space.Get("cdn.org")
	low.Q = 0.1

	pol := NewUCB(1.4)
	chosen, err := pol.Choose(space, []string{"cdn.org", "ads.net"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "ads.net", chosen)
}

func TestChooseTieBreaksLexicographically(t *testing.T) {
	space := buildSpace(t, "https://bbb.net/a.js", "https://aaa.org/b.js")
	pol := NewUCB(1.4)
	chosen, err := pol.Choose(space, []string{"bbb.net", "aaa.org"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "aaa.org", chosen, "equal scores resolve to the smallest arm string")
}

func TestUCBBonusForFreshArm(t *testing.T) {
	space := buildSpace(t, "https://ads.net/a.js")
	st, ok := space.Get("ads.net")
	require.True(t, ok)
	require.Equal(t, 0, st.Attempts)

	pol := NewUCB(1.4)
	_, err := pol.Choose(space, []string{"ads.net"}, 3)
	require.NoError(t, err)

	expected := st.Q + 1.4*math.Pow(math.Log(4), 0.5)
	assert.InDelta(t, expected, st.UCB, 1e-9)
	assert.Greater(t, st.UCB, st.Q, "an unattempted arm's score strictly exceeds its Q for t>=1")
}

func TestOptimaReturnsAllMaxima(t *testing.T) {
	space := buildSpace(t, "https://ads.net/a.js", "https://cdn.org/b.js", "https://trk.io/c.js")
	for arm, q := range map[string]float64{"ads.net": 0.8, "cdn.org": 0.8, "trk.io": 0.1} {
		st, ok := space.Get(arm)
		require.True(t, ok)
		st.Q = q
	}
	pol := NewUCB(1.4)
	optima, err := pol.Optima(space, []string{"trk.io", "cdn.org", "ads.net"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ads.net", "cdn.org"}, optima)
}

func TestChooseMissingArmIsFatal(t *testing.T) {
	space := buildSpace(t, "https://ads.net/a.js")
	pol := NewUCB(1.4)
	_, err := pol.Choose(space, []string{"ghost.example"}, 1)
	require.Error(t, err)
}
