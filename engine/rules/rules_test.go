package rules

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRule(t *testing.T) {
	assert.Equal(t, "||adserver.com^", BuildRule("adserver.com"))
	assert.Equal(t, "||adserver.com/ads", BuildRule("adserver.com/ads"))
	assert.Equal(t, "@@||example.com", BuildWhitelistRule("example.com"))
	assert.Equal(t, "||adserver.com^$subdocument", BuildSubdocumentRule("adserver.com"))
}

func TestArmRulesSplitsDelimiter(t *testing.T) {
	got := ArmRules("a.com;;b.com/x")
	assert.Equal(t, []string{"||a.com^", "||b.com/x"}, got)
}

func TestCanonicalKeyIsOrderIndependent(t *testing.T) {
	a := CanonicalKey([]string{"||b.com^", "||a.com^"})
	b := CanonicalKey([]string{"||a.com^", "||b.com^"})
	assert.Equal(t, a, b)
	// Idempotent under re-canonicalization.
	assert.Equal(t, a, CanonicalKey(strings.Split(a, "\n")))
}

func TestMatcherBlocksDomainAnchored(t *testing.T) {
	m, err := Compile([]string{"||adserver.com^"})
	require.NoError(t, err)

	blocked, matched := m.ShouldBlock("https://adserver.com/ads.js")
	assert.True(t, blocked)
	require.Len(t, matched, 1)
	assert.Equal(t, "||adserver.com^", matched[0].Rule)
	assert.Equal(t, "https://adserver.com/ads.js", matched[0].URLBlocked)

	blocked, _ = m.ShouldBlock("https://sub.adserver.com/x")
	assert.True(t, blocked, "subdomains match at label boundary")

	blocked, matched = m.ShouldBlock("https://ads-adserver.com.evil.org/x")
	assert.False(t, blocked, "mid-label occurrences must not match")
	assert.Empty(t, matched)

	blocked, _ = m.ShouldBlock("https://notadserver.com/x")
	assert.False(t, blocked)
}

func TestMatcherPathRules(t *testing.T) {
	m, err := Compile([]string{"||cdn.site.com/ads"})
	require.NoError(t, err)

	blocked, _ := m.ShouldBlock("https://cdn.site.com/ads/banner.png")
	assert.True(t, blocked)
	blocked, _ = m.ShouldBlock("https://cdn.site.com/content/a.js")
	assert.False(t, blocked)
}

func TestMatcherWhitelistDuality(t *testing.T) {
	m, err := Compile([]string{"||example.com^", "@@||example.com"})
	require.NoError(t, err)

	blocked, matched := m.ShouldBlock("https://example.com/a.js")
	assert.False(t, blocked, "whitelist always wins over blacklist")
	require.NotEmpty(t, matched)
	assert.Equal(t, "@@||example.com", matched[0].Rule)
}

func TestMatcherSubdocumentOption(t *testing.T) {
	m, err := Compile([]string{"||frames.com^$subdocument"})
	require.NoError(t, err)
	blocked, _ := m.ShouldBlock("https://frames.com/ad.html")
	assert.True(t, blocked)
}

func TestCompileRejectsUnsupported(t *testing.T) {
	_, err := Compile([]string{"/banner/*/img^"})
	require.Error(t, err)
	_, err = Compile([]string{"||x.com^$third-party"})
	require.Error(t, err)
}

func TestMatcherCacheBound(t *testing.T) {
	cache := NewMatcherCache(4)
	for i := 0; i < 20; i++ {
		_, err := cache.Get([]string{fmt.Sprintf("||site%d.com^", i)})
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, cache.Len(), 4)

	// Hits return the same compiled matcher.
	m1, err := cache.Get([]string{"||hit.com^"})
	require.NoError(t, err)
	m2, err := cache.Get([]string{"||hit.com^"})
	require.NoError(t, err)
	assert.Same(t, m1, m2)
}

func TestWriteAndParseListRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteList(&buf, []string{"b.com", "a.com;;c.com/x"}))

	lines, err := ParseList(&buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"||a.com^", "||c.com/x", "||b.com^"}, lines)
}

func TestWriteListWithValuesOrdersByQ(t *testing.T) {
	var buf bytes.Buffer
	err := WriteListWithValues(&buf, map[string]ArmValues{
		"low.com":  {QValue: 0.1},
		"high.com": {QValue: 0.9},
	}, nil)
	require.NoError(t, err)

	out := buf.String()
	assert.Less(t, strings.Index(out, "||high.com^"), strings.Index(out, "||low.com^"))
	assert.Contains(t, out, "! {")
	for _, line := range Preamble {
		assert.Contains(t, out, line)
	}
}
