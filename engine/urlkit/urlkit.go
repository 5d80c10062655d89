// Package urlkit breaks URLs into the canonical variants the learning loop
// works with: effective second-level domain, fully qualified domain, FQDN
// plus path, and bare path. The variant order defines arm granularity.
package urlkit

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Granularity identifies which URL variant an arm expresses. Successive
// levels are finer.
type Granularity int

const (
	ESLD Granularity = iota
	FQDN
	FQDNPath
	PathOnly
)

var granularityNames = [...]string{"sld", "fqdn", "fqdn_path", "path"}

// String returns the persisted name of the granularity.
func (g Granularity) String() string {
	if g < ESLD || g > PathOnly {
		return "unknown"
	}
	return granularityNames[g]
}

// ParseGranularity converts a persisted name back to a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	for i, name := range granularityNames {
		if name == s {
			return Granularity(i), nil
		}
	}
	return ESLD, fmt.Errorf("unknown granularity %q", s)
}

// Prev returns the next-coarser granularity, ok=false at the coarsest.
func (g Granularity) Prev() (Granularity, bool) {
	if g <= ESLD {
		return g, false
	}
	return g - 1, true
}

// Next returns the next-finer granularity, ok=false at the finest.
func (g Granularity) Next() (Granularity, bool) {
	if g >= PathOnly {
		return g, false
	}
	return g + 1, true
}

// Variants holds the up-to-four variant strings of one URL. Empty string
// means the variant is absent.
type Variants struct {
	ESLD     string
	FQDN     string
	FQDNPath string
	Path     string
}

// At returns the variant string for the given granularity.
func (v Variants) At(g Granularity) string {
	switch g {
	case ESLD:
		return v.ESLD
	case FQDN:
		return v.FQDN
	case FQDNPath:
		return v.FQDNPath
	default:
		return v.Path
	}
}

// Decompose splits raw into its variants. The scheme and query are
// discarded; the FQDN retains subdomains; FQDNPath and Path are absent when
// the path is empty or "/". Bare domains and host/path fragments (as found
// in arm names) are accepted.
func Decompose(raw string) (Variants, error) {
	if raw == "" {
		return Variants{}, fmt.Errorf("decompose: empty url")
	}
	parseable := raw
	if !strings.Contains(parseable, "://") {
		parseable = "http://" + parseable
	}
	u, err := url.Parse(parseable)
	if err != nil {
		return Variants{}, fmt.Errorf("decompose %q: %w", raw, err)
	}
	host := u.Hostname()
	if host == "" {
		return Variants{}, fmt.Errorf("decompose %q: no host", raw)
	}
	esld, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return Variants{}, fmt.Errorf("decompose %q: %w", raw, err)
	}

	v := Variants{ESLD: esld, FQDN: host}
	if p := u.Path; p != "" && p != "/" {
		v.Path = p
		v.FQDNPath = host + p
	}
	return v, nil
}

// IsRealFQDN reports whether fqdn is worth an arm of its own: it must be
// non-empty, not a www alias, and not collapse to one of the given eSLDs.
func IsRealFQDN(fqdn string, eslds []string) bool {
	if fqdn == "" || strings.HasPrefix(fqdn, "www") {
		return false
	}
	for _, s := range eslds {
		if fqdn == s {
			return false
		}
	}
	return true
}

// StripWWW removes a leading "www." label for bucketing comparisons.
func StripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}

// IsJSRequest reports whether the URL's path names a .js resource and
// whether it carries any extension at all.
func IsJSRequest(raw string) (isJS, hasExt bool) {
	v, err := Decompose(raw)
	if err != nil || v.Path == "" {
		return false, false
	}
	parts := strings.Split(v.Path, ".")
	if len(parts) < 2 {
		return false, false
	}
	ext := strings.TrimSpace(parts[len(parts)-1])
	if ext == "" {
		return false, false
	}
	return ext == "js", true
}

// ShouldSkipURL filters browser-internal and synthetic URLs out of the
// initiator chains.
func ShouldSkipURL(raw string) bool {
	if raw == "" {
		return true
	}
	return strings.HasPrefix(raw, "about:") ||
		strings.HasPrefix(raw, "chrome") ||
		strings.HasPrefix(raw, "data:") ||
		strings.Contains(raw, "new-tab") ||
		strings.Contains(raw, "newtab")
}
