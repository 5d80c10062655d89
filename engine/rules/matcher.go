package rules

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/UCI-Networking-Group/AutoFR/engine/autofrerr"
)

// BlockRecord records one rule hit: which rule matched which URL.
type BlockRecord struct {
	Rule       string `json:"filter_rule"`
	URLBlocked string `json:"url_blocked"`
}

// Matcher evaluates URLs against a compiled rule set. Whitelist rules are
// consulted first: a whitelist hit always wins over every block rule.
type Matcher struct {
	allow []compiledRule
	block []compiledRule
}

type compiledRule struct {
	raw         string
	pattern     string
	terminated  bool
	subdocument bool
}

// Compile parses rule lines into a Matcher. Unsupported lines fail
// compilation; callers treat a failed rule set as matching nothing.
func Compile(ruleLines []string) (*Matcher, error) {
	m := &Matcher{}
	for _, line := range ruleLines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		allow := strings.HasPrefix(line, whitelistStart)
		body := strings.TrimPrefix(line, whitelistStart)
		if !strings.HasPrefix(body, domainStart) {
			return nil, fmt.Errorf("%w: unsupported rule %q", autofrerr.ErrMatcherFailure, line)
		}
		body = strings.TrimPrefix(body, domainStart)
		cr := compiledRule{raw: line}
		if i := strings.Index(body, optionDelim); i >= 0 {
			opt := body[i+1:]
			if opt != "subdocument" {
				return nil, fmt.Errorf("%w: unsupported option %q", autofrerr.ErrMatcherFailure, line)
			}
			cr.subdocument = true
			body = body[:i]
		}
		if strings.HasSuffix(body, separatorSuffix) {
			cr.terminated = true
			body = strings.TrimSuffix(body, separatorSuffix)
		}
		if body == "" {
			return nil, fmt.Errorf("%w: empty pattern %q", autofrerr.ErrMatcherFailure, line)
		}
		cr.pattern = body
		if allow {
			m.allow = append(m.allow, cr)
		} else {
			m.block = append(m.block, cr)
		}
	}
	return m, nil
}

// ShouldBlock evaluates a URL. When blocked is false and rules matched, the
// returned records are the whitelist hits that prevented blocking.
func (m *Matcher) ShouldBlock(rawURL string) (blocked bool, matched []BlockRecord) {
	target, host := normalizeTarget(rawURL)
	if target == "" {
		return false, nil
	}
	for _, r := range m.allow {
		if r.match(target, host) {
			matched = append(matched, BlockRecord{Rule: r.raw, URLBlocked: rawURL})
		}
	}
	if len(matched) > 0 {
		return false, matched
	}
	for _, r := range m.block {
		if r.match(target, host) {
			matched = append(matched, BlockRecord{Rule: r.raw, URLBlocked: rawURL})
		}
	}
	return len(matched) > 0, matched
}

// normalizeTarget strips the scheme and query so that rules match against
// "host/path". The host length bounds the label-boundary check.
func normalizeTarget(rawURL string) (target, host string) {
	parseable := rawURL
	if !strings.Contains(parseable, "://") {
		parseable = "http://" + parseable
	}
	u, err := url.Parse(parseable)
	if err != nil || u.Hostname() == "" {
		return "", ""
	}
	return u.Hostname() + u.Path, u.Hostname()
}

func isSeparator(c byte) bool {
	switch c {
	case '/', ':', '?', '&', '=', ';', ',':
		return true
	}
	return false
}

// match implements domain-anchored matching: the pattern must begin at the
// host start or at a subdomain label boundary; a terminated rule must be
// followed by a separator or the end of the target.
func (r compiledRule) match(target, host string) bool {
	from := 0
	for {
		i := strings.Index(target[from:], r.pattern)
		if i < 0 {
			return false
		}
		p := from + i
		boundary := p == 0 || (p <= len(host) && target[p-1] == '.')
		if boundary {
			end := p + len(r.pattern)
			if !r.terminated {
				return true
			}
			if end == len(target) || isSeparator(target[end]) {
				return true
			}
		}
		from = p + 1
	}
}

// MatcherCache holds compiled matchers keyed by canonical rule-set string.
// It is read-mostly; insertion serializes on the mutex, and a simple
// capacity bound keeps growth in check.
type MatcherCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*Matcher
}

// NewMatcherCache returns a cache bounded to capacity entries.
func NewMatcherCache(capacity int) *MatcherCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &MatcherCache{capacity: capacity, entries: make(map[string]*Matcher)}
}

// Get compiles (or returns the cached) matcher for the rule set.
func (c *MatcherCache) Get(ruleLines []string) (*Matcher, error) {
	key := CanonicalKey(ruleLines)
	c.mu.Lock()
	if m, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	m, err := Compile(ruleLines)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.capacity {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key] = m
	return m, nil
}

// Len returns the number of cached matchers.
func (c *MatcherCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
