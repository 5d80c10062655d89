// Package rules implements the compatible subset of the filter-rule syntax
// the engine emits and evaluates: domain-anchored block rules, whitelist
// rules, and the iframe-scoped $subdocument variant.
package rules

import (
	"fmt"
	"io"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// ArmDelimiter joins multiple patterns into one arm name. Each pattern is
// emitted as its own rule line.
const ArmDelimiter = ";;"

const (
	domainStart     = "||"
	separatorSuffix = "^"
	whitelistStart  = "@@"
	optionDelim     = "$"
)

// Preamble is the fixed ABP-style header written at the top of every filter
// list file.
var Preamble = []string{
	"[Adblock Plus 3.1]",
	"! Version: 202012162200",
	"! Title: AutoFR filters",
	"! Expires: 1 hours (update frequency)",
	"! Filter list synthesized by AutoFR",
}

// BuildRule turns a pattern into a block rule. Patterns without a path get
// the terminating separator caret; patterns carrying a path do not.
func BuildRule(pattern string) string {
	if strings.Contains(pattern, "/") {
		return domainStart + pattern
	}
	return domainStart + pattern + separatorSuffix
}

// BuildWhitelistRule turns a pattern into a whitelist rule.
func BuildWhitelistRule(pattern string) string {
	return whitelistStart + domainStart + pattern
}

// BuildSubdocumentRule turns a pattern into an iframe-scoped block rule.
func BuildSubdocumentRule(pattern string) string {
	return BuildRule(pattern) + optionDelim + "subdocument"
}

// SplitArm splits an arm name into its patterns.
func SplitArm(arm string) []string {
	return strings.Split(arm, ArmDelimiter)
}

// ArmRules returns the rule lines for one arm.
func ArmRules(arm string) []string {
	patterns := SplitArm(arm)
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, BuildRule(p))
	}
	return out
}

// CanonicalKey returns the canonical identity of a rule set: the sorted
// rules joined by newline. Used as cache key for compiled matchers and
// recorded pull responses.
func CanonicalKey(ruleLines []string) string {
	sorted := make([]string, len(ruleLines))
	copy(sorted, ruleLines)
	sort.Strings(sorted)
	return strings.Join(sorted, "\n")
}

// ArmValues carries the per-arm diagnostics written as a comment line above
// each arm's rules in a value-annotated filter list.
type ArmValues struct {
	QValue          float64 `json:"q_value"`
	Reward          float64 `json:"reward"`
	AdRemoved       float64 `json:"ad_removed"`
	ImageMissing    float64 `json:"image_missing"`
	TextNodeMissing float64 `json:"textnode_missing"`
	Ads             float64 `json:"ad_counter"`
	Images          float64 `json:"image_counter"`
	TextNodes       float64 `json:"textnode_counter"`
}

// WriteListWithValues writes a filter list whose arms are annotated with
// their learned values, ordered by descending Q then arm name.
func WriteListWithValues(w io.Writer, arms map[string]ArmValues, whitelist []string) error {
	for _, line := range Preamble {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	ordered := make([]string, 0, len(arms))
	for arm := range arms {
		ordered = append(ordered, arm)
	}
	sort.Slice(ordered, func(i, j int) bool {
		qi, qj := arms[ordered[i]].QValue, arms[ordered[j]].QValue
		if qi != qj {
			return qi > qj
		}
		return ordered[i] < ordered[j]
	})
	for _, arm := range ordered {
		comment, err := jsoniter.MarshalToString(arms[arm])
		if err != nil {
			return fmt.Errorf("marshal arm values: %w", err)
		}
		if _, err := fmt.Fprintf(w, "! %s\n", comment); err != nil {
			return err
		}
		for _, rule := range ArmRules(arm) {
			if _, err := fmt.Fprintln(w, rule); err != nil {
				return err
			}
		}
	}
	for _, pattern := range whitelist {
		if _, err := fmt.Fprintln(w, BuildWhitelistRule(pattern)); err != nil {
			return err
		}
	}
	return nil
}

// WriteList writes a plain filter list from arm names.
func WriteList(w io.Writer, arms []string) error {
	for _, line := range Preamble {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	sorted := make([]string, len(arms))
	copy(sorted, arms)
	sort.Strings(sorted)
	for _, arm := range sorted {
		for _, rule := range ArmRules(arm) {
			if _, err := fmt.Fprintln(w, rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteRawList writes pre-built rule lines (already in rule syntax).
func WriteRawList(w io.Writer, ruleLines []string) error {
	for _, line := range Preamble {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	sorted := make([]string, len(ruleLines))
	copy(sorted, ruleLines)
	sort.Strings(sorted)
	for _, rule := range sorted {
		if _, err := fmt.Fprintln(w, rule); err != nil {
			return err
		}
	}
	return nil
}

// ParseList reads a filter list back into its rule lines, skipping the
// preamble, comments and bracketed header lines.
func ParseList(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "!") || strings.HasPrefix(line, "[") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}
