package bandit

import (
	"github.com/UCI-Networking-Group/AutoFR/engine/reward"
	"github.com/UCI-Networking-Group/AutoFR/engine/rules"
	"github.com/UCI-Networking-Group/AutoFR/engine/snapshot"
)

// simulate walks the snapshot breadth-first from its root, blocking
// URL-bearing nodes the matcher hits and refusing to visit nodes whose only
// live approach is a dom edge shadowed by a non-dom predecessor. Counting
// happens during the walk; iframes and already-counted content get a second
// pass against the blocked ancestor set.
func (b *Controlled) simulate(snap *snapshot.Snapshot, matcher *rules.Matcher) (reward.SiteFeedback, map[string][]rules.BlockRecord) {
	g := snap.Graph()
	root := snap.Root()

	var feedback reward.SiteFeedback
	matched := map[string][]rules.BlockRecord{}

	visited := map[string]struct{}{}
	blocked := map[string]struct{}{}
	var iframeNodes []string
	var imagesCounted []string
	var textsCounted []string

	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}

		data, _ := g.Node(cur)
		isBlocked := false
		if cur != root && matcher != nil {
			if u := data.URL(); u != "" {
				hit, records := matcher.ShouldBlock(u)
				isBlocked = hit
				if hit {
					for _, r := range records {
						if !containsRecord(matched[r.Rule], r) {
							matched[r.Rule] = append(matched[r.Rule], r)
						}
					}
					blocked[cur] = struct{}{}
				}
			}
		}
		if isBlocked {
			continue
		}

		if cur != root {
			if data.IsIframe() {
				iframeNodes = append(iframeNodes, cur)
			} else {
				if data.Ad {
					feedback.Ads++
				}
				if data.Image {
					feedback.Images++
					imagesCounted = append(imagesCounted, cur)
				}
				if data.TextNode {
					feedback.TextNodes++
					textsCounted = append(textsCounted, cur)
				}
			}
		}

		for _, succ := range g.Successors(cur) {
			if _, seen := visited[succ]; seen {
				continue
			}
			kind, _ := g.EdgeKind(cur, succ)
			if kind == snapshot.EdgeDom && snap.HasNonDomPredecessor(succ) {
				// A non-dom edge owns this node's traversal; the dom
				// approach must not smuggle it in.
				continue
			}
			queue = append(queue, succ)
		}
	}

	ancestorBlocked := func(id string) bool {
		for _, anc := range g.Ancestors(id) {
			if _, hit := blocked[anc]; hit {
				return true
			}
		}
		return false
	}

	// Iframes defer counting to this pass: a blocked ancestor blocks the
	// iframe, otherwise it contributes like any other node.
	for _, id := range uniqueStrings(iframeNodes) {
		if len(blocked) > 0 && ancestorBlocked(id) {
			blocked[id] = struct{}{}
			continue
		}
		data, _ := g.Node(id)
		if data.Ad {
			feedback.Ads++
		}
		if data.Image {
			feedback.Images++
		}
		if data.TextNode {
			feedback.TextNodes++
		}
	}

	if len(blocked) > 0 {
		for _, id := range uniqueStrings(imagesCounted) {
			if ancestorBlocked(id) {
				blocked[id] = struct{}{}
				feedback.Images--
			}
		}
		for _, id := range uniqueStrings(textsCounted) {
			if ancestorBlocked(id) {
				blocked[id] = struct{}{}
				feedback.TextNodes--
			}
		}
	}

	// Partition everything blocked or never reached by content type, then
	// apply the controlled-mode correction: a rule that demonstrably never
	// touched a content type cannot be credited with changing it.
	var adsBlocked, imagesBlocked, textsBlocked int
	countBlocked := func(id string) {
		data, ok := g.Node(id)
		if !ok {
			return
		}
		switch {
		case data.Ad:
			adsBlocked++
		case data.Image:
			imagesBlocked++
		case data.TextNode:
			textsBlocked++
		}
	}
	for id := range blocked {
		countBlocked(id)
	}
	for _, id := range g.Nodes() {
		if _, seen := visited[id]; seen {
			continue
		}
		if _, alreadyBlocked := blocked[id]; alreadyBlocked {
			continue
		}
		countBlocked(id)
	}

	if adsBlocked == 0 {
		feedback.Ads = b.baseline.Ads
	}
	if imagesBlocked == 0 {
		feedback.Images = b.baseline.Images
	}
	if textsBlocked == 0 {
		feedback.TextNodes = b.baseline.TextNodes
	}

	return feedback, matched
}

func containsRecord(records []rules.BlockRecord, r rules.BlockRecord) bool {
	for _, have := range records {
		if have == r {
			return true
		}
	}
	return false
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
