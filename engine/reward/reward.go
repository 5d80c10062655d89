// Package reward maps before/after page observations to the scalar reward
// driving the bandit, together with its diagnostic terms.
package reward

import (
	"fmt"
	"math"
	"sort"
)

// SiteFeedback is one observation of a page: how many ad, image and text
// nodes it rendered.
type SiteFeedback struct {
	Ads       int `json:"ad_counter"`
	Images    int `json:"image_counter"`
	TextNodes int `json:"textnode_counter"`
}

func (f SiteFeedback) String() string {
	return fmt.Sprintf("ads=%d images=%d textnodes=%d", f.Ads, f.Images, f.TextNodes)
}

// Range aggregates the feedback of several baseline observations.
type Range struct {
	Feedbacks []SiteFeedback `json:"site_feedbacks"`
}

// Add appends one observation.
func (r *Range) Add(f SiteFeedback) { r.Feedbacks = append(r.Feedbacks, f) }

// Min returns the per-counter minimum, ok=false when empty.
func (r *Range) Min() (SiteFeedback, bool) {
	return r.fold(func(a, b int) bool { return b < a })
}

// Max returns the per-counter maximum, ok=false when empty.
func (r *Range) Max() (SiteFeedback, bool) {
	return r.fold(func(a, b int) bool { return b > a })
}

func (r *Range) fold(better func(a, b int) bool) (SiteFeedback, bool) {
	if len(r.Feedbacks) == 0 {
		return SiteFeedback{}, false
	}
	out := r.Feedbacks[0]
	for _, f := range r.Feedbacks[1:] {
		if better(out.Ads, f.Ads) {
			out.Ads = f.Ads
		}
		if better(out.Images, f.Images) {
			out.Images = f.Images
		}
		if better(out.TextNodes, f.TextNodes) {
			out.TextNodes = f.TextNodes
		}
	}
	return out, true
}

// Average returns the rounded per-counter average. With ignoreNoAds set,
// observations without ads are left out of the average entirely.
func (r *Range) Average(ignoreNoAds bool) (SiteFeedback, bool) {
	var used []SiteFeedback
	for _, f := range r.Feedbacks {
		if ignoreNoAds && f.Ads == 0 {
			continue
		}
		used = append(used, f)
	}
	if len(used) == 0 {
		return SiteFeedback{}, false
	}
	var ads, images, texts float64
	for _, f := range used {
		ads += float64(f.Ads)
		images += float64(f.Images)
		texts += float64(f.TextNodes)
	}
	n := float64(len(used))
	return SiteFeedback{
		Ads:       int(math.Round(ads / n)),
		Images:    int(math.Round(images / n)),
		TextNodes: int(math.Round(texts / n)),
	}, true
}

// Terms is the reward together with its diagnostic components. Reward is in
// [-1, 1]; every other term is in [0, 1].
type Terms struct {
	Reward          float64 `json:"reward"`
	AdRemoved       float64 `json:"ad_removed"`
	ImageMissing    float64 `json:"image_missing"`
	TextNodeMissing float64 `json:"textnode_missing"`
	Breakage        float64 `json:"breakage"`
	PageIntact      float64 `json:"page_intact"`
}

func (t Terms) String() string {
	return fmt.Sprintf("reward=%.2f ad_removed=%.2f image_missing=%.2f textnode_missing=%.2f page_intact=%.2f",
		t.Reward, t.AdRemoved, t.ImageMissing, t.TextNodeMissing, t.PageIntact)
}

// Func computes reward terms from the baseline observation, the observation
// under the candidate rules, and the breakage tolerance w.
type Func func(baseline, observed SiteFeedback, w float64) Terms

// terms computes the shared diagnostic components. A surplus of a content
// type never counts against the rule, and each ratio saturates at 1.
func terms(baseline, observed SiteFeedback) Terms {
	var t Terms
	if baseline.Ads > 0 {
		ads := observed.Ads
		if ads > baseline.Ads {
			ads = baseline.Ads
		}
		t.AdRemoved = clip01(float64(baseline.Ads-ads) / float64(baseline.Ads))
	}
	if baseline.Images > 0 {
		t.ImageMissing = clip01(float64(baseline.Images-observed.Images) / float64(baseline.Images))
	}
	if baseline.TextNodes > 0 {
		t.TextNodeMissing = clip01(float64(baseline.TextNodes-observed.TextNodes) / float64(baseline.TextNodes))
	}
	t.Breakage = (t.ImageMissing + t.TextNodeMissing) / 2
	t.PageIntact = 1 - t.Breakage
	return t
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ByCases is the default reward: a rule that blocks no ads always scores
// -1; a rule that breaks the page beyond tolerance scores 0; otherwise the
// reward is the fraction of ads removed.
func ByCases(baseline, observed SiteFeedback, w float64) Terms {
	t := terms(baseline, observed)
	switch {
	case t.AdRemoved <= 0:
		t.Reward = -1
	case t.PageIntact < w:
		t.Reward = 0
	default:
		t.Reward = t.AdRemoved
	}
	return t
}

// ByCasesName is the registry name of the default reward function.
const ByCasesName = "cases-v1"

var registry = map[string]Func{
	ByCasesName: ByCases,
}

// Lookup resolves a reward function by name.
func Lookup(name string) (Func, error) {
	if f, ok := registry[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("unknown reward function %q (have %v)", name, Names())
}

// Names lists the registered reward functions.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
