// Package bandit evaluates candidate rule sets against recorded site
// snapshots, decoupling learning from live crawls. Pulls simulate the
// effect of blocking on a chosen snapshot and return feedback plus reward.
package bandit

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/UCI-Networking-Group/AutoFR/engine/actionspace"
	"github.com/UCI-Networking-Group/AutoFR/engine/reward"
	"github.com/UCI-Networking-Group/AutoFR/engine/rules"
	"github.com/UCI-Networking-Group/AutoFR/engine/snapshot"
	"github.com/UCI-Networking-Group/AutoFR/engine/telemetry/metrics"
)

// Config tunes the controlled bandit.
type Config struct {
	// W is the breakage tolerance handed to the reward function.
	W float64
	// RewardFunc names the reward function in the registry.
	RewardFunc string
	// Seed seeds snapshot selection; 0 selects a fixed default seed (40).
	Seed int64
	// SelectByArm restricts snapshot selection to snapshots containing a
	// URL variant of at least one current arm, falling back to uniform.
	SelectByArm bool
	// ChunkThreshold is how many pulls are dispatched per worker chunk.
	ChunkThreshold int
	// Workers bounds the pull worker pool.
	Workers int
	// PullTimeoutSeconds bounds one pull; 0 disables the deadline. See
	// Controlled.PullBatch.
	PullTimeoutSeconds int
	// MatcherCacheCapacity bounds the compiled-matcher cache.
	MatcherCacheCapacity int
}

// PullResult is the outcome of evaluating one arm (rule set) against one
// snapshot.
type PullResult struct {
	Action       []string                       `json:"action"`
	SnapshotName string                         `json:"snapshot"`
	Feedback     reward.SiteFeedback            `json:"site_feedback"`
	Terms        reward.Terms                   `json:"reward_terms"`
	Matched      map[string][]rules.BlockRecord `json:"matched_records"`
	IsOptimal    bool                           `json:"is_optimal"`
}

// Controlled is the snapshot-backed bandit. All mutable state (RNG, choice
// history, optimal set) is owned by the agent goroutine; only Pull and the
// simulation run on workers.
type Controlled struct {
	cfg   Config
	snaps []*snapshot.Snapshot
	space *actionspace.Space

	baseline      reward.SiteFeedback
	baselineRange reward.Range

	rewardFn reward.Func
	rng      *rand.Rand
	matchers *rules.MatcherCache
	cache    *feedbackCache

	optimal       []string
	choiceHistory []string

	log     *logrus.Entry
	metrics metrics.Provider
}

// New builds a controlled bandit over the given snapshots.
func New(cfg Config, snaps []*snapshot.Snapshot, space *actionspace.Space,
	log *logrus.Entry, prov metrics.Provider) (*Controlled, error) {
	if cfg.ChunkThreshold <= 0 {
		cfg.ChunkThreshold = 2
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.ChunkThreshold
	}
	fn, err := reward.Lookup(cfg.RewardFunc)
	if err != nil {
		return nil, err
	}
	if prov == nil {
		prov = metrics.NewNoop()
	}
	b := &Controlled{
		cfg:      cfg,
		snaps:    sortedSnapshots(snaps),
		space:    space,
		rewardFn: fn,
		matchers: rules.NewMatcherCache(cfg.MatcherCacheCapacity),
		cache:    newFeedbackCache(),
		log:      log,
		metrics:  prov,
	}
	if cfg.Seed != 0 {
		b.rng = rand.New(rand.NewSource(cfg.Seed))
	} else {
		b.rng = rand.New(rand.NewSource(40))
	}
	var rng reward.Range
	for _, s := range b.snaps {
		rng.Add(reward.SiteFeedback{Ads: s.AdCount(), Images: s.ImageCount(), TextNodes: s.TextNodeCount()})
	}
	b.baselineRange = rng
	if avg, ok := rng.Average(true); ok {
		b.baseline = avg
	}
	return b, nil
}

func sortedSnapshots(snaps []*snapshot.Snapshot) []*snapshot.Snapshot {
	out := make([]*snapshot.Snapshot, len(snaps))
	copy(out, snaps)
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Baseline returns the averaged initial site feedback.
func (b *Controlled) Baseline() reward.SiteFeedback { return b.baseline }

// BaselineRange returns every baseline observation.
func (b *Controlled) BaselineRange() reward.Range { return b.baselineRange }

// Snapshots returns the snapshot set, sorted by name.
func (b *Controlled) Snapshots() []*snapshot.Snapshot { return b.snaps }

// ChoiceHistory returns the names of the snapshots chosen so far.
func (b *Controlled) ChoiceHistory() []string { return b.choiceHistory }

// SetOptimal records the current optimum arms for IsOptimal bookkeeping.
func (b *Controlled) SetOptimal(arms []string) { b.optimal = arms }

// Reset clears per-run state; the snapshot set and baseline survive.
func (b *Controlled) Reset() {
	b.optimal = nil
	b.choiceHistory = nil
	b.cache.clearMemory()
	if b.cfg.Seed != 0 {
		b.rng = rand.New(rand.NewSource(b.cfg.Seed))
	} else {
		b.rng = rand.New(rand.NewSource(40))
	}
}

func (b *Controlled) isOptimal(action []string) bool {
	if len(action) != len(b.optimal) {
		return false
	}
	for i := range action {
		if action[i] != b.optimal[i] {
			return false
		}
	}
	return true
}

// ChooseSnapshot picks the snapshot the next pull evaluates against. It
// must run on the owner goroutine: the seeded RNG is not shared with
// workers. With SelectByArm set it prefers snapshots that actually contain
// a URL variant of one of the actions, falling back to uniform choice.
func (b *Controlled) ChooseSnapshot(actions []string) *snapshot.Snapshot {
	chosen := b.chooseSnapshot(actions)
	b.choiceHistory = append(b.choiceHistory, chosen.Name())
	return chosen
}

func (b *Controlled) chooseSnapshot(actions []string) *snapshot.Snapshot {
	if !b.cfg.SelectByArm {
		return b.snaps[b.rng.Intn(len(b.snaps))]
	}
	var candidates []*snapshot.Snapshot
	seen := map[string]struct{}{}
	for _, arm := range actions {
		st, ok := b.space.Get(arm)
		if !ok {
			continue
		}
		for _, s := range b.snaps {
			if _, dup := seen[s.Name()]; dup {
				continue
			}
			matched := false
			for _, pattern := range rules.SplitArm(arm) {
				if s.HasURLVariant(pattern, st.Granularity) {
					matched = true
					break
				}
			}
			if matched {
				seen[s.Name()] = struct{}{}
				candidates = append(candidates, s)
			}
		}
	}
	if len(candidates) == 0 {
		b.log.Debugf("no snapshot contains %v, falling back to uniform choice", actions)
		return b.snaps[b.rng.Intn(len(b.snaps))]
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name() < candidates[j].Name() })
	return candidates[b.rng.Intn(len(candidates))]
}

// Pull evaluates one action (an arm, possibly multiple patterns) against
// the given snapshot. Safe to run on a worker: it only touches immutable
// snapshots, the matcher cache and the feedback cache.
func (b *Controlled) Pull(actions []string, snap *snapshot.Snapshot) (*PullResult, error) {
	ruleLines := make([]string, 0, len(actions))
	for _, a := range actions {
		ruleLines = append(ruleLines, rules.ArmRules(a)...)
	}
	key := cacheKey(snap.Name(), ruleLines)

	if cached, ok := b.cache.get(key); ok {
		b.metrics.IncCounter(metrics.CacheHitsTotal, 1)
		res := *cached
		res.Action = actions
		res.Terms = b.rewardFn(b.baseline, res.Feedback, b.cfg.W)
		res.IsOptimal = b.isOptimal(actions)
		b.log.Debugf("cache hit for %v on %s", actions, snap.Name())
		return &res, nil
	}

	matcher, err := b.matchers.Get(ruleLines)
	if err != nil {
		// A rule set that fails to compile matches nothing for this pull.
		b.log.Warnf("matcher compile failed for %v: %v", actions, err)
		matcher = nil
	}

	feedback, matched := b.simulate(snap, matcher)

	res := &PullResult{
		Action:       actions,
		SnapshotName: snap.Name(),
		Feedback:     feedback,
		Matched:      matched,
		Terms:        b.rewardFn(b.baseline, feedback, b.cfg.W),
		IsOptimal:    b.isOptimal(actions),
	}
	b.cache.put(key, res)
	b.metrics.IncCounter(metrics.PullsTotal, 1)
	b.log.Infof("pull %v on %s: %s -> %s", actions, snap.Name(), feedback, res.Terms)
	return res, nil
}

func cacheKey(snapshotName string, ruleLines []string) string {
	return fmt.Sprintf("%s|%s", snapshotName, rules.CanonicalKey(ruleLines))
}
