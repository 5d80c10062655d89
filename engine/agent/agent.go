// Package agent drives the learning loop: it owns the Q-tables through the
// action space, chooses arms through the policy, submits pulls to the
// bandit, and partitions arms into final, low-Q, tracking and unknown
// rules.
package agent

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/UCI-Networking-Group/AutoFR/engine/actionspace"
	"github.com/UCI-Networking-Group/AutoFR/engine/autofrerr"
	"github.com/UCI-Networking-Group/AutoFR/engine/bandit"
	"github.com/UCI-Networking-Group/AutoFR/engine/policy"
	"github.com/UCI-Networking-Group/AutoFR/engine/reward"
	"github.com/UCI-Networking-Group/AutoFR/engine/rules"
	"github.com/UCI-Networking-Group/AutoFR/engine/telemetry/metrics"
)

// Config tunes the agent.
type Config struct {
	// NoiseThreshold separates final (> +noise), prunable (< -noise) and
	// low-Q arms.
	NoiseThreshold float64
	// TrackingThreshold bounds the image/text majority for tracking arms.
	TrackingThreshold float64
	// Gamma is the fixed learning rate; nil means 1/(attempts+1).
	Gamma *float64
	// Q0 is the optimistic prior.
	Q0 float64
	// IterationMultiplier N gives each round a budget of N * |A| pulls.
	IterationMultiplier int
	// MaxRounds caps the number of rounds.
	MaxRounds int
	// ChunkThreshold is how many picks are dispatched per worker chunk.
	ChunkThreshold int
}

// Observation is one recorded outcome for an arm.
type Observation struct {
	Time            int     `json:"time"`
	Q               float64 `json:"q"`
	UCB             float64 `json:"q_ucb"`
	Reward          float64 `json:"reward"`
	AdRemoved       float64 `json:"ad_removed"`
	ImageMissing    float64 `json:"image_missing"`
	TextNodeMissing float64 `json:"textnode_missing"`
	Ads             int     `json:"ad_counter"`
	Images          int     `json:"image_counter"`
	TextNodes       int     `json:"textnode_counter"`
	Arm             string  `json:"arm"`
}

// ArmHistory keeps the three observation series of one arm.
type ArmHistory struct {
	Init    []Observation `json:"init_action_times"`
	Actions []Observation `json:"action_times"`
	NoMatch []Observation `json:"no_match_action_times"`
}

// Agent is single-threaded: every method runs on the owner goroutine, and
// only the bandit's worker pool runs elsewhere.
type Agent struct {
	cfg     Config
	space   *actionspace.Space
	bandit  *bandit.Controlled
	policy  policy.UCB
	log     *logrus.Entry
	metrics metrics.Provider

	t           int
	currentArms []string

	finalRules    []string
	lowQRules     []string
	unknownRules  []string
	trackingRules []string

	history       map[string]*ArmHistory
	roundHistory  []int
	chosenActions []string
	roundsRun     int
}

// New wires an agent to its collaborators.
func New(cfg Config, space *actionspace.Space, b *bandit.Controlled, pol policy.UCB,
	log *logrus.Entry, prov metrics.Provider) *Agent {
	if cfg.IterationMultiplier <= 0 {
		cfg.IterationMultiplier = 100
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}
	if cfg.ChunkThreshold <= 0 {
		cfg.ChunkThreshold = 2
	}
	if prov == nil {
		prov = metrics.NewNoop()
	}
	return &Agent{
		cfg:     cfg,
		space:   space,
		bandit:  b,
		policy:  pol,
		log:     log,
		metrics: prov,
		t:       1,
		history: map[string]*ArmHistory{},
	}
}

// CurrentArms returns the awake arm list.
func (a *Agent) CurrentArms() []string { return append([]string(nil), a.currentArms...) }

// FinalRules returns the arms whose Q ended above the noise threshold.
func (a *Agent) FinalRules() []string { return append([]string(nil), a.finalRules...) }

// LowQRules returns the arms that were refined into finer successors.
func (a *Agent) LowQRules() []string { return append([]string(nil), a.lowQRules...) }

// UnknownRules returns the arms whose rules never matched anything.
func (a *Agent) UnknownRules() []string { return append([]string(nil), a.unknownRules...) }

// TrackingRules returns the arms classified as tracking-only.
func (a *Agent) TrackingRules() []string { return append([]string(nil), a.trackingRules...) }

// RoundsRun returns the number of completed rounds.
func (a *Agent) RoundsRun() int { return a.roundsRun }

// History exposes the per-arm observation series.
func (a *Agent) History() map[string]*ArmHistory { return a.history }

func (a *Agent) armHistory(arm string) *ArmHistory {
	h, ok := a.history[arm]
	if !ok {
		h = &ArmHistory{}
		a.history[arm] = h
	}
	return h
}

func (a *Agent) observation(arm string, terms reward.Terms, feedback reward.SiteFeedback) Observation {
	st, _ := a.space.Get(arm)
	obs := Observation{
		Time:            a.t,
		Reward:          terms.Reward,
		AdRemoved:       terms.AdRemoved,
		ImageMissing:    terms.ImageMissing,
		TextNodeMissing: terms.TextNodeMissing,
		Ads:             feedback.Ads,
		Images:          feedback.Images,
		TextNodes:       feedback.TextNodes,
		Arm:             arm,
	}
	if st != nil {
		obs.Q = st.Q
		obs.UCB = st.UCB
	}
	return obs
}

// Initialize seeds every awake root arm with the optimistic prior,
// assuming its pattern blocks successfully, and puts arms whose variant
// appears in no snapshot to sleep as unknown. Returns ErrNoViableArms when
// nothing is left to explore.
func (a *Agent) Initialize() error {
	arms := a.space.ArmsToInitialize()
	a.log.Infof("initializing %d arms", len(arms))

	for _, arm := range arms {
		st, ok := a.space.Get(arm)
		if !ok {
			return fmt.Errorf("%w: %s", autofrerr.ErrPolicyMissingQValue, arm)
		}
		if a.armKnownToSnapshots(arm) {
			a.currentArms = append(a.currentArms, arm)
			continue
		}
		st.Sleeping = true
		st.Unknown = true
		a.unknownRules = append(a.unknownRules, arm)
		a.log.Debugf("arm %s appears in no snapshot, marking unknown", arm)
	}

	a.seedPriors(a.currentArms)

	a.metrics.SetGauge(metrics.AwakeArms, float64(len(a.currentArms)))
	if len(a.currentArms) == 0 {
		return autofrerr.ErrNoViableArms
	}
	return nil
}

// seedPriors gives every freshly woken arm its optimistic prior, recording
// the assumed-successful observation in the init series. Runs at
// initialization and again whenever refinement wakes successors.
func (a *Agent) seedPriors(arms []string) {
	for _, arm := range arms {
		st, ok := a.space.Get(arm)
		if !ok || st.QFromPrior || st.Sleeping {
			continue
		}
		a.space.SetExplored([]string{arm})
		st.QFromPrior = true
		terms := reward.Terms{Reward: a.cfg.Q0, AdRemoved: 1, PageIntact: 1}
		a.applyQ(st, terms.Reward)
		h := a.armHistory(arm)
		h.Init = append(h.Init, a.observation(arm, terms, reward.SiteFeedback{}))
	}
}

// armKnownToSnapshots reports whether any snapshot contains a URL variant
// of any of the arm's patterns at the arm's granularity.
func (a *Agent) armKnownToSnapshots(arm string) bool {
	st, ok := a.space.Get(arm)
	if !ok {
		return false
	}
	for _, snap := range a.bandit.Snapshots() {
		for _, pattern := range rules.SplitArm(arm) {
			if snap.HasURLVariant(pattern, st.Granularity) {
				return true
			}
		}
	}
	return false
}

// applyQ updates an arm's Q toward the reward with the configured learning
// rate (fixed gamma, or 1/(attempts+1) counting the prior as the first
// observation).
func (a *Agent) applyQ(st *actionspace.State, rewardValue float64) {
	g := 0.0
	if a.cfg.Gamma != nil {
		g = *a.cfg.Gamma
	} else {
		g = 1 / float64(st.Attempts+1)
	}
	st.Q += g * (rewardValue - st.Q)
}

// hasBlocked reports whether any of the arm's own rules produced a match in
// the pull.
func hasBlocked(arm string, matched map[string][]rules.BlockRecord) bool {
	for _, rule := range rules.ArmRules(arm) {
		if len(matched[rule]) > 0 {
			return true
		}
	}
	return false
}

// observe applies one pull result. A pull whose rules matched nothing
// permanently retires the arm as unknown without touching its Q or attempt
// count; otherwise the attempt is counted and Q moves toward the reward.
func (a *Agent) observe(arm string, res *bandit.PullResult) bool {
	st, ok := a.space.Get(arm)
	if !ok {
		return false
	}
	if !hasBlocked(arm, res.Matched) {
		st.Sleeping = true
		if !st.Unknown {
			st.Unknown = true
			a.unknownRules = append(a.unknownRules, arm)
		}
		a.removeArm(arm)
		h := a.armHistory(arm)
		h.NoMatch = append(h.NoMatch, a.observation(arm, res.Terms, res.Feedback))
		a.log.Infof("arm %s matched nothing, retiring as unknown", arm)
		return false
	}
	st.Attempts++
	a.applyQ(st, res.Terms.Reward)
	h := a.armHistory(arm)
	h.Actions = append(h.Actions, a.observation(arm, res.Terms, res.Feedback))
	a.log.Infof("arm %s: reward %.2f -> q %.3f (attempt %d)", arm, res.Terms.Reward, st.Q, st.Attempts)
	a.t++
	return true
}

func (a *Agent) removeArm(arm string) {
	for i, cur := range a.currentArms {
		if cur == arm {
			a.currentArms = append(a.currentArms[:i], a.currentArms[i+1:]...)
			return
		}
	}
}
