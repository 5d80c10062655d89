package agent

import (
	"context"
	"math"
	"sort"

	"github.com/UCI-Networking-Group/AutoFR/engine/bandit"
	"github.com/UCI-Networking-Group/AutoFR/engine/telemetry/metrics"
)

// Run executes the round loop. Each round pulls N * |A| times, then
// classifies: arms above the noise threshold become final rules, arms below
// it are pruned, and arms inside the noise band are refined by waking their
// finer-grained successors into the next round. The loop ends when a round
// adds no successors or the round cap is reached.
func (a *Agent) Run(ctx context.Context) error {
	for round := 1; round <= a.cfg.MaxRounds; round++ {
		if len(a.currentArms) == 0 {
			break
		}
		a.metrics.SetGauge(metrics.CurrentRound, float64(round))
		a.roundHistory = append(a.roundHistory, a.t)
		a.log.Infof("round %d: %d arms, budget %d pulls",
			round, len(a.currentArms), a.cfg.IterationMultiplier*len(a.currentArms))

		if err := a.runRound(ctx); err != nil {
			return err
		}
		a.roundsRun++
		a.metrics.IncCounter(metrics.RoundsTotal, 1)

		a.classifyTracking()
		added := a.classifyByQ()
		a.seedPriors(a.currentArms)
		a.metrics.SetGauge(metrics.AwakeArms, float64(len(a.currentArms)))
		if !added {
			break
		}
	}
	return ctx.Err()
}

// runRound performs one round's pulls in chunks: picks are made on the
// owner goroutine (including snapshot selection), dispatched together, and
// their results applied in completion order before the next chunk.
func (a *Agent) runRound(ctx context.Context) error {
	budget := a.cfg.IterationMultiplier * len(a.currentArms)
	for trial := 0; trial < budget && len(a.currentArms) > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}
		var items []bandit.BatchItem
		for i := 0; i < a.cfg.ChunkThreshold && trial < budget; i++ {
			arm, err := a.policy.Choose(a.space, a.currentArms, a.t)
			if err != nil {
				return err
			}
			optima, err := a.policy.Optima(a.space, a.currentArms)
			if err != nil {
				return err
			}
			a.bandit.SetOptimal(optima)
			a.chosenActions = append(a.chosenActions, arm)
			items = append(items, bandit.BatchItem{
				Actions:  []string{arm},
				Snapshot: a.bandit.ChooseSnapshot([]string{arm}),
			})
			trial++
		}
		results := a.bandit.PullBatch(ctx, items)
		for _, res := range results {
			if len(res.Action) == 0 {
				continue
			}
			a.observe(res.Action[0], res)
		}
	}
	return nil
}

// classifyByQ partitions the round's arms by their Q value and installs the
// next round's arm set. Final arms are put to sleep rather than re-pulled;
// low-Q arms sleep and contribute their finer-grained successors. Reports
// whether any successor was added.
func (a *Agent) classifyByQ() bool {
	noise := a.cfg.NoiseThreshold
	var successors []string
	seen := map[string]struct{}{}
	for _, arm := range a.currentArms {
		seen[arm] = struct{}{}
	}

	for _, arm := range a.currentArms {
		st, _ := a.space.Get(arm)
		switch {
		case st.Q > noise:
			a.finalRules = append(a.finalRules, arm)
			a.log.Infof("arm %s is final (q=%.3f)", arm, st.Q)
		case st.Q < -noise:
			a.log.Infof("pruning arm %s (q=%.3f)", arm, st.Q)
		default:
			a.lowQRules = append(a.lowQRules, arm)
			for _, succ := range a.space.Successors(arm) {
				succState, ok := a.space.Get(succ)
				if !ok || succState.Sleeping {
					continue
				}
				if _, dup := seen[succ]; dup {
					continue
				}
				seen[succ] = struct{}{}
				successors = append(successors, succ)
				a.log.Infof("waking successor arm %s under %s", succ, arm)
			}
		}
		st.Sleeping = true
	}

	sort.Strings(successors)
	a.space.SetExplored(successors)
	a.currentArms = successors
	return len(successors) > 0
}

// classifyTracking moves arms whose observed effect is consistently "no
// ads removed, nothing visibly missing" into the tracking bucket before Q
// classification runs. Unknown arms never reach this point: a no-match pull
// already retired them.
func (a *Agent) classifyTracking() {
	threshold := a.cfg.TrackingThreshold
	var tracked []string
	for _, arm := range a.currentArms {
		h, ok := a.history[arm]
		if !ok || len(h.Actions) == 0 {
			continue
		}
		adMajority := majorityValue(h.Actions, func(o Observation) float64 { return o.AdRemoved })
		imageMajority := majorityValue(h.Actions, func(o Observation) float64 { return o.ImageMissing })
		textMajority := majorityValue(h.Actions, func(o Observation) float64 { return o.TextNodeMissing })
		if adMajority == 0 && imageMajority <= threshold && textMajority <= threshold {
			tracked = append(tracked, arm)
		}
	}
	for _, arm := range tracked {
		st, _ := a.space.Get(arm)
		st.Sleeping = true
		a.trackingRules = append(a.trackingRules, arm)
		a.removeArm(arm)
		a.log.Infof("arm %s classified as tracking", arm)
	}
}

// majorityValue returns the most frequent value of key over the series,
// rounded to two decimals first; ties resolve to the largest value among
// the most frequent.
func majorityValue(series []Observation, key func(Observation) float64) float64 {
	counts := map[float64]int{}
	for _, obs := range series {
		v := math.Round(key(obs)*100) / 100
		counts[v]++
	}
	best := 0.0
	bestCount := -1
	for v, c := range counts {
		if c > bestCount || (c == bestCount && v > best) {
			best = v
			bestCount = c
		}
	}
	return best
}
