package agent

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/UCI-Networking-Group/AutoFR/engine/reward"
	"github.com/UCI-Networking-Group/AutoFR/engine/rules"
	"github.com/UCI-Networking-Group/AutoFR/engine/urlkit"
)

// Output file names inside the run directory.
const (
	HistoryFileName       = "history.json"
	FinalRulesFileName    = "final_rules.txt"
	LowQRulesFileName     = "low_q_rules.txt"
	TrackingRulesFileName = "tracking_rules.txt"
	UnknownRulesFileName  = "unknown_rules.txt"
)

type agentInfo struct {
	ConfidenceLevel float64               `json:"confidence_level"`
	Gamma           string                `json:"gamma"`
	W               float64               `json:"w"`
	InitStates      []reward.SiteFeedback `json:"init_states"`
	InitStateMin    reward.SiteFeedback   `json:"init_state_min"`
	InitStateMax    reward.SiteFeedback   `json:"init_state_max"`
	InitStateAvg    reward.SiteFeedback   `json:"init_state_average"`
}

type actionSpaceInfo struct {
	TotalNodes    int `json:"total_nodes"`
	TotalEdges    int `json:"total_edges"`
	ExploredNodes int `json:"explored_nodes"`
}

type historyFile struct {
	AgentInfo       agentInfo              `json:"agent_info"`
	ActionSpace     actionSpaceInfo        `json:"action_space"`
	RoundHistory    []int                  `json:"round_history"`
	ChosenActions   []string               `json:"chosen_actions"`
	SnapshotChoices []string               `json:"snapshot_choices"`
	Arms            map[string]*ArmHistory `json:"dh_nodes_history"`
}

// Save writes the action space, the per-arm history, and the four filter
// lists (plus the iframe-scoped lists extracted from the snapshots) into
// dir.
func (a *Agent) Save(dir string, w float64) error {
	if err := a.space.Save(dir); err != nil {
		return fmt.Errorf("save action space: %w", err)
	}

	gammaLabel := "1overN"
	if a.cfg.Gamma != nil {
		gammaLabel = fmt.Sprintf("%g", *a.cfg.Gamma)
	}
	rng := a.bandit.BaselineRange()
	minState, _ := rng.Min()
	maxState, _ := rng.Max()
	avgState, _ := rng.Average(true)
	hist := historyFile{
		AgentInfo: agentInfo{
			ConfidenceLevel: a.policy.C,
			Gamma:           gammaLabel,
			W:               w,
			InitStates:      rng.Feedbacks,
			InitStateMin:    minState,
			InitStateMax:    maxState,
			InitStateAvg:    avgState,
		},
		ActionSpace: actionSpaceInfo{
			TotalNodes:    a.space.NodeCount(),
			TotalEdges:    a.space.EdgeCount(),
			ExploredNodes: a.space.ExploredCount(),
		},
		RoundHistory:    a.roundHistory,
		ChosenActions:   a.chosenActions,
		SnapshotChoices: a.bandit.ChoiceHistory(),
		Arms:            a.history,
	}
	payload, err := jsoniter.MarshalIndent(hist, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, HistoryFileName), payload, 0o644); err != nil {
		return err
	}

	for name, arms := range map[string][]string{
		FinalRulesFileName:    a.finalRules,
		LowQRulesFileName:     a.lowQRules,
		TrackingRulesFileName: a.trackingRules,
	} {
		if err := a.writeValuedList(filepath.Join(dir, name), arms); err != nil {
			return err
		}
	}
	f, err := os.Create(filepath.Join(dir, UnknownRulesFileName))
	if err != nil {
		return err
	}
	if err := rules.WriteList(f, a.unknownRules); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return a.saveIframeRules(dir)
}

func (a *Agent) writeValuedList(path string, arms []string) error {
	values := map[string]rules.ArmValues{}
	for _, arm := range arms {
		v := rules.ArmValues{}
		if st, ok := a.space.Get(arm); ok {
			v.QValue = st.Q
		}
		if h, ok := a.history[arm]; ok && len(h.Actions) > 0 {
			n := float64(len(h.Actions))
			for _, obs := range h.Actions {
				v.Reward += obs.Reward / n
				v.AdRemoved += obs.AdRemoved / n
				v.ImageMissing += obs.ImageMissing / n
				v.TextNodeMissing += obs.TextNodeMissing / n
				v.Ads += float64(obs.Ads) / n
				v.Images += float64(obs.Images) / n
				v.TextNodes += float64(obs.TextNodes) / n
			}
		}
		values[arm] = v
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return rules.WriteListWithValues(f, values, nil)
}

// saveIframeRules emits the $subdocument rule lists derived from the
// scripts found inside ad-flagged iframe subtrees, one file per
// granularity.
func (a *Agent) saveIframeRules(dir string) error {
	byGranularity := map[urlkit.Granularity]map[string]struct{}{
		urlkit.ESLD:     {},
		urlkit.FQDN:     {},
		urlkit.FQDNPath: {},
	}
	for _, snap := range a.bandit.Snapshots() {
		for _, u := range snap.ExtractAdIframeScriptURLs() {
			v, err := urlkit.Decompose(u)
			if err != nil {
				continue
			}
			if v.ESLD != "" {
				byGranularity[urlkit.ESLD][rules.BuildSubdocumentRule(v.ESLD)] = struct{}{}
			}
			if v.FQDN != "" {
				byGranularity[urlkit.FQDN][rules.BuildSubdocumentRule(v.FQDN)] = struct{}{}
			}
			if v.FQDNPath != "" {
				byGranularity[urlkit.FQDNPath][rules.BuildSubdocumentRule(v.FQDNPath)] = struct{}{}
			}
		}
	}
	for gran, ruleSet := range byGranularity {
		if len(ruleSet) == 0 {
			continue
		}
		lines := make([]string, 0, len(ruleSet))
		for rule := range ruleSet {
			lines = append(lines, rule)
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("iframe_rules_%s.txt", gran)))
		if err != nil {
			return err
		}
		if err := rules.WriteRawList(f, lines); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
