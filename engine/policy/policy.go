// Package policy scores awake arms and picks the next one to pull.
package policy

import (
	"fmt"
	"math"
	"sort"

	"github.com/UCI-Networking-Group/AutoFR/engine/actionspace"
	"github.com/UCI-Networking-Group/AutoFR/engine/autofrerr"
)

// UCB is an upper-confidence-bound policy over the current arms. It is
// stateless apart from its parameters; the per-arm bookkeeping lives in the
// action space.
type UCB struct {
	// C scales the exploration bonus.
	C float64
	// Exponent is the p in (ln(t+1)/(attempts+1))^(1/p).
	Exponent float64
}

// NewUCB returns a policy with the given confidence level and the default
// exponent of 2.
func NewUCB(c float64) UCB {
	return UCB{C: c, Exponent: 2}
}

func (p UCB) String() string {
	return fmt.Sprintf("UCB(c=%g)", p.C)
}

func (p UCB) bonus(attempts, trial int) float64 {
	exp := p.Exponent
	if exp == 0 {
		exp = 2
	}
	return p.C * math.Pow(math.Log(float64(trial+1))/float64(attempts+1), 1/exp)
}

// Choose scores every arm and returns the one with the highest UCB value.
// Arms are sorted before scoring, so ties break on the lexicographically
// smallest arm and runs are reproducible. The computed score is written
// back to each arm's state.
func (p UCB) Choose(space *actionspace.Space, arms []string, trial int) (string, error) {
	if len(arms) == 0 {
		return "", fmt.Errorf("choose: no arms")
	}
	sorted := make([]string, len(arms))
	copy(sorted, arms)
	sort.Strings(sorted)

	best := ""
	bestScore := math.Inf(-1)
	for _, arm := range sorted {
		st, ok := space.Get(arm)
		if !ok || st == nil {
			return "", fmt.Errorf("%w: %s", autofrerr.ErrPolicyMissingQValue, arm)
		}
		score := st.Q + p.bonus(st.Attempts, trial)
		st.UCB = score
		if score > bestScore {
			bestScore = score
			best = arm
		}
	}
	return best, nil
}

// Optima returns every arm whose Q equals the current maximum.
func (p UCB) Optima(space *actionspace.Space, arms []string) ([]string, error) {
	if len(arms) == 0 {
		return nil, nil
	}
	sorted := make([]string, len(arms))
	copy(sorted, arms)
	sort.Strings(sorted)

	maxQ := math.Inf(-1)
	for _, arm := range sorted {
		st, ok := space.Get(arm)
		if !ok || st == nil {
			return nil, fmt.Errorf("%w: %s", autofrerr.ErrPolicyMissingQValue, arm)
		}
		if st.Q > maxQ {
			maxQ = st.Q
		}
	}
	var out []string
	for _, arm := range sorted {
		st, _ := space.Get(arm)
		if st.Q == maxQ {
			out = append(out, arm)
		}
	}
	return out, nil
}
