// Package actionspace holds the hierarchical bandit action space: one node
// per candidate filter pattern across URL granularities, with the learning
// state the agent mutates between rounds.
package actionspace

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/UCI-Networking-Group/AutoFR/engine/autofrerr"
	"github.com/UCI-Networking-Group/AutoFR/engine/internal/graphx"
	"github.com/UCI-Networking-Group/AutoFR/engine/urlkit"
)

// DefaultQ is the optimistic prior assigned to new arms.
const DefaultQ = 0.2

// State is the learning record of one arm.
type State struct {
	Granularity  urlkit.Granularity
	Q            float64
	Attempts     int
	UCB          float64
	Sleeping     bool
	Unknown      bool
	Explored     bool
	QFromPrior   bool
	CreationTime int
	Root         bool
}

func (s *State) clone() *State {
	c := *s
	return &c
}

// Space is the action-space graph plus the pristine copy Reset restores.
type Space struct {
	g        *graphx.Graph[*State]
	rootKey  string
	rootURL  string
	rootESLD string
	q0       float64
	built    bool
	pristine *graphx.Graph[*State]
	log      *logrus.Entry
}

// New returns an empty action space with the given optimistic prior.
func New(q0 float64, log *logrus.Entry) *Space {
	if q0 == 0 {
		q0 = DefaultQ
	}
	return &Space{g: graphx.New[*State](), q0: q0, log: log}
}

func (s *Space) newState(g urlkit.Granularity, creationTime int) *State {
	return &State{Granularity: g, Q: s.q0, CreationTime: creationTime}
}

// AddRoot installs the root sentinel for the site URL. The root is never
// sleeping, never unknown, and never chosen.
func (s *Space) AddRoot(siteURL string) error {
	v, err := urlkit.Decompose(siteURL)
	if err != nil || v.ESLD == "" {
		return fmt.Errorf("%w: %s", autofrerr.ErrRootMissing, siteURL)
	}
	s.rootURL = siteURL
	s.rootESLD = v.ESLD
	s.rootKey = siteURL + "_ROOT"
	s.g.AddNode(s.rootKey, &State{Root: true})
	return nil
}

// Root returns the root sentinel id.
func (s *Space) Root() string { return s.rootKey }

// RootURL returns the site URL the space was rooted at.
func (s *Space) RootURL() string { return s.rootURL }

// RootESLD returns the eSLD of the site root.
func (s *Space) RootESLD() string { return s.rootESLD }

// Graph exposes the underlying graph (policy and persistence use it).
func (s *Space) Graph() *graphx.Graph[*State] { return s.g }

// Contains reports whether arm is a node.
func (s *Space) Contains(arm string) bool { return s.g.Has(arm) }

// Get returns the learning state of an arm.
func (s *Space) Get(arm string) (*State, bool) {
	st, ok := s.g.Node(arm)
	return st, ok
}

// NodeCount returns the number of nodes.
func (s *Space) NodeCount() int { return s.g.Len() }

// EdgeCount returns the number of edges.
func (s *Space) EdgeCount() int { return s.g.EdgeCount() }

// ExploredCount returns how many arms have been explored.
func (s *Space) ExploredCount() int {
	n := 0
	for _, id := range s.g.Nodes() {
		if st, _ := s.g.Node(id); st != nil && st.Explored {
			n++
		}
	}
	return n
}

// AwakeCount counts non-sleeping arms, optionally restricted to one
// granularity.
func (s *Space) AwakeCount(gran ...urlkit.Granularity) int {
	n := 0
	for _, id := range s.g.Nodes() {
		if id == s.rootKey {
			continue
		}
		st, _ := s.g.Node(id)
		if st == nil || st.Sleeping {
			continue
		}
		if len(gran) > 0 && st.Granularity != gran[0] {
			continue
		}
		n++
	}
	return n
}

// Successors returns the children of arm, optionally restricted to one
// granularity.
func (s *Space) Successors(arm string, gran ...urlkit.Granularity) []string {
	var out []string
	for _, succ := range s.g.Successors(arm) {
		if len(gran) > 0 {
			st, _ := s.g.Node(succ)
			if st == nil || st.Granularity != gran[0] {
				continue
			}
		}
		out = append(out, succ)
	}
	return out
}

// SuccessorsByEdge returns the children of arm reached over edges of the
// given kind.
func (s *Space) SuccessorsByEdge(arm, kind string) []string {
	var out []string
	for _, succ := range s.g.Successors(arm) {
		if k, _ := s.g.EdgeKind(arm, succ); k == kind {
			out = append(out, succ)
		}
	}
	return out
}

// ArmsToInitialize returns the root's awake, known children: the arms the
// first round starts from.
func (s *Space) ArmsToInitialize() []string {
	var arms []string
	for _, succ := range s.g.Successors(s.rootKey) {
		st, _ := s.g.Node(succ)
		if st != nil && !st.Sleeping && !st.Unknown {
			arms = append(arms, succ)
		}
	}
	return arms
}

// SetExplored marks arms as explored. Explored is monotone; it is only
// cleared by Reset restoring the pristine copy.
func (s *Space) SetExplored(arms []string) {
	for _, arm := range arms {
		if st, ok := s.g.Node(arm); ok && st != nil {
			st.Explored = true
		}
	}
}

// Reset restores the action space to its state right after Build and
// discards all learning state.
func (s *Space) Reset() error {
	if !s.built {
		return fmt.Errorf("reset: %w", autofrerr.ErrMissingActionSpace)
	}
	s.g = s.pristine.CopyWith(func(st *State) *State { return st.clone() })
	return nil
}

// Built reports whether Build has completed.
func (s *Space) Built() bool { return s.built }
