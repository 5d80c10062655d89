package actionspace

import (
	"fmt"
	"sort"

	"github.com/UCI-Networking-Group/AutoFR/engine/initiator"
	"github.com/UCI-Networking-Group/AutoFR/engine/internal/graphx"
	"github.com/UCI-Networking-Group/AutoFR/engine/urlkit"
)

// Build constructs the action space from the per-iteration trace files.
// The ordering is load-bearing: eSLD arms first (with their initiator
// edges), then orphan fix-up, then the FQDN layer bucketed per eSLD, then
// the FQDN+path layer bucketed per FQDN.
func (s *Space) Build(siteURL string, traceFiles []string) error {
	s.g = graphx.New[*State]()
	if err := s.AddRoot(siteURL); err != nil {
		return err
	}

	sorted := make([]string, len(traceFiles))
	copy(sorted, traceFiles)
	sort.Strings(sorted)

	raws := make([]*initiator.Graph, 0, len(sorted))
	for _, path := range sorted {
		events, err := initiator.ParseTraceFile(path, s.log)
		if err != nil {
			return err
		}
		raws = append(raws, initiator.BuildGraph(events, s.rootESLD))
	}

	nodeTime := 0
	for i, raw := range raws {
		view := initiator.ByType(raw, urlkit.ESLD, s.rootESLD)
		s.addESLDView(view, nodeTime+i+1)
	}
	s.attachOrphanESLDs()
	nodeTime += len(raws)

	fqdnViews := make([]*initiator.Graph, 0, len(raws))
	for _, raw := range raws {
		fqdnViews = append(fqdnViews, initiator.ByType(raw, urlkit.FQDN, s.rootESLD))
	}
	if err := s.addFQDNLayer(fqdnViews, nodeTime+1); err != nil {
		return err
	}
	nodeTime += len(fqdnViews)

	pathViews := make([]*initiator.Graph, 0, len(raws))
	for _, raw := range raws {
		pathViews = append(pathViews, initiator.ByType(raw, urlkit.FQDNPath, s.rootESLD))
	}
	s.addFQDNPathLayer(pathViews, nodeTime+1)

	s.pristine = s.g.CopyWith(func(st *State) *State { return st.clone() })
	s.built = true
	return nil
}

// addChildToRoot hangs the eSLD of domain directly under the root sentinel.
func (s *Space) addChildToRoot(domain string, nodeTime int) {
	v, err := urlkit.Decompose(domain)
	if err != nil || v.ESLD == "" || s.g.Has(v.ESLD) {
		return
	}
	s.g.AddNode(v.ESLD, s.newState(urlkit.ESLD, nodeTime))
	s.g.AddEdge(s.rootKey, v.ESLD, graphx.EdgeInitiator)
}

// addESLDView transfers one iteration's eSLD view into the space and wires
// the collected root children (and the first party itself) to the root.
func (s *Space) addESLDView(view *initiator.Graph, nodeTime int) {
	rootChildren := s.transfer(urlkit.ESLD, view, nodeTime)

	seen := map[string]struct{}{}
	for _, child := range rootChildren {
		if _, dup := seen[child]; dup {
			continue
		}
		seen[child] = struct{}{}
		if !s.g.Has(child) {
			s.addChildToRoot(child, nodeTime)
		} else {
			s.g.AddEdge(s.rootKey, child, graphx.EdgeInitiator)
		}
	}

	if !s.g.Has(s.rootESLD) {
		s.addChildToRoot(s.rootESLD, nodeTime)
	} else {
		s.g.AddEdge(s.rootKey, s.rootESLD, graphx.EdgeInitiator)
	}
}

// attachOrphanESLDs gives every parentless eSLD arm a root edge.
func (s *Space) attachOrphanESLDs() {
	for _, id := range s.g.Nodes() {
		if id == s.rootKey {
			continue
		}
		st, _ := s.g.Node(id)
		if st != nil && st.Granularity == urlkit.ESLD && s.g.InDegree(id) == 0 {
			s.g.AddEdge(s.rootKey, id, graphx.EdgeInitiator)
		}
	}
}

// addFQDNLayer buckets the FQDN views per containing eSLD arm, merges each
// bucket across iterations, transfers it, and hangs parentless FQDN arms
// under their eSLD.
func (s *Space) addFQDNLayer(views []*initiator.Graph, nodeTime int) error {
	buckets := map[string]*initiator.Graph{}
	var order []string
	for _, view := range views {
		for _, id := range s.g.Nodes() {
			st, _ := s.g.Node(id)
			if st == nil || st.Granularity != urlkit.ESLD || id == s.rootKey {
				continue
			}
			restricted := initiator.BuildGraphForNode(view, urlkit.ESLD, id)
			if cur, ok := buckets[id]; ok {
				initiator.Transfer(cur, urlkit.ESLD, s.rootESLD, restricted)
			} else {
				buckets[id] = restricted
				order = append(order, id)
			}
		}
	}
	sort.Strings(order)
	for _, id := range order {
		s.transfer(urlkit.FQDN, buckets[id], nodeTime)
	}

	for _, id := range s.g.Nodes() {
		st, _ := s.g.Node(id)
		if st == nil || st.Granularity != urlkit.FQDN || s.g.InDegree(id) > 0 {
			continue
		}
		v, err := urlkit.Decompose(id)
		if err != nil {
			continue
		}
		if !s.g.Has(v.ESLD) {
			return fmt.Errorf("missing eSLD %s while attaching FQDN arm %s", v.ESLD, id)
		}
		s.g.AddEdge(v.ESLD, id, graphx.EdgeFinerGrain)
	}
	return nil
}

// addFQDNPathLayer buckets the FQDN+path views per FQDN arm (and per
// childless eSLD arm, which can adopt path arms directly), merges, and
// hangs parentless path arms under their FQDN or eSLD.
func (s *Space) addFQDNPathLayer(views []*initiator.Graph, nodeTime int) {
	buckets := map[string]*initiator.Graph{}
	var order []string
	for _, view := range views {
		for _, id := range s.g.Nodes() {
			st, _ := s.g.Node(id)
			if st == nil || id == s.rootKey {
				continue
			}
			eligible := st.Granularity == urlkit.FQDN ||
				(st.Granularity == urlkit.ESLD && s.g.OutDegree(id) == 0)
			if !eligible {
				continue
			}
			restricted := initiator.BuildGraphForNode(view, urlkit.FQDN, id)
			if cur, ok := buckets[id]; ok {
				initiator.Transfer(cur, urlkit.FQDN, s.rootESLD, restricted)
			} else {
				buckets[id] = restricted
				order = append(order, id)
			}
		}
	}
	sort.Strings(order)
	for _, id := range order {
		s.transfer(urlkit.FQDNPath, buckets[id], nodeTime)
	}

	for _, id := range s.g.Nodes() {
		st, _ := s.g.Node(id)
		if st == nil || st.Granularity != urlkit.FQDNPath || s.g.InDegree(id) > 0 {
			continue
		}
		v, err := urlkit.Decompose(id)
		if err != nil {
			continue
		}
		switch {
		case s.g.Has(v.FQDN):
			s.g.AddEdge(v.FQDN, id, graphx.EdgeFinerGrain)
		case s.g.Has(v.ESLD):
			s.g.AddEdge(v.ESLD, id, graphx.EdgeFinerGrain)
		}
	}
}

// transfer copies an initiator view into the action space at granularity t,
// creating missing arms and rejecting any edge that would close a cycle.
// Children of the view's root are returned via the root-children list and
// attached by the caller.
func (s *Space) transfer(t urlkit.Granularity, view *initiator.Graph, nodeTime int) []string {
	consider := func(id string) bool {
		if id == "" {
			return false
		}
		switch t {
		case urlkit.ESLD:
			return true
		case urlkit.FQDN:
			v, err := urlkit.Decompose(id)
			if err != nil {
				return false
			}
			return !s.g.Has(id) && urlkit.IsRealFQDN(id, []string{v.ESLD})
		case urlkit.FQDNPath:
			v, err := urlkit.Decompose(id)
			if err != nil {
				return false
			}
			return !s.g.Has(id) && v.Path != ""
		}
		return true
	}

	addArm := func(id string) {
		if !s.g.Has(id) {
			s.g.AddNode(id, s.newState(t, nodeTime))
		}
	}

	var rootChildren []string
	for _, id := range view.Nodes() {
		if id == s.rootESLD {
			rootChildren = append(rootChildren, view.Predecessors(id)...)
			continue
		}
		n, _ := view.Node(id)
		if n.IsRoot || !consider(id) {
			continue
		}
		addArm(id)
		for _, parent := range view.Predecessors(id) {
			if parent == s.rootESLD {
				rootChildren = append(rootChildren, id)
				continue
			}
			pn, _ := view.Node(parent)
			if pn.IsRoot || !consider(parent) {
				continue
			}
			addArm(parent)
			if !s.g.HasEdge(parent, id) && !s.g.HasPath(id, parent) {
				s.g.AddEdge(parent, id, graphx.EdgeInitiator)
			}
		}
	}
	return rootChildren
}
