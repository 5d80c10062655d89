package actionspace

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/UCI-Networking-Group/AutoFR/engine/internal/graphx"
	"github.com/UCI-Networking-Group/AutoFR/engine/urlkit"
)

// File names inside the output directory.
const (
	GraphFileName  = "action_space.graphml"
	ValuesFileName = "action_values.csv"
)

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Save writes the action-space graph as GraphML and the explored arms'
// values as CSV into dir.
func (s *Space) Save(dir string) error {
	doc := graphx.Document{}
	for _, id := range s.g.Nodes() {
		st, _ := s.g.Node(id)
		attrs := map[string]string{"name": id}
		if st.Root {
			attrs["root"] = "true"
		} else {
			attrs["type"] = st.Granularity.String()
			attrs["q_value"] = formatFloat(st.Q)
			attrs["qucb_value"] = formatFloat(st.UCB)
			attrs["action_attempts"] = strconv.Itoa(st.Attempts)
			attrs["sleeping"] = formatBool(st.Sleeping)
			attrs["unknown"] = formatBool(st.Unknown)
			attrs["explored"] = formatBool(st.Explored)
			attrs["time"] = strconv.Itoa(st.CreationTime)
		}
		doc.Nodes = append(doc.Nodes, graphx.DocNode{ID: id, Attrs: attrs})
	}
	for _, u := range s.g.Nodes() {
		for _, v := range s.g.Successors(u) {
			kind, _ := s.g.EdgeKind(u, v)
			doc.Edges = append(doc.Edges, graphx.DocEdge{Source: u, Target: v, Kind: kind})
		}
	}

	gf, err := os.Create(filepath.Join(dir, GraphFileName))
	if err != nil {
		return err
	}
	defer gf.Close()
	if err := graphx.EncodeGraphML(gf, doc); err != nil {
		return err
	}

	cf, err := os.Create(filepath.Join(dir, ValuesFileName))
	if err != nil {
		return err
	}
	defer cf.Close()
	w := csv.NewWriter(cf)
	if err := w.Write([]string{"action", "type", "q_value", "action_attempts", "sleeping", "unknown"}); err != nil {
		return err
	}
	for _, id := range s.g.Nodes() {
		st, _ := s.g.Node(id)
		if st.Root || !st.Explored {
			continue
		}
		row := []string{
			id,
			st.Granularity.String(),
			formatFloat(st.Q),
			strconv.Itoa(st.Attempts),
			formatBool(st.Sleeping),
			formatBool(st.Unknown),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// Load reads a previously saved action space back from its GraphML file.
// The loaded space is marked built so Reset works against it.
func Load(path, siteURL string, log *logrus.Entry) (*Space, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	doc, err := graphx.DecodeGraphML(f)
	if err != nil {
		return nil, err
	}

	s := New(DefaultQ, log)
	if err := s.AddRoot(siteURL); err != nil {
		return nil, err
	}
	s.g = graphx.New[*State]()
	for _, dn := range doc.Nodes {
		if dn.Attrs["root"] == "true" {
			s.rootKey = dn.ID
			s.g.AddNode(dn.ID, &State{Root: true})
			continue
		}
		gran, err := urlkit.ParseGranularity(dn.Attrs["type"])
		if err != nil {
			return nil, fmt.Errorf("load %s: node %s: %w", path, dn.ID, err)
		}
		st := &State{Granularity: gran}
		st.Q, _ = strconv.ParseFloat(dn.Attrs["q_value"], 64)
		st.UCB, _ = strconv.ParseFloat(dn.Attrs["qucb_value"], 64)
		st.Attempts, _ = strconv.Atoi(dn.Attrs["action_attempts"])
		st.CreationTime, _ = strconv.Atoi(dn.Attrs["time"])
		st.Sleeping = dn.Attrs["sleeping"] == "true"
		st.Unknown = dn.Attrs["unknown"] == "true"
		st.Explored = dn.Attrs["explored"] == "true"
		s.g.AddNode(dn.ID, st)
	}
	for _, de := range doc.Edges {
		s.g.AddEdge(de.Source, de.Target, de.Kind)
	}
	s.pristine = s.g.CopyWith(func(st *State) *State { return st.clone() })
	s.built = true
	return s, nil
}
