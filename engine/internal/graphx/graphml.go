package graphx

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
)

// Document is the attribute-level view of a graph used for GraphML
// persistence. Domain packages convert to and from their typed payloads.
type Document struct {
	Nodes []DocNode
	Edges []DocEdge
}

// DocNode is one node with its string attributes.
type DocNode struct {
	ID    string
	Attrs map[string]string
}

// DocEdge is one directed edge. The edge kind travels as the "edge_type"
// attribute, matching the snapshot file format.
type DocEdge struct {
	Source string
	Target string
	Kind   string
}

const edgeTypeAttr = "edge_type"

type xmlGraphML struct {
	XMLName xml.Name `xml:"graphml"`
	Keys    []xmlKey `xml:"key"`
	Graph   xmlGraph `xml:"graph"`
}

type xmlKey struct {
	ID       string `xml:"id,attr"`
	For      string `xml:"for,attr"`
	AttrName string `xml:"attr.name,attr"`
	AttrType string `xml:"attr.type,attr"`
}

type xmlGraph struct {
	EdgeDefault string    `xml:"edgedefault,attr"`
	Nodes       []xmlNode `xml:"node"`
	Edges       []xmlEdge `xml:"edge"`
}

type xmlNode struct {
	ID   string    `xml:"id,attr"`
	Data []xmlData `xml:"data"`
}

type xmlEdge struct {
	Source string    `xml:"source,attr"`
	Target string    `xml:"target,attr"`
	Data   []xmlData `xml:"data"`
}

type xmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

// EncodeGraphML writes doc as a GraphML document. All attributes are typed
// as strings; keys are emitted in sorted order for stable output.
func EncodeGraphML(w io.Writer, doc Document) error {
	names := map[string]struct{}{}
	for _, n := range doc.Nodes {
		for k := range n.Attrs {
			names[k] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(names))
	for k := range names {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	out := xmlGraphML{Graph: xmlGraph{EdgeDefault: "directed"}}
	keyID := map[string]string{}
	for i, name := range sorted {
		id := fmt.Sprintf("d%d", i)
		keyID[name] = id
		out.Keys = append(out.Keys, xmlKey{ID: id, For: "node", AttrName: name, AttrType: "string"})
	}
	edgeKey := fmt.Sprintf("d%d", len(sorted))
	out.Keys = append(out.Keys, xmlKey{ID: edgeKey, For: "edge", AttrName: edgeTypeAttr, AttrType: "string"})

	for _, n := range doc.Nodes {
		xn := xmlNode{ID: n.ID}
		attrs := make([]string, 0, len(n.Attrs))
		for k := range n.Attrs {
			attrs = append(attrs, k)
		}
		sort.Strings(attrs)
		for _, k := range attrs {
			xn.Data = append(xn.Data, xmlData{Key: keyID[k], Value: n.Attrs[k]})
		}
		out.Graph.Nodes = append(out.Graph.Nodes, xn)
	}
	for _, e := range doc.Edges {
		xe := xmlEdge{Source: e.Source, Target: e.Target}
		if e.Kind != "" {
			xe.Data = append(xe.Data, xmlData{Key: edgeKey, Value: e.Kind})
		}
		out.Graph.Edges = append(out.Graph.Edges, xe)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode graphml: %w", err)
	}
	return enc.Flush()
}

// DecodeGraphML parses a GraphML document back into its attribute view.
func DecodeGraphML(r io.Reader) (Document, error) {
	var in xmlGraphML
	if err := xml.NewDecoder(r).Decode(&in); err != nil {
		return Document{}, fmt.Errorf("decode graphml: %w", err)
	}
	attrName := map[string]string{}
	for _, k := range in.Keys {
		attrName[k.ID] = k.AttrName
	}
	doc := Document{}
	for _, xn := range in.Graph.Nodes {
		n := DocNode{ID: xn.ID, Attrs: map[string]string{}}
		for _, d := range xn.Data {
			name := attrName[d.Key]
			if name == "" {
				name = d.Key
			}
			n.Attrs[name] = d.Value
		}
		doc.Nodes = append(doc.Nodes, n)
	}
	for _, xe := range in.Graph.Edges {
		e := DocEdge{Source: xe.Source, Target: xe.Target}
		for _, d := range xe.Data {
			if attrName[d.Key] == edgeTypeAttr || d.Key == edgeTypeAttr {
				e.Kind = d.Value
			}
		}
		doc.Edges = append(doc.Edges, e)
	}
	return doc, nil
}
