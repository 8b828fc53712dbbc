// Package visualize renders the spec tree of a composite publication as a diagram.
package visualize

import (
	"fmt"
	"strings"

	"github.com/emicklei/dot"

	"github.com/l7mp/dpublish/pkg/publish"
)

// Graph is the visualization graph of a publication spec tree.
type Graph struct {
	Name  string
	Nodes []SpecNode
	Edges []Edge
}

// SpecNode is a single spec in the tree.
type SpecNode struct {
	// Path is the position of the spec in the tree, e.g., "root/1/0".
	Path       string
	Name       string
	Collection string
	DependsOn  []string
	Leaf       bool
}

// Edge connects a spec to a child spec. Back edges point to a spec already rendered elsewhere in
// the tree, i.e., a shared or a recursive spec.
type Edge struct {
	From, To string
	Back     bool
}

// BuildGraph constructs a visualization graph from a root spec. Shared and recursive specs are
// rendered once.
func BuildGraph(name string, spec *publish.Spec) *Graph {
	g := &Graph{Name: name, Nodes: []SpecNode{}, Edges: []Edge{}}
	if spec != nil {
		g.walk(spec, "root", map[*publish.Spec]string{})
	}
	return g
}

func (g *Graph) walk(spec *publish.Spec, path string, seen map[*publish.Spec]string) {
	seen[spec] = path
	g.Nodes = append(g.Nodes, SpecNode{
		Path:       path,
		Name:       spec.Name,
		Collection: spec.CollectionName,
		DependsOn:  spec.DependsOn,
		Leaf:       len(spec.Children) == 0,
	})

	for i, child := range spec.Children {
		if child == nil {
			continue
		}
		if to, ok := seen[child]; ok {
			g.Edges = append(g.Edges, Edge{From: path, To: to, Back: true})
			continue
		}
		childPath := fmt.Sprintf("%s/%d", path, i)
		g.Edges = append(g.Edges, Edge{From: path, To: childPath})
		g.walk(child, childPath, seen)
	}
}

// Label returns the display label of a spec node.
func (n SpecNode) Label() string {
	label := n.Path
	if n.Name != "" {
		label = n.Name
	}
	if n.Collection != "" {
		label += " as " + n.Collection
	}
	if len(n.DependsOn) > 0 {
		label += fmt.Sprintf(" [%s]", strings.Join(n.DependsOn, ", "))
	}
	return label
}

// BuildDotGraph creates a dot.Graph from the visualization graph.
// This unified graph can then be rendered in different formats (DOT, Mermaid, etc.).
func BuildDotGraph(g *Graph) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR")
	graph.Attr("label", g.Name)
	graph.Attr("labelloc", "t")
	graph.Attr("fontsize", "16")

	nodes := make(map[string]dot.Node)
	for _, n := range g.Nodes {
		fill := "lightblue"
		if n.Leaf {
			fill = "lightgreen"
		}
		nodes[n.Path] = graph.Node(n.Path).
			Attr("label", n.Label()).
			Attr("shape", "box").
			Attr("style", "filled,rounded").
			Attr("fillcolor", fill).
			Attr("fontname", "helvetica")
	}

	for _, e := range g.Edges {
		from, ok1 := nodes[e.From]
		to, ok2 := nodes[e.To]
		if !ok1 || !ok2 {
			continue
		}
		edge := graph.Edge(from, to).
			Attr("label", "per document").
			Attr("fontname", "helvetica").
			Attr("fontsize", "10")
		if e.Back {
			edge.Attr("style", "dashed").Attr("color", "blue")
		}
	}

	return graph
}
