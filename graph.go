package runbox

import (
	"fmt"
	"strings"
)

// GraphNode is one loaded module.
type GraphNode struct {
	Name      string `json:"name"`
	Isolation string `json:"isolation"`
	Origin    string `json:"origin"`
}

// GraphEdge means "From requires To".
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is a snapshot of the modules an instance has loaded.
type Graph struct {
	Instance string      `json:"instance"`
	Nodes    []GraphNode `json:"nodes"`
	Edges    []GraphEdge `json:"edges"`
}

// Graph returns the loaded modules, sorted by name, and their requires edges.
func (i *Instance) Graph() Graph {
	g := Graph{Instance: i.id}
	for _, name := range i.Modules() {
		u, ok := i.Loaded(name)
		if !ok {
			continue
		}
		g.Nodes = append(g.Nodes, GraphNode{
			Name:      name,
			Isolation: u.isolation.String(),
			Origin:    u.origin,
		})
		for _, dep := range u.requires {
			g.Edges = append(g.Edges, GraphEdge{From: name, To: dep})
		}
	}
	return g
}

// DOT exports Graphviz DOT text. Isolated modules are drawn as boxes.
func (g Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph runbox {\n")
	b.WriteString("  rankdir=LR;\n")

	aliases := make(map[string]string, len(g.Nodes))
	for i, n := range g.Nodes {
		alias := fmt.Sprintf("n%d", i)
		aliases[n.Name] = alias
		shape := "ellipse"
		if n.Isolation == Isolated.String() {
			shape = "box"
		}
		label := escapeDOT(n.Name) + "\\n(" + escapeDOT(n.Isolation) + ")"
		b.WriteString(fmt.Sprintf("  %s [label=\"%s\", shape=%s];\n", alias, label, shape))
	}
	for _, e := range g.Edges {
		from, okFrom := aliases[e.From]
		to, okTo := aliases[e.To]
		if !okFrom || !okTo {
			continue
		}
		b.WriteString(fmt.Sprintf("  %s -> %s;\n", from, to))
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid exports Mermaid graph text.
func (g Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	aliases := make(map[string]string, len(g.Nodes))
	for i, n := range g.Nodes {
		alias := fmt.Sprintf("n%d", i)
		aliases[n.Name] = alias
		label := escapeMermaid(n.Name) + "<br/>(" + escapeMermaid(n.Isolation) + ")"
		b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", alias, label))
	}
	for _, e := range g.Edges {
		from, okFrom := aliases[e.From]
		to, okTo := aliases[e.To]
		if !okFrom || !okTo {
			continue
		}
		b.WriteString(fmt.Sprintf("    %s --> %s\n", from, to))
	}
	return b.String()
}

// Text exports one line per module followed by its requirements.
func (g Graph) Text() string {
	var b strings.Builder
	requires := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		requires[e.From] = append(requires[e.From], e.To)
	}
	for _, n := range g.Nodes {
		b.WriteString(fmt.Sprintf("%s %s origin=%s", n.Name, n.Isolation, n.Origin))
		if deps := requires[n.Name]; len(deps) > 0 {
			b.WriteString(" requires=" + strings.Join(deps, ","))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}

func escapeMermaid(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}
