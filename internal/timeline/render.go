package timeline

import (
	"fmt"
	"strings"
)

// Render formats.
const (
	FormatMermaid = "mermaid"
	FormatOutline = "outline"
)

// Render returns the graph in the named format. The empty format selects
// Mermaid.
func (g *Graph) Render(format string) (string, error) {
	switch format {
	case "", FormatMermaid:
		return g.Mermaid(), nil
	case FormatOutline:
		return g.Outline(), nil
	default:
		return "", invalidf("unknown render format %q", format)
	}
}

var mermaidEscaper = strings.NewReplacer(`"`, "#quot;", "\n", " ", "\r", "")

// Mermaid renders the reachable part of the graph as a Mermaid flowchart.
// Node labels use generated identifiers (n0, n1, ...) in walk order because
// stored ids may contain characters Mermaid does not accept. Decision nodes
// are drawn as rhombi and the edge to a chosen child is labelled.
func (g *Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")

	alias := make(map[string]string, len(g.nodes))
	var order []Node
	g.Walk(func(n Node, _ int) {
		alias[n.ID] = fmt.Sprintf("n%d", len(order))
		order = append(order, n)
	})

	for _, n := range order {
		label := mermaidEscaper.Replace(n.Title)
		if d := n.Duration(); d > 0 {
			label += fmt.Sprintf(" (%s)", formatMillis(d))
		}
		if n.Kind == KindDecision {
			fmt.Fprintf(&b, "    %s{\"%s\"}\n", alias[n.ID], label)
		} else {
			fmt.Fprintf(&b, "    %s[\"%s\"]\n", alias[n.ID], label)
		}
	}
	for _, n := range order {
		for _, c := range n.Children {
			to, ok := alias[c]
			if !ok {
				continue
			}
			if n.Kind == KindDecision && n.ChosenChildID == c {
				fmt.Fprintf(&b, "    %s -->|chosen| %s\n", alias[n.ID], to)
			} else {
				fmt.Fprintf(&b, "    %s --> %s\n", alias[n.ID], to)
			}
		}
	}
	return b.String()
}

// Outline renders the reachable graph as an indented plain-text list.
func (g *Graph) Outline() string {
	var b strings.Builder
	g.Walk(func(n Node, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		if n.Kind == KindDecision {
			b.WriteString("? ")
		} else {
			b.WriteString("- ")
		}
		b.WriteString(n.Title)
		if d := n.Duration(); d > 0 {
			fmt.Fprintf(&b, " [%s]", formatMillis(d))
		}
		b.WriteByte('\n')
	})
	return b.String()
}

func formatMillis(ms int64) string {
	switch {
	case ms%3_600_000 == 0:
		return fmt.Sprintf("%dh", ms/3_600_000)
	case ms%60_000 == 0:
		return fmt.Sprintf("%dm", ms/60_000)
	case ms%1000 == 0:
		return fmt.Sprintf("%ds", ms/1000)
	default:
		return fmt.Sprintf("%dms", ms)
	}
}
