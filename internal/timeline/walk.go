package timeline

// Walk visits every node reachable from the root depth-first, parents before
// children and children in list order. Each node is visited at most once even
// if the links contain a cycle. Unreachable nodes are skipped and a child
// reference that does not resolve simply ends that branch.
func (g *Graph) Walk(fn func(n Node, depth int)) {
	if g.rootID == "" {
		return
	}
	g.walkFrom(g.rootID, make(map[string]struct{}, len(g.nodes)), 0, fn)
}

func (g *Graph) walkFrom(id string, seen map[string]struct{}, depth int, fn func(Node, int)) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	if _, dup := seen[id]; dup {
		return
	}
	seen[id] = struct{}{}
	fn(n.clone(), depth)
	for _, c := range n.Children {
		g.walkFrom(c, seen, depth+1, fn)
	}
}

// Reachable returns the identifiers visited by Walk, in visit order.
func (g *Graph) Reachable() []string {
	out := make([]string, 0, len(g.nodes))
	g.Walk(func(n Node, _ int) {
		out = append(out, n.ID)
	})
	return out
}

// ActivePath follows the timeline from the root: a decision continues into
// its chosen child (and stops when none is chosen), an action continues into
// its first child.
func (g *Graph) ActivePath() []Node {
	var path []Node
	seen := make(map[string]struct{})
	id := g.rootID
	for id != "" {
		n, ok := g.nodes[id]
		if !ok {
			break
		}
		if _, dup := seen[id]; dup {
			break
		}
		seen[id] = struct{}{}
		path = append(path, n.clone())

		id = ""
		switch n.Kind {
		case KindDecision:
			id = n.ChosenChildID
		default:
			if len(n.Children) > 0 {
				id = n.Children[0]
			}
		}
	}
	return path
}

// ActiveDuration sums the default durations along ActivePath, in milliseconds.
func (g *Graph) ActiveDuration() int64 {
	var total int64
	for _, n := range g.ActivePath() {
		total += n.Duration()
	}
	return total
}
