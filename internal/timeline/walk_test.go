package timeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/starford/guardian/internal/apperr"
)

// randomTree draws a tree of n nodes where node i hangs under some node < i.
func randomTree(t *rapid.T) *Graph {
	n := rapid.IntRange(1, 40).Draw(t, "n")
	g := New()
	if err := g.AddRoot(Node{ID: "n0", Title: "root", Kind: KindAction}); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	for i := 1; i < n; i++ {
		parent := rapid.IntRange(0, i-1).Draw(t, fmt.Sprintf("parent%d", i))
		kind := rapid.SampledFrom([]Kind{KindAction, KindDecision}).Draw(t, fmt.Sprintf("kind%d", i))
		if err := g.AppendChild(fmt.Sprintf("n%d", parent), Node{ID: fmt.Sprintf("n%d", i), Title: fmt.Sprintf("step %d", i), Kind: kind}); err != nil {
			t.Fatalf("AppendChild: %v", err)
		}
	}
	return g
}

func TestWalkVisitsEachReachableNodeOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := randomTree(t)

		if rapid.Bool().Draw(t, "cycle") {
			// Point some node back at an arbitrary node, possibly an ancestor.
			ids := g.IDs()
			from := rapid.SampledFrom(ids).Draw(t, "from")
			to := rapid.SampledFrom(ids).Draw(t, "to")
			g.nodes[from].Children = append(g.nodes[from].Children, to)
		}

		seen := make(map[string]int)
		g.Walk(func(n Node, _ int) { seen[n.ID]++ })

		if len(seen) != g.Len() {
			t.Fatalf("visited %d of %d nodes", len(seen), g.Len())
		}
		for id, c := range seen {
			if c != 1 {
				t.Fatalf("node %s visited %d times", id, c)
			}
		}

		rendered := g.Mermaid()
		for i := 0; i < g.Len(); i++ {
			def := fmt.Sprintf("    n%d[", i)
			alt := fmt.Sprintf("    n%d{", i)
			if strings.Count(rendered, def)+strings.Count(rendered, alt) != 1 {
				t.Fatalf("node n%d defined %d times in\n%s", i, strings.Count(rendered, def)+strings.Count(rendered, alt), rendered)
			}
		}
	})
}

func TestWalkSkipsDanglingAndUnreachable(t *testing.T) {
	g := sample(t)
	g.nodes["b"].Children = append(g.nodes["b"].Children, "ghost")
	g.nodes["island"] = &Node{ID: "island", Kind: KindAction}

	got := g.Reachable()
	assert.Equal(t, []string{"root", "pick", "a", "b", "b1"}, got)
}

func TestWalkDepth(t *testing.T) {
	g := sample(t)
	depths := make(map[string]int)
	g.Walk(func(n Node, d int) { depths[n.ID] = d })
	assert.Equal(t, map[string]int{"root": 0, "pick": 1, "a": 2, "b": 2, "b1": 3}, depths)
}

func TestActivePath(t *testing.T) {
	g := sample(t)

	path := g.ActivePath()
	require.Len(t, path, 2, "undecided decision ends the path")
	assert.Equal(t, "pick", path[1].ID)

	b := "b"
	require.NoError(t, g.Update("pick", Patch{ChosenChildID: &b}))
	var ids []string
	for _, n := range g.ActivePath() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"root", "pick", "b", "b1"}, ids)
	assert.Equal(t, int64(60_000+300_000), g.ActiveDuration())
}

func TestActivePathSurvivesCycle(t *testing.T) {
	g := sample(t)
	g.nodes["a"].Children = []string{"root"}
	a := "a"
	require.NoError(t, g.Update("pick", Patch{ChosenChildID: &a}))

	assert.Len(t, g.ActivePath(), 3)
}

func TestMermaid(t *testing.T) {
	g := sample(t)
	b := "b"
	require.NoError(t, g.Update("pick", Patch{ChosenChildID: &b}))
	title := `Say "hi"`
	require.NoError(t, g.Update("a", Patch{Title: &title}))

	want := `flowchart TD
    n0["Start (1m)"]
    n1{"Pick"}
    n2["Say #quot;hi#quot; (10m)"]
    n3["B"]
    n4["B1 (5m)"]
    n0 --> n1
    n1 --> n2
    n1 -->|chosen| n3
    n3 --> n4
`
	assert.Equal(t, want, g.Mermaid())
}

func TestMermaidEmpty(t *testing.T) {
	assert.Equal(t, "flowchart TD\n", New().Mermaid())
}

func TestOutline(t *testing.T) {
	g := sample(t)
	want := "- Start [1m]\n  ? Pick\n    - A [10m]\n    - B\n      - B1 [5m]\n"
	assert.Equal(t, want, g.Outline())
}

func TestFormatMillis(t *testing.T) {
	assert.Equal(t, "2h", formatMillis(7_200_000))
	assert.Equal(t, "90m", formatMillis(5_400_000))
	assert.Equal(t, "45s", formatMillis(45_000))
	assert.Equal(t, "1500ms", formatMillis(1500))
}

func TestRenderFormats(t *testing.T) {
	g := sample(t)
	out, err := g.Render("")
	require.NoError(t, err)
	assert.Equal(t, g.Mermaid(), out)

	out, err = g.Render(FormatOutline)
	require.NoError(t, err)
	assert.Equal(t, g.Outline(), out)

	_, err = g.Render("svg")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}
