package timeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/guardian/internal/apperr"
)

func ms(v int64) *int64 { return &v }

// sample builds:
//
//	root (action)
//	└── pick (decision)
//	    ├── a (action, 10m)
//	    └── b (action)
//	        └── b1 (action, 5m)
func sample(t *testing.T) *Graph {
	t.Helper()
	g := New()
	require.NoError(t, g.AddRoot(Node{ID: "root", Title: "Start", Kind: KindAction, DefaultDuration: ms(60_000)}))
	require.NoError(t, g.AppendChild("root", Node{ID: "pick", Title: "Pick", Kind: KindDecision}))
	require.NoError(t, g.AppendChild("pick", Node{ID: "a", Title: "A", Kind: KindAction, DefaultDuration: ms(600_000)}))
	require.NoError(t, g.AppendChild("pick", Node{ID: "b", Title: "B", Kind: KindAction}))
	require.NoError(t, g.AppendChild("b", Node{ID: "b1", Title: "B1", Kind: KindAction, DefaultDuration: ms(300_000)}))
	return g
}

func TestAddRootTwice(t *testing.T) {
	g := New()
	require.NoError(t, g.AddRoot(Node{ID: "r", Kind: KindAction}))
	err := g.AddRoot(Node{ID: "r2", Kind: KindAction})
	assert.True(t, errors.Is(err, apperr.ErrAlreadyExists))
}

func TestAppendChild(t *testing.T) {
	g := sample(t)

	pick, ok := g.Node("pick")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, pick.Children)

	b1, _ := g.Node("b1")
	assert.Equal(t, "b", b1.ParentID)
	assert.NoError(t, g.Validate())
}

func TestAppendChildErrors(t *testing.T) {
	g := sample(t)

	err := g.AppendChild("ghost", Node{ID: "x", Kind: KindAction})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	err = g.AppendChild("root", Node{ID: "a", Kind: KindAction})
	assert.True(t, errors.Is(err, apperr.ErrAlreadyExists))

	err = g.AppendChild("root", Node{ID: "x", Kind: "milestone"})
	assert.True(t, errors.Is(err, apperr.ErrInvalid))
}

func TestUpdateChosenChild(t *testing.T) {
	g := sample(t)

	b := "b"
	require.NoError(t, g.Update("pick", Patch{ChosenChildID: &b}))
	pick, _ := g.Node("pick")
	assert.Equal(t, "b", pick.ChosenChildID)

	other := "b1"
	err := g.Update("pick", Patch{ChosenChildID: &other})
	assert.True(t, errors.Is(err, apperr.ErrInvalid), "grandchild cannot be chosen")

	err = g.Update("root", Patch{ChosenChildID: &b})
	assert.True(t, errors.Is(err, apperr.ErrInvalid), "action nodes cannot choose")

	clear := ""
	require.NoError(t, g.Update("pick", Patch{ChosenChildID: &clear}))
	pick, _ = g.Node("pick")
	assert.Empty(t, pick.ChosenChildID)
}

func TestUpdateTitleAndDuration(t *testing.T) {
	g := sample(t)
	title := "Begin"
	require.NoError(t, g.Update("root", Patch{Title: &title, DefaultDuration: ms(1000)}))

	root, _ := g.Node("root")
	assert.Equal(t, "Begin", root.Title)
	assert.Equal(t, int64(1000), root.Duration())

	require.NoError(t, g.Update("root", Patch{ClearDuration: true}))
	root, _ = g.Node("root")
	assert.Nil(t, root.DefaultDuration)

	assert.Error(t, g.Update("root", Patch{DefaultDuration: ms(-1)}))
}

func TestNodeReturnsCopy(t *testing.T) {
	g := sample(t)
	pick, _ := g.Node("pick")
	pick.Children[0] = "mutated"

	again, _ := g.Node("pick")
	assert.Equal(t, "a", again.Children[0])
}

func TestRemoveForbid(t *testing.T) {
	g := sample(t)

	_, err := g.Remove("b", DeleteForbid)
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	removed, err := g.Remove("b1", DeleteForbid)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, removed)
	assert.NoError(t, g.Validate())
}

func TestRemoveCascade(t *testing.T) {
	g := sample(t)
	b := "b"
	require.NoError(t, g.Update("pick", Patch{ChosenChildID: &b}))

	removed, err := g.Remove("b", DeleteCascade)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "b1"}, removed)
	assert.Equal(t, 3, g.Len())

	pick, _ := g.Node("pick")
	assert.Equal(t, []string{"a"}, pick.Children)
	assert.Empty(t, pick.ChosenChildID, "chosen child cleared with the subtree")
	assert.NoError(t, g.Validate())
}

func TestRemoveReparent(t *testing.T) {
	g := sample(t)

	_, err := g.Remove("b", DeleteReparent)
	require.NoError(t, err)

	pick, _ := g.Node("pick")
	assert.Equal(t, []string{"a", "b1"}, pick.Children)
	b1, _ := g.Node("b1")
	assert.Equal(t, "pick", b1.ParentID)
	assert.NoError(t, g.Validate())
}

func TestRemoveReparentKeepsSiblingOrder(t *testing.T) {
	g := sample(t)
	require.NoError(t, g.AppendChild("a", Node{ID: "a1", Kind: KindAction}))
	require.NoError(t, g.AppendChild("a", Node{ID: "a2", Kind: KindAction}))

	_, err := g.Remove("a", DeleteReparent)
	require.NoError(t, err)

	pick, _ := g.Node("pick")
	assert.Equal(t, []string{"a1", "a2", "b"}, pick.Children)
}

func TestRemoveRoot(t *testing.T) {
	g := sample(t)

	_, err := g.Remove("root", DeleteReparent)
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	removed, err := g.Remove("root", DeleteCascade)
	require.NoError(t, err)
	assert.Len(t, removed, 5)
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, g.RootID())
	assert.NoError(t, g.Validate())
}

func TestParseDeleteStrategy(t *testing.T) {
	s, err := ParseDeleteStrategy("")
	require.NoError(t, err)
	assert.Equal(t, DeleteForbid, s)

	s, err = ParseDeleteStrategy("cascade")
	require.NoError(t, err)
	assert.Equal(t, DeleteCascade, s)

	_, err = ParseDeleteStrategy("explode")
	assert.True(t, errors.Is(err, apperr.ErrInvalid))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(g *Graph){
		"missing child": func(g *Graph) {
			g.nodes["b"].Children = append(g.nodes["b"].Children, "ghost")
		},
		"shared child": func(g *Graph) {
			g.nodes["a"].Children = append(g.nodes["a"].Children, "b1")
		},
		"second root": func(g *Graph) {
			g.nodes["orphan"] = &Node{ID: "orphan", Kind: KindAction}
		},
		"detached cycle": func(g *Graph) {
			g.nodes["x"] = &Node{ID: "x", Kind: KindAction, ParentID: "y", Children: []string{"y"}}
			g.nodes["y"] = &Node{ID: "y", Kind: KindAction, ParentID: "x", Children: []string{"x"}}
		},
		"chosen not a child": func(g *Graph) {
			g.nodes["pick"].ChosenChildID = "b1"
		},
		"wrong back reference": func(g *Graph) {
			g.nodes["b1"].ParentID = "a"
		},
		"unknown kind": func(g *Graph) {
			g.nodes["a"].Kind = "milestone"
		},
		"missing root": func(g *Graph) {
			g.rootID = "nope"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			g := sample(t)
			mutate(g)
			err := g.Validate()
			assert.True(t, errors.Is(err, apperr.ErrInvalid), "got %v", err)
		})
	}
}

func TestValidateEmpty(t *testing.T) {
	assert.NoError(t, New().Validate())
}
