package nodeservice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/guardian/internal/apperr"
	"github.com/starford/guardian/internal/migrate"
	"github.com/starford/guardian/internal/testutil"
	"github.com/starford/guardian/internal/timeline"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) PublishNodeEvent(kind, userID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "node."+kind+":"+userID)
}

func (r *recorder) PublishUserEvent(userID, eventType string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType+":"+userID)
}

func ms(v int64) *int64 { return &v }
func str(s string) *string { return &s }

func newService(t *testing.T) (*Service, *recorder) {
	t.Helper()
	db := testutil.TestDB(t)
	rec := &recorder{}
	return NewService(db, migrate.New(db, nil, nil), rec), rec
}

// seed builds root(decision) → [a(action, 10m), b(action)] and b → [b1].
func seed(t *testing.T, s *Service, user string) map[string]string {
	t.Helper()
	ctx := context.Background()
	ids := map[string]string{}
	add := func(name, parent string, kind timeline.Kind, d *int64) {
		n, err := s.CreateNode(ctx, user, CreateInput{ParentID: ids[parent], Title: name, Kind: kind, DefaultDuration: d})
		require.NoError(t, err, name)
		ids[name] = n.ID
	}
	add("root", "", timeline.KindDecision, nil)
	add("a", "root", timeline.KindAction, ms(600000))
	add("b", "root", timeline.KindAction, nil)
	add("b1", "b", timeline.KindAction, ms(1000))
	return ids
}

func TestCreateRootTwice(t *testing.T) {
	s, rec := newService(t)
	ctx := context.Background()

	_, err := s.CreateNode(ctx, "u1", CreateInput{Title: "root"})
	require.NoError(t, err)
	_, err = s.CreateNode(ctx, "u1", CreateInput{Title: "again"})
	assert.True(t, errors.Is(err, apperr.ErrAlreadyExists), "err = %v", err)

	// Roots are per user.
	_, err = s.CreateNode(ctx, "u2", CreateInput{Title: "root"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"node.created:u1", "node.created:u2"}, rec.events)
}

func TestCreateChildErrors(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	ids := seed(t, s, "u1")

	_, err := s.CreateNode(ctx, "u1", CreateInput{ParentID: "missing"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "missing parent err = %v", err)

	_, err = s.CreateNode(ctx, "u2", CreateInput{ParentID: ids["root"]})
	assert.True(t, errors.Is(err, apperr.ErrForbidden), "foreign parent err = %v", err)

	_, err = s.CreateNode(ctx, "u1", CreateInput{ParentID: ids["root"], Kind: "milestone"})
	assert.True(t, errors.Is(err, apperr.ErrInvalid))

	_, err = s.CreateNode(ctx, "u1", CreateInput{ParentID: ids["root"], DefaultDuration: ms(-1)})
	assert.True(t, errors.Is(err, apperr.ErrInvalid))
}

func TestTimelineAndGraph(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	ids := seed(t, s, "u1")

	v, err := s.Timeline(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ids["root"], v.RootID)
	assert.Len(t, v.Nodes, 4)
	assert.Equal(t, []string{ids["a"], ids["b"]}, v.Nodes[ids["root"]].Children)
	assert.Empty(t, v.Orphans)
	assert.NotZero(t, v.LastModified)

	g, err := s.Graph(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, g.Len())

	empty, err := s.Timeline(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty.Nodes)
}

func TestRenderAndActivePath(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	ids := seed(t, s, "u1")

	out, err := s.Render(ctx, "u1", "mermaid")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "flowchart TD\n"))
	assert.Contains(t, out, `{"root"}`)

	outline, err := s.Render(ctx, "u1", "outline")
	require.NoError(t, err)
	assert.Contains(t, outline, "? root")

	_, err = s.Render(ctx, "u1", "svg")
	assert.True(t, errors.Is(err, apperr.ErrInvalid))

	// Nothing chosen yet: the walk stops at the decision.
	path, total, err := s.ActivePath(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, path, 1)
	assert.Equal(t, int64(0), total)

	_, err = s.UpdateNode(ctx, "u1", ids["root"], timeline.Patch{ChosenChildID: str(ids["b"])}, "")
	require.NoError(t, err)
	path, total, err = s.ActivePath(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, ids["b1"], path[2].ID)
	assert.Equal(t, int64(1000), total)
}

func TestUpdateNode(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	ids := seed(t, s, "u1")

	cur, err := s.GetNode(ctx, "u1", ids["a"])
	require.NoError(t, err)

	got, err := s.UpdateNode(ctx, "u1", ids["a"], timeline.Patch{Title: str("renamed"), ClearDuration: true}, cur.Checksum)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.Nil(t, got.DefaultDuration)
	assert.NotEqual(t, cur.Checksum, got.Checksum)

	// Stale checksum.
	_, err = s.UpdateNode(ctx, "u1", ids["a"], timeline.Patch{Title: str("x")}, cur.Checksum)
	assert.True(t, errors.Is(err, apperr.ErrConflict), "err = %v", err)

	// Chosen child must be a child of a decision.
	_, err = s.UpdateNode(ctx, "u1", ids["root"], timeline.Patch{ChosenChildID: str(ids["b1"])}, "")
	assert.True(t, errors.Is(err, apperr.ErrInvalid))
	_, err = s.UpdateNode(ctx, "u1", ids["b"], timeline.Patch{ChosenChildID: str(ids["b1"])}, "")
	assert.True(t, errors.Is(err, apperr.ErrInvalid))

	_, err = s.UpdateNode(ctx, "u2", ids["a"], timeline.Patch{Title: str("x")}, "")
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, err = s.UpdateNode(ctx, "u1", "missing", timeline.Patch{}, "")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestDeleteForbid(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	ids := seed(t, s, "u1")

	_, err := s.DeleteNode(ctx, "u1", ids["b"], timeline.DeleteForbid)
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	removed, err := s.DeleteNode(ctx, "u1", ids["b1"], timeline.DeleteForbid)
	require.NoError(t, err)
	assert.Equal(t, []string{ids["b1"]}, removed)
}

func TestDeleteCascade(t *testing.T) {
	s, rec := newService(t)
	ctx := context.Background()
	ids := seed(t, s, "u1")
	_, err := s.UpdateNode(ctx, "u1", ids["root"], timeline.Patch{ChosenChildID: str(ids["b"])}, "")
	require.NoError(t, err)

	removed, err := s.DeleteNode(ctx, "u1", ids["b"], timeline.DeleteCascade)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ids["b"], ids["b1"]}, removed)

	v, err := s.Timeline(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, v.Nodes, 2)
	assert.Empty(t, v.Nodes[ids["root"]].ChosenChildID, "chosen child should clear with its node")
	assert.Contains(t, rec.events, "node.deleted:u1")
}

func TestDeleteReparent(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	ids := seed(t, s, "u1")
	c, err := s.CreateNode(ctx, "u1", CreateInput{ParentID: ids["root"], Title: "c"})
	require.NoError(t, err)

	_, err = s.DeleteNode(ctx, "u1", ids["b"], timeline.DeleteReparent)
	require.NoError(t, err)

	v, err := s.Timeline(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{ids["a"], ids["b1"], c.ID}, v.Nodes[ids["root"]].Children)
	assert.Equal(t, ids["root"], v.Nodes[ids["b1"]].ParentID)

	_, err = s.DeleteNode(ctx, "u1", ids["root"], timeline.DeleteReparent)
	assert.True(t, errors.Is(err, apperr.ErrConflict), "root reparent err = %v", err)
}

func TestImportShowsOrphans(t *testing.T) {
	s, rec := newService(t)
	ctx := context.Background()

	snap := &timeline.Snapshot{
		Nodes: map[string]timeline.Node{
			"A": {ID: "A", Title: "root", Kind: timeline.KindAction},
			"B": {ID: "B", Title: "child", Kind: timeline.KindAction, ParentID: "A"},
			"C": {ID: "C", Title: "lost", Kind: timeline.KindAction, ParentID: "gone"},
		},
		RootID: "A",
	}
	rep, err := s.Import(ctx, "u1", snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, rep.Orphans)

	v, err := s.Timeline(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, rep.IDs["A"], v.RootID)
	assert.Len(t, v.Nodes, 2)
	require.Len(t, v.Orphans, 1)
	assert.Equal(t, "lost", v.Orphans[0].Title)
	assert.Contains(t, rec.events, "timeline.migrated:u1")

	// Orphans do not accept children.
	_, err = s.CreateNode(ctx, "u1", CreateInput{ParentID: rep.IDs["C"]})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestImportCycleStaysVisible(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	snap := &timeline.Snapshot{
		Nodes: map[string]timeline.Node{
			"R": {ID: "R", Title: "root", Kind: timeline.KindAction},
			"A": {ID: "A", Title: "a", Kind: timeline.KindAction, ParentID: "B"},
			"B": {ID: "B", Title: "b", Kind: timeline.KindAction, ParentID: "A"},
		},
		RootID: "R",
	}
	rep, err := s.Import(ctx, "u1", snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, rep.Orphans)

	v, err := s.Timeline(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, v.Nodes, 1)
	assert.Len(t, v.Orphans, 2, "every stored row is in the graph or the orphan list")
}
