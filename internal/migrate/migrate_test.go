package migrate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/guardian/internal/apperr"
	"github.com/starford/guardian/internal/metrics"
	"github.com/starford/guardian/internal/store"
	"github.com/starford/guardian/internal/testutil"
	"github.com/starford/guardian/internal/timeline"
)

func ms(v int64) *int64 { return &v }

func parentOf(t *testing.T, db *store.DB, id string) *string {
	t.Helper()
	row, err := db.GetNode(context.Background(), id)
	require.NoError(t, err)
	return row.ParentID
}

func TestMigrateRemapsParents(t *testing.T) {
	db := testutil.TestDB(t)
	m := New(db, nil, nil)

	s := &timeline.Snapshot{
		Nodes: map[string]timeline.Node{
			"A": {ID: "A", Title: "root", Kind: timeline.KindAction},
			"B": {ID: "B", Title: "child", Kind: timeline.KindAction, ParentID: "A"},
		},
		RootID: "A",
	}
	rep, err := m.Run(context.Background(), "u1", s)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, 1, rep.Linked)
	assert.Empty(t, rep.Orphans)
	assert.False(t, rep.Replayed)
	require.Len(t, rep.IDs, 2)
	assert.NotEqual(t, "A", rep.IDs["A"])

	parent := parentOf(t, db, rep.IDs["B"])
	require.NotNil(t, parent)
	assert.Equal(t, rep.IDs["A"], *parent)
	assert.Nil(t, parentOf(t, db, rep.IDs["A"]))

	root, err := db.RootNode(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, rep.IDs["A"], root.ID)
}

func TestMigrateAbsentParentStaysNull(t *testing.T) {
	db := testutil.TestDB(t)
	m := New(db, nil, nil)

	s := &timeline.Snapshot{
		Nodes: map[string]timeline.Node{
			"A": {ID: "A", Kind: timeline.KindAction},
			"C": {ID: "C", Kind: timeline.KindAction, ParentID: "ghost"},
		},
		RootID: "A",
	}
	rep, err := m.Run(context.Background(), "u1", s)
	require.NoError(t, err)

	assert.Equal(t, []string{"C"}, rep.Orphans)
	assert.Equal(t, 0, rep.Linked)
	assert.Nil(t, parentOf(t, db, rep.IDs["C"]))

	row, err := db.GetNode(context.Background(), rep.IDs["C"])
	require.NoError(t, err)
	assert.True(t, row.Detached)

	root, err := db.RootNode(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, rep.IDs["A"], root.ID)
}

func TestMigrateBreaksParentCycle(t *testing.T) {
	db := testutil.TestDB(t)
	m := New(db, nil, nil)

	s := &timeline.Snapshot{
		Nodes: map[string]timeline.Node{
			"R": {ID: "R", Kind: timeline.KindAction},
			"A": {ID: "A", Kind: timeline.KindAction, ParentID: "B"},
			"B": {ID: "B", Kind: timeline.KindAction, ParentID: "A"},
			"C": {ID: "C", Kind: timeline.KindAction, ParentID: "A"},
		},
		RootID: "R",
	}
	rep, err := m.Run(context.Background(), "u1", s)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, rep.Orphans)
	assert.Equal(t, 1, rep.Linked, "only C keeps its link")
	for _, id := range []string{"A", "B"} {
		row, err := db.GetNode(context.Background(), rep.IDs[id])
		require.NoError(t, err)
		assert.Nil(t, row.ParentID, id)
		assert.True(t, row.Detached, id)
	}
	parent := parentOf(t, db, rep.IDs["C"])
	require.NotNil(t, parent)
	assert.Equal(t, rep.IDs["A"], *parent)
}

func TestMigrateSelfParentChain(t *testing.T) {
	db := testutil.TestDB(t)
	m := New(db, nil, nil)

	s := &timeline.Snapshot{
		Nodes: map[string]timeline.Node{
			"R": {ID: "R", Kind: timeline.KindAction},
			"A": {ID: "A", Kind: timeline.KindAction, ParentID: "A"},
			"B": {ID: "B", Kind: timeline.KindAction, ParentID: "A"},
			"D": {ID: "D", Kind: timeline.KindAction, ParentID: "B"},
		},
		RootID: "R",
	}
	rep, err := m.Run(context.Background(), "u1", s)
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, rep.Orphans)
	assert.Equal(t, 2, rep.Linked)
	assert.Nil(t, parentOf(t, db, rep.IDs["A"]))
	parent := parentOf(t, db, rep.IDs["D"])
	require.NotNil(t, parent)
	assert.Equal(t, rep.IDs["B"], *parent)
}

func TestMigrateChildrenOrderAndChosen(t *testing.T) {
	db := testutil.TestDB(t)
	m := New(db, nil, nil)

	// Children declared only through the parent's list.
	s := &timeline.Snapshot{
		Nodes: map[string]timeline.Node{
			"root": {Kind: timeline.KindDecision, Children: []string{"z", "a"}, ChosenChildID: "a"},
			"z":    {Kind: timeline.KindAction, DefaultDuration: ms(60000)},
			"a":    {Kind: timeline.KindAction},
		},
		RootID: "root",
	}
	for k, n := range s.Nodes {
		n.ID = k
		s.Nodes[k] = n
	}

	rep, err := m.Run(context.Background(), "u1", s)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Linked)

	z, _ := db.GetNode(context.Background(), rep.IDs["z"])
	a, _ := db.GetNode(context.Background(), rep.IDs["a"])
	assert.Equal(t, 0, z.Position)
	assert.Equal(t, 1, a.Position)
	require.NotNil(t, z.DefaultDurationMs)
	assert.Equal(t, int64(60000), *z.DefaultDurationMs)

	root, _ := db.GetNode(context.Background(), rep.IDs["root"])
	require.NotNil(t, root.ChosenChildID)
	assert.Equal(t, rep.IDs["a"], *root.ChosenChildID)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testutil.TestDB(t)
	met := metrics.New()
	m := New(db, nil, met)
	ctx := context.Background()

	s := &timeline.Snapshot{
		Nodes: map[string]timeline.Node{
			"A": {ID: "A", Kind: timeline.KindAction},
			"B": {ID: "B", Kind: timeline.KindAction, ParentID: "A"},
		},
		RootID:       "A",
		LastModified: 1,
	}
	first, err := m.Run(ctx, "u1", s)
	require.NoError(t, err)

	s.LastModified = 2
	second, err := m.Run(ctx, "u1", s)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.MigrationID, second.MigrationID)
	assert.Equal(t, first.IDs, second.IDs)

	n, err := db.CountNodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMigrateConflictsWithExistingTimeline(t *testing.T) {
	db := testutil.TestDB(t)
	m := New(db, nil, nil)
	ctx := context.Background()

	require.NoError(t, db.InsertNode(ctx, &store.NodeRow{UserID: "u1", Kind: "action"}))

	s := &timeline.Snapshot{
		Nodes:  map[string]timeline.Node{"A": {ID: "A", Kind: timeline.KindAction}},
		RootID: "A",
	}
	_, err := m.Run(ctx, "u1", s)
	assert.True(t, errors.Is(err, apperr.ErrConflict), "err = %v", err)

	// Another user is unaffected.
	_, err = m.Run(ctx, "u2", s)
	assert.NoError(t, err)
}

func TestMigrateConcurrentFirstRunsKeepOneRoot(t *testing.T) {
	db := testutil.TestDB(t)
	m := New(db, nil, nil)
	ctx := context.Background()

	snaps := []*timeline.Snapshot{
		{Nodes: map[string]timeline.Node{"A": {ID: "A", Title: "one", Kind: timeline.KindAction}}, RootID: "A"},
		{Nodes: map[string]timeline.Node{"B": {ID: "B", Title: "two", Kind: timeline.KindAction}}, RootID: "B"},
	}
	errs := make([]error, len(snaps))
	var wg sync.WaitGroup
	for i, s := range snaps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Run(ctx, "u1", s)
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	n, err := db.CountNodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	db := testutil.TestDB(t)
	m := New(db, nil, nil)
	ctx := context.Background()

	s := &timeline.Snapshot{
		Nodes: map[string]timeline.Node{
			"A": {ID: "A", Kind: timeline.KindAction},
			"B": {ID: "B", Kind: timeline.KindAction, ParentID: "A"},
			"C": {ID: "C", Kind: "milestone", ParentID: "A"},
		},
		RootID: "A",
	}
	_, err := m.Run(ctx, "u1", s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInvalid))

	n, err := db.CountNodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "partial migration left rows behind")

	_, err = db.FindMigration(ctx, "u1", mustFingerprint(t, s))
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestMigrateRejectsEmptyInput(t *testing.T) {
	m := New(testutil.TestDB(t), nil, nil)
	_, err := m.Run(context.Background(), "u1", &timeline.Snapshot{})
	assert.True(t, errors.Is(err, apperr.ErrInvalid))

	_, err = m.Run(context.Background(), "", &timeline.Snapshot{Nodes: map[string]timeline.Node{"A": {}}})
	assert.True(t, errors.Is(err, apperr.ErrInvalid))
}

func TestFingerprintIgnoresLastModified(t *testing.T) {
	a := &timeline.Snapshot{Nodes: map[string]timeline.Node{"A": {ID: "A"}}, RootID: "A", LastModified: 1}
	b := &timeline.Snapshot{Nodes: map[string]timeline.Node{"A": {ID: "A"}}, RootID: "A", LastModified: 99}
	assert.Equal(t, mustFingerprint(t, a), mustFingerprint(t, b))

	b.Nodes["A"] = timeline.Node{ID: "A", Title: "changed"}
	assert.NotEqual(t, mustFingerprint(t, a), mustFingerprint(t, b))
}

func mustFingerprint(t *testing.T, s *timeline.Snapshot) string {
	t.Helper()
	fp, err := Fingerprint(s)
	require.NoError(t, err)
	return fp
}
