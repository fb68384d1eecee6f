package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/starford/guardian/internal/apperr"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "guardian-store-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(context.Background(), DriverSQLite, f.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func strp(s string) *string { return &s }

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	for _, table := range []string{"timeline_nodes", "timeline_migrations", "timeline_migration_ids", "process_flows"} {
		var count int
		if err := db.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", "x"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &Repo{driver: DriverPostgres}
	got := pg.rebind(`UPDATE t SET a = ?, b = ? WHERE id = ?`)
	if got != `UPDATE t SET a = $1, b = $2 WHERE id = $3` {
		t.Errorf("rebind = %q", got)
	}
	lite := &Repo{driver: DriverSQLite}
	if q := lite.rebind(`a = ?`); q != `a = ?` {
		t.Errorf("sqlite rebind changed query: %q", q)
	}
}

func TestLockUser(t *testing.T) {
	pg := &Repo{driver: DriverPostgres}
	if got := pg.rebind(lockUserSQL); got != `SELECT pg_advisory_xact_lock(hashtext($1))` {
		t.Errorf("lock query = %q", got)
	}

	db := testDB(t)
	err := db.WithTx(context.Background(), func(r *Repo) error {
		return r.LockUser(context.Background(), "u1")
	})
	if err != nil {
		t.Errorf("sqlite LockUser = %v, want nil", err)
	}
}

func TestInsertAndGetNode(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	d := int64(1500)
	root := &NodeRow{UserID: "u1", Title: "Root", Kind: "action", DefaultDurationMs: &d}
	if err := db.InsertNode(ctx, root); err != nil {
		t.Fatalf("InsertNode: %v", err)
	}
	if root.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := db.GetNode(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Title != "Root" || got.ParentID != nil {
		t.Errorf("got %+v", got)
	}
	if got.DefaultDurationMs == nil || *got.DefaultDurationMs != 1500 {
		t.Errorf("duration = %v", got.DefaultDurationMs)
	}

	if _, err := db.GetNode(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing node err = %v", err)
	}
}

func TestChildrenAndPositions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	root := &NodeRow{UserID: "u1", Title: "Root", Kind: "decision"}
	_ = db.InsertNode(ctx, root)

	pos, err := db.NextPosition(ctx, root.ID)
	if err != nil || pos != 0 {
		t.Fatalf("NextPosition empty = %d, %v", pos, err)
	}
	for _, title := range []string{"first", "second"} {
		pos, _ := db.NextPosition(ctx, root.ID)
		if err := db.InsertNode(ctx, &NodeRow{UserID: "u1", Title: title, Kind: "action", ParentID: strp(root.ID), Position: pos}); err != nil {
			t.Fatalf("InsertNode: %v", err)
		}
	}
	pos, _ = db.NextPosition(ctx, root.ID)
	if pos != 2 {
		t.Errorf("next position = %d, want 2", pos)
	}

	rows, err := db.ListNodes(ctx, "u1")
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len = %d, want 3", len(rows))
	}

	r, err := db.RootNode(ctx, "u1")
	if err != nil || r.ID != root.ID {
		t.Errorf("RootNode = %+v, %v", r, err)
	}
	if _, err := db.RootNode(ctx, "u2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("RootNode other user err = %v", err)
	}
	if n, _ := db.CountNodes(ctx, "u1"); n != 3 {
		t.Errorf("CountNodes = %d", n)
	}
}

func TestUpdateAndDeleteNode(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	root := &NodeRow{UserID: "u1", Title: "Root", Kind: "decision"}
	_ = db.InsertNode(ctx, root)
	child := &NodeRow{UserID: "u1", Title: "Child", Kind: "action", ParentID: strp(root.ID)}
	_ = db.InsertNode(ctx, child)

	root.Title = "Renamed"
	root.ChosenChildID = strp(child.ID)
	if err := db.UpdateNode(ctx, root); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	got, _ := db.GetNode(ctx, root.ID)
	if got.Title != "Renamed" || got.ChosenChildID == nil || *got.ChosenChildID != child.ID {
		t.Errorf("after update %+v", got)
	}

	// Deleting the chosen child clears the reference.
	if err := db.DeleteNode(ctx, child.ID); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	got, _ = db.GetNode(ctx, root.ID)
	if got.ChosenChildID != nil {
		t.Errorf("chosen child = %v, want nil", *got.ChosenChildID)
	}

	if err := db.DeleteNode(ctx, child.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestDeleteParentWithChildrenFails(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	root := &NodeRow{UserID: "u1", Kind: "action"}
	_ = db.InsertNode(ctx, root)
	_ = db.InsertNode(ctx, &NodeRow{UserID: "u1", Kind: "action", ParentID: strp(root.ID)})

	if err := db.DeleteNode(ctx, root.ID); err == nil {
		t.Error("foreign key should reject deleting a parent with children")
	}
}

func TestWithTxRollsBack(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(r *Repo) error {
		if err := r.InsertNode(ctx, &NodeRow{UserID: "u1", Kind: "action"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx err = %v", err)
	}
	if n, _ := db.CountNodes(ctx, "u1"); n != 0 {
		t.Errorf("rolled back tx left %d rows", n)
	}

	err = db.WithTx(ctx, func(r *Repo) error {
		return r.InsertNode(ctx, &NodeRow{UserID: "u1", Kind: "action"})
	})
	if err != nil {
		t.Fatalf("WithTx commit: %v", err)
	}
	if n, _ := db.CountNodes(ctx, "u1"); n != 1 {
		t.Errorf("committed rows = %d, want 1", n)
	}
}

func TestMigrationLedger(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.FindMigration(ctx, "u1", "abc"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("FindMigration err = %v", err)
	}

	m := &MigrationRow{ID: "m1", UserID: "u1", Fingerprint: "abc", Inserted: 2, Linked: 1}
	if err := db.InsertMigration(ctx, m, map[string]string{"A": "r1", "B": "r2"}); err != nil {
		t.Fatalf("InsertMigration: %v", err)
	}

	got, err := db.FindMigration(ctx, "u1", "abc")
	if err != nil {
		t.Fatalf("FindMigration: %v", err)
	}
	if got.Inserted != 2 || got.Linked != 1 {
		t.Errorf("got %+v", got)
	}
	ids, err := db.MigrationIDs(ctx, "m1")
	if err != nil {
		t.Fatalf("MigrationIDs: %v", err)
	}
	if ids["A"] != "r1" || ids["B"] != "r2" {
		t.Errorf("ids = %v", ids)
	}
}

func TestFlowCRUD(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	f := &FlowRow{UserID: "u1", Name: "Morning", Body: `{"nodes":[]}`, Checksum: "c1"}
	if err := db.InsertFlow(ctx, f); err != nil {
		t.Fatalf("InsertFlow: %v", err)
	}
	f.Name = "Evening"
	if err := db.UpdateFlow(ctx, f); err != nil {
		t.Fatalf("UpdateFlow: %v", err)
	}
	got, err := db.GetFlow(ctx, f.ID)
	if err != nil || got.Name != "Evening" {
		t.Fatalf("GetFlow = %+v, %v", got, err)
	}
	list, _ := db.ListFlows(ctx, "u1")
	if len(list) != 1 {
		t.Errorf("ListFlows len = %d", len(list))
	}
	if err := db.DeleteFlow(ctx, f.ID); err != nil {
		t.Fatalf("DeleteFlow: %v", err)
	}
	if _, err := db.GetFlow(ctx, f.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetFlow after delete err = %v", err)
	}
}

func TestRootNodeSkipsDetached(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	orphan := &NodeRow{UserID: "u1", Title: "orphan", Kind: "action"}
	_ = db.InsertNode(ctx, orphan)
	if err := db.MarkDetached(ctx, orphan.ID); err != nil {
		t.Fatalf("MarkDetached: %v", err)
	}
	if _, err := db.RootNode(ctx, "u1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("RootNode with only orphans err = %v", err)
	}

	root := &NodeRow{UserID: "u1", Title: "root", Kind: "action"}
	_ = db.InsertNode(ctx, root)
	got, err := db.RootNode(ctx, "u1")
	if err != nil || got.ID != root.ID {
		t.Errorf("RootNode = %+v, %v", got, err)
	}

	o, _ := db.GetNode(ctx, orphan.ID)
	if !o.Detached {
		t.Error("orphan lost detached flag")
	}
}

func TestChildIDsOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	root := &NodeRow{UserID: "u1", Kind: "decision"}
	_ = db.InsertNode(ctx, root)
	late := &NodeRow{ID: "late", UserID: "u1", Kind: "action", ParentID: strp(root.ID), Position: 1}
	early := &NodeRow{ID: "early", UserID: "u1", Kind: "action", ParentID: strp(root.ID), Position: 0}
	_ = db.InsertNode(ctx, late)
	_ = db.InsertNode(ctx, early)

	ids, err := db.ChildIDs(ctx, root.ID)
	if err != nil {
		t.Fatalf("ChildIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "early" || ids[1] != "late" {
		t.Errorf("ids = %v, want [early late]", ids)
	}
}
