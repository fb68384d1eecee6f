package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/starford/guardian/internal/apperr"
)

// NodeRow represents a row in the timeline_nodes table.
type NodeRow struct {
	ID                string
	UserID            string
	Title             string
	Kind              string
	ParentID          *string
	Position          int
	DefaultDurationMs *int64
	ChosenChildID     *string
	Detached          bool // orphaned by a migration; never the root
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const nodeColumns = `id, user_id, title, kind, parent_id, position, default_duration_ms, chosen_child_id, detached, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (NodeRow, error) {
	var (
		n        NodeRow
		parent   sql.NullString
		chosen   sql.NullString
		duration sql.NullInt64
		detached int
	)
	if err := s.Scan(&n.ID, &n.UserID, &n.Title, &n.Kind, &parent, &n.Position, &duration, &chosen, &detached, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return NodeRow{}, err
	}
	if parent.Valid {
		n.ParentID = &parent.String
	}
	if chosen.Valid {
		n.ChosenChildID = &chosen.String
	}
	if duration.Valid {
		n.DefaultDurationMs = &duration.Int64
	}
	n.Detached = detached != 0
	return n, nil
}

// InsertNode stores n, assigning a fresh identifier when n.ID is empty.
func (r *Repo) InsertNode(ctx context.Context, n *NodeRow) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now
	_, err := r.exec(ctx, `
		INSERT INTO timeline_nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.Title, n.Kind, n.ParentID, n.Position, n.DefaultDurationMs, n.ChosenChildID, boolInt(n.Detached), n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert node: %w", err)
	}
	return nil
}

// GetNode returns the node with the given id regardless of owner.
func (r *Repo) GetNode(ctx context.Context, id string) (*NodeRow, error) {
	n, err := scanNode(r.queryRow(ctx, `SELECT `+nodeColumns+` FROM timeline_nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: node %q: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get node: %w", err)
	}
	return &n, nil
}

// ListNodes returns every node owned by userID, siblings in position order.
func (r *Repo) ListNodes(ctx context.Context, userID string) ([]NodeRow, error) {
	rows, err := r.query(ctx, `
		SELECT `+nodeColumns+` FROM timeline_nodes
		WHERE user_id = ?
		ORDER BY position, created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeRow
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountNodes returns how many nodes userID owns.
func (r *Repo) CountNodes(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.queryRow(ctx, `SELECT count(*) FROM timeline_nodes WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count nodes: %w", err)
	}
	return n, nil
}

// RootNode returns the parentless, attached node owned by userID.
func (r *Repo) RootNode(ctx context.Context, userID string) (*NodeRow, error) {
	n, err := scanNode(r.queryRow(ctx, `
		SELECT `+nodeColumns+` FROM timeline_nodes
		WHERE user_id = ? AND parent_id IS NULL AND detached = 0
		ORDER BY created_at LIMIT 1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: root for %q: %w", userID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: root node: %w", err)
	}
	return &n, nil
}

// ChildIDs returns the ids of parentID's children in position order.
func (r *Repo) ChildIDs(ctx context.Context, parentID string) ([]string, error) {
	rows, err := r.query(ctx, `
		SELECT id FROM timeline_nodes WHERE parent_id = ? ORDER BY position, created_at, id
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: child ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// NextPosition returns the position after the last child of parentID.
func (r *Repo) NextPosition(ctx context.Context, parentID string) (int, error) {
	var last sql.NullInt64
	if err := r.queryRow(ctx, `SELECT max(position) FROM timeline_nodes WHERE parent_id = ?`, parentID).Scan(&last); err != nil {
		return 0, fmt.Errorf("store: next position: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return int(last.Int64) + 1, nil
}

// UpdateNode writes the mutable fields of n: title, duration and chosen child.
func (r *Repo) UpdateNode(ctx context.Context, n *NodeRow) error {
	n.UpdatedAt = time.Now().UTC()
	res, err := r.exec(ctx, `
		UPDATE timeline_nodes
		SET title = ?, default_duration_ms = ?, chosen_child_id = ?, updated_at = ?
		WHERE id = ?
	`, n.Title, n.DefaultDurationMs, n.ChosenChildID, n.UpdatedAt, n.ID)
	if err != nil {
		return fmt.Errorf("store: update node: %w", err)
	}
	return expectOne(res, "node", n.ID)
}

// SetParent re-links a node under parentID (nil detaches it) at position.
func (r *Repo) SetParent(ctx context.Context, id string, parentID *string, position int) error {
	res, err := r.exec(ctx, `
		UPDATE timeline_nodes SET parent_id = ?, position = ?, updated_at = ? WHERE id = ?
	`, parentID, position, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: set parent: %w", err)
	}
	return expectOne(res, "node", id)
}

// MarkDetached flags a parentless node as an orphan.
func (r *Repo) MarkDetached(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `UPDATE timeline_nodes SET detached = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: mark detached: %w", err)
	}
	return expectOne(res, "node", id)
}

// SetChosenChild points a decision node at one of its children (nil clears).
func (r *Repo) SetChosenChild(ctx context.Context, id string, childID *string) error {
	res, err := r.exec(ctx, `
		UPDATE timeline_nodes SET chosen_child_id = ?, updated_at = ? WHERE id = ?
	`, childID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: set chosen child: %w", err)
	}
	return expectOne(res, "node", id)
}

// DeleteNode removes a single node. Callers detach or remove its children first.
func (r *Repo) DeleteNode(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM timeline_nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete node: %w", err)
	}
	return expectOne(res, "node", id)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s %q: %w", what, id, apperr.ErrNotFound)
	}
	return nil
}
