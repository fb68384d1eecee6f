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

// FlowRow represents a row in the process_flows table. Body holds the JSON
// encoded nodes and edges.
type FlowRow struct {
	ID        string
	UserID    string
	Name      string
	Body      string
	Checksum  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const flowColumns = `id, user_id, name, body, checksum, created_at, updated_at`

func scanFlow(s scanner) (FlowRow, error) {
	var f FlowRow
	err := s.Scan(&f.ID, &f.UserID, &f.Name, &f.Body, &f.Checksum, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

// InsertFlow stores f, assigning a fresh identifier when f.ID is empty.
func (r *Repo) InsertFlow(ctx context.Context, f *FlowRow) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	if _, err := r.exec(ctx, `
		INSERT INTO process_flows (`+flowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.UserID, f.Name, f.Body, f.Checksum, f.CreatedAt, f.UpdatedAt); err != nil {
		return fmt.Errorf("store: insert flow: %w", err)
	}
	return nil
}

// GetFlow returns the flow with the given id regardless of owner.
func (r *Repo) GetFlow(ctx context.Context, id string) (*FlowRow, error) {
	f, err := scanFlow(r.queryRow(ctx, `SELECT `+flowColumns+` FROM process_flows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: flow %q: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get flow: %w", err)
	}
	return &f, nil
}

// ListFlows returns the flows owned by userID, most recently updated first.
func (r *Repo) ListFlows(ctx context.Context, userID string) ([]FlowRow, error) {
	rows, err := r.query(ctx, `
		SELECT `+flowColumns+` FROM process_flows WHERE user_id = ? ORDER BY updated_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list flows: %w", err)
	}
	defer rows.Close()

	var out []FlowRow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan flow: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFlow replaces name, body and checksum of f.
func (r *Repo) UpdateFlow(ctx context.Context, f *FlowRow) error {
	f.UpdatedAt = time.Now().UTC()
	res, err := r.exec(ctx, `
		UPDATE process_flows SET name = ?, body = ?, checksum = ?, updated_at = ? WHERE id = ?
	`, f.Name, f.Body, f.Checksum, f.UpdatedAt, f.ID)
	if err != nil {
		return fmt.Errorf("store: update flow: %w", err)
	}
	return expectOne(res, "flow", f.ID)
}

// DeleteFlow removes a flow.
func (r *Repo) DeleteFlow(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM process_flows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete flow: %w", err)
	}
	return expectOne(res, "flow", id)
}
