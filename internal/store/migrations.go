package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/guardian/internal/apperr"
)

// MigrationRow records one completed snapshot migration.
type MigrationRow struct {
	ID          string
	UserID      string
	Fingerprint string
	Inserted    int
	Linked      int
	CreatedAt   time.Time
}

// FindMigration returns the migration of the snapshot with fingerprint for
// userID, or an error wrapping apperr.ErrNotFound.
func (r *Repo) FindMigration(ctx context.Context, userID, fingerprint string) (*MigrationRow, error) {
	var m MigrationRow
	err := r.queryRow(ctx, `
		SELECT id, user_id, fingerprint, inserted, linked, created_at
		FROM timeline_migrations WHERE user_id = ? AND fingerprint = ?
	`, userID, fingerprint).Scan(&m.ID, &m.UserID, &m.Fingerprint, &m.Inserted, &m.Linked, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: migration %s: %w", fingerprint, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find migration: %w", err)
	}
	return &m, nil
}

// InsertMigration records m together with its local → remote id map.
func (r *Repo) InsertMigration(ctx context.Context, m *MigrationRow, ids map[string]string) error {
	m.CreatedAt = time.Now().UTC()
	if _, err := r.exec(ctx, `
		INSERT INTO timeline_migrations (id, user_id, fingerprint, inserted, linked, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.UserID, m.Fingerprint, m.Inserted, m.Linked, m.CreatedAt); err != nil {
		return fmt.Errorf("store: insert migration: %w", err)
	}
	for local, remote := range ids {
		if _, err := r.exec(ctx, `
			INSERT INTO timeline_migration_ids (migration_id, local_id, remote_id) VALUES (?, ?, ?)
		`, m.ID, local, remote); err != nil {
			return fmt.Errorf("store: insert migration id: %w", err)
		}
	}
	return nil
}

// MigrationIDs returns the local → remote id map recorded for a migration.
func (r *Repo) MigrationIDs(ctx context.Context, migrationID string) (map[string]string, error) {
	rows, err := r.query(ctx, `
		SELECT local_id, remote_id FROM timeline_migration_ids WHERE migration_id = ?
	`, migrationID)
	if err != nil {
		return nil, fmt.Errorf("store: migration ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var local, remote string
		if err := rows.Scan(&local, &remote); err != nil {
			return nil, err
		}
		out[local] = remote
	}
	return out, rows.Err()
}
