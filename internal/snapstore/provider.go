// Package snapstore keeps ephemeral timeline drafts as snapshots keyed by
// user session.
package snapstore

import (
	"context"

	"github.com/starford/guardian/internal/timeline"
)

// Store is the interface for draft snapshot persistence.
type Store interface {
	// Load returns the snapshot saved under key, or an error wrapping
	// apperr.ErrNotFound.
	Load(ctx context.Context, key string) (*timeline.Snapshot, error)
	// Save replaces the snapshot saved under key.
	Save(ctx context.Context, key string, s *timeline.Snapshot) error
	// Delete removes the snapshot under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
