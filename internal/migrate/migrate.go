// Package migrate moves a draft timeline snapshot into durable storage.
//
// Stored rows receive fresh identifiers, so a run works in two passes: every
// node is inserted without a parent while the local → stored id map is
// collected, then parents and chosen children are linked through that map.
// Both passes share one transaction. Each run is recorded under a
// fingerprint of the snapshot, so repeating it returns the recorded result
// instead of inserting duplicates.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/starford/guardian/internal/apperr"
	"github.com/starford/guardian/internal/checksum"
	"github.com/starford/guardian/internal/metrics"
	"github.com/starford/guardian/internal/store"
	"github.com/starford/guardian/internal/timeline"
)

// Report describes the outcome of a migration.
type Report struct {
	MigrationID string            `json:"migrationId"`
	Fingerprint string            `json:"fingerprint"`
	Inserted    int               `json:"inserted"`
	Linked      int               `json:"linked"`
	Orphans     []string          `json:"orphans,omitempty"`
	IDs         map[string]string `json:"ids"`
	Replayed    bool              `json:"replayed"`
}

// Migrator runs snapshot migrations against a store.
type Migrator struct {
	db      *store.DB
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Migrator. m may be nil.
func New(db *store.DB, logger *slog.Logger, m *metrics.Metrics) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, logger: logger, metrics: m}
}

// Fingerprint identifies the content of s. LastModified is ignored so that
// re-exporting an unchanged draft still matches.
func Fingerprint(s *timeline.Snapshot) (string, error) {
	return checksum.JSON(struct {
		Nodes  map[string]timeline.Node `json:"nodes"`
		RootID string                   `json:"rootId"`
	}{s.Nodes, s.RootID})
}

// Run migrates s for userID. A user owns a single timeline, so a snapshot
// that was not migrated before is rejected with apperr.ErrConflict once the
// user has stored nodes.
func (m *Migrator) Run(ctx context.Context, userID string, s *timeline.Snapshot) (*Report, error) {
	if userID == "" {
		return nil, fmt.Errorf("migrate: empty user id: %w", apperr.ErrInvalid)
	}
	if s == nil || len(s.Nodes) == 0 {
		return nil, fmt.Errorf("migrate: snapshot has no nodes: %w", apperr.ErrInvalid)
	}
	fp, err := Fingerprint(s)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var rep *Report
	err = m.db.WithTx(ctx, func(r *store.Repo) error {
		if err := r.LockUser(ctx, userID); err != nil {
			return err
		}
		prev, err := r.FindMigration(ctx, userID, fp)
		switch {
		case err == nil:
			rep, err = replay(ctx, r, prev, s)
			return err
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}

		n, err := r.CountNodes(ctx, userID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("migrate: user already has %d timeline nodes: %w", n, apperr.ErrConflict)
		}

		rep, err = apply(ctx, r, userID, s)
		if err != nil {
			return err
		}
		rep.Fingerprint = fp
		rep.MigrationID = uuid.NewString()
		return r.InsertMigration(ctx, &store.MigrationRow{
			ID:          rep.MigrationID,
			UserID:      userID,
			Fingerprint: fp,
			Inserted:    rep.Inserted,
			Linked:      rep.Linked,
		}, rep.IDs)
	})
	if err != nil {
		m.metrics.MigrationFailed()
		m.logger.Error("migrate: rolled back",
			slog.String("user", userID),
			slog.String("fingerprint", fp),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if rep.Replayed {
		m.metrics.MigrationReplayed()
	} else {
		m.metrics.MigrationApplied(rep.Inserted)
	}
	m.logger.Info("migrate: done",
		slog.String("user", userID),
		slog.String("migration", rep.MigrationID),
		slog.Int("inserted", rep.Inserted),
		slog.Int("linked", rep.Linked),
		slog.Int("orphans", len(rep.Orphans)),
		slog.Bool("replayed", rep.Replayed),
	)
	return rep, nil
}

func replay(ctx context.Context, r *store.Repo, prev *store.MigrationRow, s *timeline.Snapshot) (*Report, error) {
	ids, err := r.MigrationIDs(ctx, prev.ID)
	if err != nil {
		return nil, err
	}
	p := newPlan(s)
	return &Report{
		MigrationID: prev.ID,
		Fingerprint: prev.Fingerprint,
		Inserted:    prev.Inserted,
		Linked:      prev.Linked,
		Orphans:     p.orphans(),
		IDs:         ids,
		Replayed:    true,
	}, nil
}

func apply(ctx context.Context, r *store.Repo, userID string, s *timeline.Snapshot) (*Report, error) {
	p := newPlan(s)
	rep := &Report{IDs: make(map[string]string, len(p.order))}

	// Pass 1: insert every node unlinked.
	for _, local := range p.order {
		n := s.Nodes[local]
		kind := n.Kind
		if kind == "" {
			kind = timeline.KindAction
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("node %q: unknown kind %q: %w", local, kind, apperr.ErrInvalid)
		}
		if n.DefaultDuration != nil && *n.DefaultDuration < 0 {
			return nil, fmt.Errorf("node %q: negative duration: %w", local, apperr.ErrInvalid)
		}
		row := &store.NodeRow{
			UserID:            userID,
			Title:             n.Title,
			Kind:              string(kind),
			DefaultDurationMs: n.DefaultDuration,
		}
		if err := r.InsertNode(ctx, row); err != nil {
			return nil, err
		}
		rep.IDs[local] = row.ID
		rep.Inserted++
	}

	// Pass 2 starts only once every id is known.
	for _, local := range p.order {
		remote := rep.IDs[local]
		parent, ok := p.parent[local]
		if !ok {
			if local != s.RootID {
				if err := r.MarkDetached(ctx, remote); err != nil {
					return nil, err
				}
			}
			continue
		}
		remoteParent := rep.IDs[parent]
		if err := r.SetParent(ctx, remote, &remoteParent, p.position[local]); err != nil {
			return nil, err
		}
		rep.Linked++
	}

	for _, local := range p.order {
		n := s.Nodes[local]
		chosen := n.ChosenChildID
		if n.Kind != timeline.KindDecision || chosen == "" || p.parent[chosen] != local {
			continue
		}
		remoteChosen := rep.IDs[chosen]
		if err := r.SetChosenChild(ctx, rep.IDs[local], &remoteChosen); err != nil {
			return nil, err
		}
	}

	rep.Orphans = p.orphans()
	return rep, nil
}

// plan resolves the parent and sibling position of every snapshot node.
type plan struct {
	root     string
	order    []string
	parent   map[string]string
	position map[string]int
}

func newPlan(s *timeline.Snapshot) *plan {
	p := &plan{
		root:     s.RootID,
		parent:   make(map[string]string),
		position: make(map[string]int),
	}
	for id := range s.Nodes {
		p.order = append(p.order, id)
	}
	slices.Sort(p.order)
	if i := slices.Index(p.order, s.RootID); i > 0 {
		p.order = slices.Insert(slices.Delete(p.order, i, i+1), 0, s.RootID)
	}

	// Children lists fill in parents the nodes themselves do not declare.
	listed := make(map[string]string)
	for _, id := range p.order {
		for _, c := range s.Nodes[id].Children {
			if _, dup := listed[c]; !dup {
				listed[c] = id
			}
		}
	}

	extra := make(map[string]int)
	for _, id := range p.order {
		if id == s.RootID {
			continue
		}
		want := s.Nodes[id].ParentID
		if want == "" {
			want = listed[id]
		}
		if _, ok := s.Nodes[want]; !ok || want == id {
			continue
		}
		p.parent[id] = want
		if i := slices.Index(s.Nodes[want].Children, id); i >= 0 {
			p.position[id] = i
		} else {
			p.position[id] = len(s.Nodes[want].Children) + extra[want]
			extra[want]++
		}
	}
	p.breakCycles()
	return p
}

// breakCycles unlinks every node on a parent cycle. Cycle members become
// detached orphans; nodes hanging off them keep their links.
func (p *plan) breakCycles() {
	const (
		open = 1
		done = 2
	)
	state := make(map[string]int, len(p.order))
	for _, start := range p.order {
		var path []string
		from := -1
		for id := start; ; {
			if state[id] == done {
				break
			}
			if state[id] == open {
				from = slices.Index(path, id)
				break
			}
			state[id] = open
			path = append(path, id)
			next, ok := p.parent[id]
			if !ok {
				break
			}
			id = next
		}
		for _, id := range path {
			state[id] = done
		}
		if from < 0 {
			continue
		}
		for _, id := range path[from:] {
			delete(p.parent, id)
			delete(p.position, id)
		}
	}
}

// orphans lists non-root nodes left without a parent, in id order.
func (p *plan) orphans() []string {
	var out []string
	for _, id := range p.order {
		if id == p.root {
			continue
		}
		if _, ok := p.parent[id]; !ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
