package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/guardian/internal/apperr"
	"github.com/starford/guardian/internal/snapstore"
)

type entry struct {
	mu     sync.Mutex // serialises Update so saves land in mutation order
	eng    *Engine
	synced time.Time // last load from or save to the store
}

// Registry owns one Engine per session key. Engines are loaded lazily from
// the store and written back after every update.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	store   snapstore.Store
	logger  *slog.Logger
	idle    time.Duration
	now     func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIdleTTL drops cached engines that have not been loaded or saved for d,
// so the next access reads the store again. Zero keeps engines cached.
func WithIdleTTL(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.idle = d
	}
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store snapstore.Store, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		entries: make(map[string]*entry),
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) entry(ctx context.Context, key string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictIdleLocked()
	if e, ok := r.entries[key]; ok {
		return e, nil
	}

	eng := New()
	s, err := r.store.Load(ctx, key)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("engine: load draft %q: %w", key, err)
	default:
		if err := eng.Load(s); err != nil {
			return nil, err
		}
		r.logger.Debug("engine: draft restored", slog.String("key", key), slog.Int("nodes", eng.Len()))
	}

	e := &entry{eng: eng, synced: r.now()}
	r.entries[key] = e
	return e, nil
}

func (r *Registry) evictIdleLocked() {
	if r.idle <= 0 {
		return
	}
	cutoff := r.now().Add(-r.idle)
	for key, e := range r.entries {
		if e.mu.TryLock() {
			stale := e.synced.Before(cutoff)
			e.mu.Unlock()
			if stale {
				delete(r.entries, key)
				r.logger.Debug("engine: idle draft evicted", slog.String("key", key))
			}
		}
	}
}

// Get returns the engine for key, restoring a saved draft on first use.
func (r *Registry) Get(ctx context.Context, key string) (*Engine, error) {
	e, err := r.entry(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.eng, nil
}

// Update runs fn against the engine for key and persists the result when fn
// succeeds. Updates for the same key are serialised. When fn or the save
// fails the engine is rolled back to its state before the call.
func (r *Registry) Update(ctx context.Context, key string, fn func(e *Engine) error) error {
	e, err := r.entry(ctx, key)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.eng.checkpoint()
	if err := fn(e.eng); err != nil {
		e.eng.restore(prev)
		return err
	}
	if err := r.store.Save(ctx, key, e.eng.Snapshot()); err != nil {
		e.eng.restore(prev)
		return fmt.Errorf("engine: save draft %q: %w", key, err)
	}
	e.synced = r.now()
	return nil
}

// Reset removes the saved draft for key and replaces its engine with an
// empty one. The old draft is never loaded, so an unreadable draft can
// always be reset.
func (r *Registry) Reset(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("engine: delete draft %q: %w", key, err)
	}
	r.entries[key] = &entry{eng: New(), synced: r.now()}
	return nil
}
