// Package registry holds the in-memory, lock-free-readable view of every
// active document and owner, refreshed on a timer and on demand.
package registry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drjjw/docutrain-sub002/internal/apierr"
	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/config"
)

// State is the registry's lifecycle state, exposed for health checks.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRefreshing:
		return "refreshing"
	default:
		return "uninitialized"
	}
}

// Registry holds the current RegistrySnapshot behind an atomic pointer so
// readers never block on a refresh in progress.
type Registry struct {
	store Store
	bus   *invalidationBus

	snapshot atomic.Pointer[catalog.RegistrySnapshot]
	state    atomic.Int32

	refreshInterval time.Duration
}

// Store is the subset of catalog.Store the registry depends on.
type Store interface {
	LoadRegistrySnapshot(ctx context.Context) (*catalog.RegistrySnapshot, error)
}

// New builds a Registry. Call Load before serving traffic.
func New(store Store, cfg config.RegistryConfig, redisCfg config.RedisConfig) (*Registry, error) {
	bus, err := newInvalidationBus(redisCfg)
	if err != nil {
		return nil, err
	}
	r := &Registry{store: store, bus: bus, refreshInterval: cfg.RefreshInterval}
	r.state.Store(int32(StateUninitialized))
	return r, nil
}

// Phase reports the registry's current lifecycle state as the typed enum,
// for callers that branch on it (RunBackground, tests).
func (r *Registry) Phase() State {
	return State(r.state.Load())
}

// State reports the registry's current lifecycle state as its string form,
// satisfying httpapi.Registry for the /api/ready probe.
func (r *Registry) State() string {
	return r.Phase().String()
}

// Load performs the initial synchronous snapshot load. The server must not
// begin serving /api/chat or /api/documents until this returns nil.
func (r *Registry) Load(ctx context.Context) error {
	r.state.Store(int32(StateLoading))
	snap, err := r.store.LoadRegistrySnapshot(ctx)
	if err != nil {
		return apierr.Wrap(apierr.ServiceUnavailable, "initial registry load failed", err)
	}
	r.snapshot.Store(snap)
	r.state.Store(int32(StateReady))
	log.Info().Int("documents", len(snap.Documents)).Msg("registry_loaded")
	return nil
}

// Snapshot returns the current snapshot. Never nil after a successful Load.
func (r *Registry) Snapshot() *catalog.RegistrySnapshot {
	return r.snapshot.Load()
}

// Refresh reloads the snapshot and atomically swaps it in. Readers
// observing the old snapshot mid-swap see a fully consistent (if slightly
// stale) view; there is no intermediate half-built state visible.
func (r *Registry) Refresh(ctx context.Context) error {
	r.state.Store(int32(StateRefreshing))
	defer r.state.Store(int32(StateReady))

	snap, err := r.store.LoadRegistrySnapshot(ctx)
	if err != nil {
		return apierr.Wrap(apierr.ServiceUnavailable, "registry refresh failed", err)
	}
	r.snapshot.Store(snap)
	log.Info().Int("documents", len(snap.Documents)).Msg("registry_refreshed")
	return nil
}

// RefreshAndBroadcast refreshes locally then notifies sibling processes via
// Redis Pub/Sub (a no-op when Redis is disabled).
func (r *Registry) RefreshAndBroadcast(ctx context.Context, requestedBy string) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}
	r.bus.publish(ctx, requestedBy)
	return nil
}

// RunBackground starts the periodic refresh timer and, if Redis is
// configured, a subscriber that triggers an immediate refresh whenever a
// sibling process broadcasts an invalidation. Blocks until ctx is canceled.
func (r *Registry) RunBackground(ctx context.Context) {
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	invalidations, cancelSub := r.bus.subscribe(ctx)
	defer cancelSub()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("registry_refresh_failed")
			}
		case ev := <-invalidations:
			log.Debug().Str("requested_by", ev.RequestedBy).Msg("registry_invalidation_received")
			if err := r.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("registry_refresh_failed")
			}
		}
	}
}

// DocumentByID and DocumentBySlug read the current snapshot; both are safe
// for highly concurrent lock-free access.
func (r *Registry) DocumentByID(id string) (catalog.Document, bool) {
	snap := r.snapshot.Load()
	if snap == nil {
		return catalog.Document{}, false
	}
	d, ok := snap.Documents[id]
	return d, ok
}

func (r *Registry) DocumentBySlug(slug string) (catalog.Document, bool) {
	snap := r.snapshot.Load()
	if snap == nil {
		return catalog.Document{}, false
	}
	id, ok := snap.BySlug[slug]
	if !ok {
		return catalog.Document{}, false
	}
	d, ok := snap.Documents[id]
	return d, ok
}

func (r *Registry) Owner(id string) (catalog.Owner, bool) {
	snap := r.snapshot.Load()
	if snap == nil {
		return catalog.Owner{}, false
	}
	o, ok := snap.Owners[id]
	return o, ok
}

// ListDocuments returns every active document in the current snapshot.
func (r *Registry) ListDocuments() []catalog.Document {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil
	}
	out := make([]catalog.Document, 0, len(snap.Documents))
	for _, d := range snap.Documents {
		out = append(out, d)
	}
	return out
}
