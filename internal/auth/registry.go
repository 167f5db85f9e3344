package auth

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	gwerrors "github.com/NevinXuHui/KiroGate/internal/errors"
	"github.com/NevinXuHui/KiroGate/internal/store"
)

// Registry maps identity id to its Manager, constructing on first use.
// The mutex guards only the map; refreshes run under each manager's own
// lock and never block map access for other identities.
type Registry struct {
	st   store.Store
	opts []Option

	mu       sync.Mutex
	managers map[int64]*Manager
}

// NewRegistry creates a registry backed by st. opts are applied to every
// constructed manager.
func NewRegistry(st store.Store, opts ...Option) *Registry {
	return &Registry{
		st:       st,
		opts:     opts,
		managers: make(map[int64]*Manager),
	}
}

// GetOrCreate returns the cached manager for id, constructing one from
// stored credentials on first use.
func (r *Registry) GetOrCreate(ctx context.Context, id int64) (*Manager, error) {
	r.mu.Lock()
	if mgr, ok := r.managers[id]; ok {
		r.mu.Unlock()
		return mgr, nil
	}
	r.mu.Unlock()

	// Store reads happen outside the map mutex.
	tok, err := r.st.GetToken(ctx, id)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindCredentialsMissing, "load identity", err)
	}
	creds, err := r.st.GetTokenCredentials(ctx, id)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindCredentialsMissing, "load identity credentials", err)
	}

	mgr := NewManager(id, tok.Region, tok.ProfileARN, *creds, r.persistFunc(id), r.opts...)

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have built the manager while we read the store.
	if existing, ok := r.managers[id]; ok {
		return existing, nil
	}
	r.managers[id] = mgr
	return mgr, nil
}

// persistFunc writes rotations for identity id back to the store.
func (r *Registry) persistFunc(id int64) PersistFunc {
	return func(ctx context.Context, rot store.Rotation) error {
		return r.st.UpdateTokenCredentials(ctx, id, rot)
	}
}

// Evict drops the cached manager for id. The next GetOrCreate reconstructs
// it from the store.
func (r *Registry) Evict(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managers[id]; ok {
		delete(r.managers, id)
		log.WithField("identity", id).Debug("Credential manager evicted")
	}
}

// Len returns the number of cached managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}
