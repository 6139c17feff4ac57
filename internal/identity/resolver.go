// Package identity derives a principal's per-project role from on-chain
// membership records. Results are cached only briefly: authorization for
// writes is always re-checked by the governance layer itself, the cache just
// keeps the UI responsive.
package identity

import (
	"context"
	"sync"
	"time"

	"github.com/chainlearn/dalcore/internal/registry"
)

// cacheTTL is deliberately short to bound staleness of authorization data.
const cacheTTL = 4 * time.Second

// ProjectReader is the registry subset the resolver needs.
type ProjectReader interface {
	GetProject(ctx context.Context, projectID string) (*registry.Project, error)
	Participants(ctx context.Context, projectID string) ([]registry.Participant, error)
}

// Resolver resolves (projectID, identity) to a role.
type Resolver struct {
	reader ProjectReader

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
	now   func() time.Time
}

type cacheKey struct {
	projectID string
	identity  string
}

type cacheEntry struct {
	role    registry.Role
	expires time.Time
}

// NewResolver creates a role resolver over the given registry reader.
func NewResolver(reader ProjectReader) *Resolver {
	return &Resolver{
		reader: reader,
		cache:  make(map[cacheKey]cacheEntry),
		now:    time.Now,
	}
}

// Resolve returns the identity's role for the project: coordinator when the
// identity is the project creator, contributor when it appears in the
// participants list with a non-observer role, observer otherwise.
func (r *Resolver) Resolve(ctx context.Context, projectID, identity string) (registry.Role, error) {
	key := cacheKey{projectID: projectID, identity: identity}

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.role, nil
	}
	r.mu.Unlock()

	role, err := r.resolve(ctx, projectID, identity)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{role: role, expires: r.now().Add(cacheTTL)}
	r.mu.Unlock()
	return role, nil
}

func (r *Resolver) resolve(ctx context.Context, projectID, identity string) (registry.Role, error) {
	project, err := r.reader.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	if project.Creator == identity {
		return registry.RoleCoordinator, nil
	}

	participants, err := r.reader.Participants(ctx, projectID)
	if err != nil {
		return "", err
	}
	for _, p := range participants {
		if p.Identity == identity && p.Role != registry.RoleObserver {
			return registry.RoleContributor, nil
		}
	}
	return registry.RoleObserver, nil
}

// Invalidate drops cached entries for a project, e.g. after membership
// changes observed on the bus.
func (r *Resolver) Invalidate(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if key.projectID == projectID {
			delete(r.cache, key)
		}
	}
}
