package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/loomworks/controlplane/internal/domain"
)

// CreateParams holds the input for registering a tenant.
type CreateParams struct {
	Name      string
	Subdomain string
	Tier      domain.Tier
	Limits    domain.Limits
}

// Registry is the source of truth for tenant identity and lifecycle state.
//
// Writes go to the repository first; the in-memory indexes are refreshed
// only after a write commits. Lookups by subdomain never touch the
// repository and never take a lock, so routing does not wait on
// provisioning or archival of any tenant.
type Registry struct {
	repo   domain.TenantRepository
	clock  clock.Clock
	logger *zap.Logger

	bySubdomain sync.Map // subdomain -> domain.Tenant, non-destroyed only
	tombstones  sync.Map // subdomain -> most recently destroyed domain.Tenant
	byID        sync.Map // id -> domain.Tenant
	misses      singleflight.Group

	// writes serialises the commit+index refresh of one tenant so that
	// index updates land in commit order.
	writes keyedMutex
}

// NewRegistry creates a registry over repo. Call Load before serving.
func NewRegistry(repo domain.TenantRepository, clk clock.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		repo:   repo,
		clock:  clk,
		logger: logger,
	}
}

// Load fills the in-memory indexes from durable storage.
func (r *Registry) Load(ctx context.Context) error {
	tenants, err := r.repo.List(ctx, domain.ListFilter{})
	if err != nil {
		return fmt.Errorf("loading tenants: %w", err)
	}
	for _, t := range tenants {
		r.index(t)
	}
	r.logger.Info("registry loaded", zap.Int("tenants", len(tenants)))
	return nil
}

// Create validates and persists a new draft tenant. Uniqueness is enforced
// by the repository in the same statement as the insert.
func (r *Registry) Create(ctx context.Context, p CreateParams) (domain.Tenant, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return domain.Tenant{}, &domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}

	subdomain := domain.NormalizeSubdomain(p.Subdomain)
	if err := domain.ValidateSubdomain(subdomain); err != nil {
		return domain.Tenant{}, err
	}

	tier := p.Tier
	if tier == "" {
		tier = domain.TierStarter
	}
	defaults, ok := domain.DefaultLimits(tier)
	if !ok {
		return domain.Tenant{}, &domain.ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", tier)}
	}

	limits := p.Limits
	if limits.IsZero() {
		limits = defaults
	}
	if err := limits.Validate(); err != nil {
		return domain.Tenant{}, err
	}

	tenant := domain.NewTenant(generateID(), name, subdomain, tier, limits, r.clock.Now())

	if err := r.repo.Create(ctx, tenant); err != nil {
		return domain.Tenant{}, err
	}

	r.index(tenant)
	return tenant, nil
}

// GetBySubdomain serves the routing hot path from the in-memory index.
// A subdomain with no live tenant resolves to the tenant most recently
// destroyed under it, if any.
func (r *Registry) GetBySubdomain(subdomain string) (domain.Tenant, error) {
	subdomain = domain.NormalizeSubdomain(subdomain)
	if v, ok := r.bySubdomain.Load(subdomain); ok {
		return v.(domain.Tenant), nil
	}
	if v, ok := r.tombstones.Load(subdomain); ok {
		return v.(domain.Tenant), nil
	}
	return domain.Tenant{}, domain.ErrTenantNotFound
}

// Get returns a tenant by ID, falling back to the repository on an index miss.
func (r *Registry) Get(ctx context.Context, id string) (domain.Tenant, error) {
	if v, ok := r.byID.Load(id); ok {
		return v.(domain.Tenant), nil
	}

	v, err, _ := r.misses.Do(id, func() (any, error) {
		t, err := r.repo.GetByID(ctx, id)
		if err != nil {
			return domain.Tenant{}, err
		}
		r.index(t)
		return t, nil
	})
	if err != nil {
		return domain.Tenant{}, err
	}
	return v.(domain.Tenant), nil
}

// List returns tenants matching the filter from durable storage.
func (r *Registry) List(ctx context.Context, filter domain.ListFilter) ([]domain.Tenant, error) {
	return r.repo.List(ctx, filter)
}

// CountByState returns the number of indexed tenants in each state.
func (r *Registry) CountByState() map[domain.State]int {
	counts := make(map[domain.State]int, len(domain.States))
	r.byID.Range(func(_, v any) bool {
		counts[v.(domain.Tenant).State]++
		return true
	})
	return counts
}

// Transition moves a tenant from one state to another, compare-and-swap
// style. It fails with *domain.InvalidTransitionError for an edge that is
// not in domain.Transitions and with *domain.ConflictError when the stored
// state is no longer from. mutate, when non-nil, adjusts bookkeeping fields
// in the same write.
func (r *Registry) Transition(ctx context.Context, id string, from, to domain.State, mutate func(*domain.Tenant)) (domain.Tenant, error) {
	tr, ok := domain.LookupTransition(from, to)
	if !ok {
		return domain.Tenant{}, &domain.InvalidTransitionError{From: from, To: to}
	}

	return r.write(ctx, id, from, func(t *domain.Tenant) {
		if mutate != nil {
			mutate(t)
		}
		t.State = tr.Dst
	})
}

// Amend updates bookkeeping fields of a tenant without changing its state,
// guarded on the state still being state.
func (r *Registry) Amend(ctx context.Context, id string, state domain.State, mutate func(*domain.Tenant)) (domain.Tenant, error) {
	return r.write(ctx, id, state, func(t *domain.Tenant) {
		mutate(t)
		t.State = state
	})
}

// SetLimits replaces a tenant's quotas.
func (r *Registry) SetLimits(ctx context.Context, id string, limits domain.Limits) (domain.Tenant, error) {
	if err := limits.Validate(); err != nil {
		return domain.Tenant{}, err
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return domain.Tenant{}, err
	}
	return r.Amend(ctx, id, current.State, func(t *domain.Tenant) {
		t.Limits = limits
	})
}

func (r *Registry) write(ctx context.Context, id string, expected domain.State, mutate func(*domain.Tenant)) (domain.Tenant, error) {
	unlock := r.writes.Lock(id)
	defer unlock()

	current, err := r.Get(ctx, id)
	if err != nil {
		return domain.Tenant{}, err
	}

	next := current
	mutate(&next)
	next.UpdatedAt = r.clock.Now().UTC()

	if err := r.repo.CompareAndSwap(ctx, expected, next); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			// Another process may have written; resync this entry.
			if fresh, getErr := r.repo.GetByID(ctx, id); getErr == nil {
				r.index(fresh)
			}
		}
		return domain.Tenant{}, err
	}

	r.index(next)
	return next, nil
}

func (r *Registry) index(t domain.Tenant) {
	r.byID.Store(t.ID, t)

	if t.State == domain.StateDestroyed {
		// The subdomain may already belong to a newer tenant.
		if v, ok := r.bySubdomain.Load(t.Subdomain); ok && v.(domain.Tenant).ID == t.ID {
			r.bySubdomain.CompareAndDelete(t.Subdomain, v)
		}
		r.bury(t)
		return
	}
	r.bySubdomain.Store(t.Subdomain, t)
}

// bury records t as the tombstone of its subdomain unless a later
// destruction is already recorded.
func (r *Registry) bury(t domain.Tenant) {
	for {
		v, loaded := r.tombstones.LoadOrStore(t.Subdomain, t)
		if !loaded {
			return
		}
		prev := v.(domain.Tenant)
		if prev.ID != t.ID && prev.UpdatedAt.After(t.UpdatedAt) {
			return
		}
		if r.tombstones.CompareAndSwap(t.Subdomain, v, t) {
			return
		}
	}
}
