package app

import (
	"net"
	"strings"

	"github.com/loomworks/controlplane/internal/domain"
)

// Route outcomes reported to metrics.
const (
	RouteOK        = "ok"
	RouteNotFound  = "not_found"
	RouteForbidden = "forbidden"
)

// Router maps an inbound hostname to the database of an active tenant.
// It reads only the registry's lock-free index and holds no connections.
type Router struct {
	registry   *Registry
	metrics    domain.Metrics
	baseDomain string
}

// NewRouter creates a router for hosts of the form <subdomain>.<baseDomain>.
func NewRouter(registry *Registry, metrics domain.Metrics, baseDomain string) *Router {
	return &Router{
		registry:   registry,
		metrics:    metrics,
		baseDomain: strings.Trim(strings.ToLower(baseDomain), "."),
	}
}

// Route resolves hostname. It returns domain.ErrTenantNotFound for unknown
// or malformed hosts and *domain.ForbiddenError for tenants that are not active.
func (r *Router) Route(hostname string) (domain.DatabaseHandle, error) {
	handle, err := r.route(hostname)
	switch err.(type) {
	case nil:
		r.metrics.ObserveRoute(RouteOK)
	case *domain.ForbiddenError:
		r.metrics.ObserveRoute(RouteForbidden)
	default:
		r.metrics.ObserveRoute(RouteNotFound)
	}
	return handle, err
}

func (r *Router) route(hostname string) (domain.DatabaseHandle, error) {
	sub, ok := r.Subdomain(hostname)
	if !ok {
		return domain.DatabaseHandle{}, domain.ErrTenantNotFound
	}

	t, err := r.registry.GetBySubdomain(sub)
	if err != nil {
		return domain.DatabaseHandle{}, err
	}
	if t.State != domain.StateActive {
		return domain.DatabaseHandle{}, &domain.ForbiddenError{TenantID: t.ID, State: t.State}
	}
	return t.Handle(), nil
}

// Subdomain extracts the tenant label from hostname. The host must be exactly
// one label under the base domain; a port and a trailing dot are ignored.
func (r *Router) Subdomain(hostname string) (string, bool) {
	host := strings.ToLower(strings.TrimSpace(hostname))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")

	label, found := strings.CutSuffix(host, "."+r.baseDomain)
	if !found || label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}
