package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/loomworks/controlplane/internal/domain"
)

// DatabaseHeader carries the resolved tenant database on routed responses.
const DatabaseHeader = "X-Tenant-Database"

// Resolver maps an inbound hostname to a tenant database.
type Resolver interface {
	Route(hostname string) (domain.DatabaseHandle, error)
	Subdomain(hostname string) (string, bool)
}

type handleBody struct {
	TenantID     string `json:"tenant_id"`
	Subdomain    string `json:"subdomain"`
	DatabaseName string `json:"database_name"`
}

type deniedBody struct {
	Reason         string `json:"reason"`
	SupportContact string `json:"support_contact,omitempty"`
}

type notFoundBody struct {
	Error string `json:"error"`
}

// RoutingHandler answers tenant-host requests with the database the request
// belongs to. Suspended, archived and unfinished tenants get 403 with the
// state as the reason; unknown hosts get 404.
type RoutingHandler struct {
	resolver       Resolver
	supportContact string
	logger         *zap.Logger
}

// NewRoutingHandler creates the tenant-host handler.
func NewRoutingHandler(resolver Resolver, supportContact string, logger *zap.Logger) *RoutingHandler {
	return &RoutingHandler{resolver: resolver, supportContact: supportContact, logger: logger}
}

func (h *RoutingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handle, err := h.resolver.Route(r.Host)

	var forbidden *domain.ForbiddenError
	switch {
	case err == nil:
		w.Header().Set(DatabaseHeader, handle.DatabaseName)
		h.write(w, http.StatusOK, handleBody{
			TenantID:     handle.TenantID,
			Subdomain:    handle.Subdomain,
			DatabaseName: handle.DatabaseName,
		})
	case errors.As(err, &forbidden):
		h.write(w, http.StatusForbidden, deniedBody{
			Reason:         forbidden.Reason(),
			SupportContact: h.supportContact,
		})
	case errors.Is(err, domain.ErrTenantNotFound):
		h.write(w, http.StatusNotFound, notFoundBody{Error: "tenant not found"})
	default:
		h.logger.Error("routing failed", zap.String("host", r.Host), zap.Error(err))
		h.write(w, http.StatusInternalServerError, notFoundBody{Error: "internal server error"})
	}
}

func (h *RoutingHandler) write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("writing routing response", zap.Error(err))
	}
}

// HostSwitch sends requests for tenant hosts to tenant and everything else
// (the bare base domain, localhost, IPs) to admin.
func HostSwitch(resolver Resolver, tenant, admin http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := resolver.Subdomain(r.Host); ok {
			tenant.ServeHTTP(w, r)
			return
		}
		admin.ServeHTTP(w, r)
	})
}
