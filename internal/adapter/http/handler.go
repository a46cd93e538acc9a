package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/loomworks/controlplane/internal/app"
	"github.com/loomworks/controlplane/internal/domain"
)

// Dispatcher enqueues long-running operations for background execution.
type Dispatcher interface {
	EnqueueProvision(ctx context.Context, operatorID, tenantID string) error
	EnqueueArchive(ctx context.Context, operatorID, tenantID string) error
}

// TenantResponse is the API representation of a tenant.
type TenantResponse struct {
	ID            string         `json:"id" doc:"Unique identifier"`
	Name          string         `json:"name" doc:"Display name"`
	Subdomain     string         `json:"subdomain" doc:"Routing label under the base domain"`
	DatabaseName  string         `json:"database_name" doc:"Name of the tenant's isolated database"`
	Tier          string         `json:"tier" doc:"Subscription tier"`
	State         string         `json:"state" doc:"Lifecycle state"`
	Limits        LimitsBody     `json:"limits" doc:"Configured quotas"`
	FailureReason string         `json:"failure_reason,omitempty" doc:"Reason for the last provisioning failure"`
	Archive       *ArchiveStatus `json:"archive,omitempty" doc:"Archival bookkeeping, present once archived"`
	CreatedAt     string         `json:"created_at" doc:"Creation timestamp (ISO 8601)"`
	UpdatedAt     string         `json:"updated_at" doc:"Last update timestamp (ISO 8601)"`
}

// LimitsBody carries a tenant's quotas.
type LimitsBody struct {
	MaxUsers             int64 `json:"max_users" minimum:"0"`
	MaxStorageGB         int64 `json:"max_storage_gb" minimum:"0"`
	MaxAIOperationsDaily int64 `json:"max_ai_operations_daily" minimum:"0"`
}

func (l LimitsBody) toLimits() domain.Limits {
	return domain.Limits{
		MaxUsers:             l.MaxUsers,
		MaxStorageGB:         l.MaxStorageGB,
		MaxAIOperationsDaily: l.MaxAIOperationsDaily,
	}
}

// ArchiveStatus describes where an archived tenant's data lives.
type ArchiveStatus struct {
	DatabaseName string `json:"database_name"`
	BackupName   string `json:"backup_name"`
	Pending      bool   `json:"pending"`
	ArchivedAt   string `json:"archived_at"`
}

func toTenantResponse(t domain.Tenant) TenantResponse {
	resp := TenantResponse{
		ID:           t.ID,
		Name:         t.Name,
		Subdomain:    t.Subdomain,
		DatabaseName: t.DatabaseName,
		Tier:         string(t.Tier),
		State:        string(t.State),
		Limits: LimitsBody{
			MaxUsers:             t.Limits.MaxUsers,
			MaxStorageGB:         t.Limits.MaxStorageGB,
			MaxAIOperationsDaily: t.Limits.MaxAIOperationsDaily,
		},
		FailureReason: t.FailureReason,
		CreatedAt:     formatTime(t.CreatedAt),
		UpdatedAt:     formatTime(t.UpdatedAt),
	}
	if t.ArchivedDatabaseName != "" {
		resp.Archive = &ArchiveStatus{
			DatabaseName: t.ArchivedDatabaseName,
			BackupName:   t.BackupName,
			Pending:      t.ArchivePending,
			ArchivedAt:   formatTime(t.ArchivedAt),
		}
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// OperationBody is returned by every state-changing endpoint. Warnings list
// audit or notification deliveries that failed; the operation itself
// succeeded.
type OperationBody struct {
	Tenant   TenantResponse `json:"tenant"`
	Queued   bool           `json:"queued,omitempty" doc:"The operation was enqueued and will run in the background"`
	Warnings []string       `json:"warnings,omitempty"`
	Steps    []StepBody     `json:"steps,omitempty" doc:"Provisioning step log"`
}

// StepBody is one entry of a provisioning step log.
type StepBody struct {
	Step         string `json:"step"`
	Compensation bool   `json:"compensation,omitempty"`
	Error        string `json:"error,omitempty"`
}

func warnings(d domain.Delivery) []string {
	var out []string
	if d.Audit != nil {
		out = append(out, "audit: "+d.Audit.Error())
	}
	if d.Notify != nil {
		out = append(out, "notification: "+d.Notify.Error())
	}
	return out
}

func operationBody(r app.Result) OperationBody {
	return OperationBody{Tenant: toTenantResponse(r.Tenant), Warnings: warnings(r.Delivery)}
}

// --- Create Tenant ---

type CreateTenantInput struct {
	OperatorID string `header:"X-Operator-ID" doc:"Operator performing the call"`
	Body       struct {
		Name      string      `json:"name" minLength:"1" maxLength:"255" doc:"Display name"`
		Subdomain string      `json:"subdomain" minLength:"1" maxLength:"63" doc:"Routing label; lowercase letters, digits and hyphens"`
		Tier      string      `json:"tier,omitempty" default:"starter" enum:"starter,professional,enterprise" doc:"Subscription tier"`
		Limits    *LimitsBody `json:"limits,omitempty" doc:"Quotas; the tier defaults apply when omitted"`
	}
}

type OperationOutput struct {
	Status int
	Body   OperationBody
}

// --- Get / List ---

type TenantIDInput struct {
	ID string `path:"id" doc:"Tenant ID"`
}

type GetTenantOutput struct {
	Body TenantResponse
}

type ListTenantsInput struct {
	State  string `query:"state" required:"false" doc:"Filter by lifecycle state"`
	Limit  int    `query:"limit" required:"false" default:"50" minimum:"0" doc:"Max results"`
	Offset int    `query:"offset" required:"false" default:"0" minimum:"0" doc:"Pagination offset"`
}

type ListTenantsOutput struct {
	Body []TenantResponse
}

// --- Lifecycle ---

type LifecycleInput struct {
	ID         string `path:"id" doc:"Tenant ID"`
	OperatorID string `header:"X-Operator-ID" doc:"Operator performing the call"`
}

type AsyncLifecycleInput struct {
	ID         string `path:"id" doc:"Tenant ID"`
	OperatorID string `header:"X-Operator-ID" doc:"Operator performing the call"`
	Async      bool   `query:"async" required:"false" doc:"Enqueue the operation and return immediately"`
}

type SetLimitsInput struct {
	ID         string `path:"id" doc:"Tenant ID"`
	OperatorID string `header:"X-Operator-ID" doc:"Operator performing the call"`
	Body       LimitsBody
}

// --- Audit ---

type AuditInput struct {
	ID    string `path:"id" doc:"Tenant ID"`
	Limit int    `query:"limit" required:"false" default:"100" minimum:"0" doc:"Max entries"`
}

type AuditEntryBody struct {
	ID         string `json:"id"`
	OperatorID string `json:"operator_id"`
	Operation  string `json:"operation"`
	Timestamp  string `json:"timestamp"`
	Detail     string `json:"detail,omitempty"`
}

type AuditOutput struct {
	Body []AuditEntryBody
}

// operator returns the caller identity, defaulting to the system operator.
func operator(id string) string {
	if id == "" {
		return domain.SystemOperator
	}
	return id
}

// Register adds the tenant administration routes to the Huma API. jobs may
// be nil, in which case ?async=true is rejected.
func Register(api huma.API, svc *app.Service, jobs Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tenant",
		Method:        http.MethodPost,
		Path:          "/api/v1/tenants",
		Summary:       "Register a new tenant",
		Tags:          []string{"Tenants"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateTenantInput) (*OperationOutput, error) {
		params := app.CreateParams{
			Name:      input.Body.Name,
			Subdomain: input.Body.Subdomain,
			Tier:      domain.Tier(input.Body.Tier),
		}
		if input.Body.Limits != nil {
			params.Limits = input.Body.Limits.toLimits()
		}

		res, err := svc.Create(ctx, operator(input.OperatorID), params)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &OperationOutput{Status: http.StatusCreated, Body: operationBody(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant",
		Method:      http.MethodGet,
		Path:        "/api/v1/tenants/{id}",
		Summary:     "Get a tenant by ID",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *TenantIDInput) (*GetTenantOutput, error) {
		tenant, err := svc.Get(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &GetTenantOutput{Body: toTenantResponse(tenant)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenants",
		Method:      http.MethodGet,
		Path:        "/api/v1/tenants",
		Summary:     "List tenants",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *ListTenantsInput) (*ListTenantsOutput, error) {
		filter := domain.ListFilter{
			Limit:  input.Limit,
			Offset: input.Offset,
		}
		if input.State != "" {
			s := domain.State(input.State)
			if !s.Valid() {
				return nil, huma.Error422UnprocessableEntity("unknown state " + input.State)
			}
			filter.State = &s
		}

		tenants, err := svc.List(ctx, filter)
		if err != nil {
			return nil, toHumaError(err)
		}

		resp := make([]TenantResponse, len(tenants))
		for i, t := range tenants {
			resp[i] = toTenantResponse(t)
		}
		return &ListTenantsOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "provision-tenant",
		Method:      http.MethodPost,
		Path:        "/api/v1/tenants/{id}/provision",
		Summary:     "Create the tenant database and install the application",
		Description: "A failed tenant is reset to draft and provisioned from scratch.",
		Tags:        []string{"Lifecycle"},
	}, func(ctx context.Context, input *AsyncLifecycleInput) (*OperationOutput, error) {
		op := operator(input.OperatorID)
		if input.Async {
			return enqueue(ctx, svc, jobs, input.ID, func() error {
				return jobs.EnqueueProvision(ctx, op, input.ID)
			})
		}

		res, err := svc.Provision(ctx, op, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		body := OperationBody{
			Tenant:   toTenantResponse(res.Tenant),
			Warnings: warnings(res.Delivery),
		}
		for _, s := range res.Attempt.Steps {
			step := StepBody{Step: string(s.Step), Compensation: s.Compensation}
			if s.Err != nil {
				step.Error = s.Err.Error()
			}
			body.Steps = append(body.Steps, step)
		}
		return &OperationOutput{Status: http.StatusOK, Body: body}, nil
	})

	registerLifecycle(api, "reset-tenant", "reset", "Return a failed tenant to draft", svc.Reset)
	registerLifecycle(api, "suspend-tenant", "suspend", "Suspend an active tenant", svc.Suspend)
	registerLifecycle(api, "resume-tenant", "resume", "Resume a suspended tenant", svc.Resume)
	registerLifecycle(api, "destroy-tenant", "destroy", "Permanently drop an archived tenant's data", svc.Destroy)

	huma.Register(api, huma.Operation{
		OperationID: "archive-tenant",
		Method:      http.MethodPost,
		Path:        "/api/v1/tenants/{id}/archive",
		Summary:     "Back up and rename the tenant database",
		Description: "Calling archive again on an interrupted archival resumes it.",
		Tags:        []string{"Lifecycle"},
	}, func(ctx context.Context, input *AsyncLifecycleInput) (*OperationOutput, error) {
		op := operator(input.OperatorID)
		if input.Async {
			return enqueue(ctx, svc, jobs, input.ID, func() error {
				return jobs.EnqueueArchive(ctx, op, input.ID)
			})
		}

		res, err := svc.Archive(ctx, op, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &OperationOutput{Status: http.StatusOK, Body: operationBody(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-tenant-limits",
		Method:      http.MethodPut,
		Path:        "/api/v1/tenants/{id}/limits",
		Summary:     "Replace a tenant's quotas",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *SetLimitsInput) (*OperationOutput, error) {
		res, err := svc.SetLimits(ctx, operator(input.OperatorID), input.ID, input.Body.toLimits())
		if err != nil {
			return nil, toHumaError(err)
		}
		return &OperationOutput{Status: http.StatusOK, Body: operationBody(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit-entries",
		Method:      http.MethodGet,
		Path:        "/api/v1/tenants/{id}/audit",
		Summary:     "List a tenant's audit trail, oldest first",
		Tags:        []string{"Audit"},
	}, func(ctx context.Context, input *AuditInput) (*AuditOutput, error) {
		if _, err := svc.Get(ctx, input.ID); err != nil {
			return nil, toHumaError(err)
		}
		entries, err := svc.AuditTrail(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, toHumaError(err)
		}
		resp := make([]AuditEntryBody, len(entries))
		for i, e := range entries {
			resp[i] = AuditEntryBody{
				ID:         e.ID,
				OperatorID: e.OperatorID,
				Operation:  string(e.Operation),
				Timestamp:  formatTime(e.Timestamp),
				Detail:     e.Detail,
			}
		}
		return &AuditOutput{Body: resp}, nil
	})

	registerUsage(api, svc)
}

func registerLifecycle(api huma.API, id, action, summary string, fn func(context.Context, string, string) (app.Result, error)) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        "/api/v1/tenants/{id}/" + action,
		Summary:     summary,
		Tags:        []string{"Lifecycle"},
	}, func(ctx context.Context, input *LifecycleInput) (*OperationOutput, error) {
		res, err := fn(ctx, operator(input.OperatorID), input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &OperationOutput{Status: http.StatusOK, Body: operationBody(res)}, nil
	})
}

// enqueue hands an operation to the dispatcher after checking the tenant
// exists, so unknown IDs fail fast with 404 instead of a failed job.
func enqueue(ctx context.Context, svc *app.Service, jobs Dispatcher, id string, insert func() error) (*OperationOutput, error) {
	if jobs == nil {
		return nil, huma.Error503ServiceUnavailable("background jobs are not configured")
	}
	tenant, err := svc.Get(ctx, id)
	if err != nil {
		return nil, toHumaError(err)
	}
	if err := insert(); err != nil {
		return nil, huma.Error503ServiceUnavailable("enqueuing job", err)
	}
	return &OperationOutput{
		Status: http.StatusAccepted,
		Body:   OperationBody{Tenant: toTenantResponse(tenant), Queued: true},
	}, nil
}

// toHumaError translates domain errors to Huma HTTP errors.
func toHumaError(err error) error {
	if errors.Is(err, domain.ErrTenantNotFound) {
		return huma.Error404NotFound("tenant not found")
	}
	if errors.Is(err, domain.ErrRetentionPending) || errors.Is(err, domain.ErrArchiveIncomplete) {
		return huma.Error409Conflict(err.Error())
	}

	var taken *domain.SubdomainTakenError
	if errors.As(err, &taken) {
		return huma.Error409Conflict(taken.Error())
	}

	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		return huma.Error409Conflict(conflict.Error())
	}

	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		return huma.Error422UnprocessableEntity(validation.Error())
	}

	var trErr *domain.InvalidTransitionError
	if errors.As(err, &trErr) {
		return huma.Error422UnprocessableEntity(trErr.Error())
	}

	var quota *domain.QuotaExceededError
	if errors.As(err, &quota) {
		return huma.Error429TooManyRequests(quota.Error())
	}

	var external *domain.ExternalFailure
	if errors.As(err, &external) {
		return huma.Error502BadGateway(external.Error())
	}

	return huma.Error500InternalServerError("internal server error")
}
