package http

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/loomworks/controlplane/internal/app"
	"github.com/loomworks/controlplane/internal/domain"
)

// UsageBody is the API representation of one usage counter.
type UsageBody struct {
	Kind        string  `json:"kind"`
	Current     int64   `json:"current"`
	Limit       int64   `json:"limit"`
	Ratio       float64 `json:"ratio"`
	Warned      bool    `json:"warned"`
	WindowStart string  `json:"window_start,omitempty"`
}

func toUsageBody(c domain.UsageCounter, limits domain.Limits) UsageBody {
	limit := limits.LimitFor(c.Kind)
	body := UsageBody{
		Kind:    string(c.Kind),
		Current: c.CurrentValue,
		Limit:   limit,
		Warned:  c.Warned,
	}
	if limit > 0 {
		body.Ratio = float64(c.CurrentValue) / float64(limit)
	}
	if !c.WindowStart.IsZero() {
		body.WindowStart = formatTime(c.WindowStart)
	}
	return body
}

type UsageOutput struct {
	Body []UsageBody
}

type AdjustUsageInput struct {
	ID   string `path:"id" doc:"Tenant ID"`
	Kind string `path:"kind" enum:"users,storage_bytes,ai_operations" doc:"Metered resource"`
	Body struct {
		Amount int64 `json:"amount" minimum:"1" doc:"Units to reserve or release"`
	}
}

type CounterOutput struct {
	Body UsageBody
}

type RolloverInput struct {
	Body struct {
		TenantID string `json:"tenant_id,omitempty" doc:"Restrict the rollover to one tenant"`
	} `required:"false"`
}

type RolloverOutput struct {
	Body struct {
		Reset int `json:"reset" doc:"Number of counters reset"`
	}
}

func registerUsage(api huma.API, svc *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "get-usage",
		Method:      http.MethodGet,
		Path:        "/api/v1/tenants/{id}/usage",
		Summary:     "Read a tenant's usage counters",
		Tags:        []string{"Usage"},
	}, func(ctx context.Context, input *TenantIDInput) (*UsageOutput, error) {
		tenant, err := svc.Get(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		counters, err := svc.Usage(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		resp := make([]UsageBody, len(counters))
		for i, c := range counters {
			resp[i] = toUsageBody(c, tenant.Limits)
		}
		return &UsageOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reserve-usage",
		Method:      http.MethodPost,
		Path:        "/api/v1/tenants/{id}/usage/{kind}/reserve",
		Summary:     "Check and reserve quota",
		Description: "Fails with 429 when the reservation would exceed the tenant's limit.",
		Tags:        []string{"Usage"},
	}, func(ctx context.Context, input *AdjustUsageInput) (*CounterOutput, error) {
		return adjust(ctx, svc, input, svc.Reserve)
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-usage",
		Method:      http.MethodPost,
		Path:        "/api/v1/tenants/{id}/usage/{kind}/release",
		Summary:     "Return previously reserved quota",
		Tags:        []string{"Usage"},
	}, func(ctx context.Context, input *AdjustUsageInput) (*CounterOutput, error) {
		return adjust(ctx, svc, input, svc.Release)
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-storage",
		Method:      http.MethodPost,
		Path:        "/api/v1/tenants/{id}/storage/refresh",
		Summary:     "Sample the tenant database size into the storage counter",
		Tags:        []string{"Usage"},
	}, func(ctx context.Context, input *TenantIDInput) (*CounterOutput, error) {
		counter, err := svc.RefreshStorage(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		tenant, err := svc.Get(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &CounterOutput{Body: toUsageBody(counter, tenant.Limits)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollover-usage",
		Method:      http.MethodPost,
		Path:        "/api/v1/usage/rollover",
		Summary:     "Start a new daily AI operations window",
		Description: "Idempotent within a UTC day; runs automatically at midnight UTC.",
		Tags:        []string{"Usage"},
	}, func(ctx context.Context, input *RolloverInput) (*RolloverOutput, error) {
		n, err := svc.Rollover(ctx, input.Body.TenantID)
		if err != nil {
			return nil, toHumaError(err)
		}
		out := &RolloverOutput{}
		out.Body.Reset = n
		return out, nil
	})
}

func adjust(ctx context.Context, svc *app.Service, input *AdjustUsageInput,
	fn func(context.Context, string, domain.ResourceKind, int64) (domain.UsageCounter, error),
) (*CounterOutput, error) {
	counter, err := fn(ctx, input.ID, domain.ResourceKind(input.Kind), input.Body.Amount)
	if err != nil {
		return nil, toHumaError(err)
	}
	tenant, err := svc.Get(ctx, input.ID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &CounterOutput{Body: toUsageBody(counter, tenant.Limits)}, nil
}
