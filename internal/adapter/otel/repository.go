package otel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/controlplane/internal/domain"
)

const tracerName = "github.com/loomworks/controlplane/internal/adapter/otel"

// TracingRepository wraps a domain.TenantRepository with OpenTelemetry tracing.
type TracingRepository struct {
	next   domain.TenantRepository
	tracer trace.Tracer
}

var _ domain.TenantRepository = (*TracingRepository)(nil)

// NewTracingRepository creates a tracing decorator around the given repository.
func NewTracingRepository(next domain.TenantRepository) *TracingRepository {
	return &TracingRepository{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (r *TracingRepository) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "TenantRepository."+op, trace.WithAttributes(attrs...))
}

func (r *TracingRepository) Create(ctx context.Context, tenant domain.Tenant) error {
	ctx, span := r.start(ctx, "Create",
		attribute.String("tenant.id", tenant.ID),
		attribute.String("tenant.subdomain", tenant.Subdomain),
		attribute.String("tenant.tier", string(tenant.Tier)),
	)
	defer span.End()

	err := r.next.Create(ctx, tenant)
	recordError(span, err)
	return err
}

func (r *TracingRepository) GetByID(ctx context.Context, id string) (domain.Tenant, error) {
	ctx, span := r.start(ctx, "GetByID", attribute.String("tenant.id", id))
	defer span.End()

	tenant, err := r.next.GetByID(ctx, id)
	if err == nil {
		span.SetAttributes(attribute.String("tenant.state", string(tenant.State)))
	}
	recordError(span, err)
	return tenant, err
}

func (r *TracingRepository) List(ctx context.Context, filter domain.ListFilter) ([]domain.Tenant, error) {
	ctx, span := r.start(ctx, "List",
		attribute.Int("filter.limit", filter.Limit),
		attribute.Int("filter.offset", filter.Offset),
	)
	defer span.End()

	if filter.State != nil {
		span.SetAttributes(attribute.String("filter.state", string(*filter.State)))
	}

	tenants, err := r.next.List(ctx, filter)
	span.SetAttributes(attribute.Int("result.count", len(tenants)))
	recordError(span, err)
	return tenants, err
}

// CompareAndSwap marks lost races with tenant.cas.conflict so they can be
// told apart from storage failures.
func (r *TracingRepository) CompareAndSwap(ctx context.Context, expected domain.State, tenant domain.Tenant) error {
	ctx, span := r.start(ctx, "CompareAndSwap",
		attribute.String("tenant.id", tenant.ID),
		attribute.String("tenant.state.expected", string(expected)),
		attribute.String("tenant.state", string(tenant.State)),
	)
	defer span.End()

	err := r.next.CompareAndSwap(ctx, expected, tenant)
	var conflict *domain.ConflictError
	span.SetAttributes(attribute.Bool("tenant.cas.conflict", errors.As(err, &conflict)))
	recordError(span, err)
	return err
}

// TracingUsageRepository wraps a domain.UsageRepository with OpenTelemetry tracing.
type TracingUsageRepository struct {
	next   domain.UsageRepository
	tracer trace.Tracer
}

var _ domain.UsageRepository = (*TracingUsageRepository)(nil)

// NewTracingUsageRepository creates a tracing decorator around the given usage store.
func NewTracingUsageRepository(next domain.UsageRepository) *TracingUsageRepository {
	return &TracingUsageRepository{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (r *TracingUsageRepository) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "UsageRepository."+op, trace.WithAttributes(attrs...))
}

func (r *TracingUsageRepository) Get(ctx context.Context, tenantID string, kind domain.ResourceKind) (domain.UsageCounter, bool, error) {
	ctx, span := r.start(ctx, "Get",
		attribute.String("tenant.id", tenantID),
		attribute.String("usage.kind", string(kind)),
	)
	defer span.End()

	counter, ok, err := r.next.Get(ctx, tenantID, kind)
	span.SetAttributes(attribute.Bool("usage.found", ok))
	recordError(span, err)
	return counter, ok, err
}

func (r *TracingUsageRepository) Put(ctx context.Context, c domain.UsageCounter) error {
	ctx, span := r.start(ctx, "Put",
		attribute.String("tenant.id", c.TenantID),
		attribute.String("usage.kind", string(c.Kind)),
		attribute.Int64("usage.value", c.CurrentValue),
	)
	defer span.End()

	err := r.next.Put(ctx, c)
	recordError(span, err)
	return err
}

func (r *TracingUsageRepository) ListByTenant(ctx context.Context, tenantID string) ([]domain.UsageCounter, error) {
	ctx, span := r.start(ctx, "ListByTenant", attribute.String("tenant.id", tenantID))
	defer span.End()

	counters, err := r.next.ListByTenant(ctx, tenantID)
	span.SetAttributes(attribute.Int("result.count", len(counters)))
	recordError(span, err)
	return counters, err
}

func (r *TracingUsageRepository) ResetDaily(ctx context.Context, kind domain.ResourceKind, window, now time.Time, tenantID string) (int, error) {
	ctx, span := r.start(ctx, "ResetDaily",
		attribute.String("usage.kind", string(kind)),
		attribute.String("usage.window", window.UTC().Format(time.DateOnly)),
	)
	defer span.End()

	if tenantID != "" {
		span.SetAttributes(attribute.String("tenant.id", tenantID))
	}

	n, err := r.next.ResetDaily(ctx, kind, window, now, tenantID)
	span.SetAttributes(attribute.Int("result.count", n))
	recordError(span, err)
	return n, err
}

// TracingAuditLog wraps a domain.AuditLog with OpenTelemetry tracing.
type TracingAuditLog struct {
	next   domain.AuditLog
	tracer trace.Tracer
}

var _ domain.AuditLog = (*TracingAuditLog)(nil)

// NewTracingAuditLog creates a tracing decorator around the given audit log.
func NewTracingAuditLog(next domain.AuditLog) *TracingAuditLog {
	return &TracingAuditLog{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (l *TracingAuditLog) Append(ctx context.Context, e domain.AuditEntry) error {
	ctx, span := l.tracer.Start(ctx, "AuditLog.Append",
		trace.WithAttributes(
			attribute.String("tenant.id", e.TenantID),
			attribute.String("audit.operation", string(e.Operation)),
			attribute.String("audit.operator", e.OperatorID),
		),
	)
	defer span.End()

	err := l.next.Append(ctx, e)
	recordError(span, err)
	return err
}

func (l *TracingAuditLog) ListByTenant(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error) {
	ctx, span := l.tracer.Start(ctx, "AuditLog.ListByTenant",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int("filter.limit", limit),
		),
	)
	defer span.End()

	entries, err := l.next.ListByTenant(ctx, tenantID, limit)
	span.SetAttributes(attribute.Int("result.count", len(entries)))
	recordError(span, err)
	return entries, err
}

func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
