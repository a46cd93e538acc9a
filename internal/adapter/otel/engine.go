package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/controlplane/internal/domain"
)

// TracingEngine wraps a domain.DatabaseEngine with OpenTelemetry tracing.
type TracingEngine struct {
	next   domain.DatabaseEngine
	tracer trace.Tracer
}

// Compile-time check: TracingEngine implements domain.DatabaseEngine.
var _ domain.DatabaseEngine = (*TracingEngine)(nil)

// NewTracingEngine creates a tracing decorator around the given engine.
func NewTracingEngine(next domain.DatabaseEngine) *TracingEngine {
	return &TracingEngine{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (e *TracingEngine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "DatabaseEngine."+op, trace.WithAttributes(attrs...))
}

func (e *TracingEngine) CreateDatabase(ctx context.Context, name string) error {
	ctx, span := e.start(ctx, "CreateDatabase", attribute.String("db.name", name))
	defer span.End()

	err := e.next.CreateDatabase(ctx, name)
	recordError(span, err)
	return err
}

func (e *TracingEngine) DropDatabase(ctx context.Context, name string) error {
	ctx, span := e.start(ctx, "DropDatabase", attribute.String("db.name", name))
	defer span.End()

	err := e.next.DropDatabase(ctx, name)
	recordError(span, err)
	return err
}

func (e *TracingEngine) RenameDatabase(ctx context.Context, from, to string) error {
	ctx, span := e.start(ctx, "RenameDatabase",
		attribute.String("db.name", from),
		attribute.String("db.name.new", to),
	)
	defer span.End()

	err := e.next.RenameDatabase(ctx, from, to)
	recordError(span, err)
	return err
}

func (e *TracingEngine) DatabaseExists(ctx context.Context, name string) (bool, error) {
	ctx, span := e.start(ctx, "DatabaseExists", attribute.String("db.name", name))
	defer span.End()

	ok, err := e.next.DatabaseExists(ctx, name)
	span.SetAttributes(attribute.Bool("db.exists", ok))
	recordError(span, err)
	return ok, err
}

func (e *TracingEngine) DatabaseSize(ctx context.Context, name string) (int64, error) {
	ctx, span := e.start(ctx, "DatabaseSize", attribute.String("db.name", name))
	defer span.End()

	size, err := e.next.DatabaseSize(ctx, name)
	span.SetAttributes(attribute.Int64("db.size_bytes", size))
	recordError(span, err)
	return size, err
}

func (e *TracingEngine) BackupDatabase(ctx context.Context, name, backupName string) error {
	ctx, span := e.start(ctx, "BackupDatabase",
		attribute.String("db.name", name),
		attribute.String("db.backup", backupName),
	)
	defer span.End()

	err := e.next.BackupDatabase(ctx, name, backupName)
	recordError(span, err)
	return err
}

func (e *TracingEngine) TerminateConnections(ctx context.Context, name string) error {
	ctx, span := e.start(ctx, "TerminateConnections", attribute.String("db.name", name))
	defer span.End()

	err := e.next.TerminateConnections(ctx, name)
	recordError(span, err)
	return err
}

// TracingBootstrapper wraps a domain.Bootstrapper with OpenTelemetry tracing.
type TracingBootstrapper struct {
	next   domain.Bootstrapper
	tracer trace.Tracer
}

var _ domain.Bootstrapper = (*TracingBootstrapper)(nil)

// NewTracingBootstrapper creates a tracing decorator around the given bootstrapper.
func NewTracingBootstrapper(next domain.Bootstrapper) *TracingBootstrapper {
	return &TracingBootstrapper{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (b *TracingBootstrapper) Bootstrap(ctx context.Context, req domain.BootstrapRequest) error {
	ctx, span := b.tracer.Start(ctx, "Bootstrapper.Bootstrap",
		trace.WithAttributes(
			attribute.String("tenant.id", req.Handle.TenantID),
			attribute.String("db.name", req.Handle.DatabaseName),
			attribute.StringSlice("bootstrap.modules", req.Modules),
		),
	)
	defer span.End()

	err := b.next.Bootstrap(ctx, req)
	recordError(span, err)
	return err
}
