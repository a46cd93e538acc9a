package otel_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"

	adapter "github.com/loomworks/controlplane/internal/adapter/otel"
	"github.com/loomworks/controlplane/internal/domain"
)

type stubEngine struct {
	err error
}

func (s stubEngine) CreateDatabase(context.Context, string) error         { return s.err }
func (s stubEngine) DropDatabase(context.Context, string) error           { return s.err }
func (s stubEngine) RenameDatabase(context.Context, string, string) error { return s.err }
func (s stubEngine) DatabaseExists(context.Context, string) (bool, error) { return true, s.err }
func (s stubEngine) DatabaseSize(context.Context, string) (int64, error)  { return 4096, s.err }
func (s stubEngine) BackupDatabase(context.Context, string, string) error { return s.err }
func (s stubEngine) TerminateConnections(context.Context, string) error   { return s.err }

type stubBootstrapper struct {
	err error
}

func (s stubBootstrapper) Bootstrap(context.Context, domain.BootstrapRequest) error { return s.err }

func TestTracingEngine_RenameRecordsBothNames(t *testing.T) {
	exporter := setupTestTracer(t)
	engine := adapter.NewTracingEngine(stubEngine{})

	if err := engine.RenameDatabase(context.Background(), "tenant_acme", "tenant_acme_archived_20260314"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "DatabaseEngine.RenameDatabase" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	assertAttribute(t, spans[0], "db.name", "tenant_acme")
	assertAttribute(t, spans[0], "db.name.new", "tenant_acme_archived_20260314")
}

func TestTracingEngine_SizeRecordsResult(t *testing.T) {
	exporter := setupTestTracer(t)
	engine := adapter.NewTracingEngine(stubEngine{})

	size, err := engine.DatabaseSize(context.Background(), "tenant_acme")
	if err != nil || size != 4096 {
		t.Fatalf("DatabaseSize = %d, %v", size, err)
	}
	assertAttribute(t, exporter.GetSpans()[0], "db.size_bytes", "4096")
}

func TestTracingEngine_RecordsError(t *testing.T) {
	exporter := setupTestTracer(t)
	engine := adapter.NewTracingEngine(stubEngine{err: errors.New("disk full")})

	if err := engine.CreateDatabase(context.Background(), "tenant_acme"); err == nil {
		t.Fatal("expected error")
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want %v", spans[0].Status.Code, codes.Error)
	}
	if spans[0].Status.Description != "disk full" {
		t.Errorf("status description = %q", spans[0].Status.Description)
	}
}

func TestTracingBootstrapper(t *testing.T) {
	exporter := setupTestTracer(t)
	b := adapter.NewTracingBootstrapper(stubBootstrapper{err: errors.New("install failed")})

	err := b.Bootstrap(context.Background(), domain.BootstrapRequest{
		Handle:  domain.DatabaseHandle{TenantID: "t-1", DatabaseName: "tenant_acme"},
		Modules: []string{"crm"},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	assertAttribute(t, spans[0], "tenant.id", "t-1")
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want %v", spans[0].Status.Code, codes.Error)
	}
}
