package app_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/loomworks/controlplane/internal/domain"
)

func TestProvision_Success(t *testing.T) {
	h := newHarness(t)
	tenant := h.create(t, "acme")

	res, err := h.svc.Provision(context.Background(), "op-1", tenant.ID)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if res.Tenant.State != domain.StateActive {
		t.Errorf("State = %q, want %q", res.Tenant.State, domain.StateActive)
	}
	if !h.engine.has("tenant_acme") {
		t.Error("database should exist")
	}
	if len(h.bootstrap.calls) != 1 {
		t.Fatalf("bootstrap calls = %d, want 1", len(h.bootstrap.calls))
	}
	req := h.bootstrap.calls[0]
	if req.Handle.DatabaseName != "tenant_acme" || req.AdminLogin != "admin" || len(req.Modules) != 2 {
		t.Errorf("bootstrap request = %+v", req)
	}

	want := []domain.Operation{domain.OpCreate, domain.OpProvisionStart, domain.OpProvisioned}
	got := h.audit.ops(tenant.ID)
	if strings.Join(opStrings(got), ",") != strings.Join(opStrings(want), ",") {
		t.Errorf("audit = %v, want %v", got, want)
	}
	if h.metrics.provisioned[domain.StateActive] != 1 {
		t.Error("expected one successful provisioning observation")
	}
	if steps := res.Attempt.Completed(); len(steps) != 2 {
		t.Errorf("completed steps = %v, want create_database and bootstrap", steps)
	}
}

func TestProvision_CreateDatabaseFails(t *testing.T) {
	h := newHarness(t)
	tenant := h.create(t, "acme")
	h.engine.setFail("create", errors.New("too many databases"))

	res, err := h.svc.Provision(context.Background(), "op-1", tenant.ID)
	ext := wantErrAs[*domain.ExternalFailure](t, err)
	if ext.Op != "create" {
		t.Errorf("Op = %q, want create", ext.Op)
	}

	if res.Tenant.State != domain.StateFailed {
		t.Errorf("State = %q, want %q", res.Tenant.State, domain.StateFailed)
	}
	if !strings.Contains(res.Tenant.FailureReason, "too many databases") {
		t.Errorf("FailureReason = %q", res.Tenant.FailureReason)
	}
	if len(h.bootstrap.calls) != 0 {
		t.Error("bootstrapper must not run after create failure")
	}
	if n := h.engine.callCount("drop"); n != 0 {
		t.Errorf("drops = %d, want no compensation", n)
	}
	if h.audit.count(tenant.ID, domain.OpProvisionFail) != 1 {
		t.Error("expected exactly one provision_failed audit entry")
	}
}

func TestProvision_BootstrapFailsRollsBack(t *testing.T) {
	h := newHarness(t)
	tenant := h.create(t, "acme")
	h.bootstrap.err = errors.New("module install failed")

	res, err := h.svc.Provision(context.Background(), "op-1", tenant.ID)
	ext := wantErrAs[*domain.ExternalFailure](t, err)
	if ext.Collaborator != "bootstrapper" {
		t.Errorf("Collaborator = %q, want bootstrapper", ext.Collaborator)
	}

	if res.Tenant.State != domain.StateFailed {
		t.Errorf("State = %q, want %q", res.Tenant.State, domain.StateFailed)
	}
	if h.engine.has("tenant_acme") {
		t.Error("database should have been dropped by compensation")
	}
	if !strings.Contains(res.Attempt.Summary(), "compensate drop_database=ok") {
		t.Errorf("Summary = %q, want compensation recorded", res.Attempt.Summary())
	}

	entries, _ := h.audit.ListByTenant(context.Background(), tenant.ID, 0)
	last := entries[len(entries)-1]
	if last.Operation != domain.OpProvisionFail || !strings.Contains(last.Detail, "module install failed") {
		t.Errorf("last audit entry = %+v, want provision_failed with reason", last)
	}
}

func TestProvision_CompensationFailureStillFails(t *testing.T) {
	h := newHarness(t)
	tenant := h.create(t, "acme")
	h.bootstrap.err = errors.New("module install failed")
	h.engine.setFail("drop", errors.New("permission denied"))

	res, err := h.svc.Provision(context.Background(), "op-1", tenant.ID)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Tenant.State != domain.StateFailed {
		t.Errorf("State = %q, want %q", res.Tenant.State, domain.StateFailed)
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("error = %v, want compensation failure included", err)
	}
}

func TestProvision_RetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	tenant := h.create(t, "acme")
	ctx := context.Background()

	// First attempt fails and leaves the database behind.
	h.bootstrap.err = errors.New("timeout")
	h.engine.setFail("drop", errors.New("busy"))
	if _, err := h.svc.Provision(ctx, "op-1", tenant.ID); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	if !h.engine.has("tenant_acme") {
		t.Fatal("leftover database expected after failed compensation")
	}

	h.bootstrap.err = nil
	h.engine.setFail("drop", nil)
	res, err := h.svc.Provision(ctx, "op-1", tenant.ID)
	if err != nil {
		t.Fatalf("retry Provision: %v", err)
	}
	if res.Tenant.State != domain.StateActive {
		t.Errorf("State = %q, want %q", res.Tenant.State, domain.StateActive)
	}
	if res.Tenant.FailureReason != "" {
		t.Errorf("FailureReason = %q, want cleared", res.Tenant.FailureReason)
	}
	if res.Attempt.Steps[0].Step != domain.StepCleanupLeftover {
		t.Errorf("first step = %q, want leftover cleanup", res.Attempt.Steps[0].Step)
	}
	if h.audit.count(tenant.ID, domain.OpReset) != 1 {
		t.Error("expected the retry to reset the failed tenant")
	}
}

func TestProvision_ConcurrentTriggersProvisionOnce(t *testing.T) {
	h := newHarness(t)
	tenant := h.create(t, "acme")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.svc.Provision(context.Background(), "op-1", tenant.ID)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		var conflict *domain.ConflictError
		var invalid *domain.InvalidTransitionError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &conflict), errors.As(err, &invalid):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("successful provisions = %d, want 1", ok)
	}
	if n := h.engine.callCount("create"); n != 1 {
		t.Errorf("create calls = %d, want 1", n)
	}
}

func TestProvision_ActiveTenantRejected(t *testing.T) {
	h := newHarness(t)
	tenant := h.active(t, "acme")

	_, err := h.svc.Provision(context.Background(), "op-1", tenant.ID)
	wantErrAs[*domain.InvalidTransitionError](t, err)
}

func opStrings(ops []domain.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = string(op)
	}
	return out
}
