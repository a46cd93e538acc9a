package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/controlplane/internal/domain"
)

func TestSuspendResume(t *testing.T) {
	h := newHarness(t)
	tenant := h.active(t, "acme")
	ctx := context.Background()

	res, err := h.svc.Suspend(ctx, "op-2", tenant.ID)
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if res.Tenant.State != domain.StateSuspended {
		t.Errorf("State = %q, want %q", res.Tenant.State, domain.StateSuspended)
	}

	res, err = h.svc.Resume(ctx, "op-2", tenant.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Tenant.State != domain.StateActive {
		t.Errorf("State = %q, want %q", res.Tenant.State, domain.StateActive)
	}

	if h.audit.count(tenant.ID, domain.OpSuspend) != 1 || h.audit.count(tenant.ID, domain.OpResume) != 1 {
		t.Errorf("audit = %v, want one suspend and one resume", h.audit.ops(tenant.ID))
	}
	if h.notifier.count(domain.OpSuspend) != 1 {
		t.Error("expected a suspend notification")
	}
}

func TestSuspend_ConcurrentYieldsOneConflict(t *testing.T) {
	h := newHarness(t)
	tenant := h.active(t, "acme")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.svc.Suspend(context.Background(), "op-2", tenant.ID)
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		var conflict *domain.ConflictError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Errorf("ok = %d, conflicts = %d, want 1 and 1", ok, conflicts)
	}

	got, _ := h.svc.Get(context.Background(), tenant.ID)
	if got.State != domain.StateSuspended {
		t.Errorf("State = %q, want %q", got.State, domain.StateSuspended)
	}
	if h.audit.count(tenant.ID, domain.OpSuspend) != 1 {
		t.Errorf("suspend audit entries = %d, want 1", h.audit.count(tenant.ID, domain.OpSuspend))
	}
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	draft := h.create(t, "draft")

	tests := []struct {
		name string
		call func() error
	}{
		{"suspend draft", func() error { _, err := h.svc.Suspend(ctx, "op", draft.ID); return err }},
		{"resume draft", func() error { _, err := h.svc.Resume(ctx, "op", draft.ID); return err }},
		{"archive draft", func() error { _, err := h.svc.Archive(ctx, "op", draft.ID); return err }},
		{"destroy draft", func() error { _, err := h.svc.Destroy(ctx, "op", draft.ID); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := wantErrAs[*domain.InvalidTransitionError](t, tt.call())
			if e.From != domain.StateDraft {
				t.Errorf("From = %q, want %q", e.From, domain.StateDraft)
			}
		})
	}

	got, _ := h.svc.Get(ctx, draft.ID)
	if got.State != domain.StateDraft {
		t.Errorf("State = %q, want unchanged draft", got.State)
	}
	if n := h.audit.count(draft.ID, domain.OpTransitionFail); n != len(tests) {
		t.Errorf("rejected transitions audited = %d, want %d", n, len(tests))
	}
}

func TestAuditFailureDoesNotFailTransition(t *testing.T) {
	h := newHarness(t)
	tenant := h.active(t, "acme")
	h.audit.err = errors.New("audit sink down")
	h.notifier.err = errors.New("smtp down")

	res, err := h.svc.Suspend(context.Background(), "op-2", tenant.ID)
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if res.Tenant.State != domain.StateSuspended {
		t.Errorf("State = %q, want %q", res.Tenant.State, domain.StateSuspended)
	}
	if res.Delivery.Audit == nil || res.Delivery.Notify == nil {
		t.Errorf("Delivery = %+v, want both side-channel failures reported", res.Delivery)
	}
}

func TestArchive(t *testing.T) {
	h := newHarness(t)
	tenant := h.active(t, "acme")

	res, err := h.svc.Archive(context.Background(), "op-2", tenant.ID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	got := res.Tenant
	if got.State != domain.StateArchived {
		t.Errorf("State = %q, want %q", got.State, domain.StateArchived)
	}
	if got.ArchivePending {
		t.Error("ArchivePending should be cleared after a complete archival")
	}
	if got.ArchivedDatabaseName != "tenant_acme_archived_20260314" {
		t.Errorf("ArchivedDatabaseName = %q", got.ArchivedDatabaseName)
	}
	if got.BackupName != "tenant_acme_backup_20260314" {
		t.Errorf("BackupName = %q", got.BackupName)
	}
	if h.engine.has("tenant_acme") {
		t.Error("original database should have been renamed")
	}
	if !h.engine.has(got.ArchivedDatabaseName) || !h.engine.has(got.BackupName) {
		t.Error("archived database and backup should exist")
	}
	if h.engine.callCount("terminate") != 1 {
		t.Errorf("terminate calls = %d, want 1", h.engine.callCount("terminate"))
	}
	if h.audit.count(tenant.ID, domain.OpArchive) != 1 {
		t.Error("expected one archive audit entry")
	}
}

func TestArchive_FromSuspended(t *testing.T) {
	h := newHarness(t)
	tenant := h.active(t, "acme")
	if _, err := h.svc.Suspend(context.Background(), "op", tenant.ID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	res, err := h.svc.Archive(context.Background(), "op", tenant.ID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if res.Tenant.State != domain.StateArchived {
		t.Errorf("State = %q, want %q", res.Tenant.State, domain.StateArchived)
	}
}

func TestArchive_ResumesAfterInterruption(t *testing.T) {
	h := newHarness(t)
	tenant := h.active(t, "acme")
	ctx := context.Background()

	// Backup succeeds, rename fails: the archival is left pending.
	h.engine.setFail("rename", errors.New("connection reset"))
	res, err := h.svc.Archive(ctx, "op-2", tenant.ID)
	wantErrAs[*domain.ExternalFailure](t, err)
	if res.Tenant.State != domain.StateArchived || !res.Tenant.ArchivePending {
		t.Fatalf("tenant = %s pending=%v, want archived and pending", res.Tenant.State, res.Tenant.ArchivePending)
	}

	// Retrying completes the same archival without a second backup or transition.
	h.engine.setFail("rename", nil)
	res, err = h.svc.Archive(ctx, "op-2", tenant.ID)
	if err != nil {
		t.Fatalf("retry Archive: %v", err)
	}
	if res.Tenant.ArchivePending {
		t.Error("ArchivePending should be cleared after the retry")
	}
	if n := h.engine.callCount("backup"); n != 1 {
		t.Errorf("backups = %d, want 1", n)
	}
	if h.engine.has("tenant_acme") || !h.engine.has(res.Tenant.ArchivedDatabaseName) {
		t.Error("database should be renamed exactly once")
	}
	if h.audit.count(tenant.ID, domain.OpArchive) != 1 {
		t.Errorf("archive audit entries = %d, want 1", h.audit.count(tenant.ID, domain.OpArchive))
	}
	if h.audit.count(tenant.ID, domain.OpArchiveResume) != 1 {
		t.Error("expected an archive_resumed audit entry")
	}
}

func TestArchive_ConcurrentCallsArchiveOnce(t *testing.T) {
	h := newHarness(t)
	tenant := h.active(t, "acme")

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.Archive(context.Background(), "op-2", tenant.ID)
		}()
	}
	wg.Wait()

	got, _ := h.svc.Get(context.Background(), tenant.ID)
	if got.State != domain.StateArchived || got.ArchivePending {
		t.Fatalf("tenant = %s pending=%v, want completed archive", got.State, got.ArchivePending)
	}
	if n := h.engine.callCount("backup"); n != 1 {
		t.Errorf("backups = %d, want 1", n)
	}
	if n := h.engine.callCount("rename"); n != 1 {
		t.Errorf("renames = %d, want 1", n)
	}
}

func TestArchive_CompletedArchiveConflicts(t *testing.T) {
	h := newHarness(t)
	tenant := h.archived(t, "acme")

	_, err := h.svc.Archive(context.Background(), "op-2", tenant.ID)
	wantErrAs[*domain.ConflictError](t, err)
	if n := h.engine.callCount("backup"); n != 1 {
		t.Errorf("backups = %d, want 1", n)
	}
}

func TestDestroy_RetentionPending(t *testing.T) {
	h := newHarness(t)
	tenant := h.archived(t, "acme")

	h.clock.Add(retention - time.Hour)
	_, err := h.svc.Destroy(context.Background(), "op-2", tenant.ID)
	if !errors.Is(err, domain.ErrRetentionPending) {
		t.Fatalf("error = %v, want ErrRetentionPending", err)
	}
	if !h.engine.has(tenant.ArchivedDatabaseName) {
		t.Error("archived database must survive a premature destroy")
	}
}

func TestDestroy_AfterRetention(t *testing.T) {
	h := newHarness(t)
	tenant := h.archived(t, "acme")

	h.clock.Add(retention)
	res, err := h.svc.Destroy(context.Background(), "op-2", tenant.ID)
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if res.Tenant.State != domain.StateDestroyed {
		t.Errorf("State = %q, want %q", res.Tenant.State, domain.StateDestroyed)
	}
	if h.engine.has(tenant.ArchivedDatabaseName) || h.engine.has(tenant.BackupName) {
		t.Error("archived database and backup should be dropped")
	}

	// The tombstone stays, and the subdomain is free again.
	if _, err := h.svc.Get(context.Background(), tenant.ID); err != nil {
		t.Errorf("tombstone lookup: %v", err)
	}
	_, err = h.svc.Route("acme.loomworks.app")
	if f := wantErrAs[*domain.ForbiddenError](t, err); f.State != domain.StateDestroyed || f.TenantID != tenant.ID {
		t.Errorf("Route after destroy = %+v, want destroyed %s", f, tenant.ID)
	}

	again := h.create(t, "acme")
	if again.ID == tenant.ID {
		t.Error("re-created tenant should have a new ID")
	}
	_, err = h.svc.Route("acme.loomworks.app")
	if f := wantErrAs[*domain.ForbiddenError](t, err); f.State != domain.StateDraft || f.TenantID != again.ID {
		t.Errorf("Route after re-create = %+v, want draft %s", f, again.ID)
	}
}

func TestDestroy_PendingArchive(t *testing.T) {
	h := newHarness(t)
	tenant := h.active(t, "acme")
	h.engine.setFail("backup", errors.New("disk full"))
	if _, err := h.svc.Archive(context.Background(), "op", tenant.ID); err == nil {
		t.Fatal("expected archive failure")
	}

	h.clock.Add(retention)
	_, err := h.svc.Destroy(context.Background(), "op", tenant.ID)
	if !errors.Is(err, domain.ErrArchiveIncomplete) {
		t.Errorf("error = %v, want ErrArchiveIncomplete", err)
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := h.create(t, "acme")

	h.bootstrap.err = errors.New("module install failed")
	if _, err := h.svc.Provision(ctx, "op-1", tenant.ID); err == nil {
		t.Fatal("expected provisioning to fail")
	}

	res, err := h.svc.Reset(ctx, "op-2", tenant.ID)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if res.Tenant.State != domain.StateDraft {
		t.Errorf("State = %q, want %q", res.Tenant.State, domain.StateDraft)
	}
	if res.Tenant.FailureReason != "" {
		t.Errorf("FailureReason = %q, want cleared", res.Tenant.FailureReason)
	}
	if n := h.audit.count(tenant.ID, domain.OpReset); n != 1 {
		t.Errorf("reset audit entries = %d, want 1", n)
	}

	// Already in draft: the event's destination.
	_, err = h.svc.Reset(ctx, "op-2", tenant.ID)
	wantErrAs[*domain.ConflictError](t, err)

	h.bootstrap.err = nil
	if _, err := h.svc.Provision(ctx, "op-1", tenant.ID); err != nil {
		t.Fatalf("Provision after reset: %v", err)
	}
}
