package fsm_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	adapter "github.com/loomworks/controlplane/internal/adapter/fsm"
	"github.com/loomworks/controlplane/internal/domain"
)

func TestValidator_AllTransitions(t *testing.T) {
	v := adapter.New()
	ctx := context.Background()

	for _, tr := range domain.Transitions {
		dst, err := v.Apply(ctx, tr.Src, tr.Event)
		if err != nil {
			t.Errorf("Apply(%q, %q) unexpected error: %v", tr.Src, tr.Event, err)
			continue
		}
		if dst != tr.Dst {
			t.Errorf("Apply(%q, %q) = %q, want %q", tr.Src, tr.Event, dst, tr.Dst)
		}
	}
}

func TestValidator_InvalidTransition(t *testing.T) {
	v := adapter.New()
	ctx := context.Background()

	// Can't suspend a tenant that was never provisioned.
	_, err := v.Apply(ctx, domain.StateDraft, domain.EventSuspend)
	var trErr *domain.InvalidTransitionError
	if !errors.As(err, &trErr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if trErr.Event != domain.EventSuspend {
		t.Errorf("event = %q, want %q", trErr.Event, domain.EventSuspend)
	}
	if trErr.From != domain.StateDraft {
		t.Errorf("from = %q, want %q", trErr.From, domain.StateDraft)
	}
	if trErr.To != domain.StateSuspended {
		t.Errorf("to = %q, want %q", trErr.To, domain.StateSuspended)
	}
}

func TestValidator_UnknownEvent(t *testing.T) {
	_, err := adapter.New().Apply(context.Background(), domain.StateActive, domain.Event("teleport"))
	var trErr *domain.InvalidTransitionError
	if !errors.As(err, &trErr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if trErr.To != "" {
		t.Errorf("to = %q, want empty for an unknown event", trErr.To)
	}
}

func TestValidator_Destination(t *testing.T) {
	v := adapter.New()

	for _, tr := range domain.Transitions {
		got, ok := v.Destination(tr.Event)
		if !ok || got != tr.Dst {
			t.Errorf("Destination(%q) = %q, %v; want %q", tr.Event, got, ok, tr.Dst)
		}
	}
	if _, ok := v.Destination(domain.Event("teleport")); ok {
		t.Error("Destination(teleport) should not exist")
	}
}

func TestValidator_FullLifecycle(t *testing.T) {
	v := adapter.New()
	ctx := context.Background()

	steps := []struct {
		from  domain.State
		event domain.Event
		want  domain.State
	}{
		{domain.StateDraft, domain.EventProvisionStart, domain.StateProvisioning},
		{domain.StateProvisioning, domain.EventProvisionSucceed, domain.StateActive},
		{domain.StateActive, domain.EventSuspend, domain.StateSuspended},
		{domain.StateSuspended, domain.EventResume, domain.StateActive},
		{domain.StateActive, domain.EventArchive, domain.StateArchived},
		{domain.StateArchived, domain.EventDestroy, domain.StateDestroyed},
	}

	for _, step := range steps {
		got, err := v.Apply(ctx, step.from, step.event)
		if err != nil {
			t.Fatalf("Apply(%q, %q) error: %v", step.from, step.event, err)
		}
		if got != step.want {
			t.Errorf("Apply(%q, %q) = %q, want %q", step.from, step.event, got, step.want)
		}
	}
}

func TestValidator_ArchiveFromSuspended(t *testing.T) {
	v := adapter.New()

	got, err := v.Apply(context.Background(), domain.StateSuspended, domain.EventArchive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != domain.StateArchived {
		t.Errorf("got %q, want %q", got, domain.StateArchived)
	}
}

func TestValidator_DestroyedIsTerminal(t *testing.T) {
	v := adapter.New()

	for _, event := range []domain.Event{domain.EventReset, domain.EventResume, domain.EventArchive, domain.EventDestroy} {
		if _, err := v.Apply(context.Background(), domain.StateDestroyed, event); err == nil {
			t.Errorf("Apply(destroyed, %q) should fail", event)
		}
	}
}

func TestValidator_Available(t *testing.T) {
	v := adapter.New()

	got := v.Available(domain.StateActive)
	want := []domain.Event{domain.EventArchive, domain.EventSuspend}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Available(active) = %v, want %v", got, want)
	}
	if got := v.Available(domain.StateDestroyed); len(got) != 0 {
		t.Errorf("Available(destroyed) = %v, want none", got)
	}
}
