package app_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/loomworks/controlplane/internal/adapter/fsm"
	"github.com/loomworks/controlplane/internal/app"
	"github.com/loomworks/controlplane/internal/domain"
)

// --- Mocks ---

type mockTenants struct {
	mu      sync.Mutex
	tenants map[string]domain.Tenant
}

func newMockTenants() *mockTenants {
	return &mockTenants{tenants: make(map[string]domain.Tenant)}
}

func (m *mockTenants) Create(_ context.Context, t domain.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tenants {
		if existing.Subdomain == t.Subdomain && existing.State != domain.StateDestroyed {
			return &domain.SubdomainTakenError{Subdomain: t.Subdomain}
		}
	}
	m.tenants[t.ID] = t
	return nil
}

func (m *mockTenants) GetByID(_ context.Context, id string) (domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return domain.Tenant{}, domain.ErrTenantNotFound
	}
	return t, nil
}

func (m *mockTenants) List(_ context.Context, filter domain.ListFilter) ([]domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		if filter.State != nil && t.State != *filter.State {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockTenants) CompareAndSwap(_ context.Context, expected domain.State, t domain.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tenants[t.ID]
	if !ok {
		return domain.ErrTenantNotFound
	}
	if stored.State != expected {
		return &domain.ConflictError{TenantID: t.ID, Expected: expected, Actual: stored.State}
	}
	m.tenants[t.ID] = t
	return nil
}

type mockUsage struct {
	mu       sync.Mutex
	counters map[string]domain.UsageCounter
}

func newMockUsage() *mockUsage {
	return &mockUsage{counters: make(map[string]domain.UsageCounter)}
}

func usageKey(id string, kind domain.ResourceKind) string { return id + "/" + string(kind) }

func (m *mockUsage) Get(_ context.Context, id string, kind domain.ResourceKind) (domain.UsageCounter, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[usageKey(id, kind)]
	return c, ok, nil
}

func (m *mockUsage) Put(_ context.Context, c domain.UsageCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[usageKey(c.TenantID, c.Kind)] = c
	return nil
}

func (m *mockUsage) ListByTenant(_ context.Context, id string) ([]domain.UsageCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UsageCounter
	for _, c := range m.counters {
		if c.TenantID == id {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockUsage) ResetDaily(_ context.Context, kind domain.ResourceKind, window, now time.Time, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, c := range m.counters {
		if c.Kind != kind || !c.WindowStart.Before(window) || (id != "" && c.TenantID != id) {
			continue
		}
		c.CurrentValue = 0
		c.WindowStart = window
		c.Warned = false
		c.UpdatedAt = now
		m.counters[k] = c
		n++
	}
	return n, nil
}

type mockAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
}

func (m *mockAudit) Append(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockAudit) ListByTenant(_ context.Context, id string, _ int) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.TenantID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockAudit) ops(id string) []domain.Operation {
	entries, _ := m.ListByTenant(context.Background(), id, 0)
	out := make([]domain.Operation, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Operation)
	}
	return out
}

func (m *mockAudit) count(id string, op domain.Operation) int {
	n := 0
	for _, o := range m.ops(id) {
		if o == op {
			n++
		}
	}
	return n
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (m *mockNotifier) Notify(_ context.Context, n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, n)
	return nil
}

func (m *mockNotifier) count(op domain.Operation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.Operation == op {
			n++
		}
	}
	return n
}

type mockEngine struct {
	mu        sync.Mutex
	databases map[string]int64
	fail      map[string]error // op -> error
	calls     map[string]int
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		databases: make(map[string]int64),
		fail:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (m *mockEngine) call(op string) error {
	m.calls[op]++
	return m.fail[op]
}

func (m *mockEngine) CreateDatabase(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("create"); err != nil {
		return err
	}
	if _, ok := m.databases[name]; ok {
		return fmt.Errorf("database %s already exists", name)
	}
	m.databases[name] = 0
	return nil
}

func (m *mockEngine) DropDatabase(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("drop"); err != nil {
		return err
	}
	delete(m.databases, name)
	return nil
}

func (m *mockEngine) RenameDatabase(_ context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("rename"); err != nil {
		return err
	}
	size, ok := m.databases[from]
	if !ok {
		return fmt.Errorf("database %s not found", from)
	}
	delete(m.databases, from)
	m.databases[to] = size
	return nil
}

func (m *mockEngine) DatabaseExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.databases[name]
	return ok, nil
}

func (m *mockEngine) DatabaseSize(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("size"); err != nil {
		return 0, err
	}
	size, ok := m.databases[name]
	if !ok {
		return 0, fmt.Errorf("database %s not found", name)
	}
	return size, nil
}

func (m *mockEngine) BackupDatabase(_ context.Context, name, backup string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("backup"); err != nil {
		return err
	}
	size, ok := m.databases[name]
	if !ok {
		return fmt.Errorf("database %s not found", name)
	}
	m.databases[backup] = size
	return nil
}

func (m *mockEngine) TerminateConnections(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call("terminate")
}

func (m *mockEngine) has(name string) bool {
	ok, _ := m.DatabaseExists(context.Background(), name)
	return ok
}

func (m *mockEngine) setFail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

func (m *mockEngine) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

type mockBootstrapper struct {
	mu    sync.Mutex
	err   error
	calls []domain.BootstrapRequest

	// When set, each call signals started and then waits for release.
	started chan struct{}
	release chan struct{}
}

func (m *mockBootstrapper) Bootstrap(_ context.Context, req domain.BootstrapRequest) error {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	err, started, release := m.err, m.started, m.release
	m.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return err
}

type mockMetrics struct {
	mu          sync.Mutex
	routes      map[string]int
	quota       map[bool]int
	transitions map[domain.Event]int
	provisioned map[domain.State]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{
		routes:      make(map[string]int),
		quota:       make(map[bool]int),
		transitions: make(map[domain.Event]int),
		provisioned: make(map[domain.State]int),
	}
}

func (m *mockMetrics) ObserveRoute(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[outcome]++
}

func (m *mockMetrics) ObserveQuota(_ domain.ResourceKind, allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quota[allowed]++
}

func (m *mockMetrics) ObserveTransition(e domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[e]++
}

func (m *mockMetrics) ObserveProvisioning(outcome domain.State, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisioned[outcome]++
}

// --- Harness ---

const retention = 30 * 24 * time.Hour

type harness struct {
	svc       *app.Service
	tenants   *mockTenants
	usage     *mockUsage
	audit     *mockAudit
	notifier  *mockNotifier
	engine    *mockEngine
	bootstrap *mockBootstrapper
	metrics   *mockMetrics
	clock     *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))

	h := &harness{
		tenants:   newMockTenants(),
		usage:     newMockUsage(),
		audit:     &mockAudit{},
		notifier:  &mockNotifier{},
		engine:    newMockEngine(),
		bootstrap: &mockBootstrapper{},
		metrics:   newMockMetrics(),
		clock:     clk,
	}
	h.svc = app.NewService(app.Config{
		Tenants:      h.tenants,
		Usage:        h.usage,
		AuditLog:     h.audit,
		Notifier:     h.notifier,
		Validator:    fsm.New(),
		Engine:       h.engine,
		Bootstrapper: h.bootstrap,
		Metrics:      h.metrics,
		Clock:        clk,
		BaseDomain:   "loomworks.app",
		Retention:    retention,
		Modules:      []string{"crm", "sales"},
	})
	if err := h.svc.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return h
}

func (h *harness) create(t *testing.T, subdomain string) domain.Tenant {
	t.Helper()
	res, err := h.svc.Create(context.Background(), "op-1", app.CreateParams{Name: subdomain + " inc", Subdomain: subdomain})
	if err != nil {
		t.Fatalf("Create(%q): %v", subdomain, err)
	}
	return res.Tenant
}

func (h *harness) active(t *testing.T, subdomain string) domain.Tenant {
	t.Helper()
	tenant := h.create(t, subdomain)
	res, err := h.svc.Provision(context.Background(), "op-1", tenant.ID)
	if err != nil {
		t.Fatalf("Provision(%q): %v", subdomain, err)
	}
	return res.Tenant
}

func (h *harness) archived(t *testing.T, subdomain string) domain.Tenant {
	t.Helper()
	tenant := h.active(t, subdomain)
	res, err := h.svc.Archive(context.Background(), "op-1", tenant.ID)
	if err != nil {
		t.Fatalf("Archive(%q): %v", subdomain, err)
	}
	return res.Tenant
}

func wantErrAs[T error](t *testing.T, err error) T {
	t.Helper()
	var target T
	if !errors.As(err, &target) {
		t.Fatalf("error = %v (%T), want %T", err, err, target)
	}
	return target
}
