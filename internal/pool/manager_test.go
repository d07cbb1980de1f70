package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/devpool-mini/internal/events"
	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

type fakeProvider struct {
	mu        sync.Mutex
	machines  map[string]*models.Machine
	created   int
	destroyed []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{machines: make(map[string]*models.Machine)}
}

func (p *fakeProvider) Create(ctx context.Context, name string, cfg models.MachineConfig) (*models.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	m := &models.Machine{
		ID:        fmt.Sprintf("m-%d", p.created),
		Name:      name,
		State:     models.StateStarted,
		Endpoint:  fmt.Sprintf("http://127.0.0.1:%d", 9000+p.created),
		CreatedAt: time.Now(),
	}
	p.machines[m.ID] = m
	return m, nil
}

func (p *fakeProvider) List(ctx context.Context) ([]*models.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*models.Machine
	for _, m := range p.machines {
		out = append(out, m)
	}
	return out, nil
}

func (p *fakeProvider) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.machines, id)
	p.destroyed = append(p.destroyed, id)
	return nil
}

func (p *fakeProvider) WaitUntilStarted(ctx context.Context, id string, pollInterval, deadline time.Duration) error {
	return nil
}

func (p *fakeProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

type fakeAgent struct {
	mu        sync.Mutex
	unhealthy map[string]bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{unhealthy: make(map[string]bool)}
}

func (a *fakeAgent) Health(ctx context.Context, endpoint, instanceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unhealthy[instanceID] {
		return fmt.Errorf("agent unhealthy")
	}
	return nil
}

func (a *fakeAgent) WaitHealthy(ctx context.Context, endpoint, instanceID string, interval, deadline time.Duration) error {
	return a.Health(ctx, endpoint, instanceID)
}

func (a *fakeAgent) Exec(ctx context.Context, endpoint, instanceID, command, cwd string, timeout time.Duration) (*models.ExecResult, error) {
	return &models.ExecResult{ExitCode: 0}, nil
}

func (a *fakeAgent) markUnhealthy(instanceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unhealthy[instanceID] = true
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions []models.Session
}

func (s *fakeSessions) List(ctx context.Context) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Session(nil), s.sessions...), nil
}

func (s *fakeSessions) bind(projectID, instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, models.Session{ProjectID: projectID, InstanceID: instanceID})
}

func testConfig(target int) Config {
	cfg := DefaultConfig()
	cfg.TargetSize = target
	cfg.StartPollInterval = time.Millisecond
	cfg.StartDeadline = time.Second
	cfg.HealthPollInterval = time.Millisecond
	cfg.HealthDeadline = time.Second
	return cfg
}

func newTestManager(t *testing.T, target int) (*Manager, *fakeProvider, *fakeAgent) {
	t.Helper()
	m, provider, ag, _ := newTestManagerWithSessions(t, target)
	return m, provider, ag
}

func newTestManagerWithSessions(t *testing.T, target int) (*Manager, *fakeProvider, *fakeAgent, *fakeSessions) {
	t.Helper()
	provider := newFakeProvider()
	ag := newFakeAgent()
	sessions := &fakeSessions{}
	m := NewManager(provider, ag, sessions, events.Noop{}, testConfig(target), zap.NewNop())
	return m, provider, ag, sessions
}

func TestAllocateEmptyPoolColdProvisions(t *testing.T) {
	m, provider, _ := newTestManager(t, 0)

	lease, err := m.Allocate(context.Background(), "p1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !lease.Cold {
		t.Fatalf("expected cold lease from empty pool")
	}
	if provider.createdCount() != 1 {
		t.Fatalf("expected exactly one cold provisioning, got %d", provider.createdCount())
	}

	size, unallocated := m.Stats()
	if size != 1 || unallocated != 0 {
		t.Fatalf("expected pool size 1 with 0 unallocated, got %d/%d", size, unallocated)
	}
}

func TestAllocateWarmPathTriggersReplenish(t *testing.T) {
	m, provider, _ := newTestManager(t, 2)

	if created, failed := m.Replenish(context.Background()); created != 2 || failed != 0 {
		t.Fatalf("replenish: got %d created %d failed", created, failed)
	}

	lease, err := m.Allocate(context.Background(), "p2")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if lease.Cold {
		t.Fatalf("expected warm lease with 2 unallocated entries")
	}

	// Allocation fires an async replenish: exactly one creation should
	// follow to restore the target.
	deadline := time.After(2 * time.Second)
	for provider.createdCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("replenish after allocation never happened, created=%d", provider.createdCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	if provider.createdCount() != 3 {
		t.Fatalf("expected exactly one replenishment creation, total created %d", provider.createdCount())
	}
}

func TestAllocateNeverDoubleLeases(t *testing.T) {
	m, _, _ := newTestManager(t, 2)
	m.Replenish(context.Background())

	lease1, err := m.Allocate(context.Background(), "p1")
	if err != nil {
		t.Fatalf("allocate p1: %v", err)
	}
	lease2, err := m.Allocate(context.Background(), "p2")
	if err != nil {
		t.Fatalf("allocate p2: %v", err)
	}
	if lease1.InstanceID == lease2.InstanceID {
		t.Fatalf("two projects leased the same instance %s", lease1.InstanceID)
	}
}

func TestAllocateEvictsUnhealthyAndRetries(t *testing.T) {
	m, provider, ag := newTestManager(t, 2)
	m.Replenish(context.Background())

	// Poison the pool entries one by one: the first reserved entry
	// fails its liveness re-check and must be evicted.
	m.mu.Lock()
	first := m.entries[0].machine.ID
	m.mu.Unlock()
	ag.markUnhealthy(first)

	lease, err := m.Allocate(context.Background(), "p1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if lease.InstanceID == first {
		t.Fatalf("allocated an instance that failed its liveness probe")
	}

	found := false
	for _, id := range provider.destroyed {
		if id == first {
			found = true
		}
	}
	if !found {
		t.Fatalf("unhealthy entry %s was not destroyed", first)
	}
}

func TestAllocateAllUnhealthyFallsBackCold(t *testing.T) {
	m, provider, ag := newTestManager(t, 2)
	m.Replenish(context.Background())

	m.mu.Lock()
	for _, e := range m.entries {
		ag.markUnhealthy(e.machine.ID)
	}
	m.mu.Unlock()

	before := provider.createdCount()
	lease, err := m.Allocate(context.Background(), "p1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !lease.Cold {
		t.Fatalf("expected cold fallback when every entry is unhealthy")
	}
	if provider.createdCount() != before+1 {
		t.Fatalf("expected one cold provisioning, got %d", provider.createdCount()-before)
	}
}

// settleReplenish waits for the async replenish fired by a warm
// allocation to finish so later assertions see a stable pool.
func settleReplenish(t *testing.T, provider *fakeProvider, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for provider.createdCount() < want {
		select {
		case <-deadline:
			t.Fatalf("replenish never settled, created=%d", provider.createdCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, provider, _ := newTestManager(t, 1)
	m.Replenish(context.Background())

	lease, err := m.Allocate(context.Background(), "p1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	settleReplenish(t, provider, 2)

	if err := m.Release(context.Background(), lease.InstanceID, false); err != nil {
		t.Fatalf("release: %v", err)
	}
	size, unallocated := m.Stats()

	// Second release and a release of an unknown id are both no-ops.
	if err := m.Release(context.Background(), lease.InstanceID, false); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if err := m.Release(context.Background(), "no-such-instance", true); err != nil {
		t.Fatalf("release of unknown id: %v", err)
	}

	size2, unallocated2 := m.Stats()
	if size != size2 || unallocated != unallocated2 {
		t.Fatalf("pool state changed after redundant release: %d/%d -> %d/%d",
			size, unallocated, size2, unallocated2)
	}
}

func TestReplenishComputesDeficit(t *testing.T) {
	m, provider, _ := newTestManager(t, 3)

	if created, _ := m.Replenish(context.Background()); created != 3 {
		t.Fatalf("expected 3 created, got %d", created)
	}
	if created, _ := m.Replenish(context.Background()); created != 0 {
		t.Fatalf("expected no creations at target, got %d", created)
	}
	if provider.createdCount() != 3 {
		t.Fatalf("expected 3 total machines, got %d", provider.createdCount())
	}
}

func TestEvictStaleRemovesOnlyAgedUnallocated(t *testing.T) {
	m, provider, _ := newTestManager(t, 2)
	m.Replenish(context.Background())

	lease, err := m.Allocate(context.Background(), "p1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	settleReplenish(t, provider, 3)

	// Age every entry past the cutoff; only the unallocated ones go.
	m.mu.Lock()
	for _, e := range m.entries {
		e.createdAt = time.Now().Add(-time.Hour)
	}
	m.mu.Unlock()

	m.evictStale(context.Background())

	size, unallocated := m.Stats()
	if unallocated != 0 {
		t.Fatalf("expected aged unallocated entries gone, %d remain", unallocated)
	}
	if size != 1 {
		t.Fatalf("leased entry must survive max-age eviction, size=%d", size)
	}
	for _, id := range provider.destroyed {
		if id == lease.InstanceID {
			t.Fatalf("leased instance was destroyed by eviction")
		}
	}
}

func TestAdoptExistingReclaimsWarmInstances(t *testing.T) {
	m, provider, ag := newTestManager(t, 2)

	// Simulate machines left over from a previous controller.
	healthy, _ := provider.Create(context.Background(), "warm-aaaa1111", models.MachineConfig{})
	dead, _ := provider.Create(context.Background(), "warm-bbbb2222", models.MachineConfig{})
	provider.Create(context.Background(), "ws-someproject", models.MachineConfig{})
	ag.markUnhealthy(dead.ID)

	m.adoptExisting(context.Background())

	size, unallocated := m.Stats()
	if size != 1 || unallocated != 1 {
		t.Fatalf("expected exactly the healthy warm instance adopted, got %d/%d", size, unallocated)
	}
	if !m.contains(healthy.ID) {
		t.Fatalf("healthy warm instance not adopted")
	}
	found := false
	for _, id := range provider.destroyed {
		if id == dead.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("dead warm instance was not destroyed")
	}
}

func TestAdoptExistingSkipsSessionBoundInstances(t *testing.T) {
	m, provider, _, sessions := newTestManagerWithSessions(t, 2)

	// A previous controller leased this instance to p1 and committed the
	// session record before crashing. The instance kept its pool name.
	held, _ := provider.Create(context.Background(), "warm-aaaa1111", models.MachineConfig{})
	free, _ := provider.Create(context.Background(), "warm-bbbb2222", models.MachineConfig{})
	sessions.bind("p1", held.ID)

	m.adoptExisting(context.Background())

	if m.contains(held.ID) {
		t.Fatalf("session-bound instance %s rejoined the pool", held.ID)
	}
	if !m.contains(free.ID) {
		t.Fatalf("free warm instance was not adopted")
	}

	lease, err := m.Allocate(context.Background(), "p2")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if lease.InstanceID == held.ID {
		t.Fatalf("instance %s leased to p2 while still bound to p1", held.ID)
	}
}
