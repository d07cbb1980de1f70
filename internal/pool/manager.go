package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/devpool-mini/internal/events"
	"github.com/shehryarbajwa/devpool-mini/internal/machine"
	"github.com/shehryarbajwa/devpool-mini/internal/metrics"
	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

// Provider is the slice of the machine provider the pool needs.
type Provider interface {
	Create(ctx context.Context, name string, cfg models.MachineConfig) (*models.Machine, error)
	List(ctx context.Context) ([]*models.Machine, error)
	Destroy(ctx context.Context, id string) error
	WaitUntilStarted(ctx context.Context, id string, pollInterval, deadline time.Duration) error
}

// AgentClient is the slice of the agent client the pool needs.
type AgentClient interface {
	Health(ctx context.Context, endpoint, instanceID string) error
	WaitHealthy(ctx context.Context, endpoint, instanceID string, interval, deadline time.Duration) error
	Exec(ctx context.Context, endpoint, instanceID, command, cwd string, timeout time.Duration) (*models.ExecResult, error)
}

// SessionLister reports durable session bindings. Adoption consults it
// so an instance a committed session record still references is never
// re-registered as unallocated and handed to a second project.
type SessionLister interface {
	List(ctx context.Context) ([]models.Session, error)
}

// Config tunes the warm pool.
type Config struct {
	TargetSize int
	MaxAge     time.Duration
	Interval   time.Duration
	// RetryCap bounds liveness-failure retries during Allocate before
	// falling through to cold provisioning.
	RetryCap int

	StartPollInterval  time.Duration
	StartDeadline      time.Duration
	HealthPollInterval time.Duration
	HealthDeadline     time.Duration

	// WarmCommand pre-populates the shared dependency cache on fresh
	// instances. Best effort; empty disables it.
	WarmCommand string
}

// DefaultConfig returns the production pool tuning.
func DefaultConfig() Config {
	return Config{
		TargetSize:         3,
		MaxAge:             30 * time.Minute,
		Interval:           time.Minute,
		RetryCap:           3,
		StartPollInterval:  time.Second,
		StartDeadline:      2 * time.Minute,
		HealthPollInterval: time.Second,
		HealthDeadline:     time.Minute,
	}
}

// entry is one pool member. allocatedTo is non-empty for at most one
// project at a time.
type entry struct {
	machine     *models.Machine
	allocatedTo string
	allocatedAt time.Time
	createdAt   time.Time
}

// Manager maintains a ready set of pre-booted, unallocated instances.
type Manager struct {
	provider Provider
	agent    AgentClient
	sessions SessionLister
	logger   *zap.Logger
	events   events.Publisher
	cfg      Config

	mu      sync.Mutex
	entries []*entry
	// pending counts in-flight warm creates so concurrent replenishes
	// do not overshoot the target.
	pending int
}

func NewManager(provider Provider, agent AgentClient, sessions SessionLister, publisher events.Publisher, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		provider: provider,
		agent:    agent,
		sessions: sessions,
		logger:   logger,
		events:   publisher,
		cfg:      cfg,
	}
}

// Allocate leases an instance to a project. Warm entries are
// re-verified with a fresh health probe; dead ones are evicted and the
// scan retried up to RetryCap. An empty or exhausted pool falls back
// synchronously to cold provisioning, so pool exhaustion is a latency
// penalty, never a capacity error.
func (m *Manager) Allocate(ctx context.Context, projectID string) (*models.PoolLease, error) {
	for attempt := 0; attempt < m.cfg.RetryCap; attempt++ {
		e := m.reserve(projectID)
		if e == nil {
			break
		}

		if err := m.agent.Health(ctx, e.machine.Endpoint, e.machine.ID); err != nil {
			m.logger.Warn("pool entry failed liveness re-check, evicting",
				zap.String("instance", e.machine.ID),
				zap.Error(err))
			m.evict(ctx, e, "unhealthy")
			continue
		}

		go m.Replenish(context.Background())

		metrics.Allocations.WithLabelValues("warm").Inc()
		m.logger.Info("warm allocation",
			zap.String("project", projectID),
			zap.String("instance", e.machine.ID))
		return &models.PoolLease{InstanceID: e.machine.ID, Endpoint: e.machine.Endpoint}, nil
	}

	return m.allocateCold(ctx, projectID)
}

// reserve marks the first unallocated entry as held by projectID and
// returns it. The mark happens under the lock, before any suspension
// point, so two allocations can never grab the same entry.
func (m *Manager) reserve(projectID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.allocatedTo == "" {
			e.allocatedTo = projectID
			e.allocatedAt = time.Now()
			return e
		}
	}
	return nil
}

func (m *Manager) allocateCold(ctx context.Context, projectID string) (*models.PoolLease, error) {
	e, err := m.createWarmVM(ctx)
	if err != nil {
		return nil, fmt.Errorf("cold provisioning for %s: %w", projectID, err)
	}

	m.mu.Lock()
	e.allocatedTo = projectID
	e.allocatedAt = time.Now()
	m.mu.Unlock()

	metrics.Allocations.WithLabelValues("cold").Inc()
	m.logger.Info("cold allocation",
		zap.String("project", projectID),
		zap.String("instance", e.machine.ID))
	return &models.PoolLease{InstanceID: e.machine.ID, Endpoint: e.machine.Endpoint, Cold: true}, nil
}

// Release unmarks the lease on an instance. Unknown ids and double
// releases are explicit no-ops. With keepDependencyCache a best-effort
// soft clean removes project content but preserves the dependency
// cache for the next tenant.
func (m *Manager) Release(ctx context.Context, instanceID string, keepDependencyCache bool) error {
	m.mu.Lock()
	var target *entry
	for _, e := range m.entries {
		if e.machine.ID == instanceID {
			target = e
			break
		}
	}
	if target == nil || target.allocatedTo == "" {
		m.mu.Unlock()
		m.logger.Debug("release of unleased instance ignored", zap.String("instance", instanceID))
		return nil
	}
	target.allocatedTo = ""
	target.allocatedAt = time.Time{}
	endpoint := target.machine.Endpoint
	m.mu.Unlock()

	if keepDependencyCache {
		const softClean = `find . -mindepth 1 -maxdepth 1 -not -name node_modules -exec rm -rf {} +`
		if _, err := m.agent.Exec(ctx, endpoint, instanceID, softClean, "/workspace", 30*time.Second); err != nil {
			m.logger.Warn("soft clean failed", zap.String("instance", instanceID), zap.Error(err))
		}
	}
	return nil
}

// Replenish tops the pool up to its target size, provisioning the
// deficit concurrently. Individual failures are tolerated and counted;
// it never returns an error and never blocks allocation callers (they
// invoke it in a goroutine).
func (m *Manager) Replenish(ctx context.Context) (created, failed int) {
	m.mu.Lock()
	deficit := m.cfg.TargetSize - m.unallocatedLocked() - m.pending
	if deficit <= 0 {
		m.mu.Unlock()
		return 0, 0
	}
	m.pending += deficit
	m.mu.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < deficit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				m.mu.Lock()
				m.pending--
				m.mu.Unlock()
			}()

			if _, err := m.createWarmVM(ctx); err != nil {
				m.logger.Warn("warm provisioning failed", zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			mu.Lock()
			created++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if created > 0 || failed > 0 {
		m.logger.Info("pool replenished", zap.Int("created", created), zap.Int("failed", failed))
	}
	m.updateGauges()
	return created, failed
}

// createWarmVM provisions one instance under a generated pool name,
// waits for it to start and for its agent to answer, and appends it to
// the pool unallocated.
func (m *Manager) createWarmVM(ctx context.Context) (*entry, error) {
	name := machine.WarmName()

	vm, err := m.provider.Create(ctx, name, models.MachineConfig{})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}

	if err := m.provider.WaitUntilStarted(ctx, vm.ID, m.cfg.StartPollInterval, m.cfg.StartDeadline); err != nil {
		m.destroyQuietly(vm.ID)
		return nil, err
	}
	if err := m.agent.WaitHealthy(ctx, vm.Endpoint, vm.ID, m.cfg.HealthPollInterval, m.cfg.HealthDeadline); err != nil {
		m.destroyQuietly(vm.ID)
		return nil, err
	}

	if m.cfg.WarmCommand != "" {
		// Pre-populate the shared dependency cache. Non-fatal.
		if _, err := m.agent.Exec(ctx, vm.Endpoint, vm.ID, m.cfg.WarmCommand, "/workspace", 2*time.Minute); err != nil {
			m.logger.Warn("dependency cache warmup failed", zap.String("instance", vm.ID), zap.Error(err))
		}
	}

	e := &entry{machine: vm, createdAt: time.Now()}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()

	m.events.Publish(ctx, events.SubjectMachineCreated, vm)
	m.updateGauges()
	return e, nil
}

// Run drives the background loop: an immediate adoption pass and
// replenish, then on each tick replenish, evict stale unallocated
// entries, and refresh occupancy metrics. Failures are logged and
// swallowed; the loop never terminates the process.
func (m *Manager) Run(ctx context.Context) {
	m.adoptExisting(ctx)
	m.Replenish(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Replenish(ctx)
			m.evictStale(ctx)
			m.updateGauges()
		}
	}
}

// adoptExisting re-registers warm instances left running by a previous
// controller. Healthy ones rejoin the pool; dead ones are destroyed.
// Instances a durable session record still binds to a project stay
// with that project: leased instances keep their pool names, so the
// name alone cannot distinguish free from held after a restart.
func (m *Manager) adoptExisting(ctx context.Context) {
	held, err := m.leasedInstances(ctx)
	if err != nil {
		// Without the session bindings we cannot tell free from held,
		// so adopt nothing rather than risk a double lease.
		m.logger.Warn("pool adoption session list failed", zap.Error(err))
		return
	}

	machines, err := m.provider.List(ctx)
	if err != nil {
		m.logger.Warn("pool adoption list failed", zap.Error(err))
		return
	}

	for _, vm := range machines {
		if !machine.IsWarmName(vm.Name) || vm.State != models.StateStarted {
			continue
		}
		if held[vm.ID] || m.contains(vm.ID) {
			continue
		}
		if err := m.agent.Health(ctx, vm.Endpoint, vm.ID); err != nil {
			m.logger.Info("destroying stale warm instance", zap.String("instance", vm.ID))
			m.destroyQuietly(vm.ID)
			continue
		}

		m.mu.Lock()
		m.entries = append(m.entries, &entry{machine: vm, createdAt: vm.CreatedAt})
		m.mu.Unlock()
		m.logger.Info("adopted warm instance", zap.String("instance", vm.ID))
	}
	m.updateGauges()
}

func (m *Manager) leasedInstances(ctx context.Context) (map[string]bool, error) {
	records, err := m.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(records))
	for _, s := range records {
		held[s.InstanceID] = true
	}
	return held, nil
}

func (m *Manager) evictStale(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.MaxAge)

	m.mu.Lock()
	var stale []*entry
	for _, e := range m.entries {
		if e.allocatedTo == "" && e.createdAt.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	m.mu.Unlock()

	for _, e := range stale {
		m.logger.Info("evicting aged warm instance", zap.String("instance", e.machine.ID))
		m.evict(ctx, e, "max-age")
	}
}

// evict removes an entry and destroys its machine, best effort.
func (m *Manager) evict(ctx context.Context, target *entry, reason string) {
	m.mu.Lock()
	for i, e := range m.entries {
		if e == target {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	metrics.Evictions.WithLabelValues(reason).Inc()
	if err := m.provider.Destroy(ctx, target.machine.ID); err != nil {
		m.logger.Warn("evicted instance destroy failed",
			zap.String("instance", target.machine.ID),
			zap.Error(err))
	}
	m.events.Publish(ctx, events.SubjectMachineDestroyed, target.machine)
	m.updateGauges()
}

// Forget removes an entry without destroying the machine. The
// orchestrator uses it when it takes over an instance's lifecycle.
func (m *Manager) Forget(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.machine.ID == instanceID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

func (m *Manager) destroyQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.provider.Destroy(ctx, id); err != nil {
		m.logger.Warn("destroy failed", zap.String("instance", id), zap.Error(err))
	}
}

func (m *Manager) contains(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.machine.ID == instanceID {
			return true
		}
	}
	return false
}

func (m *Manager) unallocatedLocked() int {
	n := 0
	for _, e := range m.entries {
		if e.allocatedTo == "" {
			n++
		}
	}
	return n
}

// Stats reports current occupancy.
func (m *Manager) Stats() (size, unallocated int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), m.unallocatedLocked()
}

func (m *Manager) updateGauges() {
	size, unallocated := m.Stats()
	metrics.PoolSize.Set(float64(size))
	metrics.PoolUnallocated.Set(float64(unallocated))
}
