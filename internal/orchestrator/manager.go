package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/shehryarbajwa/devpool-mini/internal/events"
	"github.com/shehryarbajwa/devpool-mini/internal/machine"
	"github.com/shehryarbajwa/devpool-mini/internal/metrics"
	"github.com/shehryarbajwa/devpool-mini/internal/store"
	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

// Provider is the slice of the machine provider the orchestrator needs.
type Provider interface {
	List(ctx context.Context) ([]*models.Machine, error)
	Destroy(ctx context.Context, id string) error
	WaitUntilStarted(ctx context.Context, id string, pollInterval, deadline time.Duration) error
}

// AgentClient is the slice of the agent client the orchestrator needs.
type AgentClient interface {
	Health(ctx context.Context, endpoint, instanceID string) error
	WaitHealthy(ctx context.Context, endpoint, instanceID string, interval, deadline time.Duration) error
	Exec(ctx context.Context, endpoint, instanceID, command, cwd string, timeout time.Duration) (*models.ExecResult, error)
}

// Pool is the warm pool fast path.
type Pool interface {
	Allocate(ctx context.Context, projectID string) (*models.PoolLease, error)
	Forget(instanceID string)
}

// SessionStore is the durable session record.
type SessionStore interface {
	Get(ctx context.Context, projectID string) (*models.Session, error)
	Put(ctx context.Context, sess models.Session) error
	Delete(ctx context.Context, projectID string) error
	List(ctx context.Context) ([]models.Session, error)
}

// FileStore is the slice of the persistent file store used here.
type FileStore interface {
	SetProjectMeta(ctx context.Context, meta models.ProjectMeta) error
}

// Syncer is the file sync engine.
type Syncer interface {
	SyncToVM(ctx context.Context, projectID, endpoint, instanceID string) (*models.SyncResult, error)
	Repair(ctx context.Context, projectID, endpoint, instanceID string) (int, error)
	SaveFiles(ctx context.Context, projectID string, files []models.ProjectFile) *models.SyncResult
}

// Config tunes the orchestrator.
type Config struct {
	IdleTimeout        time.Duration
	ReapCheckInterval  time.Duration
	ReconcileInterval  time.Duration
	StartPollInterval  time.Duration
	StartDeadline      time.Duration
	HealthPollInterval time.Duration
	HealthDeadline     time.Duration
	// PublicURL is the externally reachable base of this control
	// plane; preview URLs are derived from it so they stay stable
	// across instance replacement.
	PublicURL string
}

// DefaultConfig returns the production orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:        10 * time.Minute,
		ReapCheckInterval:  time.Minute,
		ReconcileInterval:  5 * time.Minute,
		StartPollInterval:  time.Second,
		StartDeadline:      2 * time.Minute,
		HealthPollInterval: time.Second,
		HealthDeadline:     time.Minute,
		PublicURL:          "http://localhost:8080",
	}
}

// Manager owns per-project session lifecycle: acquisition, adoption,
// idle reaping, and crash reconciliation.
type Manager struct {
	provider Provider
	agent    AgentClient
	pool     Pool
	sessions SessionStore
	files    FileStore
	syncer   Syncer
	logger   *zap.Logger
	events   events.Publisher
	cfg      Config

	httpClient *http.Client

	mu      sync.Mutex
	cache   map[string]*models.Session
	reapers map[string]*time.Timer

	// acquireGroup serializes the acquisition critical section per
	// project id: two concurrent acquisitions for the same project
	// coalesce instead of provisioning twice.
	acquireGroup singleflight.Group
}

func NewManager(provider Provider, agent AgentClient, p Pool, sessions SessionStore, files FileStore, syncer Syncer, publisher events.Publisher, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		provider:   provider,
		agent:      agent,
		pool:       p,
		sessions:   sessions,
		files:      files,
		syncer:     syncer,
		logger:     logger,
		events:     publisher,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		cache:      make(map[string]*models.Session),
		reapers:    make(map[string]*time.Timer),
	}
}

// GetOrCreateVM resolves a live instance for the project: in-process
// cache, then adoption of an instance matching the deterministic
// naming convention, then the warm pool (which cold-provisions on
// exhaustion).
func (m *Manager) GetOrCreateVM(ctx context.Context, projectID string, forceNew bool) (*models.Session, error) {
	v, err, _ := m.acquireGroup.Do(projectID, func() (any, error) {
		return m.acquire(ctx, projectID, forceNew)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Session), nil
}

func (m *Manager) acquire(ctx context.Context, projectID string, forceNew bool) (*models.Session, error) {
	if !forceNew {
		if sess := m.cached(projectID); sess != nil {
			if err := m.agent.Health(ctx, sess.Endpoint, sess.InstanceID); err == nil {
				m.touch(ctx, sess)
				return sess, nil
			}
			m.logger.Warn("cached session failed liveness probe",
				zap.String("project", projectID),
				zap.String("instance", sess.InstanceID))
			m.dropCache(projectID)
		}
	}

	// Adoption path: the instance name is derived from the project id,
	// so a running workspace can be rediscovered instead of duplicated.
	if vm, err := m.findWorkspace(ctx, projectID); err != nil {
		return nil, err
	} else if vm != nil {
		m.logger.Info("adopting running workspace",
			zap.String("project", projectID),
			zap.String("instance", vm.ID))
		return m.register(ctx, projectID, vm.ID, vm.Endpoint)
	}

	lease, err := m.pool.Allocate(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("acquire instance for %s: %w", projectID, err)
	}

	if err := m.agent.WaitHealthy(ctx, lease.Endpoint, lease.InstanceID, m.cfg.HealthPollInterval, m.cfg.HealthDeadline); err != nil {
		return nil, err
	}

	return m.register(ctx, projectID, lease.InstanceID, lease.Endpoint)
}

func (m *Manager) findWorkspace(ctx context.Context, projectID string) (*models.Machine, error) {
	machines, err := m.provider.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}

	name := machine.WorkspaceName(projectID)
	for _, vm := range machines {
		if vm.Name != name || vm.State != models.StateStarted {
			continue
		}
		if err := m.agent.WaitHealthy(ctx, vm.Endpoint, vm.ID, m.cfg.HealthPollInterval, m.cfg.HealthDeadline); err != nil {
			return nil, err
		}
		return vm, nil
	}
	return nil, nil
}

// register writes the session to both the in-process cache and the
// durable store, then arms the idle reaper.
func (m *Manager) register(ctx context.Context, projectID, instanceID, endpoint string) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{
		ProjectID:  projectID,
		InstanceID: instanceID,
		Endpoint:   endpoint,
		CreatedAt:  now,
		LastUsed:   now,
	}

	if err := m.sessions.Put(ctx, *sess); err != nil {
		return nil, fmt.Errorf("persist session for %s: %w", projectID, err)
	}

	m.mu.Lock()
	m.cache[projectID] = sess
	m.mu.Unlock()

	m.scheduleReaper(projectID)
	m.events.Publish(ctx, events.SubjectSessionAcquired, sess)
	return sess, nil
}

// touch refreshes lastUsed in both the cache and the durable store.
// The durable write matters: idle decisions are made from the store.
func (m *Manager) touch(ctx context.Context, sess *models.Session) {
	sess.LastUsed = time.Now().UTC()
	m.mu.Lock()
	m.cache[sess.ProjectID] = sess
	m.mu.Unlock()

	if err := m.sessions.Put(ctx, *sess); err != nil {
		m.logger.Warn("failed to persist lastUsed",
			zap.String("project", sess.ProjectID),
			zap.Error(err))
	}
}

// StopVM destroys the project's instance and clears all bookkeeping.
// Idempotent when no session exists.
func (m *Manager) StopVM(ctx context.Context, projectID string) error {
	m.cancelReaper(projectID)

	sess := m.cached(projectID)
	if sess == nil {
		stored, err := m.sessions.Get(ctx, projectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		sess = stored
	}

	if err := m.provider.Destroy(ctx, sess.InstanceID); err != nil {
		m.logger.Warn("instance destroy failed",
			zap.String("project", projectID),
			zap.String("instance", sess.InstanceID),
			zap.Error(err))
	}
	m.pool.Forget(sess.InstanceID)

	m.dropCache(projectID)
	if err := m.sessions.Delete(ctx, projectID); err != nil {
		return fmt.Errorf("clear session for %s: %w", projectID, err)
	}

	m.logger.Info("workspace stopped",
		zap.String("project", projectID),
		zap.String("instance", sess.InstanceID))
	return nil
}

// GetSession returns the current session for a project, cache first.
func (m *Manager) GetSession(ctx context.Context, projectID string) (*models.Session, error) {
	if sess := m.cached(projectID); sess != nil {
		return sess, nil
	}
	return m.sessions.Get(ctx, projectID)
}

// ListSessions returns all durable session records.
func (m *Manager) ListSessions(ctx context.Context) ([]models.Session, error) {
	return m.sessions.List(ctx)
}

func (m *Manager) cached(projectID string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache[projectID]
}

func (m *Manager) dropCache(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, projectID)
}

// scheduleReaper arms the idle timer for a project, replacing any
// existing one so there is at most one live timer per project.
func (m *Manager) scheduleReaper(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.reapers[projectID]; ok {
		t.Stop()
	}
	m.reapers[projectID] = time.AfterFunc(m.cfg.ReapCheckInterval, func() {
		m.reap(projectID)
	})
}

func (m *Manager) hasReaper(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reapers[projectID]
	return ok
}

func (m *Manager) cancelReaper(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.reapers[projectID]; ok {
		t.Stop()
		delete(m.reapers, projectID)
	}
}

// reap checks a project's idle time against the DURABLE record, not
// the cache, so idle timeouts survive a controller restart.
func (m *Manager) reap(projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sess, err := m.sessions.Get(ctx, projectID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("reaper read failed", zap.String("project", projectID), zap.Error(err))
			m.scheduleReaper(projectID)
			return
		}
		m.cancelReaper(projectID)
		return
	}

	if idle := time.Since(sess.LastUsed); idle >= m.cfg.IdleTimeout {
		m.logger.Info("reaping idle workspace",
			zap.String("project", projectID),
			zap.Duration("idle", idle))
		if err := m.StopVM(ctx, projectID); err != nil {
			m.logger.Warn("idle reap failed", zap.String("project", projectID), zap.Error(err))
			m.scheduleReaper(projectID)
			return
		}
		metrics.ReapedSessions.Inc()
		m.events.Publish(ctx, events.SubjectSessionReaped, sess)
		return
	}

	m.scheduleReaper(projectID)
}

// Reconcile restores restart-lost state in two passes: it re-arms the
// idle reaper for every durable session without a live timer (timers
// are in-process and die with the controller), then adopts orphans —
// started instances matching the workspace naming convention with no
// durable session record get a fresh session record with a reset idle
// clock.
func (m *Manager) Reconcile(ctx context.Context) error {
	stored, err := m.sessions.List(ctx)
	if err != nil {
		return fmt.Errorf("reconcile session list: %w", err)
	}
	for _, sess := range stored {
		if !m.hasReaper(sess.ProjectID) {
			m.scheduleReaper(sess.ProjectID)
		}
	}

	machines, err := m.provider.List(ctx)
	if err != nil {
		return fmt.Errorf("reconcile list: %w", err)
	}

	for _, vm := range machines {
		projectID, ok := machine.ProjectFromName(vm.Name)
		if !ok || vm.State != models.StateStarted {
			continue
		}
		if _, err := m.sessions.Get(ctx, projectID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("reconcile read failed", zap.String("project", projectID), zap.Error(err))
			continue
		}

		now := time.Now().UTC()
		sess := models.Session{
			ProjectID:  projectID,
			InstanceID: vm.ID,
			Endpoint:   vm.Endpoint,
			CreatedAt:  vm.CreatedAt,
			LastUsed:   now,
		}
		if err := m.sessions.Put(ctx, sess); err != nil {
			m.logger.Warn("orphan adoption write failed", zap.String("project", projectID), zap.Error(err))
			continue
		}
		m.scheduleReaper(projectID)
		metrics.AdoptedSessions.Inc()
		m.events.Publish(ctx, events.SubjectSessionAdopted, sess)
		m.logger.Info("adopted orphan instance",
			zap.String("project", projectID),
			zap.String("instance", vm.ID))
	}
	return nil
}

// RunReconciler runs a reconciliation pass immediately, then on a
// fixed interval. Failures are logged and swallowed.
func (m *Manager) RunReconciler(ctx context.Context) {
	if err := m.Reconcile(ctx); err != nil {
		m.logger.Warn("reconciliation failed", zap.Error(err))
	}

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				m.logger.Warn("reconciliation failed", zap.Error(err))
			}
		}
	}
}
