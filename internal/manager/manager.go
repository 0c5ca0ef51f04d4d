// Package manager owns connector lifecycle: at most one running instance
// per connector, serialized start/stop, and the routing pipeline between
// channels and the gateway.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// lockTimeout bounds how long a lifecycle operation waits for a
// conflicting operation on the same connector.
const lockTimeout = 10 * time.Second

// Connector is a running channel integration instance.
type Connector interface {
	// Start runs the connector until the context is cancelled.
	Start(ctx context.Context) error
	// Stop requests shutdown; Start returns soon after.
	Stop()
}

// ConnectorFactory builds a connector instance from its configuration.
type ConnectorFactory func(id string, cfg config.ConnectorConfig) (Connector, error)

// opSemaphore serializes lifecycle operations per connector id.
type opSemaphore struct {
	ch chan struct{}
}

func newOpSemaphore() *opSemaphore {
	s := &opSemaphore{ch: make(chan struct{}, 1)}
	s.ch <- struct{}{} // initially unlocked
	return s
}

// instance is one running connector.
type instance struct {
	connector Connector
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manager starts and stops connectors. All lifecycle operations on the
// same connector id are serialized; operations on different connectors
// run independently.
type Manager struct {
	cfg     *config.Config
	stores  *store.Stores
	factory ConnectorFactory

	running map[string]*instance
	mu      sync.Mutex

	locks sync.Map // connector id → *opSemaphore
}

func New(cfg *config.Config, stores *store.Stores, factory ConnectorFactory) *Manager {
	return &Manager{
		cfg:     cfg,
		stores:  stores,
		factory: factory,
		running: map[string]*instance{},
	}
}

// acquire takes the per-connector operation lock.
// Fails after lockTimeout so a stuck operation cannot wedge the CLI.
func (m *Manager) acquire(ctx context.Context, id string) error {
	val, _ := m.locks.LoadOrStore(id, newOpSemaphore())
	sem := val.(*opSemaphore)

	timer := time.NewTimer(lockTimeout)
	defer timer.Stop()

	select {
	case <-sem.ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("connector %s: another operation is in progress", id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release(id string) {
	if val, ok := m.locks.Load(id); ok {
		val.(*opSemaphore).ch <- struct{}{}
	}
}

// Start launches a connector. Starting a connector that is already
// running is a no-op, so concurrent starts converge on one instance.
// Configuration errors are fatal: the connector is marked errored and
// not retried until the next explicit start.
func (m *Manager) Start(ctx context.Context, id string) error {
	if err := m.acquire(ctx, id); err != nil {
		return err
	}
	defer m.release(id)

	return m.startLocked(ctx, id)
}

func (m *Manager) startLocked(ctx context.Context, id string) error {
	m.mu.Lock()
	_, alreadyRunning := m.running[id]
	cfg, ok := m.cfg.Connectors[id]
	m.mu.Unlock()
	if alreadyRunning {
		slog.Debug("connector already running", "connector", id)
		return nil
	}

	if !ok {
		err := fmt.Errorf("connector %s: not configured", id)
		m.setStatus(id, store.ConnectorStateError, err.Error())
		return err
	}
	if !cfg.Enabled {
		err := fmt.Errorf("connector %s: disabled in config", id)
		m.setStatus(id, store.ConnectorStateError, err.Error())
		return err
	}

	conn, err := m.factory(id, cfg)
	if err != nil {
		err = fmt.Errorf("connector %s: %w", id, err)
		m.setStatus(id, store.ConnectorStateError, err.Error())
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		connector: conn,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.running[id] = inst
	m.mu.Unlock()

	go func() {
		defer close(inst.done)
		if err := conn.Start(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("connector exited", "connector", id, "error", err)
			m.setStatus(id, store.ConnectorStateError, err.Error())
		}
		m.mu.Lock()
		if m.running[id] == inst {
			delete(m.running, id)
		}
		m.mu.Unlock()
	}()

	m.setStatus(id, store.ConnectorStateRunning, "")
	slog.Info("connector started", "connector", id)
	return nil
}

// Stop shuts a connector down. Stopping a connector that is not running
// is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	if err := m.acquire(ctx, id); err != nil {
		return err
	}
	defer m.release(id)

	return m.stopLocked(ctx, id)
}

func (m *Manager) stopLocked(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.running[id]
	if ok {
		delete(m.running, id)
	}
	m.mu.Unlock()

	if !ok {
		slog.Debug("connector not running", "connector", id)
		m.setStatus(id, store.ConnectorStateStopped, "")
		return nil
	}

	inst.connector.Stop()
	inst.cancel()

	select {
	case <-inst.done:
	case <-time.After(lockTimeout):
		slog.Warn("connector did not stop cleanly", "connector", id)
	case <-ctx.Done():
		return ctx.Err()
	}

	m.setStatus(id, store.ConnectorStateStopped, "")
	slog.Info("connector stopped", "connector", id)
	return nil
}

// Restart stops and starts a connector under one lock, so no other
// operation can interleave.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.acquire(ctx, id); err != nil {
		return err
	}

	defer m.release(id)

	if err := m.stopLocked(ctx, id); err != nil {
		return err
	}
	return m.startLocked(ctx, id)
}

// IsRunning reports whether the connector has a live instance.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// Status returns the persisted lifecycle record for a connector.
func (m *Manager) Status(id string) (*store.ConnectorStatus, bool) {
	if m.stores == nil || m.stores.Connectors == nil {
		return nil, false
	}
	return m.stores.Connectors.GetStatus(id)
}

// List returns all persisted connector statuses.
func (m *Manager) List() []store.ConnectorStatus {
	if m.stores == nil || m.stores.Connectors == nil {
		return nil
	}
	return m.stores.Connectors.ListStatuses()
}

// StopAll stops every running connector. Used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			slog.Warn("stop failed during shutdown", "connector", id, "error", err)
		}
	}
}

// ApplyConfig swaps the config after a hot reload. Running connectors
// keep their current instance; new starts see the new config.
func (m *Manager) ApplyConfig(cfg *config.Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	slog.Info("manager config updated", "connectors", len(cfg.Connectors))
}

func (m *Manager) setStatus(id, state, errMsg string) {
	if m.stores == nil || m.stores.Connectors == nil {
		return
	}
	status := store.ConnectorStatus{ID: id, State: state, Error: errMsg}
	if state == store.ConnectorStateRunning {
		status.StartedAt = time.Now().UnixMilli()
		status.PID = os.Getpid()
	}
	if err := m.stores.Connectors.SetStatus(status); err != nil {
		slog.Warn("persist connector status failed", "connector", id, "error", err)
	}
}
