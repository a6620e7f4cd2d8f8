// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/transport"
)

const (
	// CullInterval is how often the culler scans the registry.
	CullInterval = 30 * time.Second

	// UserIdleCutoff keeps a kernel alive while any user touched it
	// recently, even if current traffic is system traffic only.
	UserIdleCutoff = 3600 * time.Second

	// KernelIdleCutoff keeps a kernel alive while anything at all is
	// talking to it.
	KernelIdleCutoff = 180 * time.Second
)

// Provisioner supplies connected kernel wires. The pod pool
// provisioner hands out warm pods; the local provisioner forks a
// process. Fresh requests bypass any warm pool.
type Provisioner interface {
	Provision(ctx context.Context, id tyne.ID, fresh bool) (transport.Wire, error)
}

// ActivitySyncFunc lets other subsystems push activity they observed
// for a kernel (for instance API traffic that never crossed this
// manager) before the culler judges it idle.
type ActivitySyncFunc func(ctx context.Context, k *Kernel) error

// ManagerConfig holds the dependencies of a Manager. The durations
// default to the package constants when left zero; tests shrink them.
type ManagerConfig struct {
	Clock        clock.Clock
	Provisioner  Provisioner
	SyncActivity []ActivitySyncFunc
	Metrics      *Metrics

	CullInterval      time.Duration
	UserIdleCutoff    time.Duration
	KernelIdleCutoff  time.Duration
	HeartbeatInterval time.Duration
}

// Validate returns an error for a misconfigured manager.
func (config ManagerConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Provisioner == nil {
		return errors.NotValidf("nil Provisioner")
	}
	return nil
}

// Manager owns the registry of running kernels on this replica.
type Manager struct {
	catacomb catacomb.Catacomb
	config   ManagerConfig

	startMutex *kmutex.Kmutex

	mu      sync.Mutex
	kernels map[tyne.ID]*Kernel
}

// NewManager starts a kernel manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics()
	}
	if config.CullInterval <= 0 {
		config.CullInterval = CullInterval
	}
	if config.UserIdleCutoff <= 0 {
		config.UserIdleCutoff = UserIdleCutoff
	}
	if config.KernelIdleCutoff <= 0 {
		config.KernelIdleCutoff = KernelIdleCutoff
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = HeartbeatInterval
	}
	m := &Manager{
		config:     config,
		startMutex: kmutex.New(),
		kernels:    map[tyne.ID]*Kernel{},
	}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "kernel-manager",
		Site: &m.catacomb,
		Work: m.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Kill is part of the worker.Worker interface.
func (m *Manager) Kill() {
	m.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (m *Manager) Wait() error {
	return m.catacomb.Wait()
}

// StartKernel returns the kernel for the tyne, provisioning one if
// needed. Concurrent starts for one tyne coalesce onto a single
// provisioning attempt; starts for different tynes proceed in
// parallel.
func (m *Manager) StartKernel(ctx context.Context, id tyne.ID, name string, fresh bool) (*Kernel, error) {
	if err := id.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	m.startMutex.Lock(string(id))
	defer m.startMutex.Unlock(string(id))

	if !fresh {
		if k, err := m.GetKernel(id); err == nil {
			return k, nil
		}
	}

	wire, err := m.config.Provisioner.Provision(ctx, id, fresh)
	if err != nil {
		return nil, errors.Annotatef(err, "provisioning kernel for %s", id)
	}
	conn := transport.NewConnection(wire)
	k, err := newKernel(id, name, conn, m.config.Clock, m.config.HeartbeatInterval, m.kernelLost)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Trace(err)
	}

	m.mu.Lock()
	if old := m.kernels[id]; old != nil {
		old.Kill()
	}
	m.kernels[id] = k
	m.config.Metrics.Running.Set(float64(len(m.kernels)))
	m.mu.Unlock()
	m.config.Metrics.Starts.Inc()
	logger.Infof("started kernel for tyne %s (fresh=%v)", id, fresh)
	return k, nil
}

// GetKernel returns the running kernel for the tyne.
func (m *Manager) GetKernel(id tyne.ID) (*Kernel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.kernels[id]
	if !ok {
		return nil, errors.NotFoundf("kernel for tyne %s", id)
	}
	return k, nil
}

// Shutdown stops and forgets the tyne's kernel, if any.
func (m *Manager) Shutdown(id tyne.ID) error {
	m.mu.Lock()
	k, ok := m.kernels[id]
	if ok {
		delete(m.kernels, id)
		m.config.Metrics.Running.Set(float64(len(m.kernels)))
	}
	m.mu.Unlock()
	if !ok {
		return errors.NotFoundf("kernel for tyne %s", id)
	}
	k.Kill()
	return nil
}

// List returns the registry entries, unordered.
func (m *Manager) List() []Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Model, 0, len(m.kernels))
	for _, k := range m.kernels {
		out = append(out, k.Model())
	}
	return out
}

// kernelLost handles a heartbeat failure: the kernel is disconnected
// and dropped. There is no automatic restart; the next client request
// provisions a fresh kernel.
func (m *Manager) kernelLost(k *Kernel) {
	m.mu.Lock()
	if m.kernels[k.id] == k {
		delete(m.kernels, k.id)
		m.config.Metrics.Running.Set(float64(len(m.kernels)))
	}
	m.mu.Unlock()
	m.config.Metrics.HeartbeatLosses.Inc()
	k.conn.Kill()
}

func (m *Manager) loop() error {
	for {
		select {
		case <-m.catacomb.Dying():
			m.shutdownAll()
			return m.catacomb.ErrDying()
		case <-m.config.Clock.After(m.config.CullInterval):
			m.cullIdle()
		}
	}
}

func (m *Manager) shutdownAll() {
	m.mu.Lock()
	kernels := make([]*Kernel, 0, len(m.kernels))
	for _, k := range m.kernels {
		kernels = append(kernels, k)
	}
	m.kernels = map[tyne.ID]*Kernel{}
	m.mu.Unlock()
	for _, k := range kernels {
		k.Kill()
	}
}

// cullIdle removes kernels that nothing has touched. Sync hooks run
// first so activity seen elsewhere can rescue a kernel; a failing hook
// is logged and ignored.
func (m *Manager) cullIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.CullInterval/2)
	defer cancel()

	m.mu.Lock()
	kernels := make([]*Kernel, 0, len(m.kernels))
	for _, k := range m.kernels {
		kernels = append(kernels, k)
	}
	m.mu.Unlock()

	now := m.config.Clock.Now()
	for _, k := range kernels {
		for _, sync := range m.config.SyncActivity {
			if err := sync(ctx, k); err != nil {
				logger.Warningf("activity sync for %s: %v", k.id, err)
			}
		}
		model := k.Model()
		if now.Sub(model.LastUserActivity) < m.config.UserIdleCutoff {
			continue
		}
		if now.Sub(model.LastActivity) < m.config.KernelIdleCutoff {
			continue
		}
		logger.Infof("culling idle kernel for tyne %s", k.id)
		m.mu.Lock()
		if m.kernels[k.id] == k {
			delete(m.kernels, k.id)
			m.config.Metrics.Running.Set(float64(len(m.kernels)))
		}
		m.mu.Unlock()
		m.config.Metrics.Culls.Inc()
		k.Kill()
	}
}
