// Copyright 2025 James Ross
// Package blm implements the Backend Lifecycle Manager (BLM, spec.md §4.2):
// it owns every backend's process handle, serializes lifecycle transitions
// behind a single switch_lock, and exposes start/stop/swap/resolution-switch.
package blm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/inference-gateway/internal/backend"
	"github.com/jamesross/inference-gateway/internal/config"
	"github.com/jamesross/inference-gateway/internal/gatewayerrors"
	"github.com/jamesross/inference-gateway/internal/obs"
)

// ActiveRequestsProvider answers "how many requests are currently
// PROCESSING on this backend". spec.md §4.2 ties this to
// CPQ.metrics().processing; *queue.Queue satisfies it via its Processing
// method, which reports the same count as Metrics().Processing.
type ActiveRequestsProvider interface {
	Processing() int
}

// GracefulStopPollInterval is how often Stop polls ActiveRequestsProvider
// while draining.
const GracefulStopPollInterval = time.Second

// Manager is the BLM. switchLock is the single serialization point for any
// lifecycle transition, on any backend — by design, because the resource
// being stewarded (GPU memory) is singular (spec.md §4.2).
type Manager struct {
	log *zap.Logger

	switchLock sync.Mutex
	handles    map[string]*backend.Handle
	active     map[string]ActiveRequestsProvider
	current    *string
}

// New constructs a Manager over the given backend handles.
func New(handles map[string]*backend.Handle, log *zap.Logger) *Manager {
	return &Manager{
		handles: handles,
		active:  make(map[string]ActiveRequestsProvider),
		log:     log,
	}
}

// RegisterActiveRequestsProvider wires a backend's CPQ so Stop can poll its
// in-flight count during a graceful drain.
func (m *Manager) RegisterActiveRequestsProvider(backendName string, p ActiveRequestsProvider) {
	m.switchLock.Lock()
	defer m.switchLock.Unlock()
	m.active[backendName] = p
}

func (m *Manager) handle(name string) (*backend.Handle, error) {
	h, ok := m.handles[name]
	if !ok {
		return nil, gatewayerrors.ErrUnknownBackend
	}
	return h, nil
}

// Start spawns backendName (with resolution, for the OCR backend) and
// blocks until it is healthy or the bounded startup timeout expires. It is
// a no-op success if the backend is already RUNNING.
func (m *Manager) Start(ctx context.Context, backendName, resolution string) (bool, error) {
	h, err := m.handle(backendName)
	if err != nil {
		return false, err
	}
	m.switchLock.Lock()
	defer m.switchLock.Unlock()
	return m.startLocked(ctx, h, resolution)
}

// startLocked performs the STOPPED -> STARTING -> RUNNING|ERROR transition.
// Callers that already hold switchLock (Swap, SwitchResolution) must call
// this directly; Start acquires the lock itself.
func (m *Manager) startLocked(ctx context.Context, h *backend.Handle, resolution string) (bool, error) {
	if resolution != "" && !config.ValidResolution(resolution) {
		return false, gatewayerrors.NewBackendLifecycleError(h.Config().Name, "start", gatewayerrors.ErrInvalidResolution)
	}
	if h.Status() == backend.StatusRunning {
		return true, nil
	}

	h.SetStatus(backend.StatusStarting)
	obs.BackendStatus.WithLabelValues(h.Config().Name).Set(float64(backend.StatusStarting))

	if err := h.Spawn(ctx, resolution); err != nil {
		h.SetStatus(backend.StatusError)
		obs.BackendStatus.WithLabelValues(h.Config().Name).Set(float64(backend.StatusError))
		return false, err
	}

	if err := h.WaitHealthy(ctx); err != nil {
		h.SetStatus(backend.StatusError)
		obs.BackendStatus.WithLabelValues(h.Config().Name).Set(float64(backend.StatusError))
		return false, err
	}

	h.SetStatus(backend.StatusRunning)
	obs.BackendStatus.WithLabelValues(h.Config().Name).Set(float64(backend.StatusRunning))
	name := h.Config().Name
	m.current = &name
	return true, nil
}

// Stop stops backendName. If graceful, it polls the registered
// ActiveRequestsProvider until it reports zero in-flight requests or
// timeoutS elapses, then signals the child (SIGTERM, then SIGKILL after
// the grace period).
func (m *Manager) Stop(ctx context.Context, backendName string, graceful bool, timeoutS int) (bool, error) {
	h, err := m.handle(backendName)
	if err != nil {
		return false, err
	}
	m.switchLock.Lock()
	defer m.switchLock.Unlock()
	return m.stopLocked(ctx, h, graceful, timeoutS)
}

func (m *Manager) stopLocked(ctx context.Context, h *backend.Handle, graceful bool, timeoutS int) (bool, error) {
	if h.Status() == backend.StatusStopped {
		return true, nil
	}

	h.SetStatus(backend.StatusStopping)
	obs.BackendStatus.WithLabelValues(h.Config().Name).Set(float64(backend.StatusStopping))

	if graceful {
		m.drain(ctx, h.Config().Name, timeoutS)
	}

	if err := h.Stop(); err != nil {
		m.log.Warn("backend stop required forced kill", zap.String("backend", h.Config().Name), zap.Error(err))
	}

	h.SetStatus(backend.StatusStopped)
	obs.BackendStatus.WithLabelValues(h.Config().Name).Set(float64(backend.StatusStopped))
	if m.current != nil && *m.current == h.Config().Name {
		m.current = nil
	}
	return true, nil
}

// drain polls the backend's active-request count until zero or timeoutS
// elapses.
func (m *Manager) drain(ctx context.Context, backendName string, timeoutS int) {
	if timeoutS <= 0 {
		timeoutS = 60
	}
	deadline := time.Now().Add(time.Duration(timeoutS) * time.Second)
	provider, ok := m.active[backendName]
	if !ok {
		return
	}
	for time.Now().Before(deadline) {
		if provider.Processing() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(GracefulStopPollInterval):
		}
	}
	m.log.Warn("graceful stop timed out with requests still in flight, forcing stop", zap.String("backend", backendName))
}

// Swap stops the current resident (if any, and different from target) and
// starts target, all under switchLock.
func (m *Manager) Swap(ctx context.Context, target, resolution string) (bool, error) {
	m.switchLock.Lock()
	defer m.switchLock.Unlock()

	th, err := m.handle(target)
	if err != nil {
		return false, err
	}
	if resolution != "" && !config.ValidResolution(resolution) {
		return false, gatewayerrors.NewBackendLifecycleError(target, "swap", gatewayerrors.ErrInvalidResolution)
	}

	if m.current != nil && *m.current != target {
		if ch, err := m.handle(*m.current); err == nil {
			if _, err := m.stopLocked(ctx, ch, true, 60); err != nil {
				return false, err
			}
		}
	}
	return m.startLocked(ctx, th, resolution)
}

// SwitchResolution stops and restarts the OCR backend at a new resolution,
// under switchLock. No-op if already at that resolution.
func (m *Manager) SwitchResolution(ctx context.Context, backendName, resolution string, graceful bool) (bool, error) {
	m.switchLock.Lock()
	defer m.switchLock.Unlock()

	h, err := m.handle(backendName)
	if err != nil {
		return false, err
	}
	if resolution != "" && !config.ValidResolution(resolution) {
		return false, gatewayerrors.NewBackendLifecycleError(backendName, "switch_resolution", gatewayerrors.ErrInvalidResolution)
	}
	if h.Status() == backend.StatusRunning && h.Resolution() == resolution {
		return true, nil
	}

	if _, err := m.stopLocked(ctx, h, graceful, 60); err != nil {
		return false, err
	}
	return m.startLocked(ctx, h, resolution)
}

// BackendSnapshot is the status() result for one backend.
type BackendSnapshot struct {
	Name       string
	Status     backend.Status
	Resolution string
}

// Status returns a snapshot for one backend.
func (m *Manager) Status(backendName string) (BackendSnapshot, error) {
	h, err := m.handle(backendName)
	if err != nil {
		return BackendSnapshot{}, err
	}
	return BackendSnapshot{Name: h.Config().Name, Status: h.Status(), Resolution: h.Resolution()}, nil
}

// AllStatus returns a snapshot of every registered backend.
func (m *Manager) AllStatus() []BackendSnapshot {
	out := make([]BackendSnapshot, 0, len(m.handles))
	for name, h := range m.handles {
		out = append(out, BackendSnapshot{Name: name, Status: h.Status(), Resolution: h.Resolution()})
	}
	return out
}

// Current returns the name of the resident backend, if any.
func (m *Manager) Current() (string, bool) {
	m.switchLock.Lock()
	defer m.switchLock.Unlock()
	if m.current == nil {
		return "", false
	}
	return *m.current, true
}
