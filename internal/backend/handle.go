// Copyright 2025 James Ross
// Package backend owns the OS child process for one inference backend: the
// Backend Process Handle (BPH) from spec.md §2. It spawns, health-probes,
// and stops a single model-serving process; it never touches queue state.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/inference-gateway/internal/breaker"
	"github.com/jamesross/inference-gateway/internal/gatewayerrors"
)

// Status mirrors spec.md §3's Backend runtime states.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "STOPPED"
	case StatusStarting:
		return "STARTING"
	case StatusRunning:
		return "RUNNING"
	case StatusStopping:
		return "STOPPING"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Config describes one backend's launch parameters (spec.md §3, §6).
type Config struct {
	Name           string
	Port           int
	GPUMemoryFrac  float64
	MaxModelLen    int
	MaxConcurrent  int
	EnvActivation  string
	Command        []string
	LogDir         string
	ResolutionMode string
}

// HealthTimeout and HealthPollInterval bound the spawn-to-healthy wait
// (spec.md §4.2): polled at HealthPollInterval up to HealthTimeout.
const (
	HealthTimeout      = 120 * time.Second
	HealthPollInterval = 2 * time.Second
	HealthProbeTimeout = 5 * time.Second
	StopGracePeriod    = 10 * time.Second
)

// BreakerConfig tunes the circuit breaker guarding the health-poll loop
// (spec.md §5): repeated probe failures trip it so a crashing child fails
// fast instead of being polled for the full HealthTimeout.
type BreakerConfig struct {
	Window           time.Duration
	Cooldown         time.Duration
	FailureThreshold float64
	MinSamples       int
}

// Handle owns one backend's child process exclusively. The BLM is the only
// caller; CPQ and AS never touch a Handle directly.
type Handle struct {
	cfg Config
	log *zap.Logger

	httpClient *http.Client

	// healthTimeout/healthPollInterval/stopGrace default to the package
	// constants; tests override them to run the poll loops on a short clock.
	healthTimeout      time.Duration
	healthPollInterval time.Duration
	stopGrace          time.Duration

	breaker *breaker.CircuitBreaker

	mu         sync.Mutex
	status     Status
	cmd        *exec.Cmd
	startedAt  *time.Time
	stoppedAt  *time.Time
	resolution string
}

// NewHandle constructs a stopped Handle for cfg with defaultBreakerConfig.
// The circuit breaker guards WaitHealthy's poll loop against a backend that
// accepts TCP connections but errors on every probe.
func NewHandle(cfg Config, log *zap.Logger) *Handle {
	return NewHandleWithBreaker(cfg, defaultBreakerConfig, log)
}

// NewHandleWithBreaker constructs a Handle with an explicit breaker
// configuration, normally sourced from config.CircuitBreaker.
func NewHandleWithBreaker(cfg Config, bc BreakerConfig, log *zap.Logger) *Handle {
	return &Handle{
		cfg:                cfg,
		log:                log,
		httpClient:         &http.Client{Timeout: HealthProbeTimeout},
		healthTimeout:      HealthTimeout,
		healthPollInterval: HealthPollInterval,
		stopGrace:          StopGracePeriod,
		breaker:            breaker.New(bc.Window, bc.Cooldown, bc.FailureThreshold, bc.MinSamples),
		status:             StatusStopped,
		resolution:         cfg.ResolutionMode,
	}
}

var defaultBreakerConfig = BreakerConfig{
	Window:           30 * time.Second,
	Cooldown:         15 * time.Second,
	FailureThreshold: 0.5,
	MinSamples:       3,
}

// SetTimingForTest overrides the health-poll cadence and stop grace period.
// Only used by tests that need the BLM's poll loops to run on a fast clock.
func (h *Handle) SetTimingForTest(healthTimeout, healthPollInterval, stopGrace time.Duration) {
	h.healthTimeout = healthTimeout
	h.healthPollInterval = healthPollInterval
	h.stopGrace = stopGrace
}

// Spawn launches the child process with the backend's command, an explicit
// argv and environment rather than a shelled-out command string, and
// redirects its output to a per-backend log file (spec.md §6).
func (h *Handle) Spawn(ctx context.Context, resolution string) error {
	if len(h.cfg.Command) == 0 {
		return gatewayerrors.NewBackendLifecycleError(h.cfg.Name, "spawn", fmt.Errorf("no command configured"))
	}

	argv := append([]string(nil), h.cfg.Command...)
	if resolution != "" {
		argv = append(argv, "--resolution", resolution)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	if h.cfg.EnvActivation != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("VIRTUAL_ENV=%s", h.cfg.EnvActivation))
	}

	if h.cfg.LogDir != "" {
		if err := os.MkdirAll(h.cfg.LogDir, 0o755); err != nil {
			return gatewayerrors.NewBackendLifecycleError(h.cfg.Name, "spawn", err)
		}
		logPath := filepath.Join(h.cfg.LogDir, h.cfg.Name+".log")
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return gatewayerrors.NewBackendLifecycleError(h.cfg.Name, "spawn", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return gatewayerrors.NewBackendLifecycleError(h.cfg.Name, "spawn", gatewayerrors.ErrSpawnFailed)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.resolution = resolution
	h.mu.Unlock()
	return nil
}

// WaitHealthy polls GET /health on the backend's port until it returns 200,
// HealthTimeout elapses, or the circuit breaker trips on repeated non-200
// answers (fail-fast instead of polling out the full timeout against a
// backend that is clearly not coming up). Probes that cannot connect are
// not recorded by the breaker. An exit of the child is only noticed once the
// process has been waited on, which Stop does; a child that dies during
// startup therefore ends the wait through the timeout.
func (h *Handle) WaitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(h.healthTimeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/health", h.cfg.Port)

	for time.Now().Before(deadline) {
		if h.processExited() {
			return gatewayerrors.NewBackendLifecycleError(h.cfg.Name, "wait_healthy", gatewayerrors.ErrProcessExited)
		}
		if !h.breaker.Allow() {
			h.log.Warn("health probe circuit open, failing fast", zap.String("backend", h.cfg.Name))
			return gatewayerrors.NewBackendLifecycleError(h.cfg.Name, "wait_healthy", gatewayerrors.ErrHealthTimeout)
		}
		ok, responded := h.probeHealthy(ctx, url)
		if responded {
			h.breaker.Record(ok)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.healthPollInterval):
		}
	}
	return gatewayerrors.NewBackendLifecycleError(h.cfg.Name, "wait_healthy", gatewayerrors.ErrHealthTimeout)
}

// probeHealthy reports whether the probe got a 200, and whether the backend
// answered at all.
func (h *Handle) probeHealthy(ctx context.Context, url string) (ok, responded bool) {
	reqCtx, cancel := context.WithTimeout(ctx, HealthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, false
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false, false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, true
}

func (h *Handle) processExited() bool {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd == nil || cmd.ProcessState == nil {
		return false
	}
	return cmd.ProcessState.Exited()
}

// Stop sends SIGTERM and waits up to StopGracePeriod before force-killing
// with SIGKILL (spec.md §4.2).
func (h *Handle) Stop() error {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-time.After(h.stopGrace):
		h.log.Warn("backend did not exit after SIGTERM, sending SIGKILL", zap.String("backend", h.cfg.Name))
		_ = cmd.Process.Kill()
		<-done
		return gatewayerrors.ErrForcedKillRequired
	}
}

// SetStatus/Status/Resolution let the BLM record and read the backend's
// lifecycle state (SetStatus also stamps the start/stop time); Handle itself
// does not interpret them.
func (h *Handle) SetStatus(s Status) {
	h.mu.Lock()
	h.status = s
	now := time.Now()
	switch s {
	case StatusRunning:
		h.startedAt = &now
	case StatusStopped:
		h.stoppedAt = &now
	}
	h.mu.Unlock()
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) Resolution() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolution
}

func (h *Handle) Config() Config { return h.cfg }
