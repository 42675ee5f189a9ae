// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jamesross/inference-gateway/internal/admin"
	"github.com/jamesross/inference-gateway/internal/autoswitch"
	"github.com/jamesross/inference-gateway/internal/backend"
	"github.com/jamesross/inference-gateway/internal/blm"
	"github.com/jamesross/inference-gateway/internal/config"
	"github.com/jamesross/inference-gateway/internal/obs"
	"github.com/jamesross/inference-gateway/internal/pattern"
	"github.com/jamesross/inference-gateway/internal/persistence"
	"github.com/jamesross/inference-gateway/internal/queue"
)

var version = "dev"

func main() {
	var configPath string
	var role string
	var adminCmd string
	var adminBackend string
	var adminN int
	var adminResolution string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&role, "role", "server", "Role to run: server|admin")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|recover|switch")
	fs.StringVar(&adminBackend, "backend", "", "Backend name for admin peek|recover|switch")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.StringVar(&adminResolution, "resolution", "", "Resolution mode for admin switch (OCR backend only)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init persistent store", obs.Err(err))
	}
	defer func() { _ = store.Close(context.Background()) }()

	handles := make(map[string]*backend.Handle, len(cfg.Backends))
	for name, bc := range cfg.Backends {
		if !bc.Enabled {
			continue
		}
		bcfg := backend.BreakerConfig{
			Window:           cfg.CircuitBreaker.Window,
			Cooldown:         cfg.CircuitBreaker.CooldownPeriod,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			MinSamples:       cfg.CircuitBreaker.MinSamples,
		}
		handles[name] = backend.NewHandleWithBreaker(toBackendConfig(name, bc), bcfg, logger)
	}
	manager := blm.New(handles, logger)

	// Each backend's crash-recovery scan is independent (it only touches that
	// backend's rows), so they run concurrently rather than serializing
	// startup behind however many backends are configured.
	queues := make(map[string]*queue.Queue, len(handles))
	for name, bc := range cfg.Backends {
		if !bc.Enabled {
			continue
		}
		queues[name] = queue.New(name, queue.Config{
			MaxConcurrent:         bc.MaxConcurrent,
			MaxWaiting:            cfg.Queue.MaxWaiting,
			DefaultMaxRetries:     cfg.Queue.MaxRetries,
			PersistenceEnabled:    cfg.Queue.PersistenceEnabled,
			RecoveryCheckInterval: cfg.Queue.RecoveryCheckInterval,
		}, store, logger)
	}
	g, gctx := errgroup.WithContext(ctx)
	for name, q := range queues {
		name, q := name, q
		g.Go(func() error {
			if err := q.Start(gctx); err != nil {
				return fmt.Errorf("start queue %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Fatal("failed to start queues", obs.Err(err))
	}
	for name, q := range queues {
		manager.RegisterActiveRequestsProvider(name, q)
	}
	defer func() {
		for _, q := range queues {
			_ = q.Stop(context.Background())
		}
	}()

	if role == "admin" {
		runAdmin(ctx, manager, queues, adminCmd, adminBackend, adminN, adminResolution, logger)
		return
	}

	readyCheck := func(c context.Context) error { return nil }
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	retentionWait := persistence.RunRetentionSweep(ctx, store, cfg.Queue.RecoveryCheckInterval, cfg.Queue.RetentionAfterTerminal, logger)
	defer retentionWait()

	if cfg.AutoSwitch.Enabled {
		analyzer := pattern.New(store, cfg.AutoSwitch.PatternWindowDays, cfg.AutoSwitch.MinRequestsForSwitch)
		switcher := autoswitch.New(manager, analyzer, queueRegistry(queues), cfg.AutoSwitch.SwitchCooldown, logger)
		if err := switcher.Start(ctx); err != nil {
			logger.Fatal("failed to start auto-switcher", obs.Err(err))
		}
		defer switcher.Stop()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()
	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}

func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (persistence.Store, error) {
	if !cfg.Queue.PersistenceEnabled {
		return persistence.NewMemStore(), nil
	}
	return persistence.NewMongoStore(ctx, cfg.Mongo, logger)
}

func toBackendConfig(name string, bc config.BackendConfig) backend.Config {
	return backend.Config{
		Name:           name,
		Port:           bc.Port,
		GPUMemoryFrac:  bc.GPUMemoryFrac,
		MaxModelLen:    bc.MaxModelLen,
		MaxConcurrent:  bc.MaxConcurrent,
		EnvActivation:  bc.EnvActivation,
		Command:        bc.Command,
		LogDir:         bc.LogDir,
		ResolutionMode: bc.ResolutionMode,
	}
}

// queueRegistry adapts a map of per-backend queues to autoswitch.IdleChecker.
type queueRegistry map[string]*queue.Queue

func (r queueRegistry) AllIdle() bool {
	for _, q := range r {
		if q.Metrics().Processing > 0 {
			return false
		}
	}
	return true
}

func runAdmin(ctx context.Context, manager *blm.Manager, queues map[string]*queue.Queue, cmd, backendName string, n int, resolution string, logger *zap.Logger) {
	switch cmd {
	case "stats":
		res := admin.Stats(manager, queues)
		printJSON(res)
	case "peek":
		if backendName == "" {
			logger.Fatal("admin peek requires --backend")
		}
		res, err := admin.Peek(queues, backendName, n)
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		printJSON(res)
	case "recover":
		if backendName == "" {
			logger.Fatal("admin recover requires --backend")
		}
		if err := admin.Recover(ctx, queues, backendName); err != nil {
			logger.Fatal("admin recover error", obs.Err(err))
		}
		fmt.Println("recovery scan complete")
	case "switch":
		if backendName == "" {
			logger.Fatal("admin switch requires --backend")
		}
		res, err := admin.Switch(ctx, manager, backendName, resolution)
		if err != nil {
			logger.Fatal("admin switch error", obs.Err(err))
		}
		printJSON(res)
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
