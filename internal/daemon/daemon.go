// Package daemon wires the mira modules together and manages the
// process lifecycle.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/mira/internal/config"
	"github.com/harun/mira/internal/logger"
	"github.com/harun/mira/internal/observability"
	"github.com/harun/mira/pkg/gateway"
	"github.com/harun/mira/pkg/orchestrator"
	"github.com/harun/mira/pkg/provider"
	"github.com/harun/mira/pkg/session"
	"github.com/harun/mira/pkg/store"
)

// Daemon represents the mira daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store        *store.Store
	provider     provider.Provider
	orchestrator *orchestrator.Orchestrator

	// Services
	gatewayServer *gateway.Server
	reaper        *session.Reaper
	configWatcher *config.Watcher

	// Internal
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status describes the daemon process state.
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules initializes all core modules
func (d *Daemon) initializeCoreModules() error {
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.New(store.Config{
		DBPath: filepath.Join(d.config.DataDir, "mira.db"),
		Logger: d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create message store: %w", err)
	}
	d.store = st
	d.logger.Info().Msg("Message store initialized")

	factory := &provider.Factory{}
	prov, err := factory.New(d.config.Provider.Name, d.config.Provider.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	d.provider = prov
	d.logger.Info().Str("provider", prov.Name()).Msg("Provider initialized")

	orch, err := orchestrator.New(orchestrator.Config{
		Provider: d.provider,
		Store:    d.store,
		Logger:   d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.orchestrator = orch
	d.logger.Info().Msg("Orchestrator initialized")

	return nil
}

// initializeServices initializes the gateway and background services
func (d *Daemon) initializeServices() error {
	server, err := gateway.NewServer(gateway.Config{
		Port:         d.config.Gateway.Port,
		SharedSecret: d.config.Gateway.SharedSecret,
		Orchestrator: d.orchestrator,
		Logger:       d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server
	d.logger.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server initialized")

	d.reaper = session.NewReaper(
		d.orchestrator.Registry(),
		d.config.Session.IdleTimeout,
		d.config.Session.ReapSchedule,
		d.logger.Zerolog(),
	)

	// Config watcher hot-reloads the log level; everything else
	// requires a restart.
	watcher, err := config.NewWatcher(config.NewLoader(""), d.logger.Zerolog(), func(cfg *config.Config) {
		d.logger.SetLevel(cfg.Logging.Level)
	})
	if err != nil {
		d.logger.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
	} else {
		d.configWatcher = watcher
	}

	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().Msg("Starting mira daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.orchestrator.Initialize(d.ctx); err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	d.logger.Info().Msg("Gateway server started")

	if err := d.reaper.Start(); err != nil {
		return fmt.Errorf("failed to start idle reaper: %w", err)
	}
	d.logger.Info().Msg("Idle reaper started")

	if d.configWatcher != nil {
		if err := d.configWatcher.Start(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}

	d.logger.Info().Msg("Daemon started successfully - all core modules active")

	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping mira daemon")

	if d.configWatcher != nil {
		if err := d.configWatcher.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.reaper != nil {
		d.reaper.Stop()
	}
	d.logger.Info().Msg("Idle reaper stopped")

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}
	d.logger.Info().Msg("Gateway server stopped")

	if d.orchestrator != nil {
		d.orchestrator.Destroy()
	}

	d.cancel()

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close message store")
		}
	}

	d.logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetOrchestrator returns the orchestrator
func (d *Daemon) GetOrchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
