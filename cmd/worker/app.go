package main

import (
	"context"
	"fmt"
	"time"

	"capfleet/internal/worker"
	"capfleet/pkg/broker"
	"capfleet/pkg/config"
	"capfleet/pkg/hub"
	"capfleet/pkg/interfaces"
	"capfleet/pkg/logger"
	"capfleet/pkg/modelcache"
)

// Application manages the lifecycle of one worker process
type Application struct {
	config *config.Config
	broker interfaces.Broker
	store  *modelcache.Store
	engine interfaces.Engine

	runtime *worker.Runtime

	ctx    context.Context
	cancel context.CancelFunc

	cleanupFuncs []func()

	configPath string
}

// NewApplication creates a new Application instance
func NewApplication(configPath string) *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
		configPath:   configPath,
	}
}

// Initialize initializes all worker components
func (app *Application) Initialize() error {
	var err error

	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Message Broker", app.initBroker},
		{"Model Cache", app.initModelCache},
		{"Inference Engine", app.initEngine},
		{"Worker Runtime", app.initRuntime},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err = step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Worker initialization completed")
	return nil
}

// Start starts the worker runtime
func (app *Application) Start() error {
	if err := app.runtime.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start worker runtime: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the worker. The runtime broadcasts
// offline before the broker connection is torn down.
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	done := make(chan struct{})
	go func() {
		app.runtime.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	app.cancel()

	// Execute all cleanup functions (in reverse registration order)
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	logger.Sync()
	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	return nil
}

func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(app.configPath); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	app.registerCleanup(func() {
		logger.Sync()
	})
	return nil
}

// initBroker connects to the message broker
func (app *Application) initBroker() error {
	b, err := broker.New(app.config)
	if err != nil {
		return err
	}
	app.broker = b
	app.registerCleanup(func() {
		b.Close()
		logger.InfoCtx(app.ctx, "Broker connection has been closed")
	})
	return nil
}

// initModelCache opens the local model cache directory
func (app *Application) initModelCache() error {
	store, err := modelcache.New(app.config.Worker.CacheDir)
	if err != nil {
		return err
	}
	app.store = store
	return nil
}

// initEngine initializes the inference engine
func (app *Application) initEngine() error {
	app.engine = hub.NewEngine(&app.config.Hub)
	return nil
}

// initRuntime creates the worker runtime
func (app *Application) initRuntime() error {
	app.runtime = worker.NewRuntime(
		app.broker,
		app.engine,
		app.store,
		time.Duration(app.config.Worker.HeartbeatInterval)*time.Second,
		app.config.Worker.Concurrency,
	)
	return nil
}
