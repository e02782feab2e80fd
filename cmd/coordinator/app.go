package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"capfleet/app/handler"
	"capfleet/internal/jobs"
	"capfleet/internal/registry"
	"capfleet/internal/service"
	"capfleet/pkg/config"
	"capfleet/pkg/interfaces"
	"capfleet/pkg/logger"
	redisstore "capfleet/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

// Application manages the lifecycle of the coordinator
type Application struct {
	// Infrastructure components
	config       *config.Config
	broker       interfaces.Broker
	redisClient  *redisstore.RedisClient
	captionCache interfaces.CaptionCache

	// Registries
	workers  *registry.Workers
	replies  *registry.Pending
	commands *registry.Pending

	// Service layer
	dispatchService *service.DispatchService
	controlService  *service.ControlService
	statusListener  *service.StatusListener

	// Handler layer
	imageHandler  *handler.ImageHandler
	workerHandler *handler.WorkerHandler
	modelHandler  *handler.ModelHandler

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background tasks
	jobsManager *jobs.Manager

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Background task cleanup functions
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

// Initialize initializes all application components
func (app *Application) Initialize() error {
	var err error

	// Initialize components in order
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Message Broker", app.initBroker},
		{"Caption Cache", app.initCache},
		{"Registries", app.initRegistries},
		{"Service Layer", app.initServices},
		{"Background Tasks", app.initJobs},
		{"Handler Layer", app.initHandlers},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err = step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Coordinator initialization completed")
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting coordinator components...")

	// 1. Start broker listeners
	if err := app.statusListener.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start status listener: %w", err)
	}
	if err := app.dispatchService.StartReplyListener(app.ctx); err != nil {
		return fmt.Errorf("failed to start reply listener: %w", err)
	}

	// 2. Start background tasks
	if app.jobsManager != nil {
		logger.InfoCtx(app.ctx, "Starting background task manager")
		app.jobsManager.Start()
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.jobsManager.Wait()
		}()
	}

	// 3. Start HTTP server
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		addr := fmt.Sprintf(":%d", app.config.Server.Port)
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. Stop HTTP server (stop accepting new requests)
	logger.InfoCtx(app.ctx, "Shutting down HTTP server...")
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}

	// 2. Cancel background tasks and listeners
	logger.InfoCtx(app.ctx, "Canceling background tasks...")
	app.cancel()
	if app.jobsManager != nil {
		app.jobsManager.Stop()
	}

	// 3. Fail any still-pending waits before the broker goes away
	if n := app.replies.CancelAll(); n > 0 {
		logger.WarnCtx(app.ctx, "Cancelled %d pending task replies", n)
	}
	if n := app.commands.CancelAll(); n > 0 {
		logger.WarnCtx(app.ctx, "Cancelled %d pending control commands", n)
	}

	// 4. Wait for all background tasks to complete
	logger.InfoCtx(app.ctx, "Waiting for background tasks to complete...")
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	// 5. Execute all cleanup functions (in reverse registration order)
	logger.InfoCtx(app.ctx, "Executing cleanup functions...")
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	// 6. Sync logs
	logger.Sync()

	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	return nil
}

// registerCleanup registers cleanup function
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}
