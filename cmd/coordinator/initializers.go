package main

import (
	"fmt"
	"net/http"
	"time"

	"capfleet/app/handler"
	"capfleet/app/router"
	"capfleet/internal/jobs"
	"capfleet/internal/model"
	"capfleet/internal/registry"
	"capfleet/internal/service"
	"capfleet/pkg/broker"
	"capfleet/pkg/config"
	"capfleet/pkg/hub"
	"capfleet/pkg/logger"
	redisstore "capfleet/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

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

// initBroker connects to the message broker and declares the exchanges
// and the coordinator's response queue.
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

	if err := b.DeclareTopic(model.TaskExchange); err != nil {
		return err
	}
	if err := b.DeclareTopic(model.ControlExchange); err != nil {
		return err
	}
	if err := b.DeclareFanout(model.StatusExchange); err != nil {
		return err
	}
	if _, err := b.DeclareQueue(app.config.Broker.ResponseQueue, false); err != nil {
		return err
	}
	return nil
}

// initCache initializes the caption result cache. Redis is optional;
// the cache degrades to in-memory when the connection fails.
func (app *Application) initCache() error {
	if !app.config.Cache.Enabled {
		logger.InfoCtx(app.ctx, "Caption cache disabled")
		return nil
	}

	cache := redisstore.NewCaptionCache(time.Duration(app.config.Cache.TTL) * time.Second)

	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		logger.WarnCtx(app.ctx, "Redis unavailable, caption cache runs in-memory only: %v", err)
	} else {
		app.redisClient = client
		app.registerCleanup(func() {
			client.Close()
			logger.InfoCtx(app.ctx, "Redis connection has been closed")
		})
		cache = cache.WithRedis(client.GetClient())
	}

	app.captionCache = cache
	return nil
}

// initRegistries initializes the worker registry and the correlation
// registries for task replies and control command acks.
func (app *Application) initRegistries() error {
	app.workers = registry.NewWorkers()
	app.replies = registry.NewPending()
	app.commands = registry.NewPending()
	return nil
}

// initServices initializes service layer
func (app *Application) initServices() error {
	app.dispatchService = service.NewDispatchService(
		app.broker,
		app.workers,
		app.replies,
		app.config.Broker.ResponseQueue,
		app.config.DispatchTimeout(),
		app.captionCache,
	)

	app.controlService = service.NewControlService(
		app.broker,
		app.workers,
		app.commands,
		hub.NewClient(&app.config.Hub),
		app.config.CommandTimeout(),
	)

	app.statusListener = service.NewStatusListener(app.broker, app.workers, app.commands)

	return nil
}

// initJobs initializes background tasks
func (app *Application) initJobs() error {
	app.jobsManager = jobs.NewManager(app.ctx)
	app.jobsManager.Register(jobs.NewSweepJob(
		app.workers,
		app.commands,
		time.Duration(app.config.Coordinator.SweepInterval)*time.Second,
		time.Duration(app.config.Coordinator.WorkerTimeout)*time.Second,
	))
	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.imageHandler = handler.NewImageHandler(app.dispatchService, app.config.Coordinator.MaxUploadBytes)
	app.workerHandler = handler.NewWorkerHandler(app.controlService)
	app.modelHandler = handler.NewModelHandler(app.controlService)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	// Initialize router
	r := router.NewRouter(app.imageHandler, app.workerHandler, app.modelHandler)

	// Set Gin mode
	gin.SetMode(app.config.Server.Mode)

	// Create Gin engine
	app.ginEngine = gin.New()
	app.ginEngine.Use(gin.Recovery())

	// Setup routes
	r.Setup(app.ginEngine)

	// Create HTTP server
	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}

	return nil
}
