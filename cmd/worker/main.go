package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"capfleet/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Create application instance
	app := NewApplication(*configPath)

	// Initialize all components
	if err := app.Initialize(); err != nil {
		logger.FatalCtx(nil, "Worker initialization failed: %v", err)
	}

	// Start the runtime
	if err := app.Start(); err != nil {
		logger.FatalCtx(app.ctx, "Worker startup failed: %v", err)
	}

	// Wait for exit signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.InfoCtx(app.ctx, "Received exit signal: %v", sig)

	// Graceful shutdown (30 seconds timeout)
	if err := app.Shutdown(30 * time.Second); err != nil {
		logger.ErrorCtx(app.ctx, "Worker shutdown failed: %v", err)
		os.Exit(1)
	}

	logger.InfoCtx(app.ctx, "Worker safely exited")
}
