package router

import (
	"capfleet/app/handler"
	"capfleet/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	imageHandler  *handler.ImageHandler
	workerHandler *handler.WorkerHandler
	modelHandler  *handler.ModelHandler
}

// NewRouter creates a new Router
func NewRouter(imageHandler *handler.ImageHandler, workerHandler *handler.WorkerHandler, modelHandler *handler.ModelHandler) *Router {
	return &Router{
		imageHandler:  imageHandler,
		workerHandler: workerHandler,
		modelHandler:  modelHandler,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	// Caption requests
	engine.POST("/upload", r.imageHandler.Upload)

	// Fleet queries
	engine.GET("/workers", r.workerHandler.List)
	engine.GET("/models", r.modelHandler.List)

	// Model lifecycle
	engine.POST("/download_model", r.modelHandler.Download)
	engine.POST("/unload_model", r.modelHandler.Unload)
	engine.DELETE("/delete_model", r.modelHandler.Delete)
	engine.POST("/upload_custom_model", r.modelHandler.UploadCustom)

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}
