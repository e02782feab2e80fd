package handler

import (
	"errors"
	"io"
	"net/http"

	"capfleet/internal/service"
	"capfleet/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ModelHandler handles model lifecycle operations
type ModelHandler struct {
	controlService *service.ControlService
}

// NewModelHandler creates model handler
func NewModelHandler(controlService *service.ControlService) *ModelHandler {
	return &ModelHandler{controlService: controlService}
}

// List returns the fleet-wide available model set
// @Summary List available models
// @Description Get the union of models cached across all live workers
// @Tags models
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /models [get]
func (h *ModelHandler) List(c *gin.Context) {
	models := h.controlService.ListModels()
	c.JSON(http.StatusOK, gin.H{
		"models": models,
		"total":  len(models),
	})
}

// Download commands a worker to download a model
// @Summary Download model on worker
// @Description Command a worker to download a model and wait for confirmation
// @Tags models
// @Produce json
// @Param worker query string true "Worker ID"
// @Param model query string true "Model ID"
// @Success 200 {object} map[string]string
// @Router /download_model [post]
func (h *ModelHandler) Download(c *gin.Context) {
	workerID, modelID, ok := workerModelParams(c)
	if !ok {
		return
	}

	if err := h.controlService.Download(c.Request.Context(), workerID, modelID); err != nil {
		logger.ErrorCtx(c.Request.Context(), "download failed, worker: %s, model: %s, error: %v", workerID, modelID, err)
		c.JSON(controlStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "model downloaded",
		"worker":  workerID,
		"model":   modelID,
	})
}

// Unload commands a worker to release a loaded model
// @Summary Unload model on worker
// @Description Command a worker to drop a model from memory, keeping its cache
// @Tags models
// @Produce json
// @Param worker query string true "Worker ID"
// @Param model query string true "Model ID"
// @Success 200 {object} map[string]string
// @Router /unload_model [post]
func (h *ModelHandler) Unload(c *gin.Context) {
	workerID, modelID, ok := workerModelParams(c)
	if !ok {
		return
	}

	if err := h.controlService.Unload(c.Request.Context(), workerID, modelID); err != nil {
		logger.ErrorCtx(c.Request.Context(), "unload failed, worker: %s, model: %s, error: %v", workerID, modelID, err)
		c.JSON(controlStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "unload command sent",
		"worker":  workerID,
		"model":   modelID,
	})
}

// Delete commands a worker to remove a model from its cache
// @Summary Delete model from worker
// @Description Command a worker to remove a model from its local cache
// @Tags models
// @Produce json
// @Param worker query string true "Worker ID"
// @Param model query string true "Model ID"
// @Success 200 {object} map[string]string
// @Router /delete_model [delete]
func (h *ModelHandler) Delete(c *gin.Context) {
	workerID, modelID, ok := workerModelParams(c)
	if !ok {
		return
	}

	if err := h.controlService.Delete(c.Request.Context(), workerID, modelID); err != nil {
		logger.ErrorCtx(c.Request.Context(), "delete failed, worker: %s, model: %s, error: %v", workerID, modelID, err)
		c.JSON(controlStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "delete command sent",
		"worker":  workerID,
		"model":   modelID,
	})
}

// UploadCustom registers a user-supplied model implementation on a worker
// @Summary Upload custom model to worker
// @Description Send a custom model implementation to a worker and wait for confirmation
// @Tags models
// @Accept multipart/form-data
// @Produce json
// @Param worker formData string true "Worker ID"
// @Param model formData string true "Model ID"
// @Param code formData file true "Model implementation source"
// @Success 200 {object} map[string]string
// @Router /upload_custom_model [post]
func (h *ModelHandler) UploadCustom(c *gin.Context) {
	workerID := c.PostForm("worker")
	modelID := c.PostForm("model")
	if workerID == "" || modelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker and model required"})
		return
	}

	file, err := c.FormFile("code")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code file required"})
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read code file"})
		return
	}
	defer f.Close()

	source, err := io.ReadAll(f)
	if err != nil || len(source) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read code file"})
		return
	}

	if err := h.controlService.Custom(c.Request.Context(), workerID, modelID, string(source)); err != nil {
		logger.ErrorCtx(c.Request.Context(), "custom model upload failed, worker: %s, model: %s, error: %v", workerID, modelID, err)
		c.JSON(controlStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "custom model registered",
		"worker":  workerID,
		"model":   modelID,
	})
}

// workerModelParams reads the worker and model identifiers, checking the
// query string first and form fields second.
func workerModelParams(c *gin.Context) (string, string, bool) {
	workerID := c.Query("worker")
	if workerID == "" {
		workerID = c.PostForm("worker")
	}
	modelID := c.Query("model")
	if modelID == "" {
		modelID = c.PostForm("model")
	}
	if workerID == "" || modelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker and model required"})
		return "", "", false
	}
	return workerID, modelID, true
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrModelNotCached):
		return http.StatusNotFound
	case errors.Is(err, service.ErrModelNotSupported),
		errors.Is(err, service.ErrModelAlreadyCached):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
