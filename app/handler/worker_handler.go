package handler

import (
	"net/http"

	"capfleet/internal/service"

	"github.com/gin-gonic/gin"
)

// WorkerHandler handles worker fleet queries
type WorkerHandler struct {
	controlService *service.ControlService
}

// NewWorkerHandler creates worker handler
func NewWorkerHandler(controlService *service.ControlService) *WorkerHandler {
	return &WorkerHandler{controlService: controlService}
}

// List returns the live worker registry
// @Summary List workers
// @Description Get all live workers with their cached and loaded models
// @Tags workers
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /workers [get]
func (h *WorkerHandler) List(c *gin.Context) {
	workers := h.controlService.ListWorkers()
	c.JSON(http.StatusOK, gin.H{
		"workers": workers,
		"total":   len(workers),
	})
}
