package handler

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"capfleet/internal/service"
	"capfleet/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ImageHandler handles caption requests
type ImageHandler struct {
	dispatchService *service.DispatchService
	maxUploadBytes  int64
}

// NewImageHandler creates image handler
func NewImageHandler(dispatchService *service.DispatchService, maxUploadBytes int64) *ImageHandler {
	return &ImageHandler{
		dispatchService: dispatchService,
		maxUploadBytes:  maxUploadBytes,
	}
}

// Upload captions a batch of images with the requested models
// @Summary Caption images
// @Description Upload images and fan them out to the worker fleet for captioning
// @Tags images
// @Accept multipart/form-data
// @Produce json
// @Param files formData file true "Image files"
// @Param models formData string true "Comma-separated model IDs"
// @Param ids formData string false "Comma-separated item IDs, generated when omitted"
// @Success 200 {object} map[string]interface{}
// @Router /upload [post]
func (h *ImageHandler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "files required"})
		return
	}

	models := splitList(c.PostForm("models"))
	if len(models) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "models required"})
		return
	}

	ids := splitList(c.PostForm("ids"))
	if len(ids) > 0 && len(ids) != len(files) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("got %d ids for %d files", len(ids), len(files)),
		})
		return
	}

	items := make([]service.UploadItem, 0, len(files))
	for i, file := range files {
		if h.maxUploadBytes > 0 && file.Size > h.maxUploadBytes {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("file %s exceeds size limit of %d bytes", file.Filename, h.maxUploadBytes),
			})
			return
		}

		image, err := readUpload(file)
		if err != nil {
			logger.ErrorCtx(c.Request.Context(), "failed to read upload %s: %v", file.Filename, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read " + file.Filename})
			return
		}

		id := uuid.NewString()
		if len(ids) > 0 {
			id = ids[i]
		}
		items = append(items, service.UploadItem{ID: id, Image: image})
	}

	results := h.dispatchService.Dispatch(c.Request.Context(), items, models)

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"total":   len(results),
	})
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
