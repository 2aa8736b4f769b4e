package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// uploadField is the multipart form field carrying the image.
const uploadField = "file"

// Handler adapts the Service to gin.
type Handler struct {
	service     *Service
	uploadLimit int64
}

// NewHandler wraps service. uploadLimit caps the request body in bytes; zero
// leaves it unlimited.
func NewHandler(service *Service, uploadLimit int64) *Handler {
	return &Handler{
		service:     service,
		uploadLimit: uploadLimit,
	}
}

func respond(c *gin.Context, resp *Response) {
	c.JSON(resp.Status, resp.Data)
}

// HandlePredictEmotion classifies the uploaded image.
func (h *Handler) HandlePredictEmotion(c *gin.Context) {
	if h.uploadLimit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.uploadLimit)
	}

	file, _, err := c.Request.FormFile(uploadField)
	if err != nil {
		respond(c, &Response{
			Status: http.StatusBadRequest,
			Data:   ErrorResponse{Error: "failed to get uploaded file: " + err.Error()},
		})
		return
	}
	defer file.Close()

	respond(c, h.service.PredictEmotion(c.Request.Context(), file))
}

// HandleHealth reports that the model is loaded and the server is up.
func (h *Handler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
