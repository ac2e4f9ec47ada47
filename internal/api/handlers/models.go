package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Models handles GET /v1/models, listing every client-facing model from the
// provider configuration in OpenAI list format.
func (h *Handler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.service.Models(),
	})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
