package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/open-apime/disparador/internal/config"
)

// Registry informa quantas sessões estão ativas.
type Registry interface {
	Len() int
}

type HealthHandler struct {
	registry Registry
}

func NewHealthHandler(registry Registry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

func (h *HealthHandler) Register(r *gin.RouterGroup) {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": config.Version,
			"name":    "Disparador",
		})
	})

	r.GET("/healthz", func(c *gin.Context) {
		sessions := 0
		if h.registry != nil {
			sessions = h.registry.Len()
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"version":  config.Version,
			"sessions": sessions,
		})
	})
}
