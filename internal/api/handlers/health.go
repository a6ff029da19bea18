package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgeline/foreman/pkg/types"
)

// HealthHandler answers liveness probes.
type HealthHandler struct {
	version string
	started time.Time
}

func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version, started: time.Now()}
}

// Healthz handles GET /healthz
func (h *HealthHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthResponse{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}
