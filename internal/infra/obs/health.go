package obs

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandlers exposes endpoints for liveness and readiness checks, plus a
// status view carrying the live websocket connection count for external
// health-check callers.
type HealthHandlers struct {
	Ready       func() error
	Connections func() int

	started time.Time
}

func NewHealthHandlers(ready func() error, connections func() int) HealthHandlers {
	return HealthHandlers{Ready: ready, Connections: connections, started: time.Now()}
}

func (h HealthHandlers) Livez(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (h HealthHandlers) Readyz(c *gin.Context) {
	if h.Ready != nil {
		if err := h.Ready(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
	}
	c.Status(http.StatusOK)
}

func (h HealthHandlers) Healthz(c *gin.Context) {
	connections := 0
	if h.Connections != nil {
		connections = h.Connections()
	}
	uptime := time.Duration(0)
	if !h.started.IsZero() {
		uptime = time.Since(h.started)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "OK",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"uptime":      uptime.Seconds(),
		"connections": connections,
	})
}
