package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Check is one readiness probe, e.g. a database ping.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type SystemHandler struct {
	checks []Check
}

func NewSystemHandler(checks ...Check) *SystemHandler {
	return &SystemHandler{checks: checks}
}

func (h *SystemHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SystemHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	for _, chk := range h.checks {
		if err := chk.Probe(ctx); err != nil {
			checks[chk.Name] = err.Error()
			healthy = false
		} else {
			checks[chk.Name] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ready", false: "not ready"}[healthy],
		"checks": checks,
	})
}
