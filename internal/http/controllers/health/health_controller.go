// Package health exposes the liveness/readiness endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gridfuel/authgate/internal/observability/logger"
)

// Pinger is what the controller needs from the storage layer.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Controller struct {
	db Pinger
}

func NewController(db Pinger) *Controller { return &Controller{db: db} }

// Health handles GET /health
func (c *Controller) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if c.db != nil {
		if err := c.db.Ping(ctx); err != nil {
			logger.From(r.Context()).Warn("health ping failed", logger.Err(err))
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
