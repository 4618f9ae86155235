package middlewares

import (
	"net/http"
	"strings"
	"time"

	"github.com/gridfuel/authgate/internal/metrics"
)

// WithMetrics instrumenta los requests con contadores, latencia e
// inflight. El path se normaliza para no explotar la cardinalidad.
func WithMetrics() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method := strings.ToUpper(r.Method)
			path := normalizePath(r.URL.Path)

			metrics.InflightHTTP(method, path, 1)
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			metrics.InflightHTTP(method, path, -1)
			metrics.ObserveHTTP(method, path, rec.status, time.Since(start))
		})
	}
}

// normalizePath colapsa segmentos variables. Las rutas del gateway son
// fijas, así que alcanza con truncar a dos niveles.
func normalizePath(p string) string {
	parts := strings.SplitN(strings.Trim(p, "/"), "/", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
