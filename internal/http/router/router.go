// Package router arma el árbol de rutas del gateway.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	authctrl "github.com/gridfuel/authgate/internal/http/controllers/auth"
	healthctrl "github.com/gridfuel/authgate/internal/http/controllers/health"
	tokenctrl "github.com/gridfuel/authgate/internal/http/controllers/token"
	"github.com/gridfuel/authgate/internal/http/middlewares"
)

// Deps agrupa los controllers ya construidos.
type Deps struct {
	Auth    *authctrl.Controllers
	Token   *tokenctrl.Controller
	Health  *healthctrl.Controller
	Metrics http.Handler
}

func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middlewares.WithRequestID(),
		middlewares.WithLogging(),
		middlewares.WithMetrics(),
		middlewares.WithRecover(),
	)

	r.Get("/health", d.Health.Health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", d.Auth.Login.Login)
		r.Get("/callback", d.Auth.Callback.Callback)
		r.Get("/verify", d.Auth.Callback.Verify)
		r.Post("/terms/accept", d.Auth.Terms.Accept)
		r.Post("/logout", d.Auth.Session.Logout)
		r.Post("/invalidate", d.Auth.Session.Invalidate)
		r.Get("/introspect", d.Token.Introspect)
	})

	return r
}
