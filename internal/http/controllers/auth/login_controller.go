package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gridfuel/authgate/internal/auth/flow"
	"github.com/gridfuel/authgate/internal/http/httperrors"
	"github.com/gridfuel/authgate/internal/observability/logger"
)

// LoginController opens a new login flow.
type LoginController struct {
	orch *flow.Orchestrator
}

// Login handles GET /auth/login?return_url=...&frontend_url=...
func (c *LoginController) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("LoginController.Login"))

	returnURL := strings.TrimSpace(r.URL.Query().Get("return_url"))
	if returnURL == "" {
		log.Warn("missing return_url")
		httperrors.WriteError(w, httperrors.ErrMissingParameter.WithDetail("return_url required"))
		return
	}
	frontendURL := strings.TrimSpace(r.URL.Query().Get("frontend_url"))
	if frontendURL == "" {
		frontendURL = originOf(returnURL)
	}
	if frontendURL == "" {
		log.Warn("return_url not absolute", logger.String("return_url", returnURL))
		httperrors.WriteError(w, httperrors.ErrMissingParameter.WithDetail("return_url must be absolute"))
		return
	}

	redirect, err := c.orch.StartLogin(returnURL, frontendURL)
	if err != nil {
		log.Error("start login failed", logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrInternal)
		return
	}
	http.Redirect(w, r, redirect, http.StatusTemporaryRedirect)
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
