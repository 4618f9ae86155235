package auth

import (
	"net/http"
	"strings"

	"github.com/gridfuel/authgate/internal/auth/flow"
	"github.com/gridfuel/authgate/internal/http/httperrors"
	"github.com/gridfuel/authgate/internal/observability/logger"
)

// TermsController resumes a flow after the user accepted the terms on
// the frontend.
type TermsController struct {
	orch   *flow.Orchestrator
	cookie CookieConfig
}

// Accept handles POST /auth/terms/accept?state=...
func (c *TermsController) Accept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("TermsController.Accept"))

	raw := strings.TrimSpace(r.URL.Query().Get("state"))
	if raw == "" {
		raw = strings.TrimSpace(r.PostFormValue("state"))
	}
	if raw == "" {
		log.Warn("missing state")
		httperrors.WriteError(w, httperrors.ErrMissingParameter.WithDetail("state required"))
		return
	}

	out, err := c.orch.AcceptTerms(ctx, raw)
	if err != nil {
		writeFlowError(w, log, err)
		return
	}
	if out.Token != nil {
		http.SetCookie(w, sessionCookie(c.cookie, out.Token.Opaque, out.Token.Expires))
	}
	http.Redirect(w, r, out.RedirectURL, http.StatusTemporaryRedirect)
}
