package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/gridfuel/authgate/internal/auth/flow"
	"github.com/gridfuel/authgate/internal/http/httperrors"
	"github.com/gridfuel/authgate/internal/observability/logger"
)

// CallbackController handles both broker round trips: the initial login
// callback and the secondary verification callback. Which one is which
// comes in as the flow purpose.
type CallbackController struct {
	orch   *flow.Orchestrator
	cookie CookieConfig
}

// Callback handles GET /auth/callback
func (c *CallbackController) Callback(w http.ResponseWriter, r *http.Request) {
	c.handle(w, r, flow.PurposeLogin, "CallbackController.Callback")
}

// Verify handles GET /auth/verify
func (c *CallbackController) Verify(w http.ResponseWriter, r *http.Request) {
	c.handle(w, r, flow.PurposeVerify, "CallbackController.Verify")
}

func (c *CallbackController) handle(w http.ResponseWriter, r *http.Request, purpose flow.Purpose, op string) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op(op))

	q := r.URL.Query()
	p := flow.CallbackParams{
		State:            strings.TrimSpace(q.Get("state")),
		Code:             strings.TrimSpace(q.Get("code")),
		Error:            strings.TrimSpace(q.Get("error")),
		ErrorDescription: strings.TrimSpace(q.Get("error_description")),
	}
	if p.State == "" {
		log.Warn("missing state")
		httperrors.WriteError(w, httperrors.ErrMissingParameter.WithDetail("state required"))
		return
	}
	if p.Code == "" && p.Error == "" && p.ErrorDescription == "" {
		log.Warn("missing code")
		httperrors.WriteError(w, httperrors.ErrMissingParameter.WithDetail("code required"))
		return
	}

	out, err := c.orch.HandleCallback(ctx, purpose, p)
	if err != nil {
		writeFlowError(w, log, err)
		return
	}
	if out.Token != nil {
		http.SetCookie(w, sessionCookie(c.cookie, out.Token.Opaque, out.Token.Expires))
	}
	http.Redirect(w, r, out.RedirectURL, http.StatusTemporaryRedirect)
}

func writeFlowError(w http.ResponseWriter, log *zap.Logger, err error) {
	if errors.Is(err, flow.ErrBadState) {
		log.Warn("state rejected", logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrBadState)
		return
	}
	log.Error("flow failed", logger.Err(err))
	httperrors.WriteError(w, httperrors.ErrInternal)
}
