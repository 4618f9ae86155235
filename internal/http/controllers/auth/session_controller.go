package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gridfuel/authgate/internal/auth/flow"
	"github.com/gridfuel/authgate/internal/http/httperrors"
	"github.com/gridfuel/authgate/internal/observability/logger"
)

// SessionController ends sessions and abandons flows.
type SessionController struct {
	orch   *flow.Orchestrator
	cookie CookieConfig
}

// Logout handles POST /auth/logout. It always clears the cookie, even
// when there was no session to delete.
func (c *SessionController) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("SessionController.Logout"))

	opaque := OpaqueFromRequest(r, c.cookie.Name)
	if err := c.orch.Logout(ctx, opaque); err != nil {
		log.Error("logout failed", logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrInternal)
		return
	}
	http.SetCookie(w, clearedCookie(c.cookie))
	w.WriteHeader(http.StatusNoContent)
}

// Invalidate handles POST /auth/invalidate?state=...; the client gives
// up on a flow that never completed.
func (c *SessionController) Invalidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("SessionController.Invalidate"))

	raw := strings.TrimSpace(r.URL.Query().Get("state"))
	if raw == "" {
		raw = strings.TrimSpace(r.PostFormValue("state"))
	}
	if raw == "" {
		log.Warn("missing state")
		httperrors.WriteError(w, httperrors.ErrMissingParameter.WithDetail("state required"))
		return
	}

	if err := c.orch.Invalidate(ctx, raw); err != nil {
		if errors.Is(err, flow.ErrNoBrokerSession) {
			log.Warn("nothing to invalidate")
			httperrors.WriteError(w, httperrors.ErrBadState.WithDetail("state carries no broker session"))
			return
		}
		writeFlowError(w, log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OpaqueFromRequest extracts the session token from the cookie or a
// bearer Authorization header.
func OpaqueFromRequest(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
