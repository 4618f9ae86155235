// Package auth contains the controllers for the login flow endpoints.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gridfuel/authgate/internal/auth/flow"
)

// CookieConfig fixes the session cookie attributes per deployment.
type CookieConfig struct {
	Name     string
	Domain   string
	Path     string
	SameSite string
	Secure   bool
}

func (c CookieConfig) sameSite() http.SameSite {
	switch strings.ToLower(c.SameSite) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

// Controllers groups the login flow controllers.
type Controllers struct {
	Login    *LoginController
	Callback *CallbackController
	Terms    *TermsController
	Session  *SessionController
}

func NewControllers(orch *flow.Orchestrator, cookie CookieConfig) *Controllers {
	return &Controllers{
		Login:    &LoginController{orch: orch},
		Callback: &CallbackController{orch: orch, cookie: cookie},
		Terms:    &TermsController{orch: orch, cookie: cookie},
		Session:  &SessionController{orch: orch, cookie: cookie},
	}
}

// sessionCookie builds the cookie carrying the opaque token. The value
// is never decodable by the client.
func sessionCookie(cfg CookieConfig, opaque string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     cfg.Name,
		Value:    opaque,
		Domain:   cfg.Domain,
		Path:     cfg.Path,
		Expires:  expires,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: cfg.sameSite(),
	}
}

// clearedCookie is the logout counterpart: empty value, past expiry.
func clearedCookie(cfg CookieConfig) *http.Cookie {
	return &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Domain:   cfg.Domain,
		Path:     cfg.Path,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: cfg.sameSite(),
	}
}
