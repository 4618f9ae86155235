// Package token contains the forward-auth endpoints: resolving an
// opaque session credential into identity headers for upstream
// services.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gridfuel/authgate/internal/cache"
	"github.com/gridfuel/authgate/internal/domain"
	"github.com/gridfuel/authgate/internal/domain/repository"
	"github.com/gridfuel/authgate/internal/http/httperrors"
	"github.com/gridfuel/authgate/internal/observability/logger"
	sectoken "github.com/gridfuel/authgate/internal/security/token"
)

const cacheTTL = 30 * time.Second

// Controller resolves opaque tokens. Positive lookups are cached
// briefly so every proxied request does not hit the database.
type Controller struct {
	store      repository.LoginStore
	cache      cache.Cache
	cookieName string
}

func NewController(store repository.LoginStore, c cache.Cache, cookieName string) *Controller {
	return &Controller{store: store, cache: c, cookieName: cookieName}
}

type introspection struct {
	Actor       string    `json:"actor"`
	Subject     string    `json:"subject"`
	SubjectType string    `json:"subject_type"`
	Scope       []string  `json:"scope"`
	Expires     time.Time `json:"expires"`
}

// Introspect handles GET /auth/introspect
func (c *Controller) Introspect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("TokenController.Introspect"))

	opaque := opaqueFromRequest(r, c.cookieName)
	if opaque == "" {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}

	tok, err := c.lookup(ctx, opaque)
	if errors.Is(err, repository.ErrNotFound) {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}
	if err != nil {
		log.Error("token lookup failed", logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrInternal)
		return
	}
	if !tok.Valid(time.Now()) {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}

	w.Header().Set("X-Auth-Actor", tok.Actor)
	w.Header().Set("X-Auth-Subject", tok.Subject)
	w.Header().Set("X-Auth-Subject-Type", string(tok.SubjectType))
	w.Header().Set("X-Auth-Scope", strings.Join(tok.Scope, " "))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(introspection{
		Actor:       tok.Actor,
		Subject:     tok.Subject,
		SubjectType: string(tok.SubjectType),
		Scope:       tok.Scope,
		Expires:     tok.Expires,
	})
}

func (c *Controller) lookup(ctx context.Context, opaque string) (*domain.Token, error) {
	key := "introspect:" + sectoken.SHA256Base64URL(opaque)
	if b, ok := c.cache.Get(key); ok {
		var tok domain.Token
		if err := json.Unmarshal(b, &tok); err == nil {
			tok.Opaque = opaque
			return &tok, nil
		}
	}

	tok, err := c.store.TokenByOpaque(ctx, opaque)
	if err != nil {
		return nil, err
	}
	// El opaque no se cachea; la key ya lo identifica.
	cp := *tok
	cp.Opaque = ""
	if b, err := json.Marshal(&cp); err == nil {
		c.cache.Set(key, b, cacheTTL)
	}
	return tok, nil
}

func opaqueFromRequest(r *http.Request, cookieName string) string {
	if ck, err := r.Cookie(cookieName); err == nil && ck.Value != "" {
		return ck.Value
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
