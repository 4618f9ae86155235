// Package oidc implementa el cliente del broker de identidad externo.
// El broker habla OpenID Connect; este paquete sólo consume lo que el
// flujo de login necesita: URL de autorización, canje de code por token
// y logout remoto.
package oidc

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTokenFetch cubre cualquier fallo de red o protocolo durante el
	// canje del authorization code.
	ErrTokenFetch = errors.New("oidc: token fetch failed")

	// ErrInvalidToken indica que el broker devolvió un token que no pasa
	// la verificación de firma o claims.
	ErrInvalidToken = errors.New("oidc: invalid token")
)

// Token es la vista interna del resultado de un canje exitoso.
type Token struct {
	// Subject es el identificador estable del principal según el broker.
	Subject string
	// Provider es el IdP concreto detrás del broker (mitid, nemid).
	Provider string

	// TIN está presente cuando el principal autenticado es una empresa.
	TIN string
	// SSN está presente cuando el flujo pidió verificación de identidad
	// y el principal es una persona.
	SSN string

	IDTokenRaw string
	Issued     time.Time
	Expires    time.Time
	Scope      []string
}

func (t *Token) IsCompany() bool    { return t.TIN != "" }
func (t *Token) IsIndividual() bool { return t.SSN != "" }

// Client es el contrato que consume el orquestador de login. El
// constructor del orquestador lo recibe explícito para poder sustituirlo
// por un doble en tests.
type Client interface {
	// AuthorizationURL construye la URL del broker a la que redirigir al
	// cliente. No hace I/O. Con requestSSN el scope pedido incluye el
	// claim del identificador nacional verificado.
	AuthorizationURL(state, callbackURI string, requestSSN bool) string

	// FetchToken canjea el authorization code. Cualquier fallo de red,
	// timeout o respuesta no-2xx se reporta como ErrTokenFetch.
	FetchToken(ctx context.Context, code, redirectURI string) (*Token, error)

	// Logout invalida la sesión remota del broker. Best-effort: el
	// caller loguea el error y sigue.
	Logout(ctx context.Context, rawIDToken string) error
}
