// Package state codifica el FlowState que viaja por el round trip de
// redirects con el broker. No hay sesión server-side entre redirects:
// todo lo necesario para retomar el flujo vive acá adentro, firmado.
package state

import (
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// ErrDecode cubre cualquier input que no haya sido producido por Encode
// con el mismo secret: firmas ajenas, tokens vencidos, basura.
var ErrDecode = errors.New("state: decode failed")

// FlowState es el contexto completo de un login en curso. Se arma al
// iniciar el flujo y se enriquece en cada callback. IDTokenSealed y
// SSNSealed van cifrados con claves propias, distintas de la clave que
// firma este sobre.
type FlowState struct {
	ReturnURL   string `json:"return_url"`
	FrontendURL string `json:"frontend_url"`

	TIN              string `json:"tin,omitempty"`
	IdentityProvider string `json:"identity_provider,omitempty"`
	ExternalSubject  string `json:"external_subject,omitempty"`

	IDTokenSealed string `json:"id_token_sealed,omitempty"`
	SSNSealed     string `json:"ssn_sealed,omitempty"`

	TermsAccepted bool `json:"terms_accepted,omitempty"`
}

type stateClaims struct {
	Flow FlowState `json:"flow"`
	jwtv5.RegisteredClaims
}

// Codec firma y verifica FlowStates como JWT HS256 con expiración.
type Codec struct {
	key []byte
	ttl time.Duration
}

func NewCodec(key []byte, ttl time.Duration) *Codec {
	return &Codec{key: key, ttl: ttl}
}

func (c *Codec) Encode(fs FlowState) (string, error) {
	now := time.Now()
	claims := stateClaims{
		Flow: fs,
		RegisteredClaims: jwtv5.RegisteredClaims{
			IssuedAt:  jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(now.Add(c.ttl)),
		},
	}
	tok := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims)
	s, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("state: encode: %w", err)
	}
	return s, nil
}

func (c *Codec) Decode(raw string) (FlowState, error) {
	var claims stateClaims
	tok, err := jwtv5.ParseWithClaims(raw, &claims,
		func(t *jwtv5.Token) (any, error) { return c.key, nil },
		jwtv5.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !tok.Valid {
		return FlowState{}, ErrDecode
	}
	return claims.Flow, nil
}
