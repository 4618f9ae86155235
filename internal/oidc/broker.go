package oidc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/gridfuel/authgate/internal/cache"
)

// Scopes base de todo login. El broker exige userinfo_token para que
// los claims de identidad viajen firmados en la respuesta del canje.
var baseScopes = []string{"openid", "mitid", "nemid", "userinfo_token"}

// scopeSSN se agrega sólo en el round trip de verificación secundaria.
const scopeSSN = "ssn"

// BrokerConfig son los endpoints y credenciales del broker.
type BrokerConfig struct {
	ClientID              string
	ClientSecret          string
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSEndpoint          string
	LogoutEndpoint        string
	Issuer                string
	Language              string
	RequestTimeout        time.Duration
	JWKSCacheTTL          time.Duration
}

// Broker implementa Client contra un broker OIDC con endpoints fijos
// por configuración (sin discovery).
type Broker struct {
	cfg  BrokerConfig
	http *http.Client
	keys *keySource
}

func NewBroker(cfg BrokerConfig, c cache.Cache) *Broker {
	hc := &http.Client{Timeout: cfg.RequestTimeout}
	return &Broker{
		cfg:  cfg,
		http: hc,
		keys: newKeySource(cfg.JWKSEndpoint, cfg.JWKSCacheTTL, hc, c),
	}
}

func (b *Broker) AuthorizationURL(state, callbackURI string, requestSSN bool) string {
	scopes := baseScopes
	if requestSSN {
		scopes = append(append([]string{}, baseScopes...), scopeSSN)
	}

	u, _ := url.Parse(b.cfg.AuthorizationEndpoint)
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", b.cfg.ClientID)
	q.Set("redirect_uri", callbackURI)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	if b.cfg.Language != "" {
		q.Set("language", b.cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type tokenResponse struct {
	AccessToken   string `json:"access_token"`
	IDToken       string `json:"id_token"`
	UserinfoToken string `json:"userinfo_token"`
	ExpiresIn     int    `json:"expires_in"`
	TokenType     string `json:"token_type"`
	Scope         string `json:"scope"`
}

func (b *Broker) FetchToken(ctx context.Context, code, redirectURI string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", b.cfg.ClientID)
	form.Set("client_secret", b.cfg.ClientSecret)
	form.Set("redirect_uri", redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenFetch, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var body struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("%w: http %d: %s %s", ErrTokenFetch, resp.StatusCode, body.Error, body.ErrorDescription)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenFetch, err)
	}

	idClaims, err := b.verify(ctx, tr.IDToken)
	if err != nil {
		return nil, err
	}
	// Los claims de identidad viajan en el userinfo_token, firmado por
	// separado del id_token.
	uiClaims, err := b.verify(ctx, tr.UserinfoToken)
	if err != nil {
		return nil, err
	}

	issued := time.Now()
	if iat, ok := idClaims["iat"].(float64); ok {
		issued = time.Unix(int64(iat), 0)
	}
	expires := issued.Add(time.Duration(tr.ExpiresIn) * time.Second)
	if exp, ok := idClaims["exp"].(float64); ok {
		expires = time.Unix(int64(exp), 0)
	}

	return &Token{
		Subject:    strClaim(uiClaims, "sub"),
		Provider:   strClaim(uiClaims, "idp"),
		TIN:        strClaim(uiClaims, "nemid.cvr"),
		SSN:        strClaim(uiClaims, "dk.cpr"),
		IDTokenRaw: tr.IDToken,
		Issued:     issued,
		Expires:    expires,
		Scope:      strings.Fields(tr.Scope),
	}, nil
}

func (b *Broker) Logout(ctx context.Context, rawIDToken string) error {
	payload, _ := json.Marshal(map[string]string{"id_token": rawIDToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.LogoutEndpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("oidc: logout http %d", resp.StatusCode)
	}
	return nil
}

// verify valida firma RS256 contra el JWKS del broker, más iss y aud.
func (b *Broker) verify(ctx context.Context, raw string) (jwtv5.MapClaims, error) {
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: bad jwt format", ErrInvalidToken)
	}
	hb, err := jwtv5.NewParser().DecodeSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := json.Unmarshal(hb, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if header.Alg != "RS256" {
		return nil, fmt.Errorf("%w: unexpected alg %s", ErrInvalidToken, header.Alg)
	}

	key, err := b.keys.rsaKeyForKid(ctx, header.Kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	tok, err := jwtv5.Parse(raw,
		func(t *jwtv5.Token) (any, error) { return key, nil },
		jwtv5.WithValidMethods([]string{"RS256"}),
		jwtv5.WithLeeway(30*time.Second),
	)
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("%w: signature", ErrInvalidToken)
	}

	claims, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: claims type", ErrInvalidToken)
	}

	if b.cfg.Issuer != "" {
		if iss, _ := claims["iss"].(string); iss != b.cfg.Issuer {
			return nil, fmt.Errorf("%w: bad iss %s", ErrInvalidToken, iss)
		}
	}
	if aud, present := claims["aud"]; present && !audMatches(aud, b.cfg.ClientID) {
		return nil, fmt.Errorf("%w: bad aud", ErrInvalidToken)
	}
	return claims, nil
}

func audMatches(aud any, clientID string) bool {
	switch a := aud.(type) {
	case string:
		return a == clientID
	case []any:
		for _, v := range a {
			if s, _ := v.(string); s == clientID {
				return true
			}
		}
	}
	return false
}

func strClaim(m jwtv5.MapClaims, k string) string {
	s, _ := m[k].(string)
	return s
}
