package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gridfuel/authgate/internal/cache"
)

const jwksCacheKey = "oidc:jwks"

type jwk struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"` // base64url
	E   string `json:"e"` // base64url
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// keySource resuelve claves públicas RSA del broker por kid. Cachea el
// documento JWKS y colapsa fetches concurrentes con singleflight para
// no golpear al broker una vez por request.
type keySource struct {
	endpoint string
	ttl      time.Duration
	http     *http.Client
	cache    cache.Cache
	group    singleflight.Group
}

func newKeySource(endpoint string, ttl time.Duration, hc *http.Client, c cache.Cache) *keySource {
	return &keySource{endpoint: endpoint, ttl: ttl, http: hc, cache: c}
}

func (s *keySource) rsaKeyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	doc, err := s.document(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range doc.Keys {
		if k.Kid == kid && strings.EqualFold(k.Kty, "RSA") {
			return rsaKeyFromJWK(k)
		}
	}
	return nil, fmt.Errorf("oidc: jwks: kid %q not found", kid)
}

func (s *keySource) document(ctx context.Context) (*jwks, error) {
	if b, ok := s.cache.Get(jwksCacheKey); ok {
		var doc jwks
		if err := json.Unmarshal(b, &doc); err == nil {
			return &doc, nil
		}
	}

	v, err, _ := s.group.Do(jwksCacheKey, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("oidc: jwks http %d", resp.StatusCode)
		}
		var doc jwks
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, err
		}
		if b, err := json.Marshal(&doc); err == nil {
			s.cache.Set(jwksCacheKey, b, s.ttl)
		}
		return &doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*jwks), nil
}

func rsaKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	if len(nb) == 0 {
		return nil, errors.New("oidc: jwks: empty modulus")
	}
	n := new(big.Int).SetBytes(nb)
	e := 65537
	if len(eb) > 0 {
		e = 0
		for _, b := range eb {
			e = (e << 8) | int(b)
		}
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}
