// Package keys deriva las claves internas del gateway a partir de un
// único master secret de configuración. Cada uso recibe una clave
// distinta via HKDF: la clave que firma el state del flujo OIDC nunca
// es la misma que cifra el id_token que viaja dentro de ese state.
package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const masterKeyLength = 32

// Usos conocidos. El string de info separa criptográficamente cada clave.
const (
	UseStateSign   = "authgate/v1/state-sign"
	UseIDTokenSeal = "authgate/v1/id-token-seal"
	UseSSNAtRest   = "authgate/v1/ssn-at-rest"
	UseSSNLookup   = "authgate/v1/ssn-lookup"
)

// Ring contiene el master secret y deriva claves por uso.
type Ring struct {
	master []byte
}

// NewRing crea un Ring desde el master secret en base64 (32 bytes).
func NewRing(masterB64 string) (*Ring, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(masterB64))
	if err != nil {
		return nil, fmt.Errorf("keys: decode master secret: %w", err)
	}
	if len(raw) != masterKeyLength {
		return nil, fmt.Errorf("keys: master secret debe ser %d bytes, obtuvo %d", masterKeyLength, len(raw))
	}
	return &Ring{master: raw}, nil
}

// Derive deriva una clave de 32 bytes para el uso dado.
func (r *Ring) Derive(use string) []byte {
	rd := hkdf.New(sha256.New, r.master, nil, []byte(use))
	out := make([]byte, 32)
	if _, err := io.ReadFull(rd, out); err != nil {
		// hkdf sólo falla si se piden más bytes de los que puede producir
		panic(fmt.Sprintf("keys: hkdf: %v", err))
	}
	return out
}
