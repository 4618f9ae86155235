// Package secretbox implementa cifrado simétrico AES-256-GCM con
// formato base64(nonce)|base64(ciphertext). La clave se pasa explícita
// en cada llamada: distintos usos (id_token en el state, ssn at rest)
// usan claves derivadas distintas, nunca una clave global.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	nonceSizeGCM = 12 // AES-GCM nonce recomendado (96 bits)
	KeyLength    = 32 // 32 bytes => AES-256
	sep          = "|"
)

// ErrInvalidFormat indica que el ciphertext no tiene el formato
// base64(nonce)|base64(ciphertext).
var ErrInvalidFormat = errors.New("secretbox: formato inválido, esperado base64(nonce)|base64(ciphertext)")

// Encrypt cifra plainText con la clave dada y devuelve
// base64(nonce)|base64(ciphertext).
func Encrypt(key []byte, plainText string) (string, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretbox: nonce random: %w", err)
	}

	ct := aesgcm.Seal(nil, nonce, []byte(plainText), nil)

	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt descifra base64(nonce)|base64(ciphertext) con la clave dada.
// Falla si el ciphertext fue manipulado o la clave no coincide.
func Decrypt(key []byte, cipherText string) (string, error) {
	parts := strings.Split(cipherText, sep)
	if len(parts) != 2 {
		return "", ErrInvalidFormat
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("secretbox: decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("secretbox: decode ciphertext: %w", err)
	}
	if len(nonce) != nonceSizeGCM {
		return "", fmt.Errorf("secretbox: nonce inválido: esperado %d bytes, obtuvo %d", nonceSizeGCM, len(nonce))
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	pt, err := aesgcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("secretbox: gcm auth/decrypt: %w", err)
	}
	return string(pt), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("secretbox: clave inválida: %d bytes (requiere %d)", len(key), KeyLength)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: aes.NewCipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretbox: cipher.NewGCM: %w", err)
	}
	return aesgcm, nil
}
