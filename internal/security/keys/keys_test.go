package keys

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func masterB64() string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i * 3)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestNewRing_RejectsBadSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewRing("not-base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := NewRing(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestDerive_DistinctPerUse(t *testing.T) {
	t.Parallel()

	ring, err := NewRing(masterB64())
	if err != nil {
		t.Fatal(err)
	}

	sign := ring.Derive(UseStateSign)
	seal := ring.Derive(UseIDTokenSeal)
	ssn := ring.Derive(UseSSNAtRest)

	if len(sign) != 32 || len(seal) != 32 || len(ssn) != 32 {
		t.Fatalf("expected 32-byte keys")
	}
	if bytes.Equal(sign, seal) || bytes.Equal(sign, ssn) || bytes.Equal(seal, ssn) {
		t.Fatalf("keys for different uses must differ")
	}

	// misma semilla + mismo uso => misma clave
	again := ring.Derive(UseStateSign)
	if !bytes.Equal(sign, again) {
		t.Fatalf("derivation must be deterministic")
	}
}
