package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/substratehq/dispatch/signature"
)

func TestSignKnownVector(t *testing.T) {
	signer := signature.NewSigner()
	payload := []byte(`{"event":"deployment.succeeded"}`)
	secret := "whsec_testsecret123"

	got := signer.Sign(secret, payload)

	// Compute expected HMAC-SHA256 independently.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if got != expected {
		t.Errorf("Sign() = %q, want %q", got, expected)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := signature.NewSigner()
	payload := []byte(`{"deployment_id":"dep_01h2x","status":"succeeded"}`)
	secret := "whsec_roundtripsecret"

	sig := signer.Sign(secret, payload)
	if !signer.Verify(sig, secret, payload) {
		t.Error("Verify() returned false for valid signature")
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	signer := signature.NewSigner()
	payload := []byte(`{"original":true}`)
	secret := "whsec_tampersecret"

	sig := signer.Sign(secret, payload)

	// Flip one byte.
	tampered := []byte(`{"original":truf}`)
	if signer.Verify(sig, secret, tampered) {
		t.Error("Verify() returned true for tampered payload")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	signer := signature.NewSigner()
	payload := []byte(`{"data":"value"}`)

	sig := signer.Sign("whsec_correct", payload)

	if signer.Verify(sig, "whsec_wrong", payload) {
		t.Error("Verify() returned true for wrong secret")
	}
}

func TestSignatureFormat(t *testing.T) {
	sig := signature.Sign("secret", []byte("test"))

	// SHA256 = 32 bytes = 64 hex chars, no prefix.
	if len(sig) != 64 {
		t.Errorf("expected signature length 64, got %d", len(sig))
	}
	if sig != strings.ToLower(sig) {
		t.Errorf("expected lowercase hex, got %q", sig)
	}
}

func TestGenerateSecret(t *testing.T) {
	s1 := signature.GenerateSecret()
	s2 := signature.GenerateSecret()

	if !strings.HasPrefix(s1, "whsec_") {
		t.Errorf("secret should start with whsec_, got %q", s1)
	}
	if len(s1) != 70 {
		t.Errorf("expected secret length 70, got %d", len(s1))
	}
	if s1 == s2 {
		t.Error("two generated secrets should not be equal")
	}
}
