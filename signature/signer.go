// Package signature provides HMAC-SHA256 webhook signing and verification.
//
// The signature is computed over the exact serialized payload bytes that go
// on the wire, so receivers can recompute it without re-encoding the body.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header is the HTTP header carrying the payload signature.
const Header = "X-Webhook-Signature"

// Signer computes HMAC-SHA256 signatures for webhook payloads.
type Signer struct{}

// NewSigner returns a new Signer.
func NewSigner() *Signer {
	return &Signer{}
}

// Sign generates the hex-encoded HMAC-SHA256 signature for the given
// payload bytes.
func (s *Signer) Sign(secret string, payload []byte) string {
	return Sign(secret, payload)
}

// Sign generates the hex-encoded HMAC-SHA256 signature for the given
// payload bytes.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
