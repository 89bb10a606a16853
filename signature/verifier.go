package signature

import "crypto/hmac"

// Verify checks whether sig matches the expected HMAC-SHA256 signature for
// the payload and secret. The comparison is constant-time.
func (s *Signer) Verify(sig, secret string, payload []byte) bool {
	return Verify(sig, secret, payload)
}

// Verify checks whether sig matches the expected HMAC-SHA256 signature for
// the payload and secret. The comparison is constant-time.
func Verify(sig, secret string, payload []byte) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(sig))
}
