// ABOUTME: Agent credential digests for the message channel handshake
// ABOUTME: A credential is HMAC-SHA256(secret, agentID+agentType), hex encoded

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrAuthenticationFailed indicates an agent credential did not match.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Credential computes the credential an agent presents for agentID and agentType.
func Credential(secret []byte, agentID, agentType string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(agentID + agentType))
	return hex.EncodeToString(mac.Sum(nil))
}

// CredentialVerifier checks agent credentials against a shared secret.
type CredentialVerifier struct {
	secret []byte
}

// NewCredentialVerifier creates a verifier keyed by secret.
func NewCredentialVerifier(secret []byte) *CredentialVerifier {
	return &CredentialVerifier{secret: secret}
}

// Verify recomputes the expected digest and compares it in constant time.
func (v *CredentialVerifier) Verify(token, agentID, agentType string) error {
	if token == "" || agentID == "" || agentType == "" {
		return ErrAuthenticationFailed
	}
	got, err := hex.DecodeString(token)
	if err != nil {
		return ErrAuthenticationFailed
	}
	want, _ := hex.DecodeString(Credential(v.secret, agentID, agentType))
	if !hmac.Equal(got, want) {
		return ErrAuthenticationFailed
	}
	return nil
}
