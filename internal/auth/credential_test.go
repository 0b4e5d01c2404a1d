// ABOUTME: Tests for agent credential digests
// ABOUTME: Covers round trip, tampering, and malformed tokens

package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredential_RoundTrip(t *testing.T) {
	secret := []byte("shared-agent-secret")
	v := NewCredentialVerifier(secret)

	token := Credential(secret, "agent-x", "coder")
	require.Len(t, token, 64)
	assert.NoError(t, v.Verify(token, "agent-x", "coder"))
}

func TestCredential_Deterministic(t *testing.T) {
	secret := []byte("shared-agent-secret")
	assert.Equal(t, Credential(secret, "a", "coder"), Credential(secret, "a", "coder"))
	assert.NotEqual(t, Credential(secret, "a", "coder"), Credential(secret, "b", "coder"))
}

func TestCredentialVerifier_Rejects(t *testing.T) {
	secret := []byte("shared-agent-secret")
	v := NewCredentialVerifier(secret)
	good := Credential(secret, "agent-x", "coder")

	tests := []struct {
		name      string
		token     string
		agentID   string
		agentType string
	}{
		{"wrong agent id", good, "agent-y", "coder"},
		{"wrong agent type", good, "agent-x", "tester"},
		{"wrong secret", Credential([]byte("other"), "agent-x", "coder"), "agent-x", "coder"},
		{"not hex", "zz-not-hex", "agent-x", "coder"},
		{"empty token", "", "agent-x", "coder"},
		{"empty agent id", good, "", "coder"},
		{"truncated", good[:10], "agent-x", "coder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.token, tt.agentID, tt.agentType)
			assert.True(t, errors.Is(err, ErrAuthenticationFailed), "got %v", err)
		})
	}
}
