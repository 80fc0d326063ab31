package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	m, err := NewManager("secret", "wes-io-live", time.Minute)
	require.NoError(t, err)

	token, exp, err := m.GenerateAccessToken("user-1", "alice")
	require.NoError(t, err)
	assert.Greater(t, exp, time.Now().Unix())

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	issuer, err := NewManager("secret-a", "", time.Minute)
	require.NoError(t, err)
	verifier, err := NewManager("secret-b", "", time.Minute)
	require.NoError(t, err)

	token, _, err := issuer.GenerateAccessToken("user-1", "alice")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	issuer, err := NewManager("secret", "someone-else", time.Minute)
	require.NoError(t, err)
	verifier, err := NewManager("secret", "wes-io-live", time.Minute)
	require.NoError(t, err)

	token, _, err := issuer.GenerateAccessToken("user-1", "alice")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewManagerRequiresSecret(t *testing.T) {
	_, err := NewManager("", "", time.Minute)
	assert.ErrorIs(t, err, ErrMissingKey)
}
