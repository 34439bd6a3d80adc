package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	manager := NewJWTManager("test-secret", "artisan-gen")

	token, err := manager.GenerateToken("user-1", "user", "access", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := manager.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user", claims.Role)
	assert.Equal(t, "access", claims.Type)
	assert.Equal(t, "artisan-gen", claims.Issuer)
}

func TestParseTokenWrongSecret(t *testing.T) {
	manager := NewJWTManager("test-secret", "artisan-gen")
	token, err := manager.GenerateToken("user-1", "user", "access", time.Hour)
	require.NoError(t, err)

	other := NewJWTManager("other-secret", "artisan-gen")
	_, err = other.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenExpired(t *testing.T) {
	manager := NewJWTManager("test-secret", "artisan-gen")
	token, err := manager.GenerateToken("user-1", "user", "access", -time.Minute)
	require.NoError(t, err)

	_, err = manager.ParseToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestParseTokenGarbage(t *testing.T) {
	manager := NewJWTManager("test-secret", "artisan-gen")
	_, err := manager.ParseToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
