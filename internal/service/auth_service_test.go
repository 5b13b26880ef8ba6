package service

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	auth := NewAuthService(&config.Config{JWTSecret: "s3cret"})

	token, err := auth.IssueToken(42, TokenTypeAdmin, time.Hour, PermMonitor)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, 42, claims.UserID)
	assert.Equal(t, TokenTypeAdmin, claims.TokenType)
	assert.True(t, claims.HasPermission(PermMonitor))
	assert.False(t, claims.HasPermission("proctor:write"))
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	issuer := NewAuthService(&config.Config{JWTSecret: "one"})
	token, err := issuer.IssueToken(1, TokenTypeCandidate, time.Hour)
	require.NoError(t, err)

	_, err = NewAuthService(&config.Config{JWTSecret: "two"}).ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	auth := NewAuthService(&config.Config{JWTSecret: "s3cret"})
	token, err := auth.IssueToken(1, TokenTypeCandidate, -time.Minute)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	assert.Error(t, err)
}
