package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapline/trapline/internal/operators"
)

var testConfig = Config{Secret: "test-secret", TTL: time.Hour}

func TestRegisterAndLogin(t *testing.T) {
	svc := NewService(operators.NewMemory(), testConfig)
	ctx := context.Background()

	res, err := svc.Register(ctx, "alice", "s3cret-pass")
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "alice", res.Username)
	assert.Equal(t, operators.RoleOperator, res.Role)

	token, err := svc.Login(ctx, "alice", "s3cret-pass")
	require.NoError(t, err)

	claims, err := ValidateToken(testConfig.Secret, token)
	require.NoError(t, err)
	assert.Equal(t, res.ID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	svc := NewService(operators.NewMemory(), testConfig)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "pass-one")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "alice", "pass-two")
	assert.ErrorIs(t, err, ErrUsernameExists)
}

func TestLoginWrongPassword(t *testing.T) {
	svc := NewService(operators.NewMemory(), testConfig)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "s3cret-pass")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownUser(t *testing.T) {
	svc := NewService(operators.NewMemory(), testConfig)

	_, err := svc.Login(context.Background(), "nobody", "pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	token, err := GenerateToken(testConfig, "id-1", "alice", "operator")
	require.NoError(t, err)

	_, err = ValidateToken("other-secret", token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ValidateToken(testConfig.Secret, token+"x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenExpired(t *testing.T) {
	expired := Config{Secret: "test-secret", TTL: -time.Minute}
	token, err := GenerateToken(expired, "id-1", "alice", "operator")
	require.NoError(t, err)

	_, err = ValidateToken("test-secret", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
