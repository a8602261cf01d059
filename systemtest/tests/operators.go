package tests

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapline/trapline/internal/operators"
)

func TestOperatorAccounts(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	store := operators.NewPGStore(pool)

	t.Run("seeded admin", func(t *testing.T) {
		admin, err := store.GetByUsername(ctx, "admin")
		require.NoError(t, err)
		assert.Equal(t, operators.RoleAdmin, admin.Role)
		assert.True(t, operators.CheckPassword("changeme", admin.PasswordHash))
	})

	t.Run("create and fetch", func(t *testing.T) {
		hash, err := operators.HashPassword("password123")
		require.NoError(t, err)

		created, err := store.Create(ctx, "ranger", hash, operators.RoleOperator)
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)

		got, err := store.GetByUsername(ctx, "ranger")
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, operators.RoleOperator, got.Role)
	})

	t.Run("duplicate username", func(t *testing.T) {
		hash, err := operators.HashPassword("password456")
		require.NoError(t, err)

		_, err = store.Create(ctx, "ranger", hash, operators.RoleOperator)
		assert.ErrorIs(t, err, operators.ErrUsernameExists)
	})

	t.Run("unknown operator", func(t *testing.T) {
		_, err := store.GetByUsername(ctx, "ghost")
		assert.ErrorIs(t, err, operators.ErrOperatorNotFound)
	})
}
