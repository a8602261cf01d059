package tests

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapline/trapline/internal/registry"
)

func TestDeviceLifecycle(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	store := registry.NewStore(pool)

	const addr = "aa:bb:cc:dd:ee:01"

	t.Run("register device", func(t *testing.T) {
		d, err := store.CreateDevice(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, addr, d.Address)
		assert.False(t, d.Claimed())

		_, err = store.CreateDevice(ctx, addr)
		assert.ErrorIs(t, err, registry.ErrDeviceExists)
	})

	t.Run("claim and unclaim", func(t *testing.T) {
		err := store.Claim(ctx, addr, "tenant-1", "pw-1", "fp-1", "rk-1")
		require.NoError(t, err)

		d, err := store.GetByAddress(ctx, addr)
		require.NoError(t, err)
		assert.True(t, d.Claimed())
		assert.Equal(t, "tenant-1", d.TenantID)
		assert.Equal(t, "pw-1", d.BrokerPassword)

		// A second claim must lose the race deterministically.
		err = store.Claim(ctx, addr, "tenant-2", "pw-x", "fp-x", "rk-x")
		assert.ErrorIs(t, err, registry.ErrAlreadyClaimed)

		require.NoError(t, store.Unclaim(ctx, addr))
		d, err = store.GetByAddress(ctx, addr)
		require.NoError(t, err)
		assert.False(t, d.Claimed())
		assert.Empty(t, d.BrokerPassword)
		assert.NotNil(t, d.UnclaimedAt)

		err = store.Unclaim(ctx, addr)
		assert.ErrorIs(t, err, registry.ErrNotClaimed)
	})

	t.Run("reclaim after unclaim", func(t *testing.T) {
		err := store.Claim(ctx, addr, "tenant-2", "pw-2", "fp-2", "rk-2")
		require.NoError(t, err)

		d, err := store.GetByAddress(ctx, addr)
		require.NoError(t, err)
		assert.True(t, d.Claimed())
		assert.Equal(t, "tenant-2", d.TenantID)
		assert.Nil(t, d.UnclaimedAt)
	})

	t.Run("move between tenants", func(t *testing.T) {
		require.NoError(t, store.Move(ctx, addr, "tenant-3"))

		d, err := store.GetByAddress(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, "tenant-3", d.TenantID)
		// Credentials survive the move.
		assert.Equal(t, "pw-2", d.BrokerPassword)
	})

	t.Run("set credential", func(t *testing.T) {
		require.NoError(t, store.SetCredential(ctx, addr, "pw-3", "fp-3"))

		d, err := store.GetByAddress(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, "pw-3", d.BrokerPassword)
		assert.Equal(t, "fp-3", d.Fingerprint)
	})

	t.Run("restore rolls back", func(t *testing.T) {
		before, err := store.GetByAddress(ctx, addr)
		require.NoError(t, err)

		require.NoError(t, store.SetCredential(ctx, addr, "pw-broken", "fp-broken"))
		require.NoError(t, store.Restore(ctx, before))

		d, err := store.GetByAddress(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, before.BrokerPassword, d.BrokerPassword)
		assert.Equal(t, before.Fingerprint, d.Fingerprint)
	})

	t.Run("unknown device", func(t *testing.T) {
		_, err := store.GetByAddress(ctx, "ff:ff:ff:ff:ff:ff")
		assert.ErrorIs(t, err, registry.ErrDeviceNotFound)
	})
}

func TestClaimCodes(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	store := registry.NewStore(pool)

	t.Run("issue and consume", func(t *testing.T) {
		cc, code, err := store.IssueClaimCode(ctx, "tenant-1", time.Hour)
		require.NoError(t, err)
		require.Len(t, code, 8)
		assert.Equal(t, registry.CodeActive, cc.Status)

		consumed, err := store.ConsumeClaimCode(ctx, registry.HashCode(code), "aa:bb:cc:dd:ee:10")
		require.NoError(t, err)
		assert.Equal(t, "tenant-1", consumed.TenantID)

		// Single use.
		_, err = store.ConsumeClaimCode(ctx, registry.HashCode(code), "aa:bb:cc:dd:ee:11")
		assert.ErrorIs(t, err, registry.ErrCodeConsumed)
	})

	t.Run("release returns code to active", func(t *testing.T) {
		cc, code, err := store.IssueClaimCode(ctx, "tenant-1", time.Hour)
		require.NoError(t, err)

		_, err = store.ConsumeClaimCode(ctx, registry.HashCode(code), "aa:bb:cc:dd:ee:12")
		require.NoError(t, err)

		require.NoError(t, store.ReleaseClaimCode(ctx, cc.ID))

		_, err = store.ConsumeClaimCode(ctx, registry.HashCode(code), "aa:bb:cc:dd:ee:13")
		assert.NoError(t, err)
	})

	t.Run("expired code", func(t *testing.T) {
		_, code, err := store.IssueClaimCode(ctx, "tenant-1", -time.Minute)
		require.NoError(t, err)

		_, err = store.ConsumeClaimCode(ctx, registry.HashCode(code), "aa:bb:cc:dd:ee:14")
		assert.ErrorIs(t, err, registry.ErrCodeExpired)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := store.ConsumeClaimCode(ctx, registry.HashCode("NOPENOPE"), "aa:bb:cc:dd:ee:15")
		assert.ErrorIs(t, err, registry.ErrCodeNotFound)
	})
}
