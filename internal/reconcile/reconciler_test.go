package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapline/trapline/internal/brokeracl"
	"github.com/trapline/trapline/internal/registry"
)

func claimedDevice(t *testing.T, reg *registry.Memory, address, password string) {
	t.Helper()
	_, err := reg.CreateDevice(context.Background(), address)
	require.NoError(t, err)
	err = reg.Claim(context.Background(), address, "tenant-1", password, registry.Fingerprint(password), "rk")
	require.NoError(t, err)
}

func TestSyncCreatesEntry(t *testing.T) {
	reg := registry.NewMemory()
	broker := brokeracl.NewMemory()
	claimedDevice(t, reg, "dev-1", "tp_pw")

	r := NewReconciler(reg, broker)
	require.NoError(t, r.Sync(context.Background(), "dev-1"))

	assert.Equal(t, "tp_pw", broker.Password("dev-1"))
}

func TestSyncIdempotent(t *testing.T) {
	reg := registry.NewMemory()
	broker := brokeracl.NewMemory()
	claimedDevice(t, reg, "dev-1", "tp_pw")

	r := NewReconciler(reg, broker)
	require.NoError(t, r.Sync(context.Background(), "dev-1"))
	require.NoError(t, r.Sync(context.Background(), "dev-1"))

	// Two syncs with no registry change leave identical broker state.
	assert.Equal(t, "tp_pw", broker.Password("dev-1"))
	names, err := broker.ListUsernames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-1"}, names)
}

func TestSyncRereadsIntent(t *testing.T) {
	reg := registry.NewMemory()
	broker := brokeracl.NewMemory()
	claimedDevice(t, reg, "dev-1", "tp_old")

	r := NewReconciler(reg, broker)
	require.NoError(t, r.Sync(context.Background(), "dev-1"))

	// Registry intent changes between calls; the next sync picks it up.
	require.NoError(t, reg.SetCredential(context.Background(), "dev-1", "tp_new", registry.Fingerprint("tp_new")))
	require.NoError(t, r.Sync(context.Background(), "dev-1"))

	assert.Equal(t, "tp_new", broker.Password("dev-1"))
}

func TestSyncUnclaimedConvergesToAbsent(t *testing.T) {
	reg := registry.NewMemory()
	broker := brokeracl.NewMemory()
	claimedDevice(t, reg, "dev-1", "tp_pw")

	r := NewReconciler(reg, broker)
	require.NoError(t, r.Sync(context.Background(), "dev-1"))
	require.NoError(t, reg.Unclaim(context.Background(), "dev-1"))
	require.NoError(t, r.Sync(context.Background(), "dev-1"))

	exists, err := broker.Exists(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSyncUnknownDeviceConvergesToAbsent(t *testing.T) {
	reg := registry.NewMemory()
	broker := brokeracl.NewMemory()
	require.NoError(t, broker.Create(context.Background(), "ghost", "tp_stale"))

	r := NewReconciler(reg, broker)
	require.NoError(t, r.Sync(context.Background(), "ghost"))

	exists, err := broker.Exists(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSyncSurfacesBrokerFailure(t *testing.T) {
	reg := registry.NewMemory()
	broker := brokeracl.NewMemory()
	claimedDevice(t, reg, "dev-1", "tp_pw")
	broker.FailCreate = true

	r := NewReconciler(reg, broker)
	err := r.Sync(context.Background(), "dev-1")
	assert.ErrorIs(t, err, brokeracl.ErrUnreachable)
}

func TestDebouncerCoalesces(t *testing.T) {
	reg := registry.NewMemory()
	broker := brokeracl.NewMemory()
	claimedDevice(t, reg, "dev-1", "tp_pw")

	d := NewDebouncer(NewReconciler(reg, broker), 20*time.Millisecond)
	for i := 0; i < 10; i++ {
		d.Request("dev-1")
	}

	assert.Eventually(t, func() bool {
		return broker.Password("dev-1") == "tp_pw"
	}, time.Second, 5*time.Millisecond)

	// Ten requests inside the window produce a single create.
	assert.Equal(t, 1, broker.Creates())
}
