package rotation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapline/trapline/internal/audit"
	"github.com/trapline/trapline/internal/brokeracl"
	"github.com/trapline/trapline/internal/mqttx"
	"github.com/trapline/trapline/internal/reconcile"
	"github.com/trapline/trapline/internal/registry"
)

// ackingDevice simulates the device side of the handshake: on receiving a
// rotation command it acks (or stays silent) like real firmware would.
type ackingDevice struct {
	mu       sync.Mutex
	engine   *Engine
	silent   bool
	reject   bool
	commands []mqttx.RotateCommand
}

func (d *ackingDevice) Publish(topic string, _ bool, v any) error {
	cmd, ok := v.(mqttx.RotateCommand)
	if !ok {
		return nil
	}
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	silent, reject := d.silent, d.reject
	d.mu.Unlock()

	if silent {
		return nil
	}

	_, address, _, err := mqttx.ParseDeviceTopic(topic)
	if err != nil {
		return err
	}
	go d.engine.HandleAck(address, cmd.RotationID, !reject)
	return nil
}

func (d *ackingDevice) lastCommand() mqttx.RotateCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commands[len(d.commands)-1]
}

type rotationFixture struct {
	reg    *registry.Memory
	broker *brokeracl.Memory
	ledger *audit.Memory
	device *ackingDevice
	engine *Engine
}

func newRotationFixture(t *testing.T, ackTimeout time.Duration) *rotationFixture {
	t.Helper()
	f := &rotationFixture{
		reg:    registry.NewMemory(),
		broker: brokeracl.NewMemory(),
		ledger: audit.NewMemory(),
		device: &ackingDevice{},
	}
	rec := reconcile.NewReconciler(f.reg, f.broker)
	f.engine = NewEngine(f.reg, rec, f.ledger, f.device, ackTimeout)
	f.device.engine = f.engine

	ctx := context.Background()
	_, err := f.reg.CreateDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.NoError(t, f.reg.Claim(ctx, "dev-1", "tenant-1", "tp_old", registry.Fingerprint("tp_old"), "rk"))
	require.NoError(t, rec.Sync(ctx, "dev-1"))
	return f
}

func TestRotateHappyPath(t *testing.T) {
	f := newRotationFixture(t, time.Second)
	ctx := context.Background()

	err := f.engine.Rotate(ctx, "dev-1", audit.TriggerAdministrative, "op")
	require.NoError(t, err)

	cmd := f.device.lastCommand()
	assert.NotEmpty(t, cmd.RotationID)
	assert.NotEqual(t, "tp_old", cmd.Password)

	// Broker was updated only after the ack, to the acked value.
	assert.Equal(t, cmd.Password, f.broker.Password("dev-1"))

	d, err := f.reg.GetByAddress(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, cmd.Password, d.BrokerPassword)
	assert.Equal(t, registry.Fingerprint(cmd.Password), d.Fingerprint)

	entries := f.ledger.All()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionRotate, entries[0].Action)
	assert.True(t, entries[0].Success)

	assert.False(t, f.engine.PendingFor("dev-1"))
}

func TestRotateTimeoutKeepsOldCredential(t *testing.T) {
	f := newRotationFixture(t, 50*time.Millisecond)
	f.device.silent = true

	err := f.engine.Rotate(context.Background(), "dev-1", audit.TriggerAdministrative, "op")
	assert.ErrorIs(t, err, ErrRotationTimeout)

	// Broker untouched: the device still authenticates with the old value.
	assert.Equal(t, "tp_old", f.broker.Password("dev-1"))

	d, err := f.reg.GetByAddress(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "tp_old", d.BrokerPassword)

	// Pending marker released; a new rotation may start.
	assert.False(t, f.engine.PendingFor("dev-1"))

	entries := f.ledger.All()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
}

func TestRotateRejectsConcurrentRequest(t *testing.T) {
	f := newRotationFixture(t, 200*time.Millisecond)
	f.device.silent = true

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- f.engine.Rotate(context.Background(), "dev-1", audit.TriggerAdministrative, "op")
	}()

	require.Eventually(t, func() bool {
		return f.engine.PendingFor("dev-1")
	}, time.Second, time.Millisecond)

	// Second request while one is pending: rejected synchronously.
	err := f.engine.Rotate(context.Background(), "dev-1", audit.TriggerAdministrative, "op")
	assert.ErrorIs(t, err, ErrRotationPending)

	// The first request's outcome is unaffected by the rejection.
	assert.ErrorIs(t, <-firstDone, ErrRotationTimeout)
}

func TestRotateDeviceRejects(t *testing.T) {
	f := newRotationFixture(t, time.Second)
	f.device.reject = true

	err := f.engine.Rotate(context.Background(), "dev-1", audit.TriggerAdministrative, "op")
	assert.ErrorIs(t, err, ErrRotationRejected)
	assert.Equal(t, "tp_old", f.broker.Password("dev-1"))
}

func TestRotateUnclaimedDevice(t *testing.T) {
	f := newRotationFixture(t, time.Second)
	require.NoError(t, f.reg.Unclaim(context.Background(), "dev-1"))

	err := f.engine.Rotate(context.Background(), "dev-1", audit.TriggerAdministrative, "op")
	assert.ErrorIs(t, err, registry.ErrNotClaimed)
}

func TestHandleAckStaleRotationID(t *testing.T) {
	f := newRotationFixture(t, 50*time.Millisecond)
	f.device.silent = true

	done := make(chan error, 1)
	go func() {
		done <- f.engine.Rotate(context.Background(), "dev-1", audit.TriggerAdministrative, "op")
	}()

	require.Eventually(t, func() bool {
		return f.engine.PendingFor("dev-1")
	}, time.Second, time.Millisecond)

	// An ack carrying the wrong rotation id must not complete the
	// handshake.
	f.engine.HandleAck("dev-1", "stale-rotation-id", true)

	assert.ErrorIs(t, <-done, ErrRotationTimeout)
	assert.Equal(t, "tp_old", f.broker.Password("dev-1"))
}

func TestHandleAckUnknownDevice(t *testing.T) {
	f := newRotationFixture(t, time.Second)
	// Must not panic or mutate anything.
	f.engine.HandleAck("ghost", "some-id", true)
	assert.Equal(t, "tp_old", f.broker.Password("dev-1"))
}

func TestRotationAckPayloadShape(t *testing.T) {
	b, err := json.Marshal(mqttx.RotationAck{RotationID: "r-1", Success: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"rotationId":"r-1","success":true}`, string(b))
}
