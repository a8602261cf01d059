package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapline/trapline/internal/mqttx"
)

type capturingPublisher struct {
	mu        sync.Mutex
	published []captured
}

type captured struct {
	topic   string
	payload any
}

func (p *capturingPublisher) Publish(topic string, _ bool, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, captured{topic: topic, payload: v})
	return nil
}

func (p *capturingPublisher) all() []captured {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]captured(nil), p.published...)
}

type capturingNotifier struct {
	mu     sync.Mutex
	levels []int
}

func (n *capturingNotifier) Escalated(_ context.Context, a Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.levels = append(n.levels, a.Level)
}

type engineFixture struct {
	store    *Memory
	pub      *capturingPublisher
	notifier *capturingNotifier
	engine   *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:    NewMemory(),
		pub:      &capturingPublisher{},
		notifier: &capturingNotifier{},
	}
	f.engine = NewEngine(f.store, f.pub, f.notifier, time.Minute)
	return f
}

func (f *engineFixture) openAlert(t *testing.T, triggeredAt time.Time) *Alert {
	t.Helper()
	a, err := f.engine.HandleAlert(context.Background(), "tenant-1", "dev-1", mqttx.AlertEvent{
		AlertID:     "alert-1",
		TriggeredAt: triggeredAt,
	})
	require.NoError(t, err)
	return a
}

func TestHandleAlertOpensAtLevelOne(t *testing.T) {
	f := newEngineFixture(t)
	t0 := time.Now()

	a := f.openAlert(t, t0)
	assert.Equal(t, 1, a.Level)
	assert.Equal(t, PresetNormal, a.Preset)
	require.NotNil(t, a.NextDueAt)
	assert.Equal(t, t0.Add(30*time.Minute), *a.NextDueAt)
}

func TestHandleAlertDuplicateIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	t0 := time.Now()

	a1 := f.openAlert(t, t0)
	a2, err := f.engine.HandleAlert(context.Background(), "tenant-1", "dev-1", mqttx.AlertEvent{
		AlertID:     "alert-other",
		TriggeredAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, a1.ID, a2.ID)
}

// An unacknowledged alert under the normal preset reaches level 4 when the
// sweep runs a few minutes past the four-hour threshold.
func TestSweepAdvancesToLevelFour(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	t0 := time.Now()
	f.openAlert(t, t0)

	advanced, err := f.engine.Sweep(ctx, t0.Add(4*time.Hour+5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, advanced)

	a, err := f.store.Get(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, 4, a.Level)
	require.NotNil(t, a.NextDueAt)
	assert.Equal(t, t0.Add(8*time.Hour), *a.NextDueAt)

	// Device-bound presentation command carries the new level.
	msgs := f.pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "trapline/tenant-1/dev-1/command/escalation", msgs[0].topic)
	cmd := msgs[0].payload.(mqttx.EscalationCommand)
	require.NotNil(t, cmd.ForceLevel)
	assert.Equal(t, 4, *cmd.ForceLevel)

	assert.Equal(t, []int{4}, f.notifier.levels)
}

func TestSweepLevelsNeverDecrease(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	t0 := time.Now()
	f.openAlert(t, t0)

	// Sweeps at out-of-order wall clocks; level only ever rises.
	checkpoints := []time.Duration{
		31 * time.Minute,
		2 * time.Hour,
		time.Hour, // clock skew backwards
		9 * time.Hour,
	}
	prev := 1
	for _, d := range checkpoints {
		_, err := f.engine.Sweep(ctx, t0.Add(d))
		require.NoError(t, err)
		a, err := f.store.Get(ctx, "alert-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, a.Level, prev, "after %s", d)
		prev = a.Level
	}
	assert.Equal(t, MaxLevel, prev)
}

func TestSweepMissedCyclesCatchUp(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	t0 := time.Now()
	f.openAlert(t, t0)

	// No sweep ran for nine hours; a single late one lands on the correct
	// final level.
	advanced, err := f.engine.Sweep(ctx, t0.Add(9*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, advanced)

	a, err := f.store.Get(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, MaxLevel, a.Level)
	assert.Nil(t, a.NextDueAt, "nothing further to schedule at max level")
}

func TestAckFreezesWithoutReset(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	t0 := time.Now()
	f.openAlert(t, t0)

	_, err := f.engine.Sweep(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.engine.Ack(ctx, "alert-1"))

	a, err := f.store.Get(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, 3, a.Level, "ack does not reset the level")

	// Frozen: later sweeps no longer advance it.
	advanced, err := f.engine.Sweep(ctx, t0.Add(10*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, advanced)

	a, err = f.store.Get(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, 3, a.Level)
}

func TestClearEndsLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	t0 := time.Now()
	f.openAlert(t, t0)

	require.NoError(t, f.engine.Clear(ctx, "alert-1", "trap serviced"))

	msgs := f.pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "trapline/tenant-1/dev-1/command/alert_clear", msgs[0].topic)
	cmd := msgs[0].payload.(mqttx.AlertClearCommand)
	assert.Equal(t, "trap serviced", cmd.Reason)

	// Lifecycle over: further transitions rejected, sweeps skip it.
	assert.ErrorIs(t, f.engine.Ack(ctx, "alert-1"), ErrAlertCleared)
	advanced, err := f.engine.Sweep(ctx, t0.Add(10*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, advanced)
}

func TestDeviceReportedHigherLevelWins(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	t0 := time.Now()
	f.openAlert(t, t0)

	err := f.engine.HandleEscalationUpdate(ctx, "dev-1", mqttx.EscalationUpdate{
		AlertID: "alert-1", Level: 3,
	})
	require.NoError(t, err)

	a, err := f.store.Get(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, 3, a.Level)

	// Server stays authoritative for notifications: a device-reported jump
	// dispatches nothing.
	assert.Empty(t, f.notifier.levels)

	// A lower device report never pulls the level back down.
	err = f.engine.HandleEscalationUpdate(ctx, "dev-1", mqttx.EscalationUpdate{
		AlertID: "alert-1", Level: 2,
	})
	require.NoError(t, err)
	a, err = f.store.Get(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, 3, a.Level)
}

func TestAlertSyncOpensUnknownAlert(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	t0 := time.Now().Add(-3 * time.Hour)

	// Device was offline the whole time; server learns of the alert on
	// reconnect and adopts the device's level.
	err := f.engine.HandleAlertSync(ctx, "tenant-1", "dev-1", mqttx.AlertSync{
		AlertID: "alert-1", Active: true, Level: 3, TriggeredAt: t0,
	})
	require.NoError(t, err)

	a, err := f.store.GetOpenByDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 3, a.Level)
	assert.Equal(t, t0, a.TriggeredAt)
}

func TestAlertSyncServerAheadPushesLevel(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	t0 := time.Now()
	f.openAlert(t, t0)
	_, err := f.engine.Sweep(ctx, t0.Add(4*time.Hour))
	require.NoError(t, err)
	before := len(f.pub.all())

	err = f.engine.HandleAlertSync(ctx, "tenant-1", "dev-1", mqttx.AlertSync{
		AlertID: "alert-1", Active: true, Level: 2, TriggeredAt: t0,
	})
	require.NoError(t, err)

	msgs := f.pub.all()
	require.Len(t, msgs, before+1)
	cmd := msgs[len(msgs)-1].payload.(mqttx.EscalationCommand)
	require.NotNil(t, cmd.ForceLevel)
	assert.Equal(t, 4, *cmd.ForceLevel)
}

func TestAlertSyncDeviceClearedWinsLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.openAlert(t, time.Now())

	err := f.engine.HandleAlertSync(ctx, "tenant-1", "dev-1", mqttx.AlertSync{
		AlertID: "alert-1", Active: false,
	})
	require.NoError(t, err)

	_, err = f.store.GetOpenByDevice(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestTenantCustomPreset(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.SetTenantPreset(ctx, "tenant-1", []int64{60, 120, 180, 240}))

	t0 := time.Now()
	a := f.openAlert(t, t0)
	assert.Equal(t, PresetCustom, a.Preset)
	require.NotNil(t, a.NextDueAt)
	assert.Equal(t, t0.Add(time.Minute), *a.NextDueAt)

	_, err := f.engine.Sweep(ctx, t0.Add(150*time.Second))
	require.NoError(t, err)

	got, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Level)
}

func TestSetTenantPresetRejectsBadTable(t *testing.T) {
	f := newEngineFixture(t)
	err := f.engine.SetTenantPreset(context.Background(), "tenant-1", []int64{60})
	assert.ErrorIs(t, err, ErrUnknownPreset)
}

// blockingStore lets a test hold a sweep open to provoke an overlap.
type blockingStore struct {
	*Memory
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *blockingStore) Due(ctx context.Context, now time.Time) ([]Alert, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.Memory.Due(ctx, now)
}

func TestSweepSingleFlight(t *testing.T) {
	store := &blockingStore{
		Memory:  NewMemory(),
		release: make(chan struct{}),
		entered: make(chan struct{}),
	}
	engine := NewEngine(store, &capturingPublisher{}, nil, time.Minute)

	go func() {
		_, _ = engine.Sweep(context.Background(), time.Now())
	}()
	<-store.entered

	// A tick that fires mid-sweep is skipped, not stacked.
	advanced, err := engine.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, advanced)

	close(store.release)
}
