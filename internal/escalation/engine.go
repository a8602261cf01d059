// Package escalation runs the server side of the alert escalation state
// machine: a periodic due-time sweep that advances open alerts through
// levels 1..5 and mirrors the transitions to the device. The device runs
// the same computation locally from its persisted trigger time, so a dead
// network link never stops escalation; the sweep here only has to keep the
// server's copy and the notification side effects in step.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/trapline/trapline/internal/mqttx"
)

// DefaultSweepInterval is how often the due-time sweep runs. A missed
// cycle is harmless: the next one catches up via the due-time comparison.
const DefaultSweepInterval = time.Minute

type Publisher interface {
	Publish(topic string, retained bool, v any) error
}

// Notifier receives level-transition side effects. Delivery mechanics
// (push, SMS, email) live behind this interface; the server stays
// authoritative for dispatch even when the device is ahead on level.
type Notifier interface {
	Escalated(ctx context.Context, alert Alert)
}

// NopNotifier discards escalation notifications.
type NopNotifier struct{}

func (NopNotifier) Escalated(context.Context, Alert) {}

type Engine struct {
	store    AlertStore
	pub      Publisher
	notifier Notifier
	interval time.Duration

	sweeping atomic.Bool
}

func NewEngine(store AlertStore, pub Publisher, notifier Notifier, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{store: store, pub: pub, notifier: notifier, interval: interval}
}

// Run drives the periodic sweep until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx, time.Now()); err != nil {
				slog.Error("Escalation sweep failed", "error", err)
			}
		}
	}
}

// Sweep advances every alert whose next-due time has passed and returns the
// number of level transitions made. Overlapping runs are skipped, not
// stacked: a sweep still in progress when the next tick fires wins.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	if !e.sweeping.CompareAndSwap(false, true) {
		slog.Debug("Skipping overlapping escalation sweep")
		return 0, nil
	}
	defer e.sweeping.Store(false)

	due, err := e.store.Due(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to load due alerts: %w", err)
	}

	advanced := 0
	for i := range due {
		n, err := e.advance(ctx, &due[i], now)
		if err != nil {
			slog.Error("Failed to advance alert", "alert_id", due[i].ID, "error", err)
			continue
		}
		advanced += n
	}
	return advanced, nil
}

func (e *Engine) advance(ctx context.Context, a *Alert, now time.Time) (int, error) {
	timing, err := a.Timing()
	if err != nil {
		return 0, err
	}

	target := timing.LevelFor(now.Sub(a.TriggeredAt))
	nextDue := dueOrNil(timing, a.TriggeredAt, target)

	if target <= a.Level {
		// Due but already at (or past) the computed level, e.g. the device
		// reported ahead. Only the schedule needs updating.
		return 0, e.store.Advance(ctx, a.ID, a.Level, nextDue)
	}

	if err := e.store.Advance(ctx, a.ID, target, nextDue); err != nil {
		return 0, err
	}

	slog.Info("Alert escalated",
		"alert_id", a.ID, "address", a.DeviceAddress, "from", a.Level, "to", target)

	// Presentation command for the device; best effort, the device computes
	// the same level on its own when offline.
	cmd := mqttx.EscalationCommand{Preset: a.Preset, ForceLevel: &target}
	if a.Preset == PresetCustom {
		cmd.CustomTiming = a.CustomTiming
	}
	topic := mqttx.CommandTopic(a.TenantID, a.DeviceAddress, mqttx.CommandEscalation)
	if err := e.pub.Publish(topic, false, cmd); err != nil {
		slog.Warn("Failed to publish escalation command", "alert_id", a.ID, "error", err)
	}

	escalated := *a
	escalated.Level = target
	escalated.LastTransition = now
	e.notifier.Escalated(ctx, escalated)
	return 1, nil
}

// HandleAlert opens an escalation lifecycle for a device-reported trigger.
// A duplicate report for a device with an open alert is idempotent.
func (e *Engine) HandleAlert(ctx context.Context, tenantID, address string, ev mqttx.AlertEvent) (*Alert, error) {
	if existing, err := e.store.GetOpenByDevice(ctx, address); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrAlertNotFound) {
		return nil, err
	}

	a := &Alert{
		ID:            ev.AlertID,
		DeviceAddress: address,
		TenantID:      tenantID,
		TriggeredAt:   ev.TriggeredAt,
		Level:         1,
		Preset:        PresetNormal,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.TriggeredAt.IsZero() {
		a.TriggeredAt = time.Now()
	}
	a.LastTransition = a.TriggeredAt

	custom, err := e.store.TenantTiming(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if custom != nil {
		a.Preset = PresetCustom
		a.CustomTiming = custom
	}

	timing, err := a.Timing()
	if err != nil {
		return nil, err
	}
	a.NextDueAt = dueOrNil(timing, a.TriggeredAt, a.Level)

	if err := e.store.Create(ctx, a); err != nil {
		return nil, err
	}
	slog.Info("Alert opened", "alert_id", a.ID, "address", address, "preset", a.Preset)
	return a, nil
}

// HandleAlertCleared ends the lifecycle on a device-local clear (trap reset
// in the field).
func (e *Engine) HandleAlertCleared(ctx context.Context, address string, _ mqttx.AlertClearedEvent) error {
	a, err := e.store.GetOpenByDevice(ctx, address)
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			return nil
		}
		return err
	}
	if err := e.store.Clear(ctx, a.ID); err != nil {
		return err
	}
	slog.Info("Alert cleared by device", "alert_id", a.ID, "address", address)
	return nil
}

// HandleEscalationUpdate records the device's locally computed level. The
// higher value wins for presentation, so the server's copy is raised to
// match, but no notification is dispatched for a device-reported jump.
func (e *Engine) HandleEscalationUpdate(ctx context.Context, address string, ev mqttx.EscalationUpdate) error {
	a, err := e.store.GetOpenByDevice(ctx, address)
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			return nil
		}
		return err
	}

	if ev.Level > a.Level {
		timing, err := a.Timing()
		if err != nil {
			return err
		}
		if err := e.store.Advance(ctx, a.ID, ev.Level, dueOrNil(timing, a.TriggeredAt, ev.Level)); err != nil {
			return err
		}
	}
	if ev.Acked && !a.DeviceAcked {
		return e.store.Ack(ctx, a.ID, true)
	}
	return nil
}

// HandleAlertSync reconciles after a device reconnect. An active
// device-side alert unknown to the server opens one; a server-side alert
// the device no longer has is cleared; on level disagreement the higher
// value wins for presentation in both directions.
func (e *Engine) HandleAlertSync(ctx context.Context, tenantID, address string, ev mqttx.AlertSync) error {
	a, err := e.store.GetOpenByDevice(ctx, address)
	if err != nil && !errors.Is(err, ErrAlertNotFound) {
		return err
	}
	serverHas := err == nil

	switch {
	case ev.Active && !serverHas:
		a, err = e.HandleAlert(ctx, tenantID, address, mqttx.AlertEvent{
			AlertID:     ev.AlertID,
			TriggeredAt: ev.TriggeredAt,
		})
		if err != nil {
			return err
		}
		if ev.Level > a.Level {
			return e.HandleEscalationUpdate(ctx, address, mqttx.EscalationUpdate{
				AlertID: a.ID, Level: ev.Level, Acked: ev.Acked,
			})
		}
		return nil

	case !ev.Active && serverHas:
		return e.store.Clear(ctx, a.ID)

	case ev.Active && serverHas:
		if ev.Level > a.Level {
			return e.HandleEscalationUpdate(ctx, address, mqttx.EscalationUpdate{
				AlertID: a.ID, Level: ev.Level, Acked: ev.Acked,
			})
		}
		if a.Level > ev.Level {
			cmd := mqttx.EscalationCommand{Preset: a.Preset, ForceLevel: &a.Level}
			if a.Preset == PresetCustom {
				cmd.CustomTiming = a.CustomTiming
			}
			topic := mqttx.CommandTopic(tenantID, address, mqttx.CommandEscalation)
			return e.pub.Publish(topic, false, cmd)
		}
		return nil
	}
	return nil
}

// Ack freezes escalation for the alert without resetting its level.
func (e *Engine) Ack(ctx context.Context, id string) error {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !a.Open() {
		return ErrAlertCleared
	}
	return e.store.Ack(ctx, id, false)
}

// Clear ends the alert lifecycle and tells the device to stand down.
func (e *Engine) Clear(ctx context.Context, id, reason string) error {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !a.Open() {
		return ErrAlertCleared
	}
	if err := e.store.Clear(ctx, id); err != nil {
		return err
	}

	topic := mqttx.CommandTopic(a.TenantID, a.DeviceAddress, mqttx.CommandAlertClear)
	cmd := mqttx.AlertClearCommand{Reason: reason, AlertID: a.ID}
	if err := e.pub.Publish(topic, false, cmd); err != nil {
		slog.Warn("Failed to publish alert clear", "alert_id", a.ID, "error", err)
	}
	slog.Info("Alert cleared", "alert_id", a.ID, "address", a.DeviceAddress, "reason", reason)
	return nil
}

// SetTenantPreset installs a per-tenant custom threshold table; passing nil
// reverts the tenant to the built-in presets.
func (e *Engine) SetTenantPreset(ctx context.Context, tenantID string, secs []int64) error {
	if secs != nil {
		if _, err := TimingFromSeconds(secs); err != nil {
			return err
		}
	}
	return e.store.SetTenantTiming(ctx, tenantID, secs)
}

func dueOrNil(timing Timing, triggeredAt time.Time, level int) *time.Time {
	if due, ok := timing.NextDue(triggeredAt, level); ok {
		return &due
	}
	return nil
}
