package trapdev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trapline/trapline/internal/mqttx"
)

// ErrRevoked means the server revoked this device's claim. The loop stops
// authenticating and exits; only a fresh claim brings it back.
var ErrRevoked = errors.New("device claim revoked")

// ErrNotConnectable means neither the current nor a pending credential got
// the device onto the broker. The caller should try the recovery channel.
var ErrNotConnectable = errors.New("unable to connect with any stored credential")

// Conn is the device's view of the broker connection.
type Conn interface {
	Publish(topic string, retained bool, v any) error
	Subscribe(filter string, h mqttx.MessageHandler) error
	Disconnect()
}

// Dialer opens a broker connection authenticated as the device with the
// given password.
type Dialer func(password string) (Conn, error)

type command struct {
	name    string
	payload []byte
}

// DefaultTickInterval paces the local escalation recompute.
const DefaultTickInterval = 10 * time.Second

// Loop is the single cooperative loop driving the device: broker traffic,
// local triggers and the escalation ticker all funnel into one goroutine,
// so state transitions never race and no handler blocks another. The only
// synchronous work in the hot path is the bounded state-file write.
type Loop struct {
	state *State
	file  *StateFile
	esc   *Escalator
	dial  Dialer

	conn     Conn
	commands chan command
	ops      chan func() error
	interval time.Duration
}

func NewLoop(state *State, file *StateFile, dial Dialer, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Loop{
		state:    state,
		file:     file,
		esc:      NewEscalator(state, file),
		dial:     dial,
		commands: make(chan command, 16),
		ops:      make(chan func() error, 16),
		interval: interval,
	}
}

// Trigger reports a local trap activation (hardware interrupt). Processed
// on the loop goroutine.
func (l *Loop) Trigger(alertID string) {
	l.ops <- func() error { return l.localTrigger(alertID) }
}

// AckLocal reports a local acknowledgment (button press on the device).
func (l *Loop) AckLocal() {
	l.ops <- func() error { return l.localAck() }
}

// Run connects and drives the loop until ctx is cancelled, the claim is
// revoked, or the connection is lost for good.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.connect(); err != nil {
		return err
	}
	defer func() {
		if l.conn != nil {
			l.conn.Disconnect()
		}
	}()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			l.tick(time.Now())

		case op := <-l.ops:
			if err := op(); err != nil {
				slog.Error("Device operation failed", "error", err)
			}

		case cmd := <-l.commands:
			if err := l.handleCommand(cmd); err != nil {
				// A reconnect failure leaves no usable connection behind;
				// the loop must stop so the caller can try recovery instead
				// of ticking against a dead link.
				if errors.Is(err, ErrRevoked) || errors.Is(err, ErrNotConnectable) {
					return err
				}
				slog.Error("Device command failed", "command", cmd.name, "error", err)
			}
		}
	}
}

// connect tries the pending rotation credential first, then the current
// one. A successful pending connect promotes it; a failed one falls back
// without discarding it, so the next boot retries the same order.
func (l *Loop) connect() error {
	if l.state.PendingPassword != "" {
		if conn, err := l.attach(l.state.PendingPassword); err == nil {
			l.conn = conn
			l.state.BrokerPassword = l.state.PendingPassword
			l.state.PendingPassword = ""
			l.state.PendingRotationID = ""
			if err := l.file.Save(l.state); err != nil {
				return err
			}
			slog.Info("Connected with rotated credential")
			return nil
		}
		slog.Warn("Pending credential rejected, falling back to previous")
	}

	conn, err := l.attach(l.state.BrokerPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnectable, err)
	}
	l.conn = conn
	return nil
}

// attach dials, subscribes to this device's command channel and publishes
// the reconnect alert_sync.
func (l *Loop) attach(password string) (Conn, error) {
	conn, err := l.dial(password)
	if err != nil {
		return nil, err
	}

	filter := mqttx.CommandSubscription(l.state.TenantID, l.state.Address)
	err = conn.Subscribe(filter, func(topic string, payload []byte) {
		_, _, name, err := mqttx.ParseDeviceTopic(topic)
		if err != nil {
			return
		}
		select {
		case l.commands <- command{name: name, payload: payload}:
		default:
			slog.Warn("Dropping command, queue full", "command", name)
		}
	})
	if err != nil {
		conn.Disconnect()
		return nil, err
	}

	sync := l.esc.Sync()
	if err := conn.Publish(l.topic(mqttx.LeafAlertSync), false, sync); err != nil {
		slog.Warn("Failed to publish alert sync", "error", err)
	}
	return conn, nil
}

func (l *Loop) tick(now time.Time) {
	level, changed, err := l.esc.Recompute(now)
	if err != nil {
		slog.Error("Failed to persist escalation level", "error", err)
		return
	}
	if !changed {
		return
	}
	slog.Info("Escalation level raised locally", "level", level)
	update := mqttx.EscalationUpdate{
		AlertID: l.state.AlertID,
		Level:   level,
		Acked:   l.state.AlertAcked,
	}
	if err := l.conn.Publish(l.topic(mqttx.LeafEscalationUpdate), false, update); err != nil {
		slog.Warn("Failed to publish escalation update", "error", err)
	}
}

func (l *Loop) localTrigger(alertID string) error {
	if err := l.esc.Trigger(alertID, time.Now()); err != nil {
		return err
	}
	ev := mqttx.AlertEvent{AlertID: l.state.AlertID, TriggeredAt: l.state.AlertTriggeredAt}
	if err := l.conn.Publish(l.topic(mqttx.LeafAlert), false, ev); err != nil {
		slog.Warn("Failed to publish alert", "error", err)
	}
	return nil
}

func (l *Loop) localAck() error {
	if err := l.esc.Ack(); err != nil {
		return err
	}
	update := mqttx.EscalationUpdate{
		AlertID: l.state.AlertID,
		Level:   l.state.AlertLevel,
		Acked:   true,
	}
	if err := l.conn.Publish(l.topic(mqttx.LeafEscalationUpdate), false, update); err != nil {
		slog.Warn("Failed to publish ack", "error", err)
	}
	return nil
}

func (l *Loop) handleCommand(cmd command) error {
	switch cmd.name {
	case mqttx.CommandRotateCredentials:
		var rc mqttx.RotateCommand
		if err := unmarshal(cmd.payload, &rc); err != nil {
			return err
		}
		return l.rotate(rc)

	case mqttx.CommandAlertClear:
		var cc mqttx.AlertClearCommand
		if err := unmarshal(cmd.payload, &cc); err != nil {
			return err
		}
		slog.Info("Alert cleared by server", "reason", cc.Reason)
		return l.esc.Clear()

	case mqttx.CommandEscalation:
		var ec mqttx.EscalationCommand
		if err := unmarshal(cmd.payload, &ec); err != nil {
			return err
		}
		return l.esc.ApplyCommand(ec)

	case mqttx.CommandRevoke:
		return l.revoke()

	default:
		slog.Debug("Ignoring unknown command", "command", cmd.name)
		return nil
	}
}

// rotate persists the new credential and acks before touching the
// connection: the server updates the broker only after the ack, so the
// device must be certain it can present the new value on reconnect even
// through a power cycle in between.
func (l *Loop) rotate(rc mqttx.RotateCommand) error {
	l.state.PendingPassword = rc.Password
	l.state.PendingRotationID = rc.RotationID
	if err := l.file.Save(l.state); err != nil {
		ack := mqttx.RotationAck{RotationID: rc.RotationID, Success: false}
		if pubErr := l.conn.Publish(l.topic(mqttx.LeafRotationAck), false, ack); pubErr != nil {
			slog.Warn("Failed to publish rotation nack", "error", pubErr)
		}
		return fmt.Errorf("failed to persist rotated credential: %w", err)
	}

	ack := mqttx.RotationAck{RotationID: rc.RotationID, Success: true}
	if err := l.conn.Publish(l.topic(mqttx.LeafRotationAck), false, ack); err != nil {
		return fmt.Errorf("failed to publish rotation ack: %w", err)
	}

	l.conn.Disconnect()
	l.conn = nil
	if err := l.connect(); err != nil {
		return err
	}
	slog.Info("Credential rotation applied", "rotation_id", rc.RotationID)
	return nil
}

func (l *Loop) revoke() error {
	l.state.TenantID = ""
	l.state.BrokerPassword = ""
	l.state.PendingPassword = ""
	l.state.PendingRotationID = ""
	if err := l.file.Save(l.state); err != nil {
		return err
	}
	slog.Info("Claim revoked, stopping")
	return ErrRevoked
}

func (l *Loop) topic(leaf string) string {
	return mqttx.DeviceTopic(l.state.TenantID, l.state.Address, leaf)
}

func unmarshal(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("malformed command payload: %w", err)
	}
	return nil
}
