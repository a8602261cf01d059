// Package rotation drives the ACK-based credential rotation handshake.
// The broker entry is never touched before the device has confirmed it
// holds the new credential; an unacknowledged rotation times out and the
// old credential stays authoritative everywhere.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trapline/trapline/internal/audit"
	"github.com/trapline/trapline/internal/mqttx"
	"github.com/trapline/trapline/internal/registry"
)

var (
	// ErrRotationPending rejects a second rotation for a device that
	// already has one in flight. Requests are rejected, never queued.
	ErrRotationPending = errors.New("rotation already pending for device")
	// ErrRotationTimeout is the expected operational outcome when the
	// device never acknowledges. The old credential remains valid.
	ErrRotationTimeout = errors.New("rotation timed out waiting for device ack")
	// ErrRotationRejected means the device answered the rotation id with
	// success=false, typically a failed local persist.
	ErrRotationRejected = errors.New("device rejected rotation")
)

// DefaultAckTimeout bounds the wait for the device acknowledgment.
const DefaultAckTimeout = 30 * time.Second

type Registry interface {
	GetByAddress(ctx context.Context, address string) (*registry.Device, error)
	SetCredential(ctx context.Context, address, password, fingerprint string) error
}

type Reconciler interface {
	Sync(ctx context.Context, address string) error
}

type Publisher interface {
	Publish(topic string, retained bool, v any) error
}

type ackResult struct {
	rotationID string
	success    bool
}

type pendingRotation struct {
	rotationID string
	done       chan ackResult
}

type Engine struct {
	reg        Registry
	rec        Reconciler
	ledger     audit.Ledger
	pub        Publisher
	ackTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRotation // by device address
}

func NewEngine(reg Registry, rec Reconciler, ledger audit.Ledger, pub Publisher, ackTimeout time.Duration) *Engine {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Engine{
		reg:        reg,
		rec:        rec,
		ledger:     ledger,
		pub:        pub,
		ackTimeout: ackTimeout,
		pending:    make(map[string]*pendingRotation),
	}
}

// Rotate runs one full rotation handshake for the device and blocks until
// the device acknowledges, the ack timeout elapses, or ctx is cancelled.
// The per-device pending marker is checked and set atomically; a concurrent
// second request fails with ErrRotationPending immediately.
func (e *Engine) Rotate(ctx context.Context, address string, trigger audit.Trigger, actor string) error {
	dev, err := e.reg.GetByAddress(ctx, address)
	if err != nil {
		return err
	}
	if !dev.Claimed() {
		return registry.ErrNotClaimed
	}

	newPassword, err := registry.GeneratePassword()
	if err != nil {
		return err
	}
	rotationID := uuid.NewString()

	p := &pendingRotation{
		rotationID: rotationID,
		done:       make(chan ackResult, 1),
	}

	e.mu.Lock()
	if _, exists := e.pending[address]; exists {
		e.mu.Unlock()
		return ErrRotationPending
	}
	e.pending[address] = p
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, address)
		e.mu.Unlock()
	}()

	topic := mqttx.CommandTopic(dev.TenantID, address, mqttx.CommandRotateCredentials)
	cmd := mqttx.RotateCommand{
		Password:   newPassword,
		RotationID: rotationID,
		Timestamp:  time.Now().UTC(),
	}
	if err := e.pub.Publish(topic, false, cmd); err != nil {
		return fmt.Errorf("failed to publish rotation command: %w", err)
	}

	slog.Info("Rotation command published", "address", address, "rotation_id", rotationID)

	select {
	case res := <-p.done:
		if !res.success {
			e.recordFailure(ctx, address, trigger, actor, "device reported failure persisting new credential")
			return ErrRotationRejected
		}
		return e.applyAck(ctx, address, rotationID, newPassword, trigger, actor)

	case <-time.After(e.ackTimeout):
		// Fail safe: old credential stays valid, broker untouched.
		slog.Warn("Rotation timed out", "address", address, "rotation_id", rotationID)
		e.recordFailure(ctx, address, trigger, actor, "no ack within timeout; old credential remains valid")
		return ErrRotationTimeout

	case <-ctx.Done():
		e.recordFailure(ctx, address, trigger, actor, "rotation cancelled by caller")
		return ctx.Err()
	}
}

// applyAck commits the acknowledged credential: registry first (intent),
// then broker via the reconciler.
func (e *Engine) applyAck(ctx context.Context, address, rotationID, newPassword string, trigger audit.Trigger, actor string) error {
	fingerprint := registry.Fingerprint(newPassword)

	if err := e.reg.SetCredential(ctx, address, newPassword, fingerprint); err != nil {
		e.recordFailure(ctx, address, trigger, actor, fmt.Sprintf("failed to persist new credential: %v", err))
		return err
	}

	if err := e.rec.Sync(ctx, address); err != nil {
		// Registry intent now carries the new credential the device is
		// already holding; a retried sync or the recovery path converges
		// the broker. Surfaced, never swallowed.
		e.recordFailure(ctx, address, trigger, actor, fmt.Sprintf("acked but broker sync failed: %v", err))
		return err
	}

	if err := e.ledger.Record(ctx, audit.Entry{
		DeviceAddress: address,
		Action:        audit.ActionRotate,
		Trigger:       trigger,
		Actor:         actor,
		Reason:        "ack-based rotation completed",
		Metadata:      map[string]any{"rotation_id": rotationID, "fingerprint": fingerprint},
		Success:       true,
	}); err != nil {
		return err
	}

	slog.Info("Rotation completed", "address", address, "rotation_id", rotationID)
	return nil
}

// HandleAck routes a rotation_ack publication to the waiting Rotate call.
// Acks for unknown or stale rotation ids are dropped: the pending marker
// may already have timed out and been released.
func (e *Engine) HandleAck(address, rotationID string, success bool) {
	e.mu.Lock()
	p, ok := e.pending[address]
	e.mu.Unlock()

	if !ok || p.rotationID != rotationID {
		slog.Debug("Dropping stale rotation ack", "address", address, "rotation_id", rotationID)
		return
	}

	select {
	case p.done <- ackResult{rotationID: rotationID, success: success}:
	default:
	}
}

// PendingFor reports whether a rotation is currently in flight for the
// device.
func (e *Engine) PendingFor(address string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[address]
	return ok
}

func (e *Engine) recordFailure(ctx context.Context, address string, trigger audit.Trigger, actor, reason string) {
	// The attempt is recorded even when the caller's ctx is already done.
	err := e.ledger.Record(context.WithoutCancel(ctx), audit.Entry{
		DeviceAddress: address,
		Action:        audit.ActionRotate,
		Trigger:       trigger,
		Actor:         actor,
		Reason:        reason,
		Success:       false,
	})
	if err != nil {
		slog.Error("Failed to record rotation attempt", "address", address, "error", err)
	}
}
