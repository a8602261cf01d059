// Package lifecycle orchestrates claim, unclaim and move. It is the only
// entry point for registry ownership transitions; the broker is mutated
// exclusively through the reconciler it invokes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trapline/trapline/internal/audit"
	"github.com/trapline/trapline/internal/mqttx"
	"github.com/trapline/trapline/internal/registry"
)

// Registry is the slice of the registry the orchestrator drives.
type Registry interface {
	GetByAddress(ctx context.Context, address string) (*registry.Device, error)
	Claim(ctx context.Context, address, tenantID, password, fingerprint, recoveryKey string) error
	Unclaim(ctx context.Context, address string) error
	Move(ctx context.Context, address, newTenantID string) error
	Restore(ctx context.Context, d *registry.Device) error
	ConsumeClaimCode(ctx context.Context, codeHash, deviceAddress string) (*registry.ClaimCode, error)
	ReleaseClaimCode(ctx context.Context, id string) error
}

// Reconciler converges the broker entry for one device to registry intent.
type Reconciler interface {
	Sync(ctx context.Context, address string) error
}

// Publisher sends the best-effort revoke notification. May be nil when the
// transport is down; revocation correctness never depends on it.
type Publisher interface {
	Publish(topic string, retained bool, v any) error
}

// Credentials is everything a freshly claimed device needs to
// authenticate, returned exactly once.
type Credentials struct {
	Address        string
	TenantID       string
	BrokerPassword string
	RecoveryKey    string
}

type Orchestrator struct {
	reg           Registry
	ledger        audit.Ledger
	rec           Reconciler
	pub           Publisher
	factorySecret []byte
	tokenWindow   time.Duration
}

func NewOrchestrator(reg Registry, ledger audit.Ledger, rec Reconciler, pub Publisher, factorySecret []byte) *Orchestrator {
	return &Orchestrator{
		reg:           reg,
		ledger:        ledger,
		rec:           rec,
		pub:           pub,
		factorySecret: factorySecret,
		tokenWindow:   DefaultTokenWindow,
	}
}

// ClaimWithCode claims a device using a single-use claim code. The tenant
// is the one the code was issued for. All-or-nothing: on audit or broker
// failure the registry change is rolled back and the code released.
func (o *Orchestrator) ClaimWithCode(ctx context.Context, address, code, actor string) (*Credentials, error) {
	dev, err := o.reg.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if dev.Claimed() {
		return nil, registry.ErrAlreadyClaimed
	}

	cc, err := o.reg.ConsumeClaimCode(ctx, registry.HashCode(code), address)
	if err != nil {
		return nil, err
	}

	creds, err := o.finishClaim(ctx, dev, cc.TenantID, audit.TriggerAdministrative, actor, "claim via one-time code")
	if err != nil {
		if relErr := o.reg.ReleaseClaimCode(ctx, cc.ID); relErr != nil {
			slog.Error("Failed to release claim code after rollback", "code_id", cc.ID, "error", relErr)
		}
		return nil, err
	}
	return creds, nil
}

// ClaimWithToken claims a device that presented a factory MAC token over
// its stable address and a freshness value.
func (o *Orchestrator) ClaimWithToken(ctx context.Context, address, token string, issuedAt time.Time, tenantID string) (*Credentials, error) {
	if err := VerifyDeviceToken(o.factorySecret, address, token, issuedAt, time.Now(), o.tokenWindow); err != nil {
		return nil, err
	}

	dev, err := o.reg.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if dev.Claimed() {
		return nil, registry.ErrAlreadyClaimed
	}

	return o.finishClaim(ctx, dev, tenantID, audit.TriggerDevice, address, "claim via device token")
}

func (o *Orchestrator) finishClaim(ctx context.Context, prev *registry.Device, tenantID string, trigger audit.Trigger, actor, reason string) (*Credentials, error) {
	password, err := registry.GeneratePassword()
	if err != nil {
		return nil, err
	}
	recoveryKey, err := registry.GenerateRecoveryKey()
	if err != nil {
		return nil, err
	}
	fingerprint := registry.Fingerprint(password)

	if err := o.reg.Claim(ctx, prev.Address, tenantID, password, fingerprint, recoveryKey); err != nil {
		return nil, err
	}

	// Roll back restores the prior registry row, then re-syncs so the
	// broker converges back to the restored intent.
	rollback := func(cause string) {
		if err := o.reg.Restore(ctx, prev); err != nil {
			slog.Error("Failed to roll back claim", "address", prev.Address, "cause", cause, "error", err)
			return
		}
		if err := o.rec.Sync(ctx, prev.Address); err != nil {
			slog.Error("Failed to re-sync broker after rollback", "address", prev.Address, "error", err)
		}
	}

	if err := o.rec.Sync(ctx, prev.Address); err != nil {
		rollback("broker sync failed")
		o.recordFailure(ctx, prev.Address, audit.ActionClaim, trigger, actor, fmt.Sprintf("rolled back: %v", err))
		return nil, err
	}

	// An un-audited claim is a correctness violation, so the audit write
	// gates success: if it fails the whole claim is undone.
	if err := o.ledger.Record(ctx, audit.Entry{
		DeviceAddress: prev.Address,
		Action:        audit.ActionClaim,
		Trigger:       trigger,
		Actor:         actor,
		Reason:        reason,
		Metadata:      map[string]any{"tenant_id": tenantID, "fingerprint": fingerprint},
		Success:       true,
	}); err != nil {
		rollback("audit write failed")
		return nil, err
	}

	slog.Info("Device claimed", "address", prev.Address, "tenant_id", tenantID, "trigger", trigger)
	return &Credentials{
		Address:        prev.Address,
		TenantID:       tenantID,
		BrokerPassword: password,
		RecoveryKey:    recoveryKey,
	}, nil
}

// Unclaim revokes the device. The revoke notification is fire-and-forget
// and non-retained: the device may be offline, and a stale retained revoke
// would falsely revoke a later claimant.
func (o *Orchestrator) Unclaim(ctx context.Context, address string, trigger audit.Trigger, actor, reason string) error {
	prev, err := o.reg.GetByAddress(ctx, address)
	if err != nil {
		return err
	}
	if !prev.Claimed() {
		return registry.ErrNotClaimed
	}

	if o.pub != nil {
		topic := mqttx.CommandTopic(prev.TenantID, address, mqttx.CommandRevoke)
		if err := o.pub.Publish(topic, false, mqttx.RevokeCommand{Reason: reason}); err != nil {
			slog.Warn("Best-effort revoke notification failed", "address", address, "error", err)
		}
	}

	if err := o.reg.Unclaim(ctx, address); err != nil {
		return err
	}

	rollback := func(cause string) {
		if err := o.reg.Restore(ctx, prev); err != nil {
			slog.Error("Failed to roll back unclaim", "address", address, "cause", cause, "error", err)
			return
		}
		if err := o.rec.Sync(ctx, address); err != nil {
			slog.Error("Failed to re-sync broker after rollback", "address", address, "error", err)
		}
	}

	if err := o.rec.Sync(ctx, address); err != nil {
		rollback("broker sync failed")
		o.recordFailure(ctx, address, audit.ActionUnclaim, trigger, actor, fmt.Sprintf("rolled back: %v", err))
		return err
	}

	if err := o.ledger.Record(ctx, audit.Entry{
		DeviceAddress: address,
		Action:        audit.ActionUnclaim,
		Trigger:       trigger,
		Actor:         actor,
		Reason:        reason,
		Metadata:      map[string]any{"tenant_id": prev.TenantID},
		Success:       true,
	}); err != nil {
		rollback("audit write failed")
		return err
	}

	slog.Info("Device unclaimed", "address", address, "trigger", trigger)
	return nil
}

// Move transfers ownership between tenants without passing through the
// unclaimed state; identity and credentials are preserved.
func (o *Orchestrator) Move(ctx context.Context, address, newTenantID string, trigger audit.Trigger, actor, reason string) error {
	prev, err := o.reg.GetByAddress(ctx, address)
	if err != nil {
		return err
	}
	if !prev.Claimed() {
		return registry.ErrNotClaimed
	}

	if err := o.reg.Move(ctx, address, newTenantID); err != nil {
		return err
	}

	if err := o.ledger.Record(ctx, audit.Entry{
		DeviceAddress: address,
		Action:        audit.ActionMove,
		Trigger:       trigger,
		Actor:         actor,
		Reason:        reason,
		Metadata:      map[string]any{"from_tenant": prev.TenantID, "to_tenant": newTenantID},
		Success:       true,
	}); err != nil {
		if restoreErr := o.reg.Restore(ctx, prev); restoreErr != nil {
			slog.Error("Failed to roll back move", "address", address, "error", restoreErr)
		}
		return err
	}

	slog.Info("Device moved", "address", address, "from_tenant", prev.TenantID, "to_tenant", newTenantID)
	return nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, address string, action audit.Action, trigger audit.Trigger, actor, reason string) {
	err := o.ledger.Record(ctx, audit.Entry{
		DeviceAddress: address,
		Action:        action,
		Trigger:       trigger,
		Actor:         actor,
		Reason:        reason,
		Success:       false,
	})
	if err != nil && !errors.Is(err, audit.ErrLedgerUnavailable) {
		slog.Error("Failed to record failed attempt", "address", address, "action", action, "error", err)
	}
}
