// Package recovery is the out-of-band path for devices that can no longer
// authenticate on the primary transport. It runs over plain HTTP precisely
// because the broker link is what broke.
package recovery

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/trapline/trapline/internal/audit"
	"github.com/trapline/trapline/internal/brokeracl"
	"github.com/trapline/trapline/internal/registry"
)

// ErrInvalidProof is the single rejection the recovery channel emits. The
// stable address is public, so unknown device, unclaimed device and bad
// proof are indistinguishable to the caller.
var ErrInvalidProof = errors.New("invalid recovery proof")

type Registry interface {
	GetByAddress(ctx context.Context, address string) (*registry.Device, error)
	ListDevices(ctx context.Context) ([]registry.Device, error)
	SetCredential(ctx context.Context, address, password, fingerprint string) error
}

type Reconciler interface {
	Sync(ctx context.Context, address string) error
}

// Credentials is the full set returned over the recovery channel.
type Credentials struct {
	Address        string
	TenantID       string
	BrokerPassword string
}

type Service struct {
	reg    Registry
	rec    Reconciler
	broker brokeracl.Client
	ledger audit.Ledger
}

func NewService(reg Registry, rec Reconciler, broker brokeracl.Client, ledger audit.Ledger) *Service {
	return &Service{reg: reg, rec: rec, broker: broker, ledger: ledger}
}

// Recover re-synchronizes a stranded device. proof must be the claim-time
// recovery key or the sha256 fingerprint of the last-known-good broker
// password; the address alone is never sufficient. Every attempt is
// audited regardless of outcome; repeated attempts against one device are
// an operator-facing signal of compromise or broken hardware.
func (s *Service) Recover(ctx context.Context, address, proof, callerAddr string) (*Credentials, error) {
	dev, err := s.reg.GetByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			s.audit(ctx, address, callerAddr, false, "unknown device")
			return nil, ErrInvalidProof
		}
		return nil, err
	}
	if !dev.Claimed() {
		s.audit(ctx, address, callerAddr, false, "device not claimed")
		return nil, ErrInvalidProof
	}

	if !validProof(dev, proof) {
		s.audit(ctx, address, callerAddr, false, "proof mismatch")
		return nil, ErrInvalidProof
	}

	password := dev.BrokerPassword
	mode := "repush"
	if password == "" {
		// Cache is gone; issue an entirely new credential. It reaches the
		// device only over this channel, never the primary transport.
		password, err = registry.GeneratePassword()
		if err != nil {
			return nil, err
		}
		if err := s.reg.SetCredential(ctx, address, password, registry.Fingerprint(password)); err != nil {
			return nil, err
		}
		mode = "reissue"
	}

	if err := s.rec.Sync(ctx, address); err != nil {
		s.audit(ctx, address, callerAddr, false, fmt.Sprintf("broker sync failed: %v", err))
		return nil, err
	}

	s.auditWithMeta(ctx, address, callerAddr, true, "credentials re-synchronized",
		map[string]any{"mode": mode})

	slog.Info("Device recovered", "address", address, "mode", mode)
	return &Credentials{
		Address:        address,
		TenantID:       dev.TenantID,
		BrokerPassword: password,
	}, nil
}

func validProof(dev *registry.Device, proof string) bool {
	if proof == "" {
		return false
	}
	byKey := subtle.ConstantTimeCompare([]byte(proof), []byte(dev.RecoveryKey))
	byFingerprint := subtle.ConstantTimeCompare([]byte(proof), []byte(dev.Fingerprint))
	return (dev.RecoveryKey != "" && byKey == 1) || (dev.Fingerprint != "" && byFingerprint == 1)
}

// Report summarizes one bulk reconciliation pass.
type Report struct {
	Synced  int
	Removed int
	Failed  []string
}

// ReconcileAll repairs the entire broker ACL set against the registry: the
// same idempotent sync primitive applied exhaustively, for use after a
// catastrophic broker state loss.
func (s *Service) ReconcileAll(ctx context.Context) (*Report, error) {
	devices, err := s.reg.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(devices))
	report := &Report{}

	for i := range devices {
		dev := &devices[i]
		known[dev.Address] = struct{}{}
		if err := s.rec.Sync(ctx, dev.Address); err != nil {
			slog.Warn("Bulk reconcile failed for device", "address", dev.Address, "error", err)
			report.Failed = append(report.Failed, dev.Address)
			continue
		}
		if dev.Claimed() {
			report.Synced++
		}
	}

	// Broker entries with no registry row are stale and removed.
	usernames, err := s.broker.ListUsernames(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list broker entries: %w", err)
	}
	for _, username := range usernames {
		if _, ok := known[username]; ok {
			continue
		}
		if err := s.broker.Delete(ctx, username); err != nil && !errors.Is(err, brokeracl.ErrNotFound) {
			report.Failed = append(report.Failed, username)
			continue
		}
		report.Removed++
	}

	slog.Info("Bulk reconciliation complete",
		"synced", report.Synced, "removed", report.Removed, "failed", len(report.Failed))
	return report, nil
}

func (s *Service) audit(ctx context.Context, address, callerAddr string, success bool, reason string) {
	s.auditWithMeta(ctx, address, callerAddr, success, reason, nil)
}

func (s *Service) auditWithMeta(ctx context.Context, address, callerAddr string, success bool, reason string, meta map[string]any) {
	err := s.ledger.Record(ctx, audit.Entry{
		DeviceAddress: address,
		Action:        audit.ActionRecover,
		Trigger:       audit.TriggerDevice,
		Actor:         callerAddr,
		Reason:        reason,
		Metadata:      meta,
		Success:       success,
	})
	if err != nil {
		slog.Error("Failed to audit recovery attempt", "address", address, "error", err)
	}
}
