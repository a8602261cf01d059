// Package reconcile makes the broker's credential store match registry
// intent. It owns every broker-mutating call in the system.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/trapline/trapline/internal/brokeracl"
	"github.com/trapline/trapline/internal/registry"
)

// DeviceSource is the slice of the registry the reconciler reads. Intent is
// always re-read here; caller-supplied deltas are never trusted.
type DeviceSource interface {
	GetByAddress(ctx context.Context, address string) (*registry.Device, error)
}

type Reconciler struct {
	devices DeviceSource
	broker  brokeracl.Client
}

func NewReconciler(devices DeviceSource, broker brokeracl.Client) *Reconciler {
	return &Reconciler{devices: devices, broker: broker}
}

// Sync converges the broker entry for one device to current registry
// intent. The broker entry is deleted then recreated rather than updated in
// place, which makes the operation idempotent under retry and immune to
// whatever partial state a previous failure left behind.
//
// Unknown, unclaimed or credential-less devices converge to "no broker
// entry". Failures are always surfaced: brokeracl.ErrUnreachable is
// retryable, brokeracl.ErrInvalidCredential is fatal.
func (r *Reconciler) Sync(ctx context.Context, address string) error {
	dev, err := r.devices.GetByAddress(ctx, address)
	if err != nil && !errors.Is(err, registry.ErrDeviceNotFound) {
		return fmt.Errorf("failed to read registry intent for %s: %w", address, err)
	}

	if err := r.broker.Delete(ctx, address); err != nil && !errors.Is(err, brokeracl.ErrNotFound) {
		return fmt.Errorf("failed to remove broker entry for %s: %w", address, err)
	}

	if !dev.Claimed() || dev.BrokerPassword == "" {
		slog.Debug("Reconciled device to absent broker entry", "address", address)
		return nil
	}

	if err := r.broker.Create(ctx, address, dev.BrokerPassword); err != nil {
		return fmt.Errorf("failed to create broker entry for %s: %w", address, err)
	}

	slog.Debug("Reconciled broker entry", "address", address, "fingerprint", dev.Fingerprint)
	return nil
}
