package escalation

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAlertNotFound = errors.New("alert not found")
	// ErrAlertCleared rejects transitions on an alert whose lifecycle has
	// already ended.
	ErrAlertCleared  = errors.New("alert already cleared")
	ErrUnknownPreset = errors.New("unknown escalation preset")
)

// Alert is one open (or archived) escalation lifecycle. Level is strictly
// ordered 1..MaxLevel and non-decreasing while the alert is open; NextDueAt
// is the sweep index; nil means the sweep has nothing left to do for this
// row (acked, cleared, or at MaxLevel).
type Alert struct {
	ID             string
	DeviceAddress  string
	TenantID       string
	TriggeredAt    time.Time
	Level          int
	LastTransition time.Time
	ServerAcked    bool
	DeviceAcked    bool
	Preset         string
	CustomTiming   []int64 // seconds per level, only when Preset == "custom"
	NextDueAt      *time.Time
	ClearedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a *Alert) Open() bool {
	return a != nil && a.ClearedAt == nil
}

// Timing resolves the alert's effective threshold table.
func (a *Alert) Timing() (Timing, error) {
	if a.Preset == PresetCustom {
		return TimingFromSeconds(a.CustomTiming)
	}
	return PresetTiming(a.Preset)
}

// AlertStore is the persistence the engine needs. Due must select only rows
// whose next-due time has passed, never a full scan.
type AlertStore interface {
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	GetOpenByDevice(ctx context.Context, address string) (*Alert, error)
	Due(ctx context.Context, now time.Time) ([]Alert, error)
	// Advance raises the level monotonically (a lower target is a no-op on
	// the level) and records the new next-due time.
	Advance(ctx context.Context, id string, level int, nextDue *time.Time) error
	Ack(ctx context.Context, id string, byDevice bool) error
	Clear(ctx context.Context, id string) error
	// TenantTiming returns the tenant's custom threshold table, or nil when
	// the tenant uses a built-in preset.
	TenantTiming(ctx context.Context, tenantID string) ([]int64, error)
	SetTenantTiming(ctx context.Context, tenantID string, secs []int64) error
}
