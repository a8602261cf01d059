// Package registry is the canonical record of devices, their claim state
// and tenant ownership. It is the intent source of truth: the broker ACL
// store and the device's own copy are reconciled toward it, never the
// other way around.
package registry

import (
	"errors"
	"time"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceExists   = errors.New("device already registered")
	ErrAlreadyClaimed = errors.New("device already claimed")
	ErrNotClaimed     = errors.New("device not claimed")
	ErrCodeNotFound   = errors.New("claim code not found")
	ErrCodeExpired    = errors.New("claim code expired")
	ErrCodeConsumed   = errors.New("claim code already consumed")
)

// Device is one registry row. Address is the stable hardware address and
// never changes; a device row survives unclaim so history stays attached.
type Device struct {
	Address        string
	TenantID       string // empty while unclaimed
	ClaimedAt      *time.Time
	UnclaimedAt    *time.Time // non-nil marks soft unclaim; device must not authenticate
	Fingerprint    string     // sha256 hex of the current broker password
	BrokerPassword string     // cached plaintext; empties only if operator scrubs it
	RecoveryKey    string     // device-issued identifier established at claim
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Claimed reports whether the device currently has a valid owner and is
// allowed to authenticate.
func (d *Device) Claimed() bool {
	return d != nil && d.TenantID != "" && d.ClaimedAt != nil && d.UnclaimedAt == nil
}

type ClaimCodeStatus string

const (
	CodeActive  ClaimCodeStatus = "active"
	CodeClaimed ClaimCodeStatus = "claimed"
	CodeExpired ClaimCodeStatus = "expired"
)

// ClaimCode is a single-use, time-bounded claim credential. Only the hash
// is stored; the plaintext code is shown once at issue time.
type ClaimCode struct {
	ID         string
	TenantID   string
	CodeHash   string
	Status     ClaimCodeStatus
	ExpiresAt  time.Time
	ConsumedBy string // device address, set on consume
	ConsumedAt *time.Time
	CreatedAt  time.Time
}
