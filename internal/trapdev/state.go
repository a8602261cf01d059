// Package trapdev is the device-resident half of the system: locally
// persisted credential and alert state plus the autonomous escalation state
// machine that keeps alarming correctly with no network at all.
package trapdev

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrCorrupt means the persisted state could not be decoded. Power loss
// mid-write is survivable (the rename is atomic), so corruption here points
// at flash damage; the recovery channel is the way back.
var ErrCorrupt = errors.New("device state corrupt")

const stateVersion = 1

// State is everything the device must not lose across a power cycle. It is
// written synchronously and in full on every transition.
type State struct {
	Version int `json:"version"`

	Address        string `json:"address"`
	TenantID       string `json:"tenantId,omitempty"`
	BrokerPassword string `json:"brokerPassword,omitempty"`
	RecoveryKey    string `json:"recoveryKey,omitempty"`

	// A rotation that was acked but whose reconnect has not yet succeeded.
	// On boot the pending value is tried first, then the old one.
	PendingPassword   string `json:"pendingPassword,omitempty"`
	PendingRotationID string `json:"pendingRotationId,omitempty"`

	AlertActive      bool      `json:"alertActive"`
	AlertID          string    `json:"alertId,omitempty"`
	AlertTriggeredAt time.Time `json:"alertTriggeredAt,omitempty"`
	AlertLevel       int       `json:"alertLevel,omitempty"`
	AlertAcked       bool      `json:"alertAcked,omitempty"`

	Preset       string  `json:"preset,omitempty"`
	CustomTiming []int64 `json:"customTiming,omitempty"`
}

func (s *State) Claimed() bool {
	return s.TenantID != "" && s.BrokerPassword != ""
}

// StateFile persists State with a temp-file write and an atomic rename, so
// a reader only ever sees the previous or the next complete version.
type StateFile struct {
	path string
}

func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

func (f *StateFile) Load() (*State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to read device state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.Version != stateVersion || s.Address == "" {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, s.Version)
	}
	return &s, nil
}

func (f *StateFile) Save(s *State) error {
	s.Version = stateVersion
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode device state: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write device state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync device state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close device state: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace device state: %w", err)
	}
	return nil
}
