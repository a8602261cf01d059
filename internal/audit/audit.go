// Package audit is the append-only record of credential lifecycle
// transitions. Entries reference devices by stable address rather than a
// foreign key so history survives device row deletion. No update or delete
// operation exists, by contract.
package audit

import (
	"context"
	"errors"
	"time"
)

// ErrLedgerUnavailable means the entry could not be appended. Lifecycle
// operations treat this as fatal and roll back: an un-audited transition is
// a correctness violation.
var ErrLedgerUnavailable = errors.New("audit ledger unavailable")

type Action string

const (
	ActionClaim   Action = "claim"
	ActionUnclaim Action = "unclaim"
	ActionMove    Action = "move"
	ActionRotate  Action = "rotate"
	ActionRecover Action = "recover"
)

type Trigger string

const (
	TriggerAdministrative Trigger = "administrative"
	TriggerDevice         Trigger = "device-initiated"
	TriggerScript         Trigger = "automated-script"
	TriggerCascade        Trigger = "cascading-deletion"
)

type Entry struct {
	ID            int64
	DeviceAddress string
	Action        Action
	Trigger       Trigger
	Actor         string // operator identity or caller address
	Reason        string
	Metadata      map[string]any
	Success       bool // failed attempts are recorded explicitly, never disguised
	CreatedAt     time.Time
}

// Ledger appends and reads audit entries.
type Ledger interface {
	Record(ctx context.Context, e Entry) error
	ListByDevice(ctx context.Context, address string, limit int) ([]Entry, error)
}
