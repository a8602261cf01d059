// Package brokeracl talks to the MQTT broker's credential store over its
// admin control channel. This is the only path in the system that mutates
// broker-side authentication state.
package brokeracl

import (
	"context"
	"errors"
)

var (
	// ErrUnreachable means the broker control channel did not answer within
	// the bounded timeout. Retryable; no partial mutation was applied.
	ErrUnreachable = errors.New("broker control channel unreachable")
	// ErrInvalidCredential means the broker rejected the entry itself.
	// Fatal; retrying the same entry cannot succeed.
	ErrInvalidCredential = errors.New("broker rejected credential")
	// ErrNotFound is returned by Delete when no entry exists for the
	// username. Callers performing delete-then-recreate treat it as benign.
	ErrNotFound = errors.New("broker ACL entry not found")
)

// Client is the broker-side credential store. Usernames are device stable
// addresses. Brokers do not expose stored passwords, so reads are
// existence-only.
type Client interface {
	Create(ctx context.Context, username, password string) error
	Delete(ctx context.Context, username string) error
	Exists(ctx context.Context, username string) (bool, error)
	ListUsernames(ctx context.Context) ([]string, error)
}
