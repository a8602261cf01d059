// Package operators manages the human accounts behind the administrative
// console. Devices never appear here; their identity lives in the registry.
package operators

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOperatorNotFound = errors.New("operator not found")
	ErrUsernameExists   = errors.New("username already exists")
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

type Operator struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Store interface {
	Create(ctx context.Context, username, passwordHash, role string) (*Operator, error)
	GetByUsername(ctx context.Context, username string) (*Operator, error)
	List(ctx context.Context) ([]Operator, error)
	Delete(ctx context.Context, id string) error
}
