// Package auth authenticates operators for the administrative API.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/trapline/trapline/internal/operators"
)

var (
	ErrUsernameExists     = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type RegisterResult struct {
	ID       string
	Username string
	Role     string
}

type Service struct {
	store  operators.Store
	config Config
}

func NewService(store operators.Store, config Config) *Service {
	return &Service{
		store:  store,
		config: config,
	}
}

func (s *Service) Register(ctx context.Context, username, password string) (RegisterResult, error) {
	hash, err := operators.HashPassword(password)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash password: %w", err)
	}

	op, err := s.store.Create(ctx, username, hash, operators.RoleOperator)
	if err != nil {
		if errors.Is(err, operators.ErrUsernameExists) {
			return RegisterResult{}, ErrUsernameExists
		}
		return RegisterResult{}, fmt.Errorf("create operator: %w", err)
	}

	return RegisterResult{
		ID:       op.ID,
		Username: op.Username,
		Role:     op.Role,
	}, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	op, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, operators.ErrOperatorNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("query operator: %w", err)
	}

	if !operators.CheckPassword(password, op.PasswordHash) {
		return "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.config, op.ID, op.Username, op.Role)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	return token, nil
}
