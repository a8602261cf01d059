package operators

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store for tests.
type Memory struct {
	mu  sync.Mutex
	ops map[string]*Operator // by id
}

func NewMemory() *Memory {
	return &Memory{ops: make(map[string]*Operator)}
}

func (m *Memory) Create(_ context.Context, username, passwordHash, role string) (*Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if op.Username == username {
			return nil, ErrUsernameExists
		}
	}
	op := &Operator{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	m.ops[op.ID] = op
	cp := *op
	return &cp, nil
}

func (m *Memory) GetByUsername(_ context.Context, username string) (*Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if op.Username == username {
			cp := *op
			return &cp, nil
		}
	}
	return nil, ErrOperatorNotFound
}

func (m *Memory) List(_ context.Context) ([]Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]Operator, 0, len(m.ops))
	for _, op := range m.ops {
		ops = append(ops, *op)
	}
	return ops, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[id]; !ok {
		return ErrOperatorNotFound
	}
	delete(m.ops, id)
	return nil
}
