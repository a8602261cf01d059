package brokeracl

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Client for tests and local development. Unlike a
// real broker it retains passwords, exposed through Password so tests can
// assert on converged state.
type Memory struct {
	mu    sync.RWMutex
	users map[string]string

	// FailCreate and FailDelete, when set, make the corresponding call
	// return ErrUnreachable without mutating state.
	FailCreate bool
	FailDelete bool

	creates int
	deletes int
}

func NewMemory() *Memory {
	return &Memory{users: make(map[string]string)}
}

func (m *Memory) Create(_ context.Context, username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate {
		return ErrUnreachable
	}
	if username == "" || password == "" {
		return ErrInvalidCredential
	}
	m.users[username] = password
	m.creates++
	return nil
}

func (m *Memory) Delete(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDelete {
		return ErrUnreachable
	}
	if _, ok := m.users[username]; !ok {
		return ErrNotFound
	}
	delete(m.users, username)
	m.deletes++
	return nil
}

func (m *Memory) Exists(_ context.Context, username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[username]
	return ok, nil
}

func (m *Memory) ListUsernames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	usernames := make([]string, 0, len(m.users))
	for u := range m.users {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)
	return usernames, nil
}

// Password returns the stored password for a username, empty if absent.
func (m *Memory) Password(username string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[username]
}

// Creates reports how many successful Create calls were made.
func (m *Memory) Creates() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creates
}
