package perm

import (
	"context"
	"fmt"
	"sync"
)

// Store is the persistence boundary for roles and users. The manager is the
// only writer; implementations need not serialize writes themselves.
type Store interface {
	SaveRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]*Role, error)
	DeleteRole(ctx context.Context, id string) error

	SaveUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
}

// MemoryStore is an in-process Store for embedding without a database and
// for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	roles map[string]*Role
	users map[string]*User
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory role/user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles: map[string]*Role{},
		users: map[string]*User{},
	}
}

func (m *MemoryStore) SaveRole(_ context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRole(_ context.Context, id string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	cp := *role
	return &cp, nil
}

func (m *MemoryStore) ListRoles(_ context.Context, tenantID string) ([]*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Role
	for _, role := range m.roles {
		if tenantID == "" || role.TenantID == "" || role.TenantID == tenantID {
			cp := *role
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteRole(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	delete(m.roles, id)
	return nil
}

func (m *MemoryStore) SaveUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	cp.Roles = append([]string(nil), user.Roles...)
	m.users[user.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	cp := *user
	cp.Roles = append([]string(nil), user.Roles...)
	return &cp, nil
}
