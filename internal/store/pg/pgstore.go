// Package pg persists roles, users and audit entries in Postgres.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"clinicore.org/internal/perm"
)

// Store wraps the database handle shared by the role and audit stores.
type Store struct {
	db *sql.DB
}

var _ perm.Store = (*Store)(nil)

// Open connects to Postgres with pool settings tuned for short security-core
// queries.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (used by tests with sqlmock).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) SaveRole(ctx context.Context, role *perm.Role) error {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	inherits, err := json.Marshal(role.Inherits)
	if err != nil {
		return fmt.Errorf("marshal inherits: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_roles (id, tenant_id, name, is_system, permissions, inherits, updated_at)
		values ($1, $2, $3, $4, $5, $6, now())
		on conflict (id) do update
		set tenant_id = excluded.tenant_id,
		    name = excluded.name,
		    is_system = excluded.is_system,
		    permissions = excluded.permissions,
		    inherits = excluded.inherits,
		    updated_at = now()
	`, role.ID, role.TenantID, role.Name, role.IsSystem, perms, inherits)
	return err
}

func (s *Store) GetRole(ctx context.Context, id string) (*perm.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, tenant_id, name, is_system, permissions, inherits
		from security_roles where id = $1
	`, id)
	return scanRole(row)
}

func (s *Store) ListRoles(ctx context.Context, tenantID string) ([]*perm.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, name, is_system, permissions, inherits
		from security_roles
		where $1 = '' or tenant_id = '' or tenant_id = $1
		order by id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*perm.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from security_roles where id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: role %s", perm.ErrNotFound, id)
	}
	return nil
}

func (s *Store) SaveUser(ctx context.Context, user *perm.User) error {
	roles, err := json.Marshal(user.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	direct, err := json.Marshal(user.DirectPermissions)
	if err != nil {
		return fmt.Errorf("marshal direct permissions: %w", err)
	}
	metadata, err := json.Marshal(user.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_users (id, tenant_id, roles, direct_permissions, metadata, updated_at)
		values ($1, $2, $3, $4, $5, now())
		on conflict (id) do update
		set tenant_id = excluded.tenant_id,
		    roles = excluded.roles,
		    direct_permissions = excluded.direct_permissions,
		    metadata = excluded.metadata,
		    updated_at = now()
	`, user.ID, user.TenantID, roles, direct, metadata)
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (*perm.User, error) {
	var (
		user     perm.User
		roles    []byte
		direct   []byte
		metadata []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, roles, direct_permissions, metadata
		from security_users where id = $1
	`, id).Scan(&user.ID, &user.TenantID, &roles, &direct, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", perm.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(roles, &user.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if len(direct) > 0 {
		if err := json.Unmarshal(direct, &user.DirectPermissions); err != nil {
			return nil, fmt.Errorf("decode direct permissions: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &user.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &user, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (*perm.Role, error) {
	var (
		role     perm.Role
		perms    []byte
		inherits []byte
	)
	err := row.Scan(&role.ID, &role.TenantID, &role.Name, &role.IsSystem, &perms, &inherits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: role", perm.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &role.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	if len(inherits) > 0 {
		if err := json.Unmarshal(inherits, &role.Inherits); err != nil {
			return nil, fmt.Errorf("decode inherits: %w", err)
		}
	}
	return &role, nil
}
