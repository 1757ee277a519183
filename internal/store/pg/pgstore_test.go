package pg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/perm"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestSaveAndGetRole(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	role := &perm.Role{
		ID:       "doctor",
		TenantID: "t1",
		Name:     "Doctor",
		Inherits: []string{"clinician"},
		Permissions: []perm.Permission{
			{ID: "doctor.read", Resource: "patients", Action: "read", Effect: perm.Allow, Priority: 500},
		},
	}
	mock.ExpectExec("insert into security_roles").
		WithArgs("doctor", "t1", "Doctor", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.SaveRole(ctx, role); err != nil {
		t.Fatalf("SaveRole: %v", err)
	}

	perms, _ := json.Marshal(role.Permissions)
	inherits, _ := json.Marshal(role.Inherits)
	mock.ExpectQuery("select id, tenant_id, name, is_system, permissions, inherits").
		WithArgs("doctor").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "is_system", "permissions", "inherits"}).
			AddRow("doctor", "t1", "Doctor", false, perms, inherits))
	got, err := store.GetRole(ctx, "doctor")
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if got.Name != "Doctor" || len(got.Permissions) != 1 || got.Permissions[0].Priority != 500 {
		t.Fatalf("unexpected role: %+v", got)
	}
	if len(got.Inherits) != 1 || got.Inherits[0] != "clinician" {
		t.Fatalf("inherits not decoded: %+v", got.Inherits)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRoleNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, tenant_id, name, is_system, permissions, inherits").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "is_system", "permissions", "inherits"}))
	_, err := store.GetRole(context.Background(), "ghost")
	if !errors.Is(err, perm.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRoleNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("delete from security_roles").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.DeleteRole(context.Background(), "ghost")
	if !errors.Is(err, perm.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveAndGetUser(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	user := &perm.User{
		ID:       "u1",
		TenantID: "t1",
		Roles:    []string{"doctor"},
		Metadata: map[string]any{"clinicId": "clinic-1"},
	}
	mock.ExpectExec("insert into security_users").
		WithArgs("u1", "t1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	roles, _ := json.Marshal(user.Roles)
	metadata, _ := json.Marshal(user.Metadata)
	mock.ExpectQuery("select id, tenant_id, roles, direct_permissions, metadata").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "roles", "direct_permissions", "metadata"}).
			AddRow("u1", "t1", roles, []byte("[]"), metadata))
	got, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "doctor" {
		t.Fatalf("roles not decoded: %+v", got.Roles)
	}
	if got.Metadata["clinicId"] != "clinic-1" {
		t.Fatalf("metadata not decoded: %+v", got.Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, tenant_id, roles, direct_permissions, metadata").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "roles", "direct_permissions", "metadata"}))
	_, err := store.GetUser(context.Background(), "ghost")
	if !errors.Is(err, perm.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func auditEntry(id, action string) *audit.Entry {
	return &audit.Entry{
		ID:        id,
		Timestamp: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		TenantID:  "t1",
		UserID:    "u1",
		Action:    action,
		Resource:  "patients",
	}
}

func TestAuditAppendIsTransactional(t *testing.T) {
	store, mock := newMockStore(t)
	batch := []*audit.Entry{auditEntry("01A", "create"), auditEntry("01B", "update")}

	mock.ExpectBegin()
	for _, e := range batch {
		mock.ExpectExec("insert into audit_log").
			WithArgs(e.ID, sqlmock.AnyArg(), "t1", "u1", e.Action, "patients", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()
	if err := store.Append(context.Background(), batch); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAuditAppendRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)
	batch := []*audit.Entry{auditEntry("01A", "create"), auditEntry("01B", "update")}
	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectExec("insert into audit_log").
		WithArgs("01A", sqlmock.AnyArg(), "t1", "u1", "create", "patients", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into audit_log").
		WithArgs("01B", sqlmock.AnyArg(), "t1", "u1", "update", "patients", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(boom)
	mock.ExpectRollback()
	if err := store.Append(context.Background(), batch); !errors.Is(err, boom) {
		t.Fatalf("expected insert error back, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAuditGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select entry from audit_log").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"entry"}))
	_, err := store.Get(context.Background(), "ghost")
	if !errors.Is(err, audit.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestAuditQueryBuildsFilterClauses(t *testing.T) {
	store, mock := newMockStore(t)

	payload, _ := json.Marshal(auditEntry("01A", "delete"))
	mock.ExpectQuery("select entry from audit_log where tenant_id = (.+) and action = (.+) order by id limit").
		WithArgs("t1", "delete", 10).
		WillReturnRows(sqlmock.NewRows([]string{"entry"}).AddRow(payload))

	entries, err := store.Query(context.Background(), audit.Filter{TenantID: "t1", Action: "delete", Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "01A" || entries[0].Action != "delete" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAuditArchive(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("insert into audit_archive").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("delete from audit_log").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	moved, err := store.Archive(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if moved != 3 {
		t.Fatalf("moved = %d, want 3", moved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
