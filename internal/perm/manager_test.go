package perm

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m, err := NewManager(store, NewMemoryCache(), nil, zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store
}

func saveUser(t *testing.T, store *MemoryStore, user *User) {
	t.Helper()
	if err := store.SaveUser(context.Background(), user); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
}

func saveRole(t *testing.T, store *MemoryStore, role *Role) {
	t.Helper()
	if err := store.SaveRole(context.Background(), role); err != nil {
		t.Fatalf("SaveRole: %v", err)
	}
}

func check(t *testing.T, m *Manager, pc *Context) Result {
	t.Helper()
	result, err := m.CheckPermission(context.Background(), pc)
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	return result
}

func TestDefaultDeny(t *testing.T) {
	m, store := newTestManager(t)
	saveRole(t, store, &Role{
		ID:   "basic_user",
		Name: "Basic User",
		Permissions: []Permission{
			{ID: "basic.read", Resource: "patients", Action: "read", Effect: Allow, Priority: 100},
		},
	})
	user := User{ID: "u1", TenantID: "t1", Roles: []string{"basic_user"}}

	result := check(t, m, &Context{User: user, ResourceType: "patients", Action: "delete"})
	if result.Allowed {
		t.Fatal("expected deny")
	}
	if result.Reason != ReasonDefaultDeny {
		t.Fatalf("expected default-deny reason, got %q", result.Reason)
	}

	result = check(t, m, &Context{User: user, ResourceType: "patients", Action: "read"})
	if !result.Allowed {
		t.Fatalf("expected allow: %+v", result)
	}
}

func TestPriorityResolution(t *testing.T) {
	m, store := newTestManager(t)
	user := User{ID: "u1", TenantID: "t1", Roles: []string{"conflicted"}}

	cases := []struct {
		name          string
		allowPriority int
		denyPriority  int
		allowed       bool
	}{
		{"allow wins strictly higher", 500, 400, true},
		{"deny wins ties", 500, 500, false},
		{"deny wins higher", 400, 500, false},
	}
	for _, tc := range cases {
		saveRole(t, store, &Role{
			ID:   "conflicted",
			Name: "Conflicted",
			Permissions: []Permission{
				{ID: "c.allow", Resource: "patients", Action: "read", Effect: Allow, Priority: tc.allowPriority},
				{ID: "c.deny", Resource: "patients", Action: "read", Effect: Deny, Priority: tc.denyPriority},
			},
		})
		m.dropCachedRole("conflicted")
		if err := m.cache.Flush(context.Background()); err != nil {
			t.Fatalf("cache flush: %v", err)
		}

		result := check(t, m, &Context{User: user, ResourceType: "patients", Action: "read"})
		if result.Allowed != tc.allowed {
			t.Fatalf("%s: allowed = %v, want %v", tc.name, result.Allowed, tc.allowed)
		}
		if !tc.allowed && result.DeniedBy != "c.deny" {
			t.Fatalf("%s: expected DeniedBy c.deny, got %q", tc.name, result.DeniedBy)
		}
	}
}

func TestInheritanceIsTransitive(t *testing.T) {
	m, store := newTestManager(t)
	saveRole(t, store, &Role{ID: "c", Name: "C", Permissions: []Permission{
		{ID: "c.read", Resource: "labs", Action: "read", Effect: Allow, Priority: 100},
	}})
	saveRole(t, store, &Role{ID: "b", Name: "B", Inherits: []string{"c"}, Permissions: []Permission{
		{ID: "b.read", Resource: "appointments", Action: "read", Effect: Allow, Priority: 100},
	}})
	saveRole(t, store, &Role{ID: "a", Name: "A", Inherits: []string{"b"}, Permissions: []Permission{
		{ID: "a.read", Resource: "patients", Action: "read", Effect: Allow, Priority: 100},
	}})
	saveUser(t, store, &User{ID: "u1", TenantID: "t1", Roles: []string{"a"}})

	perms, err := m.UserEffectivePermissions(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("UserEffectivePermissions: %v", err)
	}
	if len(perms) != 3 {
		t.Fatalf("expected 3 effective permissions, got %d", len(perms))
	}
	user := User{ID: "u1", TenantID: "t1", Roles: []string{"a"}}
	for _, rt := range []string{"patients", "appointments", "labs"} {
		if result := check(t, m, &Context{User: user, ResourceType: rt, Action: "read"}); !result.Allowed {
			t.Fatalf("expected %s read via inheritance", rt)
		}
	}
}

func TestCyclicInheritanceGuardedAtExpansion(t *testing.T) {
	m, store := newTestManager(t)
	// Persisted cycle predating the mutation-time check.
	saveRole(t, store, &Role{ID: "x", Name: "X", Inherits: []string{"y"}})
	saveRole(t, store, &Role{ID: "y", Name: "Y", Inherits: []string{"x"}, Permissions: []Permission{
		{ID: "y.read", Resource: "patients", Action: "read", Effect: Allow, Priority: 10},
	}})
	user := User{ID: "u1", Roles: []string{"x"}}

	result := check(t, m, &Context{User: user, ResourceType: "patients", Action: "read"})
	if !result.Allowed {
		t.Fatalf("expansion over a cyclic graph must still terminate and gather: %+v", result)
	}
}

func TestCreateRoleRejectsCycle(t *testing.T) {
	m, store := newTestManager(t)
	saveRole(t, store, &Role{ID: "parent", Name: "Parent", Inherits: []string{"child"}})

	_, err := m.CreateRole(context.Background(), &Role{ID: "child", Name: "Child", Inherits: []string{"parent"}})
	if !errors.Is(err, ErrCyclicRole) {
		t.Fatalf("expected ErrCyclicRole, got %v", err)
	}
}

func TestCreateRoleValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateRole(ctx, &Role{Name: ""}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := m.CreateRole(ctx, &Role{ID: RoleSuperAdmin, Name: "Evil"}); !errors.Is(err, ErrSystemRole) {
		t.Fatalf("expected ErrSystemRole, got %v", err)
	}
	bad := &Role{Name: "Bad", Permissions: []Permission{
		{ID: "p", Resource: "patients", Action: "read", Effect: Allow, Priority: 2000},
	}}
	if _, err := m.CreateRole(ctx, bad); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected priority validation error, got %v", err)
	}
}

func TestCacheCoherenceAfterAssignment(t *testing.T) {
	m, store := newTestManager(t)
	saveRole(t, store, &Role{ID: "reader", Name: "Reader", Permissions: []Permission{
		{ID: "r.read", Resource: "patients", Action: "read", Effect: Allow, Priority: 100},
	}})
	saveUser(t, store, &User{ID: "u1", TenantID: "t1"})

	pc := &Context{User: User{ID: "u1", TenantID: "t1"}, ResourceType: "patients", Action: "read"}
	if result := check(t, m, pc); result.Allowed {
		t.Fatal("user without roles must be denied")
	}

	if err := m.AssignRoleToUser(context.Background(), "u1", "reader"); err != nil {
		t.Fatalf("AssignRoleToUser: %v", err)
	}

	// The denied decision was cached under user:u1 and must not survive the
	// assignment.
	pc.User.Roles = []string{"reader"}
	if result := check(t, m, pc); !result.Allowed {
		t.Fatalf("stale cached denial returned after role assignment: %+v", result)
	}
}

func TestRemoveRoleInvalidates(t *testing.T) {
	m, store := newTestManager(t)
	saveRole(t, store, &Role{ID: "reader", Name: "Reader", Permissions: []Permission{
		{ID: "r.read", Resource: "patients", Action: "read", Effect: Allow, Priority: 100},
	}})
	saveUser(t, store, &User{ID: "u1", TenantID: "t1", Roles: []string{"reader"}})

	pc := &Context{User: User{ID: "u1", TenantID: "t1", Roles: []string{"reader"}}, ResourceType: "patients", Action: "read"}
	if result := check(t, m, pc); !result.Allowed {
		t.Fatal("expected allow before removal")
	}

	if err := m.RemoveRoleFromUser(context.Background(), "u1", "reader"); err != nil {
		t.Fatalf("RemoveRoleFromUser: %v", err)
	}
	pc.User.Roles = nil
	if result := check(t, m, pc); result.Allowed {
		t.Fatal("stale cached allow returned after role removal")
	}
}

func TestSuperAdminWildcard(t *testing.T) {
	m, store := newTestManager(t)
	if err := m.SeedSystemRoles(context.Background()); err != nil {
		t.Fatalf("SeedSystemRoles: %v", err)
	}
	saveUser(t, store, &User{ID: "admin", TenantID: "t1", Roles: []string{RoleSuperAdmin}})
	user := User{ID: "admin", TenantID: "t1", Roles: []string{RoleSuperAdmin}}

	for _, target := range []struct{ rt, action string }{
		{"patients", "delete"},
		{"medical-records", "export"},
		{"billing", "update"},
	} {
		result := check(t, m, &Context{User: user, ResourceType: target.rt, Action: target.action})
		if !result.Allowed {
			t.Fatalf("super_admin denied %s:%s", target.rt, target.action)
		}
	}
}

func TestDoctorClinicCondition(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.SeedSystemRoles(context.Background()); err != nil {
		t.Fatalf("SeedSystemRoles: %v", err)
	}
	user := User{
		ID:       "doc",
		TenantID: "t1",
		Roles:    []string{RoleDoctor},
		Metadata: map[string]any{"clinicId": "clinic-1"},
	}

	sameClinic := &Context{
		User:         user,
		Resource:     map[string]any{"clinicId": "clinic-1"},
		ResourceType: "patients",
		ResourceID:   "p1",
		Action:       "read",
	}
	if result := check(t, m, sameClinic); !result.Allowed {
		t.Fatalf("doctor denied own-clinic read: %+v", result)
	}

	otherClinic := &Context{
		User:         user,
		Resource:     map[string]any{"clinicId": "clinic-2"},
		ResourceType: "patients",
		ResourceID:   "p2",
		Action:       "read",
	}
	if result := check(t, m, otherClinic); result.Allowed {
		t.Fatal("doctor allowed cross-clinic read")
	}

	// Doctors never delete patients, even in their own clinic.
	del := &Context{
		User:         user,
		Resource:     map[string]any{"clinicId": "clinic-1"},
		ResourceType: "patients",
		ResourceID:   "p1",
		Action:       "delete",
	}
	if result := check(t, m, del); result.Allowed {
		t.Fatal("doctor allowed patient delete")
	}
}

func TestDirectPermissions(t *testing.T) {
	m, _ := newTestManager(t)
	user := User{
		ID:       "svc",
		TenantID: "t1",
		DirectPermissions: []Permission{
			{ID: "direct.read", Resource: "reports", Action: "read", Effect: Allow, Priority: 100},
		},
	}
	if result := check(t, m, &Context{User: user, ResourceType: "reports", Action: "read"}); !result.Allowed {
		t.Fatal("direct permissions must be evaluated like role permissions")
	}
}

func TestCheckPermissionsBatch(t *testing.T) {
	m, _ := newTestManager(t)
	user := User{ID: "u1", DirectPermissions: []Permission{
		{ID: "d.read", Resource: "patients", Action: "read", Effect: Allow, Priority: 10},
	}}
	results, err := m.CheckPermissions(context.Background(), []*Context{
		{User: user, ResourceType: "patients", Action: "read"},
		{User: user, ResourceType: "patients", Action: "delete"},
	})
	if err != nil {
		t.Fatalf("CheckPermissions: %v", err)
	}
	if len(results) != 2 || !results[0].Allowed || results[1].Allowed {
		t.Fatalf("unexpected batch results: %+v", results)
	}
}
