package perm

import "context"

// System role ids seeded at startup. These roles are immutable.
const (
	RoleSuperAdmin  = "super_admin"
	RoleClinicOwner = "clinic_owner"
	RoleDoctor      = "doctor"
)

var systemRoleIDs = map[string]struct{}{
	RoleSuperAdmin:  {},
	RoleClinicOwner: {},
	RoleDoctor:      {},
}

// systemRoles returns the built-in role definitions. super_admin matches
// everything at the top priority; clinic_owner matches everything inside its
// own tenant; doctor reaches clinical records of its own clinic.
func systemRoles() []*Role {
	return []*Role{
		{
			ID:       RoleSuperAdmin,
			Name:     "Super Administrator",
			IsSystem: true,
			Permissions: []Permission{
				{ID: "super_admin.all", Resource: Wildcard, Action: Wildcard, Effect: Allow, Priority: 1000},
			},
		},
		{
			ID:       RoleClinicOwner,
			Name:     "Clinic Owner",
			IsSystem: true,
			Permissions: []Permission{
				{
					ID: "clinic_owner.all", Resource: Wildcard, Action: Wildcard, Effect: Allow, Priority: 900,
					Conditions: []Condition{
						{Field: "user.tenantId", Operator: OpEq, Value: "resource.tenantId"},
					},
				},
			},
		},
		{
			ID:       RoleDoctor,
			Name:     "Doctor",
			IsSystem: true,
			Permissions: []Permission{
				{
					ID: "doctor.patients", Resource: "patients", Action: Wildcard, Effect: Allow, Priority: 500,
					Conditions: []Condition{
						{Field: "user.metadata.clinicId", Operator: OpEq, Value: "resource.clinicId"},
					},
				},
				{
					ID: "doctor.medical_records", Resource: "medical-records", Action: Wildcard, Effect: Allow, Priority: 500,
					Conditions: []Condition{
						{Field: "user.metadata.clinicId", Operator: OpEq, Value: "resource.clinicId"},
					},
				},
				{ID: "doctor.patients.delete", Resource: "patients", Action: "delete", Effect: Deny, Priority: 500},
			},
		},
	}
}

// SeedSystemRoles writes the built-in roles into the store. Idempotent;
// call once at startup.
func (m *Manager) SeedSystemRoles(ctx context.Context) error {
	for _, role := range systemRoles() {
		if err := m.store.SaveRole(ctx, role); err != nil {
			return err
		}
		m.dropCachedRole(role.ID)
	}
	return nil
}
