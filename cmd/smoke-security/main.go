package main

import (
	"context"
	"errors"
	"log"
	"time"

	"go.uber.org/zap"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/authz"
	"clinicore.org/internal/fieldcrypt"
	"clinicore.org/internal/obs"
	"clinicore.org/internal/perm"
)

func main() {
	obs.Init()
	logger, err := obs.NewLogger("info", "console", "smoke-security")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	crypto, err := fieldcrypt.New("smoke-master-secret-0123456789abcdef")
	if err != nil {
		log.Fatalf("fieldcrypt: %v", err)
	}

	auditStore := audit.NewMemoryStore()
	auditLog, err := audit.NewLogger(auditStore, crypto, logger, audit.WithFlushInterval(time.Second))
	if err != nil {
		log.Fatalf("audit logger: %v", err)
	}
	auditLog.Init()

	permStore := perm.NewMemoryStore()
	manager, err := perm.NewManager(permStore, perm.NewMemoryCache(), auditLog, logger)
	if err != nil {
		log.Fatalf("permission manager: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := manager.SeedSystemRoles(ctx); err != nil {
		log.Fatalf("seed system roles: %v", err)
	}
	doctor := &perm.User{
		ID:       "user-doc-1",
		TenantID: "tenant-1",
		Roles:    []string{perm.RoleDoctor},
		Metadata: map[string]any{"clinicId": "clinic-1"},
	}
	if err := permStore.SaveUser(ctx, doctor); err != nil {
		log.Fatalf("save user: %v", err)
	}

	auditMW := authz.NewAuditMiddleware(auditLog, logger)
	mw, err := authz.NewMiddleware(manager, permStore, auditMW, []byte("smoke-bypass-secret"), logger)
	if err != nil {
		log.Fatalf("authz middleware: %v", err)
	}

	opCtx := authz.OperationContext{
		UserID:    doctor.ID,
		TenantID:  doctor.TenantID,
		SessionID: "session-1",
		IP:        "10.0.0.1",
	}

	// Read the doctor's own patient: must pass.
	result, err := mw.AuthorizeAndExecute(ctx, authz.Operation{
		CRUD: authz.CRUDOperation{
			Action:       "read",
			Resource:     "patients",
			ResourceID:   "patient-1",
			ResourceType: "patients",
			BeforeData:   map[string]any{"clinicId": "clinic-1"},
			Context:      opCtx,
		},
		Execute: func(context.Context) (any, error) {
			return map[string]any{"id": "patient-1"}, nil
		},
	})
	if err != nil {
		log.Fatalf("expected read to pass: %v", err)
	}
	log.Printf("read allowed: %v", result)

	// Delete is denied for doctors: must fail with PERMISSION_DENIED.
	_, err = mw.AuthorizeAndExecute(ctx, authz.Operation{
		CRUD: authz.CRUDOperation{
			Action:       "delete",
			Resource:     "patients",
			ResourceID:   "patient-1",
			ResourceType: "patients",
			BeforeData:   map[string]any{"clinicId": "clinic-1"},
			Context:      opCtx,
		},
		Execute: func(context.Context) (any, error) {
			return nil, errors.New("must not run")
		},
	})
	authErr, ok := authz.IsAuthorizationError(err)
	if !ok || authErr.Code != authz.CodePermissionDenied {
		log.Fatalf("expected delete to be denied, got %v", err)
	}
	log.Printf("delete denied: %s", authErr.Reason)

	entries, err := auditLog.QueryLogs(ctx, audit.Filter{})
	if err != nil {
		log.Fatalf("query logs: %v", err)
	}
	for _, e := range entries {
		ok, err := auditLog.VerifyLogIntegrity(ctx, e.ID)
		if err != nil || !ok {
			log.Fatalf("chain broken at %s: %v", e.ID, err)
		}
	}
	logger.Info("smoke passed", zap.Int("audit_entries", len(entries)))

	auditLog.Shutdown(ctx)
	mw.Shutdown()
}
