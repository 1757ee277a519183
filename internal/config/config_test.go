package config

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLINICORE_MASTER_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PermissionCacheTTL != 5*time.Minute {
		t.Fatalf("PermissionCacheTTL = %v", cfg.PermissionCacheTTL)
	}
	if cfg.AuditBufferSize != 100 {
		t.Fatalf("AuditBufferSize = %d", cfg.AuditBufferSize)
	}
	if cfg.KeyRotationAge != 90*24*time.Hour {
		t.Fatalf("KeyRotationAge = %v", cfg.KeyRotationAge)
	}
	if !cfg.OffHoursAlerts {
		t.Fatal("OffHoursAlerts should default to true")
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("log defaults = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CLINICORE_MASTER_SECRET", testSecret)
	t.Setenv("CLINICORE_KEY_ROTATION_DAYS", "30")
	t.Setenv("CLINICORE_PERMISSION_CACHE_TTL", "90s")
	t.Setenv("CLINICORE_AUDIT_BUFFER_SIZE", "250")
	t.Setenv("CLINICORE_OFF_HOURS_ALERTS", "false")
	t.Setenv("CLINICORE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KeyRotationAge != 30*24*time.Hour {
		t.Fatalf("KeyRotationAge = %v", cfg.KeyRotationAge)
	}
	if cfg.PermissionCacheTTL != 90*time.Second {
		t.Fatalf("PermissionCacheTTL = %v", cfg.PermissionCacheTTL)
	}
	if cfg.AuditBufferSize != 250 {
		t.Fatalf("AuditBufferSize = %d", cfg.AuditBufferSize)
	}
	if cfg.OffHoursAlerts {
		t.Fatal("OffHoursAlerts override ignored")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %s", cfg.LogLevel)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct{ key, value string }{
		{"CLINICORE_KEY_ROTATION_DAYS", "zero"},
		{"CLINICORE_KEY_ROTATION_DAYS", "-1"},
		{"CLINICORE_PERMISSION_CACHE_TTL", "soon"},
		{"CLINICORE_AUDIT_BUFFER_SIZE", "0"},
		{"CLINICORE_OFF_HOURS_ALERTS", "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv("CLINICORE_MASTER_SECRET", testSecret)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing master secret must fail validation")
	}
	cfg.MasterSecret = "short"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "32") {
		t.Fatalf("short secret: %v", err)
	}
	cfg.MasterSecret = testSecret
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
