package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the security-core settings read once at startup.
type Config struct {
	// MasterSecret is the process-wide encryption master secret. Required.
	MasterSecret string
	// KeyRotationAge is the age after which ShouldRotateKeys reports true.
	KeyRotationAge time.Duration

	PermissionCacheTTL time.Duration
	RoleCacheTTL       time.Duration
	UserCacheTTL       time.Duration

	AuditFlushInterval time.Duration
	AuditBufferSize    int
	AuditRetention     time.Duration

	// FailedAccessThreshold failed accesses per user within
	// FailedAccessWindow raise an alert.
	FailedAccessThreshold int
	FailedAccessWindow    time.Duration
	OffHoursAlerts        bool

	LogLevel  string
	LogFormat string
}

// Defaults returns the configuration used when no environment overrides exist.
func Defaults() Config {
	return Config{
		KeyRotationAge:        90 * 24 * time.Hour,
		PermissionCacheTTL:    5 * time.Minute,
		RoleCacheTTL:          10 * time.Minute,
		UserCacheTTL:          10 * time.Minute,
		AuditFlushInterval:    30 * time.Second,
		AuditBufferSize:       100,
		AuditRetention:        365 * 24 * time.Hour,
		FailedAccessThreshold: 5,
		FailedAccessWindow:    15 * time.Minute,
		OffHoursAlerts:        true,
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// Load reads configuration from CLINICORE_* environment variables on top of
// the defaults and validates it.
func Load() (Config, error) {
	cfg := Defaults()
	cfg.MasterSecret = os.Getenv("CLINICORE_MASTER_SECRET")
	if v := os.Getenv("CLINICORE_KEY_ROTATION_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return Config{}, fmt.Errorf("invalid CLINICORE_KEY_ROTATION_DAYS %q", v)
		}
		cfg.KeyRotationAge = time.Duration(days) * 24 * time.Hour
	}
	if d, err := envDuration("CLINICORE_PERMISSION_CACHE_TTL"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.PermissionCacheTTL = d
	}
	if d, err := envDuration("CLINICORE_ROLE_CACHE_TTL"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.RoleCacheTTL = d
	}
	if d, err := envDuration("CLINICORE_USER_CACHE_TTL"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.UserCacheTTL = d
	}
	if d, err := envDuration("CLINICORE_AUDIT_FLUSH_INTERVAL"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.AuditFlushInterval = d
	}
	if v := os.Getenv("CLINICORE_AUDIT_BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid CLINICORE_AUDIT_BUFFER_SIZE %q", v)
		}
		cfg.AuditBufferSize = n
	}
	if v := os.Getenv("CLINICORE_FAILED_ACCESS_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid CLINICORE_FAILED_ACCESS_THRESHOLD %q", v)
		}
		cfg.FailedAccessThreshold = n
	}
	if d, err := envDuration("CLINICORE_FAILED_ACCESS_WINDOW"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.FailedAccessWindow = d
	}
	if v := os.Getenv("CLINICORE_OFF_HOURS_ALERTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CLINICORE_OFF_HOURS_ALERTS %q", v)
		}
		cfg.OffHoursAlerts = b
	}
	if v := os.Getenv("CLINICORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CLINICORE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise fail deep inside the core.
func (c Config) Validate() error {
	if c.MasterSecret == "" {
		return errors.New("config: master secret is required")
	}
	if len(c.MasterSecret) < 32 {
		return errors.New("config: master secret must be at least 32 characters")
	}
	if c.AuditBufferSize <= 0 {
		return errors.New("config: audit buffer size must be positive")
	}
	return nil
}

func envDuration(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return d, nil
}
