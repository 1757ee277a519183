// Package authz wraps sensitive operations with authorization checks and
// audit interception, composed as ordinary higher-order functions.
package authz

import (
	"errors"
	"fmt"
)

// Machine-readable authorization failure codes.
const (
	CodePermissionDenied        = "PERMISSION_DENIED"
	CodeElevationRequired       = "ELEVATION_REQUIRED"
	CodeCustomValidationFailed  = "CUSTOM_VALIDATION_FAILED"
	CodeContextExtractionFailed = "CONTEXT_EXTRACTION_FAILED"
)

// ErrAuthorization is the sentinel wrapped by every AuthorizationError.
var ErrAuthorization = errors.New("authz: authorization failed")

// AuthorizationError is returned to callers when an operation is refused.
// Reason is stable and safe to show to end users; Code is for programmatic
// handling.
type AuthorizationError struct {
	Code     string
	Reason   string
	Resource string
	Action   string
	UserID   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authz: %s: %s (resource=%s action=%s)", e.Code, e.Reason, e.Resource, e.Action)
}

func (e *AuthorizationError) Unwrap() error { return ErrAuthorization }

// IsAuthorizationError extracts the typed error from an error chain.
func IsAuthorizationError(err error) (*AuthorizationError, bool) {
	var authErr *AuthorizationError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}
