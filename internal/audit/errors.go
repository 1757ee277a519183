package audit

import "errors"

var (
	ErrEntryNotFound = errors.New("audit: entry not found")
)
